// Package p4rt drives a hardware or bmv2 switch over P4Runtime.
package p4rt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/InetIntel/dynamic-telescope/pkg/dataplane"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
)

const arbitrationTimeout = 10 * time.Second

func init() {
	dataplane.RegisterBackend(dataplane.TypeP4Runtime, func(ctx context.Context, opts dataplane.Options) (dataplane.DataPlane, error) {
		return Dial(ctx, opts)
	})
}

var _ dataplane.DataPlane = (*Switch)(nil)

// Switch is a P4Runtime client holding primary arbitration for one device.
type Switch struct {
	name       string
	deviceID   uint64
	electionID *p4v1.Uint128

	conn    *grpc.ClientConn
	client  p4v1.P4RuntimeClient
	stream  p4v1.P4Runtime_StreamChannelClient
	cancel  context.CancelFunc
	schema  *schema
	limiter *rate.Limiter
}

// Dial connects to the switch, becomes primary controller and resolves the
// pipeline from the configured P4Info file or, if none, from the device.
func Dial(ctx context.Context, opts dataplane.Options) (*Switch, error) {
	conn, err := grpc.NewClient(opts.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("p4runtime %s: %w", opts.Address, err)
	}
	s := newSwitch(opts, p4v1.NewP4RuntimeClient(conn))
	s.conn = conn

	if err := s.arbitrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.loadSchema(ctx, opts); err != nil {
		s.Close()
		return nil, err
	}
	slog.Info("p4runtime switch connected", "switch", s.name,
		"address", opts.Address, "device_id", s.deviceID)
	return s, nil
}

func newSwitch(opts dataplane.Options, client p4v1.P4RuntimeClient) *Switch {
	limit, burst := rate.Inf, 1
	if opts.RPCRate > 0 {
		limit = rate.Limit(opts.RPCRate)
		burst = max(opts.RPCRate/10, 1)
	}
	return &Switch{
		name:       opts.Name,
		deviceID:   opts.DeviceID,
		electionID: &p4v1.Uint128{High: 0, Low: opts.ElectionID},
		client:     client,
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// arbitrate opens the stream channel and waits for the arbitration
// response. Only the primary controller may write.
func (s *Switch) arbitrate(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := s.client.StreamChannel(streamCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("open stream channel: %w", classify(err))
	}
	s.stream = stream
	s.cancel = cancel

	err = stream.Send(&p4v1.StreamMessageRequest{
		Update: &p4v1.StreamMessageRequest_Arbitration{
			Arbitration: &p4v1.MasterArbitrationUpdate{
				DeviceId:   s.deviceID,
				ElectionId: s.electionID,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send arbitration: %w", classify(err))
	}

	type result struct {
		resp *p4v1.StreamMessageResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := stream.Recv()
		ch <- result{resp, err}
	}()

	timer := time.NewTimer(arbitrationTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: no arbitration response from %s", dataplane.ErrTransient, s.name)
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("arbitration: %w", classify(r.err))
		}
		arb := r.resp.GetArbitration()
		if arb == nil {
			return fmt.Errorf("arbitration: unexpected stream message %T", r.resp.GetUpdate())
		}
		if code := codes.Code(arb.GetStatus().GetCode()); code != codes.OK {
			return fmt.Errorf("switch %s: not primary controller (%s: %s)",
				s.name, code, arb.GetStatus().GetMessage())
		}
	}

	go s.watchStream()
	return nil
}

// watchStream drains the stream channel for the lifetime of the
// connection. Losing primary status is logged; subsequent writes fail with
// PERMISSION_DENIED.
func (s *Switch) watchStream() {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("p4runtime stream closed", "switch", s.name, "err", err)
			}
			return
		}
		switch m := resp.GetUpdate().(type) {
		case *p4v1.StreamMessageResponse_Arbitration:
			if codes.Code(m.Arbitration.GetStatus().GetCode()) != codes.OK {
				slog.Warn("p4runtime switch lost primary arbitration", "switch", s.name)
			}
		case *p4v1.StreamMessageResponse_Error:
			slog.Warn("p4runtime stream error", "switch", s.name,
				"code", m.Error.GetCanonicalCode(), "msg", m.Error.GetMessage())
		}
	}
}

func (s *Switch) loadSchema(ctx context.Context, opts dataplane.Options) error {
	var sc *schema
	if opts.P4Info != "" {
		info, err := LoadP4Info(opts.P4Info)
		if err != nil {
			return err
		}
		sc = newSchema(info, opts.Control)
	} else {
		resp, err := s.client.GetForwardingPipelineConfig(ctx, &p4v1.GetForwardingPipelineConfigRequest{
			DeviceId:     s.deviceID,
			ResponseType: p4v1.GetForwardingPipelineConfigRequest_P4INFO_AND_COOKIE,
		})
		if err != nil {
			return fmt.Errorf("get pipeline config: %w", classify(err))
		}
		if resp.GetConfig().GetP4Info() == nil {
			return fmt.Errorf("switch %s has no pipeline installed", s.name)
		}
		sc = newSchema(resp.GetConfig().GetP4Info(), opts.Control)
	}
	if err := sc.validate(); err != nil {
		return fmt.Errorf("switch %s: %w", s.name, err)
	}
	s.schema = sc
	return nil
}

func (s *Switch) Name() string { return s.name }

// Close releases the stream and connection.
func (s *Switch) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Switch) write(ctx context.Context, updates ...*p4v1.Update) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := s.client.Write(ctx, &p4v1.WriteRequest{
		DeviceId:   s.deviceID,
		ElectionId: s.electionID,
		Updates:    updates,
	})
	return classify(err)
}

// readOne issues a single-entity read and returns the first entity.
func (s *Switch) readOne(ctx context.Context, e *p4v1.Entity) (*p4v1.Entity, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	stream, err := s.client.Read(ctx, &p4v1.ReadRequest{
		DeviceId: s.deviceID,
		Entities: []*p4v1.Entity{e},
	})
	if err != nil {
		return nil, classify(err)
	}
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil, errNoEntity
		}
		if err != nil {
			return nil, classify(err)
		}
		if len(resp.GetEntities()) > 0 {
			return resp.GetEntities()[0], nil
		}
	}
}

func modify(e *p4v1.Entity) *p4v1.Update {
	return &p4v1.Update{Type: p4v1.Update_MODIFY, Entity: e}
}

func registerEntity(id uint32, index *p4v1.Index, data *p4v1.P4Data) *p4v1.Entity {
	return &p4v1.Entity{Entity: &p4v1.Entity_RegisterEntry{
		RegisterEntry: &p4v1.RegisterEntry{RegisterId: id, Index: index, Data: data},
	}}
}

func counterEntity(id uint32, index *p4v1.Index, data *p4v1.CounterData) *p4v1.Entity {
	return &p4v1.Entity{Entity: &p4v1.Entity_CounterEntry{
		CounterEntry: &p4v1.CounterEntry{CounterId: id, Index: index, Data: data},
	}}
}

func at(index uint32) *p4v1.Index {
	return &p4v1.Index{Index: int64(index)}
}

// Init uses wildcard register and counter writes (index unset), which
// modify every entry in one update.
func (s *Switch) Init(ctx context.Context, _, _ uint32) error {
	global, err := s.schema.register(registerGlobal)
	if err != nil {
		return err
	}
	flag, err := s.schema.register(registerFlag)
	if err != nil {
		return err
	}
	dark, err := s.schema.counter(counterDark)
	if err != nil {
		return err
	}
	if err := s.write(ctx, modify(registerEntity(global, nil, bitstring(1)))); err != nil {
		return fmt.Errorf("init %s: %w", registerGlobal, err)
	}
	if err := s.write(ctx, modify(registerEntity(flag, nil, bitstring(0)))); err != nil {
		return fmt.Errorf("init %s: %w", registerFlag, err)
	}
	if err := s.write(ctx, modify(counterEntity(dark, nil, &p4v1.CounterData{}))); err != nil {
		return fmt.Errorf("init %s: %w", counterDark, err)
	}
	return nil
}

func (s *Switch) ReadFlag(ctx context.Context, index uint32) (bool, error) {
	id, err := s.schema.register(registerFlag)
	if err != nil {
		return false, err
	}
	e, err := s.readOne(ctx, registerEntity(id, at(index), nil))
	if err != nil {
		return false, fmt.Errorf("read %s[%d]: %w", registerFlag, index, err)
	}
	v, err := dataValue(e.GetRegisterEntry().GetData())
	if err != nil {
		return false, fmt.Errorf("read %s[%d]: %w", registerFlag, index, err)
	}
	return v != 0, nil
}

func (s *Switch) ClearFlag(ctx context.Context, index uint32) error {
	id, err := s.schema.register(registerFlag)
	if err != nil {
		return err
	}
	return s.write(ctx, modify(registerEntity(id, at(index), bitstring(0))))
}

func (s *Switch) WriteActiveState(ctx context.Context, index uint32, active bool) error {
	id, err := s.schema.register(registerGlobal)
	if err != nil {
		return err
	}
	var v uint64
	if active {
		v = 1
	}
	return s.write(ctx, modify(registerEntity(id, at(index), bitstring(v))))
}

func (s *Switch) ReadDarkCounter(ctx context.Context, darkIndex uint32) (dataplane.CounterValue, error) {
	id, err := s.schema.counter(counterDark)
	if err != nil {
		return dataplane.CounterValue{}, err
	}
	e, err := s.readOne(ctx, counterEntity(id, at(darkIndex), nil))
	if err != nil {
		return dataplane.CounterValue{}, fmt.Errorf("read %s[%d]: %w", counterDark, darkIndex, err)
	}
	d := e.GetCounterEntry().GetData()
	return dataplane.CounterValue{
		Packets: uint64(d.GetPacketCount()),
		Bytes:   uint64(d.GetByteCount()),
	}, nil
}

func (s *Switch) ResetDarkCounter(ctx context.Context, darkIndex uint32) error {
	id, err := s.schema.counter(counterDark)
	if err != nil {
		return err
	}
	return s.write(ctx, modify(counterEntity(id, at(darkIndex), &p4v1.CounterData{})))
}

func (s *Switch) SetMeterRate(ctx context.Context, meter string, index uint32, r dataplane.MeterRate) error {
	id, err := s.schema.meter(meter)
	if err != nil {
		return err
	}
	return s.write(ctx, modify(&p4v1.Entity{Entity: &p4v1.Entity_MeterEntry{
		MeterEntry: &p4v1.MeterEntry{
			MeterId: id,
			Index:   at(index),
			Config: &p4v1.MeterConfig{
				Cir:    int64(r.CommittedRate),
				Cburst: int64(r.CommittedBurst),
				Pir:    int64(r.PeakRate),
				Pburst: int64(r.PeakBurst),
			},
		},
	}}))
}

// AddTableEntry inserts a single-key table entry. The switch reports any
// existing entry with the same key as ALREADY_EXISTS, so the programmed
// action is read back: ErrAlreadyExists only when it is identical,
// errConflict otherwise.
func (s *Switch) AddTableEntry(ctx context.Context, entry dataplane.TableEntry) error {
	te, err := s.tableEntry(entry)
	if err != nil {
		return err
	}
	err = s.write(ctx, &p4v1.Update{
		Type:   p4v1.Update_INSERT,
		Entity: &p4v1.Entity{Entity: &p4v1.Entity_TableEntry{TableEntry: te}},
	})
	if dataplane.IsAlreadyExists(err) {
		err = s.checkExisting(ctx, te)
	}
	if err != nil {
		return fmt.Errorf("insert %s: %w", entry, err)
	}
	return nil
}

func (s *Switch) checkExisting(ctx context.Context, te *p4v1.TableEntry) error {
	e, err := s.readOne(ctx, &p4v1.Entity{Entity: &p4v1.Entity_TableEntry{TableEntry: &p4v1.TableEntry{
		TableId: te.GetTableId(),
		Match:   te.GetMatch(),
	}}})
	if err != nil {
		return fmt.Errorf("read existing entry: %w", err)
	}
	cur := e.GetTableEntry()
	if cur.GetTableId() != te.GetTableId() {
		return fmt.Errorf("read existing entry: got table %d", cur.GetTableId())
	}
	if !sameAction(cur.GetAction().GetAction(), te.GetAction().GetAction()) {
		return fmt.Errorf("%w: programmed %s", errConflict, describeAction(cur.GetAction().GetAction()))
	}
	return dataplane.ErrAlreadyExists
}

// sameAction compares action IDs and parameter values by parameter ID.
// Values are compared numerically since targets may echo them back
// unpadded or padded to the parameter width.
func sameAction(a, b *p4v1.Action) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.GetActionId() != b.GetActionId() || len(a.GetParams()) != len(b.GetParams()) {
		return false
	}
	want := make(map[uint32]uint64, len(b.GetParams()))
	for _, p := range b.GetParams() {
		v, err := decodeUint(p.GetValue())
		if err != nil {
			return false
		}
		want[p.GetParamId()] = v
	}
	for _, p := range a.GetParams() {
		v, err := decodeUint(p.GetValue())
		if err != nil {
			return false
		}
		if w, ok := want[p.GetParamId()]; !ok || w != v {
			return false
		}
	}
	return true
}

func describeAction(a *p4v1.Action) string {
	if a == nil {
		return "no action"
	}
	params := make([]uint64, 0, len(a.GetParams()))
	for _, p := range a.GetParams() {
		v, _ := decodeUint(p.GetValue())
		params = append(params, v)
	}
	return fmt.Sprintf("action %d%v", a.GetActionId(), params)
}

func (s *Switch) tableEntry(entry dataplane.TableEntry) (*p4v1.TableEntry, error) {
	table, err := s.schema.table(entry.Table)
	if err != nil {
		return nil, err
	}
	if len(table.GetMatchFields()) != 1 {
		return nil, fmt.Errorf("table %s: expected one match field, have %d",
			entry.Table, len(table.GetMatchFields()))
	}
	field := table.GetMatchFields()[0]

	match := &p4v1.FieldMatch{FieldId: field.GetId()}
	if entry.Key.IsLPM() {
		if !entry.Key.Prefix.Addr().Is4() {
			return nil, fmt.Errorf("table %s: key %s is not IPv4", entry.Table, entry.Key)
		}
		p := entry.Key.Prefix.Masked()
		match.FieldMatchType = &p4v1.FieldMatch_Lpm{Lpm: &p4v1.FieldMatch_LPM{
			Value:     encodeAddr(p.Addr()),
			PrefixLen: int32(p.Bits()),
		}}
	} else {
		match.FieldMatchType = &p4v1.FieldMatch_Exact_{Exact: &p4v1.FieldMatch_Exact{
			Value: encodeUint(entry.Key.Exact),
		}}
	}

	action, err := s.schema.action(entry.Action)
	if err != nil {
		return nil, err
	}
	if len(action.GetParams()) != len(entry.Params) {
		return nil, fmt.Errorf("action %s takes %d params, got %d",
			entry.Action, len(action.GetParams()), len(entry.Params))
	}
	params := make([]*p4v1.Action_Param, len(entry.Params))
	for i, p := range action.GetParams() {
		params[i] = &p4v1.Action_Param{ParamId: p.GetId(), Value: encodeUint(entry.Params[i])}
	}

	return &p4v1.TableEntry{
		TableId: table.GetPreamble().GetId(),
		Match:   []*p4v1.FieldMatch{match},
		Action: &p4v1.TableAction{Type: &p4v1.TableAction_Action{Action: &p4v1.Action{
			ActionId: action.GetPreamble().GetId(),
			Params:   params,
		}}},
	}, nil
}
