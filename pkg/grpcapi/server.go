// Package grpcapi implements the gRPC API used by telescopectl.
package grpcapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/InetIntel/dynamic-telescope/pkg/aggregate"
	"github.com/InetIntel/dynamic-telescope/pkg/controller"
	"github.com/InetIntel/dynamic-telescope/pkg/index"
	"github.com/InetIntel/dynamic-telescope/pkg/logging"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 10000
)

// Config configures the gRPC server.
type Config struct {
	Controller *controller.Controller
	EventBuf   *logging.EventBuffer
	Version    string
}

// Server implements the Telescope gRPC service.
type Server struct {
	ctrl      *controller.Controller
	eventBuf  *logging.EventBuffer
	version   string
	startTime time.Time
	addr      string
}

// NewServer creates a new gRPC server.
func NewServer(addr string, cfg Config) *Server {
	return &Server{
		ctrl:      cfg.Controller,
		eventBuf:  cfg.EventBuf,
		version:   cfg.Version,
		startTime: time.Now(),
		addr:      addr,
	}
}

// Register adds the service to srv.
func (s *Server) Register(srv grpc.ServiceRegistrar) {
	RegisterTelescopeServer(srv, s)
}

// Run starts the gRPC server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the service on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	s.Register(srv)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	srv.GracefulStop()
	return nil
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return st, nil
}

func (s *Server) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.ctrl.Stats()
	m := map[string]any{
		"version":            s.version,
		"uptime":             time.Since(s.startTime).Truncate(time.Second).String(),
		"dataplane":          s.ctrl.DataPlane().Name(),
		"addresses":          st.Addresses,
		"dark_blocks":        st.DarkBlocks,
		"fresh":              st.Tracker.Fresh,
		"decaying":           st.Tracker.Decaying,
		"inactive":           st.Tracker.Inactive,
		"inactive_blocks":    st.InactiveBlocks,
		"pending_writes":     st.Tracker.Pending,
		"ticks":              st.Tracker.Ticks,
		"incomplete_ticks":   st.IncompleteTicks,
		"last_tick_duration": st.Tracker.LastTick.String(),
		"interval":           st.Interval.String(),
		"alpha":              s.ctrl.Tracker().Alpha(),
		"dark_resets":        st.DarkResets,
	}
	if !st.LastTickAt.IsZero() {
		m["last_tick"] = st.LastTickAt.Format(time.RFC3339)
	}
	return newStruct(m)
}

func (s *Server) GetInactivePrefixes(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	var scope *netip.Prefix
	m := map[string]any{}
	if q := req.GetValue(); q != "" {
		p, err := aggregate.ParseScope(q)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid prefix %q: %v", q, err)
		}
		scope = &p
		m["prefix"] = p.String()
	}

	pfxs := s.ctrl.Tracker().InactivePrefixes(scope)
	list := make([]any, 0, len(pfxs))
	var count uint64
	for _, p := range pfxs {
		list = append(list, p.String())
		count += uint64(1) << (32 - p.Bits())
	}
	m["prefixes"] = list
	m["count"] = count
	return newStruct(m)
}

func (s *Server) GetAddress(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	addr, err := netip.ParseAddr(req.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	space := s.ctrl.Space()
	i, ok := space.Lookup(addr)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "%s is not monitored", addr)
	}
	tr := s.ctrl.Tracker()
	c := tr.Counter(i)
	dark := index.DarkKey(addr)
	darkIdx, _ := space.DarkIndex(dark)
	m := map[string]any{
		"address":     addr.String(),
		"index":       i,
		"counter":     c,
		"state":       tr.StateOf(c).String(),
		"dark_prefix": dark.String(),
		"dark_index":  darkIdx,
	}
	for _, b := range space.Blocks() {
		if b.Contains(i) {
			m["block"] = b.Prefix.String()
			break
		}
	}
	return newStruct(m)
}

func (s *Server) GetRates(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	alloc := s.ctrl.Allocator()
	budget := alloc.Budget()
	inactive := s.ctrl.InactiveBlocks()
	space := s.ctrl.Space()

	blocks := make([]any, 0, space.DarkLen())
	for i := uint32(0); i < space.DarkLen(); i++ {
		p := space.DarkPrefix(i)
		r := alloc.Rate(i)
		blocks = append(blocks, map[string]any{
			"prefix":          p.String(),
			"dark_index":      i,
			"inactive":        inactive[p],
			"committed_rate":  r.CommittedRate,
			"peak_rate":       r.PeakRate,
			"committed_burst": r.CommittedBurst,
			"peak_burst":      r.PeakBurst,
		})
	}
	return newStruct(map[string]any{
		"max_packet_rate": budget.MaxPacketRate,
		"avg_packet_rate": budget.AvgPacketRate,
		"max_byte_rate":   budget.MaxByteRate,
		"avg_byte_rate":   budget.AvgByteRate,
		"burst":           budget.Burst,
		"blocks":          blocks,
	})
}

// eventFilter reads the limit, type and prefix fields of req.
func eventFilter(req *structpb.Struct) (logging.EventFilter, int, error) {
	fields := req.GetFields()
	f := logging.EventFilter{Type: fields["type"].GetStringValue()}
	if q := fields["prefix"].GetStringValue(); q != "" {
		p, err := aggregate.ParseScope(q)
		if err != nil {
			return f, 0, status.Errorf(codes.InvalidArgument, "invalid prefix %q: %v", q, err)
		}
		f.Prefix = p
	}
	limit := int(fields["limit"].GetNumberValue())
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	return f, limit, nil
}

func eventValue(rec logging.EventRecord) map[string]any {
	m := map[string]any{
		"seq":   rec.Seq,
		"time":  rec.Time.Format(time.RFC3339),
		"type":  rec.Type,
		"index": rec.Index,
	}
	if rec.Addr.IsValid() {
		m["address"] = rec.Addr.String()
	}
	if rec.Prefix.IsValid() {
		m["prefix"] = rec.Prefix.String()
		m["packets"] = rec.Count
	}
	return m
}

// GetEvents returns recent events, newest first.
func (s *Server) GetEvents(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.eventBuf == nil {
		return newStruct(map[string]any{"events": []any{}})
	}
	filter, limit, err := eventFilter(req)
	if err != nil {
		return nil, err
	}
	recs := s.eventBuf.LatestFiltered(limit, filter)
	events := make([]any, 0, len(recs))
	for _, rec := range recs {
		events = append(events, eventValue(rec))
	}
	return newStruct(map[string]any{"events": events})
}

// StreamEvents sends matching events as they are recorded until the client
// goes away.
func (s *Server) StreamEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s.eventBuf == nil {
		return status.Error(codes.Unavailable, "event buffer not available")
	}
	filter, _, err := eventFilter(req)
	if err != nil {
		return err
	}

	sub := s.eventBuf.Subscribe(128)
	defer sub.Close()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-sub.C:
			if !filter.Match(rec) {
				continue
			}
			st, err := newStruct(eventValue(rec))
			if err != nil {
				return err
			}
			if err := stream.Send(st); err != nil {
				return err
			}
		}
	}
}
