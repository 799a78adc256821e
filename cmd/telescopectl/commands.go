package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/InetIntel/dynamic-telescope/pkg/grpcapi"
)

var errExit = errors.New("exit")

// telescopeClient is the subset of grpcapi.Client the shell uses.
type telescopeClient interface {
	GetStatus(ctx context.Context) (*structpb.Struct, error)
	GetInactivePrefixes(ctx context.Context, scope string) (*structpb.Struct, error)
	GetAddress(ctx context.Context, addr string) (*structpb.Struct, error)
	GetRates(ctx context.Context) (*structpb.Struct, error)
	GetEvents(ctx context.Context, q grpcapi.EventQuery) ([]*structpb.Struct, error)
	StreamEvents(ctx context.Context, q grpcapi.EventQuery) (grpc.ServerStreamingClient[structpb.Struct], error)
}

type ctl struct {
	client telescopeClient
	out    io.Writer
}

const rpcTimeout = 10 * time.Second

func (c *ctl) dispatch(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "show":
		return c.handleShow(parts[1:])
	case "monitor":
		if len(parts) < 2 || parts[1] != "events" {
			return fmt.Errorf("monitor: expected 'events'")
		}
		q, err := parseEventQuery(parts[2:])
		if err != nil {
			return err
		}
		ctx, cancel := interruptContext()
		defer cancel()
		return c.monitorEvents(ctx, q)
	case "quit", "exit":
		return errExit
	case "?", "help":
		c.showHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *ctl) showHelp() {
	fmt.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  show status                      Controller and tick summary")
	fmt.Fprintln(c.out, "  show inactive [<prefix>]         Inactive prefixes, optionally within a scope")
	fmt.Fprintln(c.out, "  show address <addr>              Liveness of one monitored address")
	fmt.Fprintln(c.out, "  show rates                       Dark meter budget and per-/24 rates")
	fmt.Fprintln(c.out, "  show events [limit N] [type T] [prefix P]")
	fmt.Fprintln(c.out, "                                   Recent events, newest first")
	fmt.Fprintln(c.out, "  monitor events [type T] [prefix P]")
	fmt.Fprintln(c.out, "                                   Follow new events until Ctrl-C")
	fmt.Fprintln(c.out, "  exit                             Leave the shell")
}

func (c *ctl) handleShow(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("show: specify status, inactive, address, rates or events")
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	switch args[0] {
	case "status":
		st, err := c.client.GetStatus(ctx)
		if err != nil {
			return err
		}
		c.printStatus(st)
		return nil

	case "inactive":
		scope := ""
		if len(args) > 1 {
			scope = args[1]
		}
		st, err := c.client.GetInactivePrefixes(ctx, scope)
		if err != nil {
			return err
		}
		c.printInactive(st)
		return nil

	case "address":
		if len(args) < 2 {
			return fmt.Errorf("show address: missing address")
		}
		st, err := c.client.GetAddress(ctx, args[1])
		if err != nil {
			return err
		}
		c.printAddress(st)
		return nil

	case "rates":
		st, err := c.client.GetRates(ctx)
		if err != nil {
			return err
		}
		c.printRates(st)
		return nil

	case "events":
		q, err := parseEventQuery(args[1:])
		if err != nil {
			return err
		}
		events, err := c.client.GetEvents(ctx, q)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Fprintln(c.out, "No events")
			return nil
		}
		for _, ev := range events {
			fmt.Fprintln(c.out, formatEvent(ev))
		}
		return nil

	default:
		return fmt.Errorf("unknown show target: %s", args[0])
	}
}

// parseEventQuery reads "limit N", "type T" and "prefix P" pairs.
func parseEventQuery(args []string) (grpcapi.EventQuery, error) {
	var q grpcapi.EventQuery
	if len(args)%2 != 0 {
		return q, fmt.Errorf("missing value for %q", args[len(args)-1])
	}
	for i := 0; i < len(args); i += 2 {
		switch args[i] {
		case "limit":
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				return q, fmt.Errorf("invalid limit %q", args[i+1])
			}
			q.Limit = n
		case "type":
			q.Type = args[i+1]
		case "prefix":
			q.Prefix = args[i+1]
		default:
			return q, fmt.Errorf("unknown filter %q", args[i])
		}
	}
	return q, nil
}

func (c *ctl) monitorEvents(ctx context.Context, q grpcapi.EventQuery) error {
	stream, err := c.client.StreamEvents(ctx, q)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, "Monitoring events (Ctrl-C to stop)")
	for {
		ev, err := stream.Recv()
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Fprintln(c.out, formatEvent(ev))
	}
}

func field(st *structpb.Struct, key string) string {
	v, ok := st.GetFields()[key]
	if !ok {
		return "-"
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64)
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(k.BoolValue)
	default:
		return v.String()
	}
}

func (c *ctl) printStatus(st *structpb.Struct) {
	rows := []struct{ label, key string }{
		{"Version", "version"},
		{"Uptime", "uptime"},
		{"Data plane", "dataplane"},
		{"Addresses", "addresses"},
		{"Dark /24s", "dark_blocks"},
		{"Fresh", "fresh"},
		{"Decaying", "decaying"},
		{"Inactive", "inactive"},
		{"Inactive /24s", "inactive_blocks"},
		{"Pending writes", "pending_writes"},
		{"Ticks", "ticks"},
		{"Incomplete ticks", "incomplete_ticks"},
		{"Last tick", "last_tick"},
		{"Last tick took", "last_tick_duration"},
		{"Interval", "interval"},
		{"Alpha", "alpha"},
		{"Dark resets", "dark_resets"},
	}
	for _, r := range rows {
		fmt.Fprintf(c.out, "%-18s %s\n", r.label+":", field(st, r.key))
	}
}

func (c *ctl) printInactive(st *structpb.Struct) {
	prefixes := st.GetFields()["prefixes"].GetListValue().GetValues()
	scope := "all monitored space"
	if _, ok := st.GetFields()["prefix"]; ok {
		scope = field(st, "prefix")
	}
	fmt.Fprintf(c.out, "Inactive in %s: %s addresses in %d prefixes\n", scope, field(st, "count"), len(prefixes))
	for _, p := range prefixes {
		fmt.Fprintf(c.out, "  %s\n", p.GetStringValue())
	}
}

func (c *ctl) printAddress(st *structpb.Struct) {
	fmt.Fprintf(c.out, "%s: %s (counter %s)\n", field(st, "address"), field(st, "state"), field(st, "counter"))
	fmt.Fprintf(c.out, "  index %s in block %s\n", field(st, "index"), field(st, "block"))
	fmt.Fprintf(c.out, "  dark meter %s (%s)\n", field(st, "dark_index"), field(st, "dark_prefix"))
}

func (c *ctl) printRates(st *structpb.Struct) {
	fmt.Fprintf(c.out, "Budget: avg %s pps, max %s pps, burst %s\n",
		field(st, "avg_packet_rate"), field(st, "max_packet_rate"), field(st, "burst"))
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PREFIX\tINACTIVE\tCIR\tPIR\tCBURST\tPBURST")
	for _, v := range st.GetFields()["blocks"].GetListValue().GetValues() {
		b := v.GetStructValue()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			field(b, "prefix"), field(b, "inactive"), field(b, "committed_rate"),
			field(b, "peak_rate"), field(b, "committed_burst"), field(b, "peak_burst"))
	}
	tw.Flush()
}

func formatEvent(ev *structpb.Struct) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-18s", field(ev, "time"), field(ev, "type"))
	if _, ok := ev.GetFields()["address"]; ok {
		fmt.Fprintf(&b, " %s index=%s", field(ev, "address"), field(ev, "index"))
	}
	if _, ok := ev.GetFields()["prefix"]; ok {
		fmt.Fprintf(&b, " %s dark_index=%s packets=%s", field(ev, "prefix"), field(ev, "index"), field(ev, "packets"))
	}
	return b.String()
}
