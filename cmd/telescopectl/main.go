// telescopectl is the operator shell for telescoped.
//
// It connects to the telescoped gRPC API. With arguments it runs a single
// command and exits; without, it starts an interactive shell.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/InetIntel/dynamic-telescope/pkg/grpcapi"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:50061", "telescoped gRPC address")
	flag.Parse()

	client, err := grpcapi.Dial(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telescopectl: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	c := &ctl{client: client, out: os.Stdout}

	// Verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	st, err := client.GetStatus(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "telescopectl: cannot reach telescoped at %s: %v\n", *addr, err)
		os.Exit(1)
	}

	if flag.NArg() > 0 {
		if err := c.dispatch(strings.Join(flag.Args(), " ")); err != nil && !errors.Is(err, errExit) {
			fmt.Fprintf(os.Stderr, "telescopectl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "telescope"
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          hostname + "> ",
		HistoryFile:     "/tmp/telescopectl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "telescopectl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("telescopectl: connected to telescoped %s (uptime: %s)\n",
		field(st, "version"), field(st, "uptime"))
	fmt.Println("Type 'help' for commands")
	fmt.Println()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.dispatch(line); err != nil {
			if errors.Is(err, errExit) {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("show",
		readline.PcItem("status"),
		readline.PcItem("inactive"),
		readline.PcItem("address"),
		readline.PcItem("rates"),
		readline.PcItem("events",
			readline.PcItem("limit"),
			readline.PcItem("type"),
			readline.PcItem("prefix"),
		),
	),
	readline.PcItem("monitor",
		readline.PcItem("events",
			readline.PcItem("type"),
			readline.PcItem("prefix"),
		),
	),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

// interruptContext returns a context cancelled on Ctrl-C, for commands
// that run until the operator stops them.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}
