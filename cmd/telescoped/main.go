// telescoped is the dynamic telescope control-plane daemon.
//
// It tracks which monitored addresses are dark, keeps the switches'
// fast-path state in sync and spreads the dark traffic budget over the
// /24s that currently have inactive addresses.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/InetIntel/dynamic-telescope/pkg/daemon"
	"github.com/InetIntel/dynamic-telescope/pkg/logging"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "/etc/telescope/telescope.conf", "configuration file path")
	apiAddr := flag.String("api-addr", "", "HTTP API listen address (overrides system api-addr)")
	grpcAddr := flag.String("grpc-addr", "", "gRPC API listen address (overrides system grpc-addr)")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// Set up structured logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	handler := logging.NewSyslogSlogHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(slog.New(handler))

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		Version:    version,
		APIAddr:    *apiAddr,
		GRPCAddr:   *grpcAddr,
		LogHandler: handler,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "telescoped: %v\n", err)
		os.Exit(1)
	}
}
