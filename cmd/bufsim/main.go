package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"iptcp-ringbuf/pkg/config"
	"iptcp-ringbuf/pkg/tcpstack"

	"github.com/google/netstack/tcpip/seqnum"
)

func main() {
	// 0. read config file from command line
	arg := flag.String("config", "", "specify the config file (defaults apply when empty)")
	iss := flag.Uint("iss", 0, "client initial sequence number (random when 0)")
	flag.Parse()

	cfg := &config.DefaultStreamConfig
	if *arg != "" {
		parsed, err := config.ParseConfig(*arg)
		if err != nil {
			fmt.Println(err)
			fmt.Println("usage: bufsim [--config <file>] [--iss <n>]")
			os.Exit(1)
		}
		cfg = parsed
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	tcpstack.SetLogger(logger)

	// 1. build a client/server pair over in-memory links
	clientISS := seqnum.Value(*iss)
	if clientISS == 0 {
		clientISS = seqnum.Value(time.Now().UnixMicro() / 4)
	}
	serverISS := clientISS + 1<<31
	sim := tcpstack.NewSimulator(cfg, clientISS, serverISS)
	logger.Info("simulator ready", "client", sim.Client.TCPEndpointID, "ISS", clientISS, "IRS", serverISS,
		"send-buffer", cfg.SendBufferSize, "recv-buffer", cfg.RecvBufferSize, "mss", cfg.MSS)

	// 2. run the repl
	if err := tcpstack.SimRepl(sim).Run(); err != nil {
		logger.Error("repl exited", "error", err)
		os.Exit(1)
	}
}
