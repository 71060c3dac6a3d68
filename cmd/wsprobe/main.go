package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/webboard/wsprobe/pkg/probe"
	"github.com/webboard/wsprobe/pkg/wsrpc"
)

// Reference deployment endpoint of the webboard server.
const serverURL = "ws://127.0.0.1:3000/live"

var interactive = flag.Bool("interactive", false, "run the interactive command loop instead of the scenario battery")

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		With().
		Timestamp().
		Str("conn_id", xid.New().String()).
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	session, err := wsrpc.DialSession(dialCtx, serverURL, log)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("url", serverURL).Msg("Failed to connect")
		return 1
	}
	log.Info().Str("url", serverURL).Msg("Connected")

	client := wsrpc.NewClient(session, log)
	defer func() { _ = client.Close() }()

	if *interactive {
		if err := probe.NewConsole(client, os.Stdin, os.Stdout, log).Run(ctx); err != nil {
			log.Error().Err(err).Msg("Interactive session ended with error")
			return 1
		}
		return 0
	}

	runner := probe.NewRunner(log)
	outcomes := runner.Run(ctx, client, probe.Battery())
	_, failed := runner.Summarize(outcomes)
	if failed > 0 {
		return 1
	}
	return 0
}
