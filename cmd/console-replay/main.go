// Command console-replay replays a captured agent event stream through the
// console consumer and prints the assembled conversation.
//
// The stream is read from a file, stdin or an HTTP endpoint serving
// text/event-stream. The primary conversation and every sub-agent flow are
// printed as JSON or YAML once the turn ends.
//
// # Publication and persistence
//
// When a Redis address is configured, committed snapshots are published to
// the Pulse stream of the session while the replay runs, followed by the
// turn outcome. When a Mongo URI is configured, sessions and turn metadata
// are recorded in MongoDB instead of memory, and every consumed SSE record is
// appended to the record log. A logged turn is replayed with the source
// "turn:<id>".
//
// # Example
//
//	console-replay -format yaml ./captures/turn.sse
//	REDIS_URL=localhost:6379 console-replay https://agent.local/turns/42/stream
//	MONGO_URI=mongodb://localhost:27017 console-replay turn:7f1c2d4e
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Stderr)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format), log.WithOutput(os.Stderr))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, os.Stdout)
	stop()
	if err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}
