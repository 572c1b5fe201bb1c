package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"gopkg.in/yaml.v3"

	recordmongo "github.com/agentconsole/console/features/recordlog/mongo"
	recordclient "github.com/agentconsole/console/features/recordlog/mongo/clients/mongo"
	sessionmongo "github.com/agentconsole/console/features/session/mongo"
	sessionclient "github.com/agentconsole/console/features/session/mongo/clients/mongo"
	"github.com/agentconsole/console/features/stream/pulse"
	clientspulse "github.com/agentconsole/console/features/stream/pulse/clients/pulse"
	"github.com/agentconsole/console/runtime/console/message"
	"github.com/agentconsole/console/runtime/console/recordlog"
	"github.com/agentconsole/console/runtime/console/session"
	"github.com/agentconsole/console/runtime/console/session/inmem"
	"github.com/agentconsole/console/runtime/console/subagent"
	"github.com/agentconsole/console/runtime/console/telemetry"
	"github.com/agentconsole/console/runtime/console/transport"
	"github.com/agentconsole/console/runtime/console/turn"
)

type (
	// report is the document printed once the turn ended.
	report struct {
		TurnID    string            `json:"turn_id" yaml:"turn_id"`
		SessionID string            `json:"session_id,omitempty" yaml:"session_id,omitempty"`
		Branched  bool              `json:"branched,omitempty" yaml:"branched,omitempty"`
		Outcome   pulse.TurnOutcome `json:"outcome" yaml:"outcome"`
		Messages  []message.Message `json:"messages" yaml:"messages"`
		Subagents []subagent.Task   `json:"subagents,omitempty" yaml:"subagents,omitempty"`
	}

	// deps holds the backends selected by the configuration.
	deps struct {
		sessions session.Store
		records  recordlog.Store
		pub      *pulse.Publisher
		pingers  []health.Pinger
	}

	redisPinger struct {
		client clientspulse.Client
	}
)

// turnSourcePrefix selects a turn of the record log as the source.
const turnSourcePrefix = "turn:"

func (p redisPinger) Name() string                   { return "redis" }
func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx) }

// run connects the configured backends, replays cfg.Source and writes the
// report to out. It fails when the turn failed; cancellation and abnormal
// results are reported, not failed.
func run(ctx context.Context, cfg config, out io.Writer) error {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	d, cleanup, err := connect(ctx, cfg)
	defer cleanup()
	if err != nil {
		return err
	}
	if len(d.pingers) > 0 {
		if h, ok := health.NewChecker(d.pingers...).Check(ctx); !ok {
			return fmt.Errorf("dependencies unavailable: %v", h.Status)
		}
	}
	return replay(ctx, cfg, d, out)
}

// connect builds the backends of cfg. The returned cleanup function must be
// called even when connect fails.
func connect(ctx context.Context, cfg config) (deps, func(), error) {
	var (
		d       = deps{sessions: inmem.New()}
		closers []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	if cfg.Mongo.URI != "" {
		mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return d, cleanup, fmt.Errorf("connect to mongo: %w", err)
		}
		closers = append(closers, func() {
			if err := mc.Disconnect(context.WithoutCancel(ctx)); err != nil {
				log.Errorf(ctx, err, "disconnect mongo")
			}
		})
		sc, err := sessionclient.New(sessionclient.Options{Client: mc, Database: cfg.Mongo.Database})
		if err != nil {
			return d, cleanup, fmt.Errorf("create session client: %w", err)
		}
		sessions, err := sessionmongo.NewStore(sc)
		if err != nil {
			return d, cleanup, err
		}
		rc, err := recordclient.New(recordclient.Options{Client: mc, Database: cfg.Mongo.Database})
		if err != nil {
			return d, cleanup, fmt.Errorf("create record log client: %w", err)
		}
		records, err := recordmongo.NewStore(rc)
		if err != nil {
			return d, cleanup, err
		}
		d.sessions, d.records = sessions, records
		d.pingers = append(d.pingers, sessions, records)
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		closers = append(closers, func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		})
		client, err := clientspulse.New(clientspulse.Options{
			Redis:            rdb,
			StreamMaxLen:     cfg.Redis.StreamMaxLen,
			OperationTimeout: 5 * time.Second,
		})
		if err != nil {
			return d, cleanup, err
		}
		d.pub, err = pulse.NewPublisher(pulse.Options{
			Client:   client,
			Interval: cfg.Redis.Interval,
			Logger:   telemetry.NewClueLogger(),
		})
		if err != nil {
			return d, cleanup, err
		}
		d.pingers = append(d.pingers, redisPinger{client: client})
	}
	return d, cleanup, nil
}

// replay consumes cfg.Source with the backends of d and writes the report.
func replay(ctx context.Context, cfg config, d deps, out io.Writer) error {
	body, err := openSource(ctx, cfg, d.records)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	store := message.NewStore()
	opts := []turn.Option{
		turn.WithTelemetry(telemetry.NewClueSet()),
		turn.WithSessionStore(d.sessions),
		turn.WithChunkSize(cfg.ChunkSize),
		turn.WithLabels(map[string]string{"source": cfg.Source}),
	}
	if d.records != nil && !strings.HasPrefix(cfg.Source, turnSourcePrefix) {
		opts = append(opts, turn.WithRecordLog(d.records))
	}
	t := turn.New(store, opts...)
	target := func() pulse.Target {
		return pulse.Target{SessionID: t.Sessions().Active(), TurnID: t.ID()}
	}
	var watch *pulse.Watch
	if d.pub != nil {
		watch = d.pub.Watch(ctx, store, target)
	}

	outcome, err := t.Run(ctx, body)
	if err != nil {
		return err
	}
	if watch != nil {
		cleanup := context.WithoutCancel(ctx)
		if err := watch.Stop(); err != nil {
			log.Errorf(cleanup, err, "snapshots not published")
		}
		if _, err := d.pub.PublishOutcome(cleanup, target(), outcome); err != nil {
			log.Errorf(cleanup, err, "outcome not published")
		}
	}

	rep := report{
		TurnID:    t.ID(),
		SessionID: t.Sessions().Active(),
		Branched:  t.Sessions().Branched(),
		Outcome:   pulse.OutcomeOf(outcome),
		Messages:  store.Messages(),
		Subagents: t.Router().Tasks(),
	}
	if err := writeReport(out, cfg.Format, rep); err != nil {
		return err
	}
	if outcome.State == turn.StateFailed {
		return fmt.Errorf("turn %s failed: %w", t.ID(), outcome.Err)
	}
	return nil
}

func openSource(ctx context.Context, cfg config, records recordlog.Store) (io.ReadCloser, error) {
	switch {
	case cfg.Source == "-":
		return io.NopCloser(os.Stdin), nil
	case strings.HasPrefix(cfg.Source, turnSourcePrefix):
		if records == nil {
			return nil, errors.New("turn sources require a record log")
		}
		id := strings.TrimPrefix(cfg.Source, turnSourcePrefix)
		return io.NopCloser(recordlog.NewReader(ctx, records, id, recordlog.DefaultPageSize)), nil
	case strings.HasPrefix(cfg.Source, "http://"), strings.HasPrefix(cfg.Source, "https://"):
		var opts []transport.Option
		if cfg.Token != "" {
			opts = append(opts, transport.WithBearerToken(cfg.Token))
		}
		client, err := transport.New(cfg.Source, opts...)
		if err != nil {
			return nil, err
		}
		body, err := client.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Source, err)
		}
		return body, nil
	default:
		f, err := os.Open(cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("open source: %w", err)
		}
		return f, nil
	}
}

func writeReport(w io.Writer, format string, rep report) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return err
		}
		return enc.Close()
	default:
		return errors.New("unsupported format " + format)
	}
}
