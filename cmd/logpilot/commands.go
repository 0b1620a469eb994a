package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fluxorio/logpilot/pkg/core"
	"github.com/fluxorio/logpilot/pkg/observability/prometheus"
	"github.com/fluxorio/logpilot/pkg/storage"
)

// command registers its flags on fs and returns the action to run once they are
// parsed and the engine is open.
type command func(fs *flag.FlagSet) func(ctx context.Context, a *app) error

var commands = map[string]command{
	"append":  appendCommand,
	"read":    readCommand,
	"tail":    tailCommand,
	"commit":  commitCommand,
	"seek":    seekCommand,
	"offset":  offsetCommand,
	"consume": consumeCommand,
}

// print writes v as one JSON line.
func (a *app) print(v interface{}) error {
	data, err := core.JSONEncode(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = a.out.Write(data)
	return err
}

func (a *app) printRecords(recs []storage.LogRecord) error {
	for _, rec := range recs {
		if err := a.print(rec); err != nil {
			return err
		}
	}
	return nil
}

type metadataFlag struct {
	meta storage.Metadata
}

func (m *metadataFlag) String() string {
	if m == nil || m.meta == nil {
		return ""
	}
	data, _ := storage.EncodeMetadata(m.meta)
	return string(data)
}

func (m *metadataFlag) Set(s string) error {
	meta, err := storage.DecodeMetadata([]byte(s))
	if err != nil {
		return fmt.Errorf("metadata must be a JSON object: %w", err)
	}
	m.meta = meta
	return nil
}

func appendCommand(fs *flag.FlagSet) func(context.Context, *app) error {
	channel := fs.String("channel", "", "channel to append to")
	level := storage.LevelInfo
	fs.TextVar(&level, "level", storage.LevelInfo, "DEBUG, INFO, WARN or ERROR")
	message := fs.String("message", "", "record message")
	var meta metadataFlag
	fs.Var(&meta, "meta", "metadata as a JSON object")

	return func(ctx context.Context, a *app) error {
		id, err := a.engine.Append(ctx, storage.LogRecord{
			Channel:  *channel,
			Level:    level,
			Message:  *message,
			Metadata: meta.meta,
		})
		if err != nil {
			return err
		}
		return a.print(map[string]interface{}{"id": id, "channel": *channel})
	}
}

func readCommand(fs *flag.FlagSet) func(context.Context, *app) error {
	channel := fs.String("channel", "", "channel to read")
	consumer := fs.String("consumer", "", "consumer id")
	limit := fs.Int("limit", 10, "maximum records to return")
	peek := fs.Bool("peek", false, "leave the cursor where it is")

	return func(ctx context.Context, a *app) error {
		recs, err := a.engine.Read(ctx, *channel, *consumer, *limit, !*peek)
		if err != nil {
			return err
		}
		return a.printRecords(recs)
	}
}

func tailCommand(fs *flag.FlagSet) func(context.Context, *app) error {
	channel := fs.String("channel", "", "channel to tail; every channel when empty")
	limit := fs.Int("limit", 20, "maximum records to return")

	return func(ctx context.Context, a *app) error {
		var (
			recs []storage.LogRecord
			err  error
		)
		if *channel == "" {
			recs, err = a.engine.ReadAll(ctx, *limit)
		} else {
			recs, err = a.engine.ReadChannel(ctx, *channel, *limit)
		}
		if err != nil {
			return err
		}
		return a.printRecords(recs)
	}
}

func commitCommand(fs *flag.FlagSet) func(context.Context, *app) error {
	channel := fs.String("channel", "", "channel")
	consumer := fs.String("consumer", "", "consumer id")
	id := fs.Int64("id", 0, "last delivered id")

	return func(ctx context.Context, a *app) error {
		if err := a.engine.Commit(ctx, *channel, *consumer, *id); err != nil {
			return err
		}
		return printOffset(ctx, a, *channel, *consumer)
	}
}

// seekTarget is "beginning", "end" or a record id.
type seekTarget struct {
	to string
	id int64
}

func (s *seekTarget) String() string {
	if s == nil {
		return ""
	}
	return s.to
}

func (s *seekTarget) Set(v string) error {
	switch v {
	case "beginning", "end":
		s.to = v
		return nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 {
		return errors.New(`want "beginning", "end" or a record id`)
	}
	s.to, s.id = "id", id
	return nil
}

func seekCommand(fs *flag.FlagSet) func(context.Context, *app) error {
	channel := fs.String("channel", "", "channel")
	consumer := fs.String("consumer", "", "consumer id")
	target := seekTarget{to: "beginning"}
	fs.Var(&target, "to", `"beginning", "end" or the id to deliver next`)

	return func(ctx context.Context, a *app) error {
		var err error
		switch target.to {
		case "end":
			err = a.engine.SeekToEnd(ctx, *channel, *consumer)
		case "id":
			err = a.engine.SeekToID(ctx, *channel, *consumer, target.id)
		default:
			err = a.engine.SeekToBeginning(ctx, *channel, *consumer)
		}
		if err != nil {
			return err
		}
		return printOffset(ctx, a, *channel, *consumer)
	}
}

func offsetCommand(fs *flag.FlagSet) func(context.Context, *app) error {
	channel := fs.String("channel", "", "channel")
	consumer := fs.String("consumer", "", "consumer id")

	return func(ctx context.Context, a *app) error {
		return printOffset(ctx, a, *channel, *consumer)
	}
}

func printOffset(ctx context.Context, a *app, channel, consumer string) error {
	off, err := a.engine.Offset(ctx, channel, consumer)
	if err != nil {
		return err
	}
	return a.print(storage.ConsumerOffset{ConsumerID: consumer, Channel: channel, LastID: off})
}

func consumeCommand(fs *flag.FlagSet) func(context.Context, *app) error {
	channel := fs.String("channel", "", "channel to consume")
	consumerID := fs.String("consumer", "", "consumer id; a fresh cli-<uuid> when empty")
	interval := fs.Duration("interval", time.Second, "poll interval once the channel is drained")
	limit := fs.Int("limit", 100, "records per poll")
	maxRecords := fs.Int("max", 0, "stop after this many records; 0 runs until interrupted")
	metricsAddr := fs.String("metrics-addr", "", "serve /metrics and /ready on this address")

	return func(ctx context.Context, a *app) error {
		c := consumer{
			app:      a,
			channel:  *channel,
			id:       *consumerID,
			interval: *interval,
			limit:    *limit,
			max:      *maxRecords,
		}
		if strings.TrimSpace(c.id) == "" {
			c.id = "cli-" + uuid.NewString()
		}
		if c.interval <= 0 || c.limit <= 0 {
			return storage.Invalid("consume", "interval and limit must be positive")
		}

		addr := *metricsAddr
		if addr == "" {
			addr = a.cfg.Metrics.Addr
		}
		if addr != "" {
			srv := prometheus.NewServer(prometheus.ServerConfig{
				Addr:   addr,
				Ready:  c.ready,
				Logger: a.log,
			})
			go func() {
				if err := srv.ListenAndServe(); err != nil {
					a.log.Errorf("metrics server: %v", err)
				}
			}()
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(sctx); err != nil {
					a.log.Warnf("metrics server shutdown: %v", err)
				}
			}()
		}
		return c.run(ctx)
	}
}
