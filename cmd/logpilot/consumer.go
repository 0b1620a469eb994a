package main

import (
	"context"
	"time"

	"github.com/fluxorio/logpilot/pkg/storage"
)

// consumer polls one channel, printing each batch and committing it afterwards,
// so a crash between the two replays the batch.
type consumer struct {
	app      *app
	channel  string
	id       string
	interval time.Duration
	limit    int
	max      int

	delivered int
}

func (c *consumer) run(ctx context.Context) error {
	c.app.log.Infof("consume: channel=%s consumer=%s", c.channel, c.id)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		size := c.batchSize()
		n, err := c.poll(ctx, size)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if storage.IsInvalidInput(err) {
				return err
			}
			c.app.log.Warnf("consume: %v", err)
		}
		if c.max > 0 && c.delivered >= c.max {
			c.app.log.Infof("consume: delivered %d records, stopping", c.delivered)
			return nil
		}
		if err == nil && n == size {
			continue
		}

		select {
		case <-ctx.Done():
			c.app.log.Infof("consume: delivered %d records, interrupted", c.delivered)
			return nil
		case <-ticker.C:
		}
	}
}

func (c *consumer) batchSize() int {
	if c.max > 0 && c.max-c.delivered < c.limit {
		return c.max - c.delivered
	}
	return c.limit
}

// poll delivers up to size records and returns how many it delivered.
func (c *consumer) poll(ctx context.Context, size int) (int, error) {
	recs, err := c.app.engine.Read(ctx, c.channel, c.id, size, false)
	if err != nil || len(recs) == 0 {
		return 0, err
	}
	if err := c.app.printRecords(recs); err != nil {
		return 0, err
	}
	if err := c.app.engine.Commit(ctx, c.channel, c.id, recs[len(recs)-1].ID); err != nil {
		return 0, err
	}
	c.delivered += len(recs)
	return len(recs), nil
}

func (c *consumer) ready(ctx context.Context) error {
	_, err := c.app.engine.Offset(ctx, c.channel, c.id)
	return err
}
