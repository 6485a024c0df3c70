// Package memory provides an in-process change-capture log for
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// Feed is an append-only change log. Publish assigns monotonically
// increasing sequence numbers per shard; ReadBatch blocks until at
// least one event past the requested sequence exists.
type Feed struct {
	mu     sync.Mutex
	shards map[string][]pipeline.ChangeEvent
	seq    map[string]int64
	notify chan struct{}
}

// NewFeed constructs an empty Feed.
func NewFeed() *Feed {
	return &Feed{
		shards: make(map[string][]pipeline.ChangeEvent),
		seq:    make(map[string]int64),
		notify: make(chan struct{}, 1),
	}
}

// Publish appends an event to its shard, assigning the next sequence.
func (f *Feed) Publish(_ context.Context, event pipeline.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event.Shard == "" {
		event.Shard = "default"
	}
	f.seq[event.Shard]++
	event.Sequence = f.seq[event.Shard]
	f.shards[event.Shard] = append(f.shards[event.Shard], event)
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

// ReadBatch returns up to max events with sequence > after, blocking
// until at least one is available or the context ends.
func (f *Feed) ReadBatch(ctx context.Context, shard string, after int64, max int) ([]pipeline.ChangeEvent, error) {
	if max <= 0 {
		max = 32
	}
	for {
		f.mu.Lock()
		events := f.shards[shard]
		var batch []pipeline.ChangeEvent
		for _, ev := range events {
			if ev.Sequence <= after {
				continue
			}
			batch = append(batch, ev)
			if len(batch) >= max {
				break
			}
		}
		f.mu.Unlock()
		if len(batch) > 0 {
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("read batch canceled: %w", ctx.Err())
		case <-f.notify:
		}
	}
}

// Len reports the number of events held for a shard.
func (f *Feed) Len(shard string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shards[shard])
}
