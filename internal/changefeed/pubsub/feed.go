// Package pubsub implements the change feed on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// DefaultFlushWait bounds how long ReadBatch keeps collecting after the
// first event arrives.
const DefaultFlushWait = 250 * time.Millisecond

// Config controls the Pub/Sub change feed.
type Config struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
	FlushWait      time.Duration
}

// Feed publishes and consumes change-capture events over a Pub/Sub
// topic. Messages carry the artist id as ordering key, so per-artist
// order holds while shards fan out freely. Sequences are assigned by
// the publishing process from the event timestamp, so a restarted
// publisher resumes above the sync checkpoint instead of reusing
// numbers below the watermark; run one publisher per shard.
type Feed struct {
	client    *pubsub.Client
	topic     *pubsub.Topic
	sub       *pubsub.Subscription
	logger    *zap.Logger
	flushWait time.Duration

	mu  sync.Mutex
	seq map[string]int64
}

// New creates a Pub/Sub client and verifies the topic and subscription
// exist. It authenticates using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Feed, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	feed, err := NewWithClient(ctx, client, cfg, logger)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after setup failure", zap.Error(closeErr))
		}
		return nil, err
	}
	return feed, nil
}

// NewWithClient builds a Feed over an existing client (primarily for
// testing against pstest).
func NewWithClient(ctx context.Context, client *pubsub.Client, cfg Config, logger *zap.Logger) (*Feed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}
	topic.EnableMessageOrdering = true

	sub := client.Subscription(cfg.SubscriptionID)
	exists, err = sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", cfg.SubscriptionID, cfg.ProjectID)
	}

	flushWait := cfg.FlushWait
	if flushWait <= 0 {
		flushWait = DefaultFlushWait
	}
	return &Feed{
		client:    client,
		topic:     topic,
		sub:       sub,
		logger:    logger,
		flushWait: flushWait,
		seq:       make(map[string]int64),
	}, nil
}

// Close stops the topic publisher and closes the client connection.
func (f *Feed) Close() error {
	f.topic.Stop()
	if err := f.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// Publish assigns the next sequence for the event's shard and sends it,
// blocking until the server acknowledges so callers know the event is
// durable before their write returns. The sequence is the event
// timestamp in nanoseconds, bumped past the shard's last value for
// same-instant events, which keeps it monotonic within a process and
// above any checkpoint taken before a restart.
func (f *Feed) Publish(ctx context.Context, event pipeline.ChangeEvent) error {
	f.mu.Lock()
	seq := f.seq[event.Shard] + 1
	if t := event.OccurredAt.UnixNano(); !event.OccurredAt.IsZero() && t > seq {
		seq = t
	}
	f.seq[event.Shard] = seq
	event.Sequence = seq
	f.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	msg := &pubsub.Message{
		Data:        data,
		OrderingKey: event.ArtistID,
		Attributes: map[string]string{
			"shard": event.Shard,
			"kind":  string(event.Kind),
		},
	}
	if _, err := f.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// ReadBatch collects up to max events with sequence > after for the
// shard. It blocks until at least one arrives, then keeps collecting
// for a short flush window before returning the batch sorted by
// sequence. Events at or below the watermark are acked and dropped;
// events for other shards are nacked back for their reader.
func (f *Feed) ReadBatch(ctx context.Context, shard string, after int64, max int) ([]pipeline.ChangeEvent, error) {
	if max <= 0 {
		max = 1
	}
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu     sync.Mutex
		events []pipeline.ChangeEvent
		flush  *time.Timer
	)
	err := f.sub.Receive(cctx, func(_ context.Context, msg *pubsub.Message) {
		var event pipeline.ChangeEvent
		if uerr := json.Unmarshal(msg.Data, &event); uerr != nil {
			f.logger.Warn("drop undecodable change event", zap.Error(uerr))
			msg.Ack()
			return
		}
		if event.Shard != shard {
			msg.Nack()
			return
		}
		if event.Sequence <= after {
			msg.Ack()
			return
		}

		mu.Lock()
		if len(events) >= max {
			mu.Unlock()
			msg.Nack()
			cancel()
			return
		}
		events = append(events, event)
		full := len(events) >= max
		if flush == nil {
			flush = time.AfterFunc(f.flushWait, cancel)
		}
		mu.Unlock()

		msg.Ack()
		if full {
			cancel()
		}
	})
	if flush != nil {
		flush.Stop()
	}
	if err != nil && cctx.Err() == nil {
		return nil, fmt.Errorf("receive change events: %w", err)
	}
	if ctx.Err() != nil && len(events) == 0 {
		return nil, ctx.Err()
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	return events, nil
}
