package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bita-miner/pkg/logger"
)

const (
	streamBatch   = 16
	streamBlock   = 2 * time.Second
	streamBackoff = time.Second
)

// RedisBus publishes to a Redis stream and consumes it through a consumer
// group. Entries are acknowledged only after the handler succeeds; entries
// left pending longer than claimIdle are claimed again, by this consumer or
// another one.
type RedisBus struct {
	rdb       *redis.Client
	stream    string
	group     string
	consumer  string
	claimIdle time.Duration
	block     time.Duration

	// claimFrom is where the next XAUTOCLAIM resumes. Only the Subscribe
	// loop touches it.
	claimFrom string
}

func NewRedisBus(ctx context.Context, rdb *redis.Client, stream, group, consumer string, claimIdle time.Duration) (*RedisBus, error) {
	err := rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("error creating consumer group %s: %w", group, err)
	}

	return &RedisBus{
		rdb:       rdb,
		stream:    stream,
		group:     group,
		consumer:  consumer,
		claimIdle: claimIdle,
		block:     streamBlock,
		claimFrom: "0-0",
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, ev UserCreated) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("error encoding event %s: %w", ev.ID, err)
	}

	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{"id": ev.ID, "payload": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("error publishing event %s: %w", ev.ID, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	logger.Log.Info("subscribed to event stream",
		logger.String("stream", b.stream), logger.String("group", b.group), logger.String("consumer", b.consumer))

	for ctx.Err() == nil {
		b.reclaim(ctx, h)

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{b.stream, ">"},
			Count:    streamBatch,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			logger.Log.Error("error reading event stream", logger.Error(err))
			sleep(ctx, streamBackoff)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				b.handle(ctx, h, msg)
			}
		}
	}
	return nil
}

// reclaim takes over entries another delivery left unacknowledged, one
// batch per call, walking the pending list from where the last call stopped.
// Failures here are logged and do not stop the subscription.
func (b *RedisBus) reclaim(ctx context.Context, h Handler) {
	msgs, next, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.stream,
		Group:    b.group,
		Consumer: b.consumer,
		MinIdle:  b.claimIdle,
		Start:    b.claimFrom,
		Count:    streamBatch,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			logger.Log.Warn("error reclaiming pending events", logger.Error(err))
		}
		return
	}

	b.claimFrom = next
	if b.claimFrom == "" {
		b.claimFrom = "0-0"
	}
	for _, msg := range msgs {
		b.handle(ctx, h, msg)
	}
}

func (b *RedisBus) handle(ctx context.Context, h Handler, msg redis.XMessage) {
	raw, _ := msg.Values["payload"].(string)
	ev, err := decode([]byte(raw))
	if err != nil {
		logger.Log.Error("discarding undecodable event", logger.String("entry_id", msg.ID), logger.Error(err))
		b.ack(ctx, msg.ID)
		return
	}

	if err := h(ctx, ev); err != nil {
		logger.Log.Warn("event handler failed, leaving entry pending",
			logger.String("event_id", ev.ID), logger.String("entry_id", msg.ID), logger.Error(err))
		return
	}
	b.ack(ctx, msg.ID)
}

func (b *RedisBus) ack(ctx context.Context, entryID string) {
	if err := b.rdb.XAck(ctx, b.stream, b.group, entryID).Err(); err != nil {
		logger.Log.Error("error acknowledging event", logger.String("entry_id", entryID), logger.Error(err))
	}
}

// Close leaves the shared Redis client open.
func (b *RedisBus) Close() error {
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
