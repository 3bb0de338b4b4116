package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	goredis "github.com/redis/go-redis/v9"

	types "github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/observability"
	"github.com/yungbote/arc-reactor/internal/platform/envutil"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
)

const dataField = "data"

// StreamAPI is the part of go-redis the event stream needs.
type StreamAPI interface {
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *goredis.StatusCmd
	XReadGroup(ctx context.Context, a *goredis.XReadGroupArgs) *goredis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *goredis.IntCmd
	XAutoClaim(ctx context.Context, a *goredis.XAutoClaimArgs) *goredis.XAutoClaimCmd
	XPendingExt(ctx context.Context, a *goredis.XPendingExtArgs) *goredis.XPendingExtCmd
}

type StreamConfig struct {
	Stream     string
	Group      string
	Consumer   string
	MaxLen     int64
	Count      int64
	Block      time.Duration
	ClaimIdle  time.Duration
	ClaimEvery time.Duration
	// Entries that still fail after MaxDeliveries deliveries are moved to
	// DeadStream and acked. Zero disables the cap.
	MaxDeliveries int64
	DeadStream    string
}

func LoadStreamConfig() StreamConfig {
	host, _ := os.Hostname()
	if host == "" {
		host = "arc"
	}
	stream := envutil.String("WEBLOG_STREAM", "arc:weblog:events")
	return StreamConfig{
		Stream:     stream,
		Group:      envutil.String("WEBLOG_CONSUMER_GROUP", "arc-ingest"),
		Consumer:   envutil.String("WEBLOG_CONSUMER_NAME", fmt.Sprintf("%s-%d", host, os.Getpid())),
		MaxLen:     int64(envutil.Int("WEBLOG_STREAM_MAXLEN", 100000)),
		Count:      int64(envutil.Int("WEBLOG_READ_COUNT", 32)),
		Block:      envutil.Seconds("WEBLOG_BLOCK_SECONDS", 5*time.Second),
		ClaimIdle:  envutil.Seconds("WEBLOG_CLAIM_IDLE_SECONDS", 60*time.Second),
		ClaimEvery: envutil.Seconds("WEBLOG_CLAIM_EVERY_SECONDS", 30*time.Second),

		MaxDeliveries: int64(envutil.Int("WEBLOG_MAX_DELIVERIES", 10)),
		DeadStream:    envutil.String("WEBLOG_DEAD_STREAM", stream+":dead"),
	}
}

// Publisher appends weblog envelopes to the event stream.
type Publisher interface {
	Publish(ctx context.Context, runID string, event json.RawMessage) (string, error)
}

type streamPublisher struct {
	log *logger.Logger
	api StreamAPI
	cfg StreamConfig
}

func NewPublisher(log *logger.Logger, api StreamAPI, cfg StreamConfig) Publisher {
	return &streamPublisher{
		log: log.With("service", "WeblogPublisher"),
		api: api,
		cfg: cfg,
	}
}

func (p *streamPublisher) Publish(ctx context.Context, runID string, event json.RawMessage) (string, error) {
	data, err := types.EncodeEnvelope(runID, event)
	if err != nil {
		return "", err
	}
	args := &goredis.XAddArgs{
		Stream: p.cfg.Stream,
		Values: map[string]any{dataField: data},
	}
	if p.cfg.MaxLen > 0 {
		args.MaxLen = p.cfg.MaxLen
		args.Approx = true
	}
	id, err := p.api.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", p.cfg.Stream, err)
	}
	p.log.Debug("Weblog event published", "run_id", runID, "entry", id)
	return id, nil
}

// Handler processes one entry's base64 envelope. A nil error or an
// ErrMalformedEvent acks the entry; anything else leaves it pending.
type Handler func(ctx context.Context, data string) error

type Consumer struct {
	log     *logger.Logger
	api     StreamAPI
	cfg     StreamConfig
	handle  Handler
	metrics *observability.Metrics
}

func NewConsumer(log *logger.Logger, api StreamAPI, cfg StreamConfig, handle Handler, metrics *observability.Metrics) *Consumer {
	return &Consumer{
		log:     log.With("service", "WeblogConsumer", "consumer", cfg.Consumer),
		api:     api,
		cfg:     cfg,
		handle:  handle,
		metrics: metrics,
	}
}

// Run reads the stream until ctx is done. Read failures back off and retry.
func (c *Consumer) Run(ctx context.Context) error {
	if c.handle == nil {
		return fmt.Errorf("stream handler required")
	}
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	c.log.Info("Weblog consumer started", "stream", c.cfg.Stream, "group", c.cfg.Group)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second

	var lastClaim time.Time
	for ctx.Err() == nil {
		if time.Since(lastClaim) >= c.cfg.ClaimEvery {
			if _, err := c.claimIdle(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("Claiming idle entries failed", "error", err)
			}
			lastClaim = time.Now()
		}

		_, err := c.readBatch(ctx)
		if err == nil {
			b.Reset()
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			if gerr := c.ensureGroup(ctx); gerr != nil {
				c.log.Warn("Recreating consumer group failed", "error", gerr)
			}
		}
		wait := b.NextBackOff()
		c.log.Warn("Stream read failed; backing off", "error", err, "wait", wait)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	c.log.Info("Weblog consumer stopped")
	return nil
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.api.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", c.cfg.Group, err)
	}
	return nil
}

// readBatch delivers new entries to this consumer and returns how many were
// acked.
func (c *Consumer) readBatch(ctx context.Context) (int, error) {
	streams, err := c.api.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.Count,
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	acked := 0
	for _, s := range streams {
		for _, msg := range s.Messages {
			if c.process(ctx, msg, 1) {
				acked++
			}
		}
	}
	return acked, nil
}

// claimIdle takes over entries another consumer left pending for longer
// than ClaimIdle.
func (c *Consumer) claimIdle(ctx context.Context) (int, error) {
	start := "0-0"
	acked := 0
	for page := 0; page < 10; page++ {
		msgs, next, err := c.api.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
			Stream:   c.cfg.Stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.ClaimIdle,
			Start:    start,
			Count:    c.cfg.Count,
		}).Result()
		if err != nil {
			return acked, err
		}
		for _, msg := range msgs {
			c.metrics.IncStreamResult("claimed")
			if c.process(ctx, msg, c.deliveries(ctx, msg.ID)) {
				acked++
			}
		}
		if len(msgs) == 0 || next == "" || next == "0-0" {
			break
		}
		start = next
	}
	return acked, nil
}

// deliveries reports how many times the group has delivered id, or 0 when
// XPENDING cannot tell.
func (c *Consumer) deliveries(ctx context.Context, id string) int64 {
	if c.cfg.MaxDeliveries <= 0 {
		return 0
	}
	pending, err := c.api.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		c.log.Warn("Reading delivery count failed", "entry", id, "error", err)
		return 0
	}
	for _, p := range pending {
		if p.ID == id {
			return p.RetryCount
		}
	}
	return 0
}

func (c *Consumer) process(ctx context.Context, msg goredis.XMessage, deliveries int64) bool {
	data, _ := msg.Values[dataField].(string)
	err := c.handle(ctx, data)
	switch {
	case err == nil:
		c.metrics.IncStreamResult("acked")
	case errors.Is(err, types.ErrMalformedEvent):
		c.log.Warn("Dropping malformed stream entry", "entry", msg.ID, "error", err)
		c.metrics.IncStreamResult("rejected")
	case c.cfg.MaxDeliveries > 0 && deliveries >= c.cfg.MaxDeliveries:
		if derr := c.deadLetter(ctx, msg, data, deliveries, err); derr != nil {
			c.log.Error("Dead-lettering stream entry failed; leaving pending", "entry", msg.ID, "error", derr)
			c.metrics.IncStreamResult("retry")
			return false
		}
		c.log.Error("Stream entry exhausted deliveries; moved to dead stream",
			"entry", msg.ID,
			"deliveries", deliveries,
			"dead_stream", c.deadStream(),
			"error", err,
		)
		c.metrics.IncStreamResult("dead_lettered")
	default:
		c.log.Error("Stream entry failed; leaving pending", "entry", msg.ID, "deliveries", deliveries, "error", err)
		c.metrics.IncStreamResult("retry")
		return false
	}
	if err := c.api.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		c.log.Warn("Stream ack failed", "entry", msg.ID, "error", err)
		return false
	}
	return true
}

func (c *Consumer) deadStream() string {
	if c.cfg.DeadStream != "" {
		return c.cfg.DeadStream
	}
	return c.cfg.Stream + ":dead"
}

func (c *Consumer) deadLetter(ctx context.Context, msg goredis.XMessage, data string, deliveries int64, cause error) error {
	args := &goredis.XAddArgs{
		Stream: c.deadStream(),
		Values: map[string]any{
			dataField:    data,
			"entry":      msg.ID,
			"deliveries": deliveries,
			"error":      cause.Error(),
		},
	}
	if c.cfg.MaxLen > 0 {
		args.MaxLen = c.cfg.MaxLen
		args.Approx = true
	}
	if err := c.api.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}
