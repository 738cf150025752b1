package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// StreamClient is the part of a go-redis client the log needs.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	Close() error
}

// Redis keeps one stream per target warehouse and reads it from the beginning.
type Redis struct {
	Client  StreamClient
	Prefix  string
	Block   time.Duration
	// Backoff between retries of a failed read or a failing handler.
	Backoff time.Duration
	Logger  zerolog.Logger
}

func NewRedis(addr, password string, database int, prefix string, logger zerolog.Logger) *Redis {
	return &Redis{
		Client:  redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: database}),
		Prefix:  prefix,
		Block:   2 * time.Second,
		Backoff: time.Second,
		Logger:  logger,
	}
}

func (r *Redis) stream(target string) string {
	return r.Prefix + ":" + target
}

func (r *Redis) Append(ctx context.Context, e Entry) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	err = r.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream(e.Target()),
		Values: map[string]any{"entry": string(data), "id": e.Notification.ID},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream(e.Target()), err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, target string, h Handler) error {
	key := r.stream(target)
	last := "0"
	for {
		if ctx.Err() != nil {
			return nil
		}
		streams, err := r.Client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, last},
			Count:   defaultBatch,
			Block:   r.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.Logger.Warn().Err(err).Str("stream", key).Msg("xread failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.backoff()):
			}
			continue
		}
		for _, s := range streams {
			var ok bool
			if last, ok = r.process(ctx, key, last, s.Messages, h); !ok {
				return nil
			}
		}
	}
}

// process delivers one batch in order and returns the id to read after.
// Malformed messages are skipped. It reports false once ctx ends.
func (r *Redis) process(ctx context.Context, key, last string, msgs []redis.XMessage, h Handler) (string, bool) {
	for _, msg := range msgs {
		raw, _ := msg.Values["entry"].(string)
		e, err := Decode([]byte(raw))
		if err != nil {
			r.Logger.Error().Err(err).Str("stream", key).Str("message_id", msg.ID).Msg("skipping malformed log entry")
			last = msg.ID
			continue
		}
		if err := deliver(ctx, h, e, r.backoff()); err != nil {
			return last, false
		}
		last = msg.ID
	}
	return last, true
}

func (r *Redis) backoff() time.Duration {
	if r.Backoff <= 0 {
		return time.Second
	}
	return r.Backoff
}

func (r *Redis) Close() error { return r.Client.Close() }
