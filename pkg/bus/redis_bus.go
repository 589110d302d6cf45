package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sw33tLie/casefile/pkg/logger"
	"github.com/sw33tLie/casefile/pkg/storage"
)

const DefaultChannel = "casefile:mutations"

// redisBus relays mutations over one Redis pub/sub channel so store handles
// in separate processes on the same sqlite file hear each other's writes.
// Delivery is best effort: a mutation published while a forwarder is
// disconnected is lost, and the watcher only catches up on the next write.
type redisBus struct {
	log     logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisBus connects to addr and publishes on channel.
func NewRedisBus(addr, channel string, log logger.Logger) (Bus, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultChannel
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis relay at %s unreachable: %w", addr, err)
	}
	return &redisBus{log: logger.OrNop(log), rdb: rdb, channel: channel}, nil
}

func (b *redisBus) Publish(ctx context.Context, m storage.Mutation) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis relay is closed")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.log.Warnf("Could not relay %s mutation for %s: %v", m.Kind, m.Owner, err)
		return err
	}
	return nil
}

// StartForwarder subscribes to the channel and hands every decoded mutation
// to onMsg until ctx is done.
func (b *redisBus) StartForwarder(ctx context.Context, onMsg func(m storage.Mutation)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis relay is closed")
	}
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	// Receive blocks until Redis confirms the subscription, so nothing
	// published after StartForwarder returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}

	go func() {
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					b.log.Debugf("Relay channel %s closed", b.channel)
					return
				}
				m, err := decodeMutation(msg.Payload)
				if err != nil {
					b.log.Warnf("Dropping relayed payload on %s: %v", b.channel, err)
					continue
				}
				onMsg(m)
			}
		}
	}()
	return nil
}

func (b *redisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

// decodeMutation parses one relayed payload. A mutation without an owner
// cannot wake any watcher and is rejected.
func decodeMutation(payload string) (storage.Mutation, error) {
	var m storage.Mutation
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return m, err
	}
	if strings.TrimSpace(m.Owner) == "" {
		return m, fmt.Errorf("mutation has no owner")
	}
	return m, nil
}
