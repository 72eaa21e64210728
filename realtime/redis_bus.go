package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"PictureBook-server/logger"
)

const channelPrefix = "picturebook:"

type RedisBus struct {
	log *logger.Logger
	rdb goredis.UniversalClient
}

// NewRedisBus 连接并 Ping 一次
func NewRedisBus(addr, password string, db int, log *logger.Logger) (*RedisBus, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisBusFromClient(rdb, log), nil
}

func NewRedisBusFromClient(rdb goredis.UniversalClient, log *logger.Logger) *RedisBus {
	if log == nil {
		log = logger.Nop()
	}
	return &RedisBus{log: log.With("service", "RedisBus"), rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelPrefix+ev.Topic, raw).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error) {
	sub := b.rdb.Subscribe(ctx, channelPrefix+topic)
	// 确认订阅已生效
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan Event, subBuffer)
	stop := make(chan struct{})
	go func() {
		defer close(out)
		defer sub.Close()
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case m, ok := <-in:
				if !ok || m == nil {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad redis payload", "channel", m.Channel, "error", err)
					continue
				}
				deliver(out, ev)
			}
		}
	}()

	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }
	return out, cancel, nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
