package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"PictureBook-server/models"
)

// 事件类型
const (
	EventSnapshot = "snapshot"
	EventProgress = "progress"
	EventTaskDone = "task_done"
)

// Event 推给 websocket 客户端的消息
type Event struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func NewEvent(typ, topic string, v interface{}) (Event, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Topic: topic, Data: raw}, nil
}

// Bus 按 topic 发布/订阅；单实例用 LocalBus，多实例用 RedisBus
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error)
	Close() error
}

var ErrBusClosed = errors.New("bus closed")

func ProjectTopic(id string) string { return "project:" + id }
func TaskTopic(id string) string    { return "task:" + id }

// subBuffer 订阅者缓冲，满了丢弃最旧的事件
const subBuffer = 32

// deliver 非阻塞投递；缓冲已满时先挤掉一条最旧的，最新事件（含 task_done）总能送达
// 调用方须是该 channel 唯一的发送者
func deliver(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

type LocalBus struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Event
	nextID int
	closed bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[int]chan Event)}
}

func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, ch := range b.subs[ev.Topic] {
		deliver(ch, ev)
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrBusClosed
	}
	ch := make(chan Event, subBuffer)
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Event)
	}
	b.subs[topic][id] = ch
	b.mu.Unlock()

	var once sync.Once
	stop := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(stop)
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[topic][id]; ok {
				delete(b.subs[topic], id)
				if len(b.subs[topic]) == 0 {
					delete(b.subs, topic)
				}
				close(c)
			}
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	return ch, cancel, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, m := range b.subs {
		for id, ch := range m {
			delete(m, id)
			close(ch)
		}
		delete(b.subs, topic)
	}
	return nil
}

// SnapshotPublisher 把项目快照发到 project:<id>
type SnapshotPublisher struct {
	Bus Bus
}

func (p SnapshotPublisher) PublishSnapshot(ctx context.Context, snap models.Project) error {
	topic := ProjectTopic(snap.ID)
	ev, err := NewEvent(EventSnapshot, topic, snap)
	if err != nil {
		return err
	}
	return p.Bus.Publish(ctx, ev)
}
