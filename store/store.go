package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"PictureBook-server/models"
)

var ErrClosed = errors.New("store is closed")

// subscriberBuffer 慢订阅者只保留最新的几份快照
const subscriberBuffer = 8

type request struct {
	cmd   Command
	reply chan result
}

type result struct {
	project models.Project
	err     error
}

// Store 单写者 actor：一个 goroutine 持有项目，按顺序执行命令，
// 每次成功变更后向所有订阅者广播新快照。
type Store struct {
	reqs   chan request
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
	clock  func() time.Time

	mu      sync.RWMutex
	current models.Project
	subs    map[int]chan models.Project
	nextSub int
}

type Option func(*Store)

// WithClock 测试时固定 UpdatedAt
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

func New(initial models.Project, opts ...Option) *Store {
	s := &Store{
		reqs:    make(chan request),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		clock:   time.Now,
		current: initial.Clone(),
		subs:    make(map[int]chan models.Project),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.loop()
	return s
}

func (s *Store) loop() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case req := <-s.reqs:
			req.reply <- s.handle(req.cmd)
		}
	}
}

func (s *Store) handle(cmd Command) result {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()

	next, err := Apply(cur, cmd)
	if err != nil {
		return result{project: cur.Clone(), err: err}
	}
	next.UpdatedAt = s.clock()

	s.mu.Lock()
	s.current = next
	for _, ch := range s.subs {
		offer(ch, next.Clone())
	}
	s.mu.Unlock()
	return result{project: next.Clone()}
}

// offer 非阻塞投递，满了就丢掉最旧的一份
func offer(ch chan models.Project, snap models.Project) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

// Dispatch 提交命令并等待结果；返回的快照是独立副本
func (s *Store) Dispatch(ctx context.Context, cmd Command) (models.Project, error) {
	if err := ctx.Err(); err != nil {
		return models.Project{}, err
	}
	reply := make(chan result, 1)
	select {
	case s.reqs <- request{cmd: cmd, reply: reply}:
	case <-s.done:
		return models.Project{}, ErrClosed
	case <-ctx.Done():
		return models.Project{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.project, r.err
	case <-ctx.Done():
		return models.Project{}, ctx.Err()
	}
}

// DispatchAll 依次执行，遇到第一个错误即停止
func (s *Store) DispatchAll(ctx context.Context, cmds ...Command) (models.Project, error) {
	var (
		p   models.Project
		err error
	)
	for _, c := range cmds {
		if p, err = s.Dispatch(ctx, c); err != nil {
			return p, err
		}
	}
	return s.Snapshot(), nil
}

func (s *Store) Snapshot() models.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

func (s *Store) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.ID
}

// Subscribe 返回快照通道与取消函数；Close 之后通道会被关闭
func (s *Store) Subscribe() (<-chan models.Project, func()) {
	ch := make(chan models.Project, subscriberBuffer)
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Close 停止 actor 并关闭全部订阅
func (s *Store) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
		<-s.exited

		s.mu.Lock()
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	})
}
