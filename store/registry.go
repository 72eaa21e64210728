package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"PictureBook-server/logger"
	"PictureBook-server/models"
)

// Repository 项目持久化
type Repository interface {
	Get(ctx context.Context, id string) (models.Project, models.Collection, error)
	Upsert(ctx context.Context, p models.Project, collection models.Collection) error
	Delete(ctx context.Context, id string) error
}

// Publisher 快照变更的外部通知（websocket 推送等）
type Publisher interface {
	PublishSnapshot(ctx context.Context, p models.Project) error
}

type entry struct {
	store      *Store
	collection models.Collection
	unsub      func()
	done       chan struct{}
}

// Registry 管理已打开的项目：按需从仓库加载，变更后自动保存并推送
type Registry struct {
	repo      Repository
	publisher Publisher
	log       *logger.Logger
	opts      []Option

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func NewRegistry(repo Repository, publisher Publisher, log *logger.Logger, opts ...Option) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		repo:      repo,
		publisher: publisher,
		log:       log,
		opts:      opts,
		entries:   make(map[string]*entry),
	}
}

// Create 新建项目并立即保存到草稿
func (r *Registry) Create(ctx context.Context) (*Store, error) {
	p := models.NewProject(time.Now())
	if err := r.repo.Upsert(ctx, p, models.CollectionDraft); err != nil {
		return nil, err
	}
	return r.register(p, models.CollectionDraft)
}

// Open 返回已打开的 store，否则从仓库加载
func (r *Registry) Open(ctx context.Context, id string) (*Store, error) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return e.store, nil
	}
	r.mu.Unlock()

	p, col, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.register(p, col)
}

func (r *Registry) register(p models.Project, col models.Collection) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	// 并发 Open 时以先注册者为准
	if e, ok := r.entries[p.ID]; ok {
		return e.store, nil
	}
	s := New(p, r.opts...)
	ch, unsub := s.Subscribe()
	e := &entry{store: s, collection: col, unsub: unsub, done: make(chan struct{})}
	r.entries[p.ID] = e
	go r.persist(e, ch)
	return s, nil
}

// persist 每个快照落库并推送；通道关闭时退出
func (r *Registry) persist(e *entry, ch <-chan models.Project) {
	defer close(e.done)
	for snap := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		r.mu.Lock()
		col := e.collection
		r.mu.Unlock()
		if err := r.repo.Upsert(ctx, snap, col); err != nil {
			r.log.Error("保存项目失败", "project_id", snap.ID, "error", err)
		}
		if r.publisher != nil {
			if err := r.publisher.PublishSnapshot(ctx, snap); err != nil {
				r.log.Warn("推送项目快照失败", "project_id", snap.ID, "error", err)
			}
		}
		cancel()
	}
}

// SetCollection 在草稿与已发布之间移动
func (r *Registry) SetCollection(ctx context.Context, id string, col models.Collection) error {
	if !col.Valid() {
		return models.ErrValidation
	}
	s, err := r.Open(ctx, id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.collection = col
	}
	r.mu.Unlock()
	return r.repo.Upsert(ctx, s.Snapshot(), col)
}

func (r *Registry) Collection(id string) (models.Collection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	return e.collection, true
}

// Delete 关闭 store 并删除文档
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.evict(id)
	return r.repo.Delete(ctx, id)
}

func (r *Registry) evict(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	e.unsub()
	e.store.Close()
	<-e.done
}

// Close 关闭所有 store，等待未完成的保存
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.evict(id)
	}
}

func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrProjectNotFound)
}
