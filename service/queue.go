package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"PictureBook-server/config"
	"PictureBook-server/logger"
	"PictureBook-server/models"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/semaphore"
)

const (
	TypeBatchTask = "picturebook:batch"
)

type TaskPayload struct {
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
	Type      string `json:"type"`
}

// Submitter 把已落库的任务交给执行器
type Submitter interface {
	Submit(ctx context.Context, task *models.Task) error
	Close() error
}

// Queue 基于 asynq 的任务队列，多实例部署时使用
type Queue struct {
	client *asynq.Client
	log    *logger.Logger
}

func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

func NewQueue(cfg *config.Config, log *logger.Logger) *Queue {
	return &Queue{client: asynq.NewClient(RedisOpt(cfg)), log: log}
}

// Submit 入队；任务 ID 同时作为 asynq 的 TaskID，重复提交会被拒绝
func (q *Queue) Submit(ctx context.Context, task *models.Task) error {
	payload, err := json.Marshal(TaskPayload{TaskID: task.ID, ProjectID: task.ProjectID, Type: task.Type})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}
	t := asynq.NewTask(TypeBatchTask, payload,
		asynq.TaskID(task.ID),
		asynq.MaxRetry(2),
		asynq.Timeout(20*time.Minute), // 整批串行生成，给足时间
		asynq.Retention(24*time.Hour),
	)
	info, err := q.client.EnqueueContext(ctx, t)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	q.log.Info("任务已入队", "task_id", task.ID, "type", task.Type, "queue", info.Queue)
	return nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Inline 单实例模式：在本进程内用 goroutine 执行，信号量限制并发
type Inline struct {
	proc    *Processor
	sem     *semaphore.Weighted
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewInline(proc *Processor, concurrency int) *Inline {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inline{
		proc:    proc,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		timeout: 20 * time.Minute,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (in *Inline) Submit(_ context.Context, task *models.Task) error {
	if err := in.ctx.Err(); err != nil {
		return fmt.Errorf("runner closed: %w", err)
	}
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		if err := in.sem.Acquire(in.ctx, 1); err != nil {
			return
		}
		defer in.sem.Release(1)
		ctx, cancel := context.WithTimeout(in.ctx, in.timeout)
		defer cancel()
		if err := in.proc.Run(ctx, task.ID); err != nil {
			in.proc.log().Error("任务执行失败", "task_id", task.ID, "error", err)
		}
	}()
	return nil
}

// Close 取消未完成的任务并等待退出
func (in *Inline) Close() error {
	in.cancel()
	in.wg.Wait()
	return nil
}
