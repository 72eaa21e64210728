package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PictureBook-server/logger"
	"PictureBook-server/models"
	"PictureBook-server/realtime"
	"PictureBook-server/store"

	"github.com/hibiken/asynq"
)

// Processor 执行批量任务：驱动编排器，写任务进度，并把进度推到总线
type Processor struct {
	Tasks    *models.TaskRepository
	Registry *store.Registry
	Orch     *Orchestrator
	Bus      realtime.Bus
	Log      *logger.Logger
}

func (p *Processor) log() *logger.Logger {
	if p.Log == nil {
		return logger.Nop()
	}
	return p.Log
}

// ProgressEvent task:<id> 上的进度消息
type ProgressEvent struct {
	TaskID    string `json:"taskId"`
	ProjectID string `json:"projectId"`
	Type      string `json:"type"`
	Progress
}

// NewServer 创建 asynq 消费端，调用方负责 Run / Shutdown
func (p *Processor) NewServer(opt asynq.RedisClientOpt, concurrency int) (*asynq.Server, *asynq.ServeMux) {
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"default": 1,
		},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeBatchTask, p.HandleBatchTask)
	p.log().Info("任务消费者已创建", "concurrency", concurrency)
	return srv, mux
}

// HandleBatchTask asynq 入口
func (p *Processor) HandleBatchTask(ctx context.Context, t *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	err := p.Run(ctx, payload.TaskID)
	if errors.Is(err, models.ErrTaskNotFound) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// Run 执行一个任务到终态。业务失败记在任务上并返回 nil，不触发重试
func (p *Processor) Run(ctx context.Context, taskID string) error {
	task, err := p.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	log := p.log().With("task_id", task.ID, "project_id", task.ProjectID, "type", task.Type)
	log.Info("开始处理任务")
	if err := p.Tasks.MarkProcessing(ctx, task.ID); err != nil {
		log.Warn("标记 processing 失败", "error", err)
	}

	st, err := p.Registry.Open(ctx, task.ProjectID)
	if err != nil {
		p.finish(task, models.TaskStatusFailed, BatchResult{}, err, log)
		if errors.Is(err, models.ErrProjectNotFound) {
			return nil
		}
		return err
	}

	onProgress := func(pr Progress) {
		if err := p.Tasks.UpdateProgress(context.WithoutCancel(ctx), task.ID, pr.Percent, pr.Message); err != nil {
			log.Warn("更新进度失败", "error", err)
		}
		p.publish(ctx, realtime.EventProgress, task.ID, ProgressEvent{
			TaskID:    task.ID,
			ProjectID: task.ProjectID,
			Type:      task.Type,
			Progress:  pr,
		})
	}

	var res BatchResult
	switch task.Type {
	case models.TaskTypeAnalyzeStory:
		var out AnalyzeResult
		out, err = p.Orch.AnalyzeStory(ctx, st, onProgress)
		if err == nil {
			res = BatchResult{Total: 1, Succeeded: 1, Items: []models.TaskItem{{
				Key: "analysis",
				OK:  true,
			}}}
			log.Info("分析结果", "assets", len(out.Assets), "pages", len(out.Pages))
		}
	case models.TaskTypeGenerateCharacters:
		res, err = p.Orch.GenerateCharacters(ctx, st, onProgress)
	case models.TaskTypeGeneratePages:
		res, err = p.Orch.GeneratePages(ctx, st, onProgress)
	case models.TaskTypeGenerateAudio:
		res, err = p.Orch.GenerateAudio(ctx, st, onProgress)
	default:
		err = fmt.Errorf("%w: unknown task type %s", models.ErrValidation, task.Type)
	}

	status := models.TaskStatusSuccess
	switch {
	case err != nil:
		status = models.TaskStatusFailed
	case res.Failed > 0:
		status = models.TaskStatusPartial
	}
	p.finish(task, status, res, err, log)
	return nil
}

func (p *Processor) finish(task *models.Task, status string, res BatchResult, cause error, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := p.Tasks.Finish(ctx, task.ID, status, res, msg); err != nil {
		log.Error("写入任务终态失败", "error", err)
	}
	if t, err := p.Tasks.Get(ctx, task.ID); err == nil {
		p.publish(ctx, realtime.EventTaskDone, task.ID, t)
	}
	log.Info("任务结束", "status", status, "succeeded", res.Succeeded, "failed", res.Failed, "error", msg)
}

func (p *Processor) publish(ctx context.Context, typ, taskID string, v interface{}) {
	if p.Bus == nil {
		return
	}
	ev, err := realtime.NewEvent(typ, realtime.TaskTopic(taskID), v)
	if err != nil {
		p.log().Warn("事件序列化失败", "error", err)
		return
	}
	if err := p.Bus.Publish(context.WithoutCancel(ctx), ev); err != nil && !errors.Is(err, realtime.ErrBusClosed) {
		p.log().Warn("事件发布失败", "topic", ev.Topic, "error", err)
	}
}
