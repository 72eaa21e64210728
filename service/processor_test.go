package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PictureBook-server/models"
	"PictureBook-server/realtime"
	"PictureBook-server/store"
)

type processorEnv struct {
	proc     *Processor
	projects *models.ProjectRepository
	tasks    *models.TaskRepository
	bus      *realtime.LocalBus
	images   *fakeImages
}

func newProcessorEnv(t *testing.T) *processorEnv {
	t.Helper()
	db, err := models.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))

	projects := models.NewProjectRepository(db)
	tasks := models.NewTaskRepository(db)
	bus := realtime.NewLocalBus()
	registry := store.NewRegistry(projects, realtime.SnapshotPublisher{Bus: bus}, nil)
	images := &fakeImages{failOn: "page-2 "}
	t.Cleanup(func() {
		registry.Close()
		_ = bus.Close()
	})
	return &processorEnv{
		proc: &Processor{
			Tasks:    tasks,
			Registry: registry,
			Orch:     &Orchestrator{Images: images, Speech: &fakeSpeech{}},
			Bus:      bus,
		},
		projects: projects,
		tasks:    tasks,
		bus:      bus,
		images:   images,
	}
}

func TestProcessorRunPartial(t *testing.T) {
	env := newProcessorEnv(t)
	ctx := context.Background()

	p := illustratedFixture(3)
	require.NoError(t, env.projects.Upsert(ctx, p, models.CollectionDraft))
	task := models.NewTask(p.ID, models.TaskTypeGeneratePages)
	require.NoError(t, env.tasks.Create(ctx, task))

	events, cancel, err := env.bus.Subscribe(ctx, realtime.TaskTopic(task.ID))
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, env.proc.Run(ctx, task.ID))

	got, err := env.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPartial, got.Status)
	assert.Equal(t, 3, got.Result.Total)
	assert.Equal(t, 2, got.Result.Succeeded)
	assert.Equal(t, 1, got.Result.Failed)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)

	var progress, done int
	for ev := range drain(events) {
		switch ev.Type {
		case realtime.EventProgress:
			progress++
			var pe ProgressEvent
			require.NoError(t, json.Unmarshal(ev.Data, &pe))
			assert.Equal(t, task.ID, pe.TaskID)
		case realtime.EventTaskDone:
			done++
		}
	}
	assert.Equal(t, 4, progress)
	assert.Equal(t, 1, done)

	// 快照会异步落库
	assert.Eventually(t, func() bool {
		saved, _, err := env.projects.Get(ctx, p.ID)
		return err == nil && saved.Pages[1].Status == models.PageStatusError
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessorRunGateFailure(t *testing.T) {
	env := newProcessorEnv(t)
	ctx := context.Background()

	p := illustratedFixture(1)
	require.NoError(t, env.projects.Upsert(ctx, p, models.CollectionDraft))
	task := models.NewTask(p.ID, models.TaskTypeGenerateAudio)
	require.NoError(t, env.tasks.Create(ctx, task))

	require.NoError(t, env.proc.Run(ctx, task.ID))
	got, err := env.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Error, "not completed")
}

func TestProcessorMissingProject(t *testing.T) {
	env := newProcessorEnv(t)
	ctx := context.Background()
	task := models.NewTask("project_missing", models.TaskTypeGeneratePages)
	require.NoError(t, env.tasks.Create(ctx, task))

	require.NoError(t, env.proc.Run(ctx, task.ID))
	got, err := env.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
}

func TestHandleBatchTaskSkipsRetry(t *testing.T) {
	env := newProcessorEnv(t)

	err := env.proc.HandleBatchTask(context.Background(), asynq.NewTask(TypeBatchTask, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	payload, _ := json.Marshal(TaskPayload{TaskID: "task_missing"})
	err = env.proc.HandleBatchTask(context.Background(), asynq.NewTask(TypeBatchTask, payload))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}

func TestInlineRunsTask(t *testing.T) {
	env := newProcessorEnv(t)
	ctx := context.Background()
	env.images.failOn = ""

	p := illustratedFixture(2)
	require.NoError(t, env.projects.Upsert(ctx, p, models.CollectionDraft))
	task := models.NewTask(p.ID, models.TaskTypeGeneratePages)
	require.NoError(t, env.tasks.Create(ctx, task))

	runner := NewInline(env.proc, 2)
	require.NoError(t, runner.Submit(ctx, task))
	assert.Eventually(t, func() bool {
		got, err := env.tasks.Get(ctx, task.ID)
		return err == nil && got.Status == models.TaskStatusSuccess
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, runner.Close())

	assert.Error(t, runner.Submit(ctx, task))
}

// drain 读出当前已缓冲的事件
func drain(ch <-chan realtime.Event) <-chan realtime.Event {
	out := make(chan realtime.Event, cap(ch))
	for {
		select {
		case ev := <-ch:
			out <- ev
		default:
			close(out)
			return out
		}
	}
}
