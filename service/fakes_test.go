package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"PictureBook-server/models"
	"PictureBook-server/store"
)

var errProviderDown = fmt.Errorf("%w: upstream 500", models.ErrProvider)

// fakeImages 记录调用顺序，并检测是否有并发调用
type fakeImages struct {
	mu      sync.Mutex
	prompts []string
	refs    [][]string
	edits   []EditRequest

	active  int32
	overlap atomic.Bool

	failOn string
	onCall func(n int)
}

func (f *fakeImages) Generate(ctx context.Context, req ImageRequest) (string, error) {
	if atomic.AddInt32(&f.active, 1) > 1 {
		f.overlap.Store(true)
	}
	defer atomic.AddInt32(&f.active, -1)
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	f.refs = append(f.refs, req.ReferenceImages)
	n := len(f.prompts)
	f.mu.Unlock()

	if f.onCall != nil {
		f.onCall(n)
	}
	if f.failOn != "" && strings.Contains(req.Prompt, f.failOn) {
		return "", errProviderDown
	}
	return fmt.Sprintf("https://img.test/%d.png", n), nil
}

func (f *fakeImages) Edit(_ context.Context, req EditRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, req)
	return "https://img.test/edited.png", nil
}

func (f *fakeImages) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakeSpeech struct {
	mu    sync.Mutex
	texts []string
	fail  map[string]bool
}

func (f *fakeSpeech) Synthesize(_ context.Context, req SpeechRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, req.Text)
	if f.fail[req.Text] {
		return "", errProviderDown
	}
	return fmt.Sprintf("https://audio.test/%d.mp3", len(f.texts)), nil
}

type fakeTranslator struct {
	err error
}

func (f fakeTranslator) Translate(_ context.Context, text, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "EN:" + text, nil
}

type fakeAnalyzer struct {
	res AnalyzeResult
	err error
}

func (f fakeAnalyzer) Analyze(_ context.Context, _ AnalyzeRequest, onProgress ProgressFunc) (AnalyzeResult, error) {
	onProgress.report(10, "start")
	if f.err != nil {
		return AnalyzeResult{}, f.err
	}
	onProgress.report(100, "done")
	return f.res, nil
}

// fakeLLM 按顺序返回预设回复
type fakeLLM struct {
	mu      sync.Mutex
	replies []string
	err     error
	reqs    []ChatRequest
}

func (f *fakeLLM) Complete(_ context.Context, req ChatRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", errors.New("no reply configured")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

var fixtureTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// illustratedFixture 阶段1、2已完成，一个已锁定角色，n 页待出图
func illustratedFixture(n int) models.Project {
	p := models.NewProject(fixtureTime)
	p.StoryName = "小兔子"
	p.Assets = []models.Asset{{
		ID:       "小兔子-Char-01",
		Type:     models.AssetCharacter,
		Name:     "小兔子",
		Prompt:   "白色的小兔子，穿红色背带裤",
		ImageURL: models.StringPtr("https://img.test/rabbit.png"),
		Locked:   true,
	}}
	for i := 1; i <= n; i++ {
		p.Pages = append(p.Pages, models.Page{
			PageIndex: i,
			SceneID:   fmt.Sprintf("scene-%02d", i),
			Prompt:    fmt.Sprintf("page-%d 小兔子-Char-01 在草地上", i),
			AssetRefs: []string{"小兔子-Char-01"},
			TTSText:   fmt.Sprintf("第%d页的旁白", i),
			Status:    models.PageStatusPending,
		})
	}
	p.PhaseStatus[models.PhaseScript] = models.PhaseStatusCompleted
	p.PhaseStatus[models.PhaseCharacters] = models.PhaseStatusCompleted
	p.PhaseStatus[models.PhasePages] = models.PhaseStatusPending
	p.CurrentPhase = models.PhasePages
	return p
}

func newTestStore(t *testing.T, p models.Project) *store.Store {
	t.Helper()
	st := store.New(p, store.WithClock(func() time.Time { return fixtureTime }))
	t.Cleanup(st.Close)
	return st
}
