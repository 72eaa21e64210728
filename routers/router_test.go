package routers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PictureBook-server/config"
	"PictureBook-server/logger"
	"PictureBook-server/models"
	"PictureBook-server/realtime"
	"PictureBook-server/routers/api"
	"PictureBook-server/service"
	"PictureBook-server/store"
)

const longStory = "从前有一只小兔子，它住在森林边上的一个小洞里。每天早上，小兔子都会去河边喝水，和小鸭子一起唱歌。有一天，小兔子在草地上发现了一颗会发光的种子，它决定把种子种在家门口，每天给它浇水。"

type stubImages struct{ n int32 }

func (s *stubImages) Generate(_ context.Context, req service.ImageRequest) (string, error) {
	return fmt.Sprintf("https://img.test/%d.png", atomic.AddInt32(&s.n, 1)), nil
}

func (s *stubImages) Edit(_ context.Context, req service.EditRequest) (string, error) {
	return "https://img.test/edited.png", nil
}

type stubSpeech struct{}

func (stubSpeech) Synthesize(_ context.Context, req service.SpeechRequest) (string, error) {
	return "https://audio.test/" + req.ObjectBase + ".mp3", nil
}

type stubTranslator struct{}

func (stubTranslator) Translate(_ context.Context, text, target string) (string, error) {
	return "[" + target + "]" + text, nil
}

type stubAnalyzer struct {
	err error
}

func (a stubAnalyzer) Analyze(_ context.Context, req service.AnalyzeRequest, onProgress service.ProgressFunc) (service.AnalyzeResult, error) {
	if onProgress != nil {
		onProgress(service.Progress{Percent: 10, Message: "正在分析故事"})
	}
	if a.err != nil {
		return service.AnalyzeResult{}, a.err
	}
	if onProgress != nil {
		onProgress(service.Progress{Percent: 100, Message: "分析完成"})
	}
	return service.AnalyzeResult{
		StoryName: "小兔子",
		Assets: []models.Asset{
			{ID: "小兔子-Char-01", Type: models.AssetCharacter, Name: "小兔子", Prompt: "白色的小兔子"},
		},
		Pages: []models.Page{
			{PageIndex: 1, SceneID: "scene-01", Prompt: "小兔子-Char-01 在河边", AssetRefs: []string{"小兔子-Char-01"}, TTSText: "小兔子去河边喝水", Status: models.PageStatusPending},
			{PageIndex: 2, SceneID: "scene-02", Prompt: "小兔子-Char-01 种种子", AssetRefs: []string{"小兔子-Char-01"}, TTSText: "它种下一颗种子", Status: models.PageStatusPending},
		},
	}, nil
}

type testEnv struct {
	engine http.Handler
	tasks  *models.TaskRepository
	srv    *httptest.Server
}

func newTestEnv(t *testing.T, analyzer service.StoryAnalyzer, admin bool) *testEnv {
	t.Helper()
	db, err := models.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))

	projects := models.NewProjectRepository(db)
	tasks := models.NewTaskRepository(db)
	bus := realtime.NewLocalBus()
	registry := store.NewRegistry(projects, realtime.SnapshotPublisher{Bus: bus}, nil)
	images := &stubImages{}
	orch := &service.Orchestrator{
		Analyzer:   analyzer,
		Images:     images,
		Speech:     stubSpeech{},
		Translator: stubTranslator{},
	}
	proc := &service.Processor{Tasks: tasks, Registry: registry, Orch: orch, Bus: bus}
	runner := service.NewInline(proc, 2)

	cfg := &config.Config{}
	cfg.Server.Mode = "test"
	cfg.Admin.Enabled = admin
	cfg.Admin.Token = "secret"

	h := &api.Handler{
		Registry:   registry,
		Projects:   projects,
		Tasks:      tasks,
		Orch:       orch,
		Analyzer:   analyzer,
		Translator: stubTranslator{},
		Images:     images,
		Speech:     stubSpeech{},
		Runner:     runner,
		Bus:        bus,
	}
	r := InitRouter(cfg, h, logger.Nop())
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		_ = runner.Close()
		registry.Close()
		_ = bus.Close()
	})
	return &testEnv{engine: r, tasks: tasks, srv: srv}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, header ...string) (int, envelope) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func (e *testEnv) createProject(t *testing.T) models.Project {
	t.Helper()
	code, env := e.do(t, http.MethodPost, "/v1/api/projects", nil)
	require.Equal(t, http.StatusCreated, code)
	var p models.Project
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p
}

func decodeProject(t *testing.T, raw json.RawMessage) models.Project {
	t.Helper()
	var p models.Project
	require.NoError(t, json.Unmarshal(raw, &p))
	return p
}

func TestProjectLifecycle(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{}, false)
	p := env.createProject(t)
	assert.Equal(t, models.PhaseStatusPending, p.Status(models.PhaseScript))
	assert.Equal(t, models.PhaseStatusLocked, p.Status(models.PhaseCharacters))

	code, res := env.do(t, http.MethodGet, "/v1/api/projects/"+p.ID, nil)
	require.Equal(t, http.StatusOK, code)
	var view struct {
		Project    models.Project    `json:"project"`
		Collection models.Collection `json:"collection"`
		Gates      models.GateReport `json:"gates"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &view))
	assert.Equal(t, models.CollectionDraft, view.Collection)
	assert.False(t, view.Gates.CanAnalyze)

	code, _ = env.do(t, http.MethodPut, "/v1/api/projects/"+p.ID+"/collection", gin.H{"collection": "published"})
	require.Equal(t, http.StatusOK, code)

	code, res = env.do(t, http.MethodGet, "/v1/api/projects?collection=published", nil)
	require.Equal(t, http.StatusOK, code)
	var list []models.IndexEntry
	require.NoError(t, json.Unmarshal(res.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)

	code, _ = env.do(t, http.MethodGet, "/v1/api/projects?collection=trash", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodDelete, "/v1/api/projects/"+p.ID, nil)
	require.Equal(t, http.StatusOK, code)
	code, res = env.do(t, http.MethodGet, "/v1/api/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "project_not_found", res.Code)
	assert.False(t, res.Success)
}

func TestRejectsUnknownFields(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{}, false)
	p := env.createProject(t)

	code, res := env.do(t, http.MethodPut, "/v1/api/projects/"+p.ID+"/title", `{"title":"x","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "bad_request", res.Code)
}

func TestAnalyzeThenEditFlow(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{}, false)
	p := env.createProject(t)
	base := "/v1/api/projects/" + p.ID

	code, res := env.do(t, http.MethodPost, base+"/analyze", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_failed", res.Code)

	code, _ = env.do(t, http.MethodPut, base+"/story", gin.H{"text": longStory})
	require.Equal(t, http.StatusOK, code)

	code, res = env.do(t, http.MethodPost, base+"/analyze", nil)
	require.Equal(t, http.StatusOK, code, res.Error)
	var out struct {
		Project models.Project `json:"project"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &out))
	assert.Equal(t, "小兔子", out.Project.Title)
	assert.Equal(t, models.PhaseCharacters, out.Project.CurrentPhase)
	assert.Equal(t, models.PhaseStatusCompleted, out.Project.Status(models.PhaseScript))
	assert.Equal(t, models.PhaseStatusPending, out.Project.Status(models.PhaseCharacters))
	require.Len(t, out.Project.Pages, 2)

	code, res = env.do(t, http.MethodPut, base+"/style", gin.H{"stylePreset": "anime"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "style_frozen", res.Code)

	code, res = env.do(t, http.MethodPatch, base+"/pages/9", gin.H{"prompt": "x"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "page_not_found", res.Code)

	code, res = env.do(t, http.MethodPatch, base+"/pages/1", gin.H{"assetRefs": []string{"ghost"}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "unknown_asset_ref", res.Code)

	code, res = env.do(t, http.MethodPatch, base+"/pages/1", gin.H{"prompt": "小兔子-Char-01 在月光下"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "小兔子-Char-01 在月光下", decodeProject(t, res.Data).Pages[0].Prompt)

	// 没有定妆图时不能锁定全部角色
	code, res = env.do(t, http.MethodPost, base+"/characters/lock", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "gate_closed", res.Code)

	code, _ = env.do(t, http.MethodPost, base+"/assets/"+url.PathEscape("小兔子-Char-01")+"/generate", nil)
	require.Equal(t, http.StatusOK, code)
	code, res = env.do(t, http.MethodPost, base+"/characters/lock", nil)
	require.Equal(t, http.StatusOK, code)
	locked := decodeProject(t, res.Data)
	assert.True(t, locked.Assets[0].Locked)
	assert.Equal(t, models.PhasePages, locked.CurrentPhase)

	code, res = env.do(t, http.MethodDelete, base+"/assets/"+url.PathEscape("小兔子-Char-01"), nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "asset_locked", res.Code)

	code, res = env.do(t, http.MethodPost, base+"/pages/1/generate", nil)
	require.Equal(t, http.StatusOK, code)
	var gen struct {
		ImageURL string `json:"imageUrl"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &gen))
	assert.NotEmpty(t, gen.ImageURL)

	code, res = env.do(t, http.MethodPost, base+"/phases/1/unlock", nil)
	require.Equal(t, http.StatusOK, code)
	unlocked := decodeProject(t, res.Data)
	assert.Equal(t, models.PhaseStatusPending, unlocked.Status(models.PhaseScript))
	assert.False(t, unlocked.Assets[0].Locked)

	code, _ = env.do(t, http.MethodPost, base+"/phases/7/unlock", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCreateTaskRunsInBackground(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{}, false)
	p := env.createProject(t)
	base := "/v1/api/projects/" + p.ID

	code, _ := env.do(t, http.MethodPost, base+"/tasks", gin.H{"type": "make_movie"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPut, base+"/story", gin.H{"text": longStory})
	require.Equal(t, http.StatusOK, code)

	code, res := env.do(t, http.MethodPost, base+"/tasks", gin.H{"type": models.TaskTypeAnalyzeStory})
	require.Equal(t, http.StatusAccepted, code)
	var task models.Task
	require.NoError(t, json.Unmarshal(res.Data, &task))
	assert.Equal(t, p.ID, task.ProjectID)

	assert.Eventually(t, func() bool {
		code, res := env.do(t, http.MethodGet, "/v1/api/tasks/"+task.ID, nil)
		if code != http.StatusOK {
			return false
		}
		var got models.Task
		return json.Unmarshal(res.Data, &got) == nil && got.Status == models.TaskStatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	code, res = env.do(t, http.MethodGet, base+"/tasks", nil)
	require.Equal(t, http.StatusOK, code)
	var list []models.Task
	require.NoError(t, json.Unmarshal(res.Data, &list))
	assert.Len(t, list, 1)

	code, res = env.do(t, http.MethodGet, "/v1/api/tasks/task_missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "task_not_found", res.Code)
}

func sseFrames(t *testing.T, body string) []map[string]interface{} {
	t.Helper()
	var frames []map[string]interface{}
	for _, chunk := range strings.Split(body, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		require.True(t, strings.HasPrefix(chunk, "data: "), chunk)
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(chunk, "data: ")), &m))
		frames = append(frames, m)
	}
	return frames
}

func TestAnalyzeStoryStream(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{}, false)

	req := httptest.NewRequest(http.MethodPost, "/v1/api/generate/analyze-story/stream",
		strings.NewReader(fmt.Sprintf(`{"story":%q,"pageCount":2}`, longStory)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	frames := sseFrames(t, w.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "progress", frames[0]["type"])
	assert.EqualValues(t, 10, frames[0]["progress"])
	assert.EqualValues(t, 100, frames[1]["progress"])
	assert.Equal(t, "complete", frames[2]["type"])
	data := frames[2]["data"].(map[string]interface{})
	assert.Equal(t, "小兔子", data["storyName"])
}

func TestAnalyzeStoryStreamError(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{err: fmt.Errorf("%w: http 500", models.ErrProvider)}, false)

	req := httptest.NewRequest(http.MethodPost, "/v1/api/generate/analyze-story/stream",
		strings.NewReader(fmt.Sprintf(`{"story":%q}`, longStory)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)

	frames := sseFrames(t, w.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, "progress", frames[0]["type"])
	assert.Equal(t, "error", frames[1]["type"])
	assert.Equal(t, "provider_error", frames[1]["code"])

	// 参数错误不开流
	code, res := env.do(t, http.MethodPost, "/v1/api/generate/analyze-story/stream", gin.H{"story": "太短"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_failed", res.Code)
}

func TestProxyEndpoints(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{}, false)

	code, res := env.do(t, http.MethodPost, "/v1/api/generate/translate-text", gin.H{"text": "你好", "targetLanguage": "en"})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"translatedText":"[en]你好"}`, string(res.Data))

	code, res = env.do(t, http.MethodPost, "/v1/api/generate/generate-character-image", gin.H{"prompt": "白色的小兔子"})
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(res.Data), "https://img.test/")

	code, res = env.do(t, http.MethodPost, "/v1/api/generate/generate-audio", gin.H{"text": "从前"})
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(res.Data), "scratch/audio/")

	code, _ = env.do(t, http.MethodPost, "/v1/api/generate/edit-image", gin.H{"prompt": "加一顶帽子"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAdminRoutes(t *testing.T) {
	off := newTestEnv(t, stubAnalyzer{}, false)
	p := off.createProject(t)
	code, _ := off.do(t, http.MethodGet, "/v1/admin/projects/"+p.ID+"/snapshot", nil, "X-Admin-Token", "secret")
	assert.Equal(t, http.StatusNotFound, code)

	env := newTestEnv(t, stubAnalyzer{}, true)
	p = env.createProject(t)
	base := "/v1/api/projects/" + p.ID
	code, _ = env.do(t, http.MethodPut, base+"/story", gin.H{"text": longStory})
	require.Equal(t, http.StatusOK, code)
	code, _ = env.do(t, http.MethodPost, base+"/analyze", nil)
	require.Equal(t, http.StatusOK, code)

	code, res := env.do(t, http.MethodGet, "/v1/admin/projects/"+p.ID+"/snapshot", nil, "X-Admin-Token", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthorized", res.Code)

	code, res = env.do(t, http.MethodPost, "/v1/admin/projects/"+p.ID+"/test-audio", nil, "Authorization", "Bearer secret")
	require.Equal(t, http.StatusOK, code)
	for _, pg := range decodeProject(t, res.Data).Pages {
		require.NotNil(t, pg.AudioURL)
		assert.Equal(t, "https://audio.test/projects/"+p.ID+"/audio/test.mp3", *pg.AudioURL)
		assert.Equal(t, models.PageStatusReady, pg.AudioStatus)
	}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestTaskWebSocketSendsCurrentState(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{}, false)
	ctx := context.Background()

	task := models.NewTask("project_x", models.TaskTypeGeneratePages)
	require.NoError(t, env.tasks.Create(ctx, task))
	require.NoError(t, env.tasks.Finish(ctx, task.ID, models.TaskStatusFailed, models.TaskResult{}, "boom"))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.srv, "/v1/api/tasks/"+task.ID+"/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev realtime.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, realtime.EventSnapshot, ev.Type)
	var got models.Task
	require.NoError(t, json.Unmarshal(ev.Data, &got))
	assert.Equal(t, models.TaskStatusFailed, got.Status)

	// 终态任务推送后服务端关闭连接
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env.srv, "/v1/api/tasks/task_missing/ws"), nil)
	assert.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
}

func TestProjectWebSocketStreamsSnapshots(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{}, false)
	p := env.createProject(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.srv, "/v1/api/projects/"+p.ID+"/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev realtime.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, realtime.EventSnapshot, ev.Type)
	assert.Equal(t, models.DefaultTitle, decodeProject(t, ev.Data).Title)

	code, _ := env.do(t, http.MethodPut, "/v1/api/projects/"+p.ID+"/title", gin.H{"title": "月亮船"})
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "月亮船", decodeProject(t, ev.Data).Title)
}
