package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"PictureBook-server/models"
	"PictureBook-server/realtime"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

type createTaskRequest struct {
	Type string `json:"type" binding:"required"`
}

// 触发批量生成：POST /v1/api/projects/:project_id/tasks
// 立即返回 202 和任务，进度通过 websocket 或查询接口获取
func (h *Handler) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if !bind(c, &req) {
		return
	}
	if !models.ValidTaskType(req.Type) {
		respondError(c, fmt.Errorf("%w: unknown task type %q", models.ErrValidation, req.Type))
		return
	}
	st, ok := h.openStore(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	task := models.NewTask(st.ID(), req.Type)
	if err := h.Tasks.Create(ctx, task); err != nil {
		respondError(c, err)
		return
	}
	if err := h.Runner.Submit(ctx, task); err != nil {
		h.log().Error("任务入队失败", "task_id", task.ID, "error", err)
		_ = h.Tasks.Finish(context.WithoutCancel(ctx), task.ID, models.TaskStatusFailed, models.TaskResult{}, err.Error())
		respondError(c, err)
		return
	}
	h.log().Info("任务已提交", "task_id", task.ID, "project_id", task.ProjectID, "type", task.Type)
	respondStatus(c, http.StatusAccepted, task)
}

// 项目的任务列表：GET /v1/api/projects/:project_id/tasks?limit=20
func (h *Handler) ListTasks(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 0 {
		respondError(c, fmt.Errorf("%w: limit %q", models.ErrValidation, c.Query("limit")))
		return
	}
	tasks, err := h.Tasks.ListByProject(c.Request.Context(), c.Param("project_id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, tasks)
}

// 查询任务状态：GET /v1/api/tasks/:task_id
func (h *Handler) GetTaskStatus(c *gin.Context) {
	t, err := h.Tasks.Get(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, t)
}

func taskTerminal(status string) bool {
	switch status {
	case models.TaskStatusSuccess, models.TaskStatusPartial, models.TaskStatusFailed:
		return true
	}
	return false
}

// 任务进度推送：GET /v1/api/tasks/:task_id/ws
// 先推送当前任务，之后转发总线上的 progress/task_done，终态后关闭
func (h *Handler) TaskProgressWebSocket(c *gin.Context) {
	taskID := c.Param("task_id")
	if _, err := h.Tasks.Get(c.Request.Context(), taskID); err != nil {
		respondError(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log().Warn("WebSocket升级失败", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	topic := realtime.TaskTopic(taskID)
	// 先订阅再读库，避免漏掉两者之间的终态事件
	events, unsubscribe, err := h.Bus.Subscribe(ctx, topic)
	if err != nil {
		h.log().Error("订阅任务事件失败", "task_id", taskID, "error", err)
		return
	}
	defer unsubscribe()

	cur, err := h.Tasks.Get(ctx, taskID)
	if err != nil {
		return
	}
	first, err := realtime.NewEvent(realtime.EventSnapshot, topic, cur)
	if err != nil || writeEvent(conn, first) != nil || taskTerminal(cur.Status) {
		return
	}
	h.forward(ctx, conn, events, func(ev realtime.Event) bool {
		return ev.Type == realtime.EventTaskDone
	})
}

// 项目快照推送：GET /v1/api/projects/:project_id/ws
func (h *Handler) ProjectWebSocket(c *gin.Context) {
	st, ok := h.openStore(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log().Warn("WebSocket升级失败", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	topic := realtime.ProjectTopic(st.ID())
	events, unsubscribe, err := h.Bus.Subscribe(ctx, topic)
	if err != nil {
		h.log().Error("订阅项目事件失败", "project_id", st.ID(), "error", err)
		return
	}
	defer unsubscribe()

	first, err := realtime.NewEvent(realtime.EventSnapshot, topic, st.Snapshot())
	if err != nil || writeEvent(conn, first) != nil {
		return
	}
	h.forward(ctx, conn, events, func(realtime.Event) bool { return false })
}

// forward 串行写出事件并定时 ping；last 返回 true 时写完即结束
func (h *Handler) forward(ctx context.Context, conn *websocket.Conn, events <-chan realtime.Event, last func(realtime.Event) bool) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				h.log().Debug("websocket 写入失败", "topic", ev.Topic, "error", err)
				return
			}
			if last(ev) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteTimeout))
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev realtime.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(ev)
}

// readUntilClosed 丢弃客户端消息，连接断开时取消 ctx
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
