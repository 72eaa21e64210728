package api

import (
	"fmt"
	"net/http"
	"strconv"

	"PictureBook-server/apierr"
	"PictureBook-server/logger"
	"PictureBook-server/models"
	"PictureBook-server/realtime"
	"PictureBook-server/service"
	"PictureBook-server/store"

	"github.com/gin-gonic/gin"
)

// Handler 持有所有接口依赖，由 main 组装
type Handler struct {
	Registry   *store.Registry
	Projects   *models.ProjectRepository
	Tasks      *models.TaskRepository
	Orch       *service.Orchestrator
	Analyzer   service.StoryAnalyzer
	Translator service.TextTranslator
	Images     service.ImageGenerator
	Speech     service.SpeechSynthesizer
	Rehost     service.Rehoster
	Runner     service.Submitter
	Bus        realtime.Bus
	Log        *logger.Logger
}

func (h *Handler) log() *logger.Logger {
	if h.Log == nil {
		return logger.Nop()
	}
	return h.Log
}

// Envelope 统一响应格式
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Envelope{Success: true, Data: data})
}

func respondStatus(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

func respondError(c *gin.Context, err error) {
	e := apierr.From(err)
	c.AbortWithStatusJSON(e.Status, Envelope{Success: false, Error: e.Message, Code: e.Code})
}

// bind 解析 JSON 请求体，失败时已写出 400
func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		respondError(c, apierr.BadRequest(err))
		return false
	}
	return true
}

// openStore 打开 :project_id 对应的 store，失败时已写出响应
func (h *Handler) openStore(c *gin.Context) (*store.Store, bool) {
	st, err := h.Registry.Open(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return st, true
}

// dispatch 依次应用命令并返回最新快照
func (h *Handler) dispatch(c *gin.Context, cmds ...store.Command) {
	st, ok := h.openStore(c)
	if !ok {
		return
	}
	p, err := st.DispatchAll(c.Request.Context(), cmds...)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, p)
}

func pageIndexParam(c *gin.Context) (int, bool) {
	n, err := strconv.Atoi(c.Param("page_index"))
	if err != nil || n < 1 {
		respondError(c, fmt.Errorf("%w: page index %q", models.ErrValidation, c.Param("page_index")))
		return 0, false
	}
	return n, true
}

func phaseParam(c *gin.Context) (models.Phase, bool) {
	n, err := strconv.Atoi(c.Param("phase"))
	if err != nil || !models.Phase(n).Valid() {
		respondError(c, fmt.Errorf("%w: %q", models.ErrInvalidPhase, c.Param("phase")))
		return 0, false
	}
	return models.Phase(n), true
}
