package api

import (
	"PictureBook-server/models"
	"PictureBook-server/store"

	"github.com/gin-gonic/gin"
)

type rawStoryRequest struct {
	Text string `json:"text"`
}

// PUT /v1/api/projects/:project_id/story
func (h *Handler) SetRawStory(c *gin.Context) {
	var req rawStoryRequest
	if !bind(c, &req) {
		return
	}
	h.dispatch(c, store.SetRawStory{Text: req.Text})
}

type titleRequest struct {
	Title string `json:"title"`
}

// PUT /v1/api/projects/:project_id/title
func (h *Handler) SetTitle(c *gin.Context) {
	var req titleRequest
	if !bind(c, &req) {
		return
	}
	h.dispatch(c, store.SetTitle{Title: req.Title})
}

type styleRequest struct {
	StylePreset models.StylePreset `json:"stylePreset" binding:"required"`
}

// PUT /v1/api/projects/:project_id/style
// 阶段1完成后画风冻结，返回 409
func (h *Handler) SetStylePreset(c *gin.Context) {
	var req styleRequest
	if !bind(c, &req) {
		return
	}
	h.dispatch(c, store.SetStylePreset{Preset: req.StylePreset})
}

// PATCH /v1/api/projects/:project_id/settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	var patch models.SettingsPatch
	if !bind(c, &patch) {
		return
	}
	h.dispatch(c, store.UpdateSettings{Patch: patch})
}

type phaseRequest struct {
	Phase models.Phase `json:"phase" binding:"required"`
}

// 切换当前阶段：PUT /v1/api/projects/:project_id/phase
func (h *Handler) SetPhase(c *gin.Context) {
	var req phaseRequest
	if !bind(c, &req) {
		return
	}
	h.dispatch(c, store.SetPhase{Phase: req.Phase})
}

type phaseStatusRequest struct {
	Status models.PhaseStatus `json:"status" binding:"required"`
}

// 修改阶段状态：PUT /v1/api/projects/:project_id/phases/:phase
func (h *Handler) UpdatePhaseStatus(c *gin.Context) {
	phase, ok := phaseParam(c)
	if !ok {
		return
	}
	var req phaseStatusRequest
	if !bind(c, &req) {
		return
	}
	h.dispatch(c, store.UpdatePhaseStatus{Phase: phase, Status: req.Status})
}

// 退回已完成阶段重做：POST /v1/api/projects/:project_id/phases/:phase/unlock
func (h *Handler) UnlockPhase(c *gin.Context) {
	phase, ok := phaseParam(c)
	if !ok {
		return
	}
	h.dispatch(c, store.UnlockPhase{Phase: phase})
}
