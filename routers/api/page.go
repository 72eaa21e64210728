package api

import (
	"PictureBook-server/models"
	"PictureBook-server/service"
	"PictureBook-server/store"

	"github.com/gin-gonic/gin"
)

type pagesRequest struct {
	Pages []models.Page `json:"pages" binding:"required"`
}

// 整体替换分页：PUT /v1/api/projects/:project_id/pages
func (h *Handler) SetPages(c *gin.Context) {
	var req pagesRequest
	if !bind(c, &req) {
		return
	}
	h.dispatch(c, store.SetPages{Pages: req.Pages})
}

// 修改单页：PATCH /v1/api/projects/:project_id/pages/:page_index
func (h *Handler) UpdatePage(c *gin.Context) {
	idx, ok := pageIndexParam(c)
	if !ok {
		return
	}
	var patch models.PagePatch
	if !bind(c, &patch) {
		return
	}
	patch.PageIndex = idx
	h.dispatch(c, store.UpdatePage{Patch: patch})
}

// 单页插图（同步）：POST /v1/api/projects/:project_id/pages/:page_index/generate
func (h *Handler) GeneratePage(c *gin.Context) {
	idx, ok := pageIndexParam(c)
	if !ok {
		return
	}
	st, ok := h.openStore(c)
	if !ok {
		return
	}
	url, err := h.Orch.GeneratePage(c.Request.Context(), st, idx)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"imageUrl": url, "project": st.Snapshot()})
}

type pageEditRequest struct {
	Prompt   string  `json:"prompt" binding:"required"`
	MaskURL  string  `json:"maskUrl"`
	Strength float64 `json:"strength"`
}

// 单页局部重绘：POST /v1/api/projects/:project_id/pages/:page_index/edit
func (h *Handler) EditPage(c *gin.Context) {
	idx, ok := pageIndexParam(c)
	if !ok {
		return
	}
	var req pageEditRequest
	if !bind(c, &req) {
		return
	}
	st, ok := h.openStore(c)
	if !ok {
		return
	}
	url, err := h.Orch.EditPageImage(c.Request.Context(), st, idx, service.EditRequest{
		Prompt:   req.Prompt,
		MaskURL:  req.MaskURL,
		Strength: req.Strength,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"imageUrl": url, "project": st.Snapshot()})
}

// 单页配音：POST /v1/api/projects/:project_id/pages/:page_index/audio
func (h *Handler) GeneratePageAudio(c *gin.Context) {
	idx, ok := pageIndexParam(c)
	if !ok {
		return
	}
	st, ok := h.openStore(c)
	if !ok {
		return
	}
	url, err := h.Orch.GeneratePageAudio(c.Request.Context(), st, idx)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"audioUrl": url, "project": st.Snapshot()})
}
