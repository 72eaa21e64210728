package api

import (
	"net/http"

	"PictureBook-server/models"
	"PictureBook-server/store"

	"github.com/gin-gonic/gin"
)

type createProjectRequest struct {
	Title       string                `json:"title"`
	RawStory    string                `json:"rawStory"`
	StylePreset models.StylePreset    `json:"stylePreset"`
	Settings    *models.SettingsPatch `json:"settings"`
}

// 创建项目：POST /v1/api/projects，请求体可为空
func (h *Handler) CreateProject(c *gin.Context) {
	var req createProjectRequest
	if c.Request.ContentLength != 0 {
		if !bind(c, &req) {
			return
		}
	}
	var cmds []store.Command
	if req.Title != "" {
		cmds = append(cmds, store.SetTitle{Title: req.Title})
	}
	if req.RawStory != "" {
		cmds = append(cmds, store.SetRawStory{Text: req.RawStory})
	}
	if req.StylePreset != "" {
		cmds = append(cmds, store.SetStylePreset{Preset: req.StylePreset})
	}
	if req.Settings != nil {
		cmds = append(cmds, store.UpdateSettings{Patch: *req.Settings})
	}

	st, err := h.Registry.Create(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	p := st.Snapshot()
	if len(cmds) > 0 {
		if p, err = st.DispatchAll(c.Request.Context(), cmds...); err != nil {
			// 初始字段不合法时删掉刚建的项目
			_ = h.Registry.Delete(c.Request.Context(), st.ID())
			respondError(c, err)
			return
		}
	}
	h.log().Info("项目已创建", "project_id", p.ID)
	respondStatus(c, http.StatusCreated, p)
}

// 项目列表：GET /v1/api/projects?collection=draft|published，缺省返回全部
func (h *Handler) ListProjects(c *gin.Context) {
	col := models.Collection(c.Query("collection"))
	if col != "" && !col.Valid() {
		respondError(c, models.ErrValidation)
		return
	}
	list, err := h.Projects.List(c.Request.Context(), col)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, list)
}

type projectView struct {
	Project    models.Project    `json:"project"`
	Collection models.Collection `json:"collection"`
	Gates      models.GateReport `json:"gates"`
}

// 项目详情：GET /v1/api/projects/:project_id
func (h *Handler) GetProject(c *gin.Context) {
	st, ok := h.openStore(c)
	if !ok {
		return
	}
	p := st.Snapshot()
	col, _ := h.Registry.Collection(p.ID)
	respondOK(c, projectView{Project: p, Collection: col, Gates: models.Gates(p)})
}

// 阶段门状态：GET /v1/api/projects/:project_id/gates
func (h *Handler) GetGates(c *gin.Context) {
	st, ok := h.openStore(c)
	if !ok {
		return
	}
	respondOK(c, models.Gates(st.Snapshot()))
}

// 删除项目：DELETE /v1/api/projects/:project_id
func (h *Handler) DeleteProject(c *gin.Context) {
	id := c.Param("project_id")
	if err := h.Registry.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	h.log().Info("项目已删除", "project_id", id)
	respondOK(c, gin.H{"id": id})
}

type collectionRequest struct {
	Collection models.Collection `json:"collection" binding:"required"`
}

// 草稿/发布切换：PUT /v1/api/projects/:project_id/collection
func (h *Handler) SetCollection(c *gin.Context) {
	var req collectionRequest
	if !bind(c, &req) {
		return
	}
	id := c.Param("project_id")
	if err := h.Registry.SetCollection(c.Request.Context(), id, req.Collection); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"id": id, "collection": req.Collection})
}
