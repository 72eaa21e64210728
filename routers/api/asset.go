package api

import (
	"fmt"
	"strings"
	"time"

	"PictureBook-server/models"
	"PictureBook-server/store"

	"github.com/gin-gonic/gin"
)

// 新增资产：POST /v1/api/projects/:project_id/assets
func (h *Handler) AddAsset(c *gin.Context) {
	var a models.Asset
	if !bind(c, &a) {
		return
	}
	h.dispatch(c, store.AddAsset{Asset: a})
}

// 修改资产：PATCH /v1/api/projects/:project_id/assets/:asset_id
// imageUrl 为 data URL 时视为用户上传，先转存到对象存储
func (h *Handler) UpdateAsset(c *gin.Context) {
	var patch models.AssetPatch
	if !bind(c, &patch) {
		return
	}
	patch.ID = c.Param("asset_id")
	if patch.ImageURL != nil && strings.HasPrefix(*patch.ImageURL, "data:") {
		objectBase := fmt.Sprintf("projects/%s/uploads/%s-%d", c.Param("project_id"), patch.ID, time.Now().UnixMilli())
		url, err := h.Rehost.Rehost(c.Request.Context(), *patch.ImageURL, objectBase)
		if err != nil {
			respondError(c, err)
			return
		}
		patch.ImageURL = &url
		uploaded := true
		patch.CustomUpload = &uploaded
	}
	h.dispatch(c, store.UpdateAsset{Patch: patch})
}

// 删除资产：DELETE /v1/api/projects/:project_id/assets/:asset_id
func (h *Handler) RemoveAsset(c *gin.Context) {
	h.dispatch(c, store.RemoveAsset{ID: c.Param("asset_id")})
}

// 锁定单个资产：POST /v1/api/projects/:project_id/assets/:asset_id/lock
func (h *Handler) LockAsset(c *gin.Context) {
	h.dispatch(c, store.LockAsset{ID: c.Param("asset_id")})
}

// 单个角色生成（同步）：POST /v1/api/projects/:project_id/assets/:asset_id/generate
func (h *Handler) GenerateAsset(c *gin.Context) {
	st, ok := h.openStore(c)
	if !ok {
		return
	}
	url, err := h.Orch.GenerateCharacter(c.Request.Context(), st, c.Param("asset_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"imageUrl": url, "project": st.Snapshot()})
}

// 锁定全部角色并进入阶段3：POST /v1/api/projects/:project_id/characters/lock
func (h *Handler) LockAllCharacters(c *gin.Context) {
	st, ok := h.openStore(c)
	if !ok {
		return
	}
	p, err := h.Orch.LockAllCharacters(c.Request.Context(), st)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, p)
}
