package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"PictureBook-server/apierr"
	"PictureBook-server/models"
	"PictureBook-server/service"
	"PictureBook-server/store"

	"github.com/gin-gonic/gin"
)

// TestAudioText 未指定 audioUrl 时先用这段文本合成一条测试音频
const TestAudioText = "乌龟听了，笑着说：哎呀，我不是你们的妈妈。我是乌龟。你们的妈妈头顶上有两只大眼睛，披着绿色的衣裳。你们到前面去找找吧！"

// AdminAuth 校验 X-Admin-Token 或 Bearer token；token 为空时拒绝所有请求
func AdminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Admin-Token")
		if got == "" {
			auth := c.GetHeader("Authorization")
			if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
				got = auth[7:]
			}
		}
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			respondError(c, apierr.New(http.StatusUnauthorized, "unauthorized", errors.New("missing or invalid admin token")))
			return
		}
		c.Next()
	}
}

// 完整快照：GET /v1/admin/projects/:project_id/snapshot
func (h *Handler) DumpSnapshot(c *gin.Context) {
	st, ok := h.openStore(c)
	if !ok {
		return
	}
	p := st.Snapshot()
	col, _ := h.Registry.Collection(p.ID)
	respondOK(c, projectView{Project: p, Collection: col, Gates: models.Gates(p)})
}

type testAudioRequest struct {
	AudioURL string `json:"audioUrl"`
}

// 所有页面写入测试音频，用于联调翻页播放：POST /v1/admin/projects/:project_id/test-audio
func (h *Handler) SetTestAudio(c *gin.Context) {
	var req testAudioRequest
	if c.Request.ContentLength != 0 {
		if !bind(c, &req) {
			return
		}
	}
	st, ok := h.openStore(c)
	if !ok {
		return
	}
	if req.AudioURL == "" {
		url, err := h.Speech.Synthesize(c.Request.Context(), service.SpeechRequest{
			Text:       TestAudioText,
			Language:   "zh",
			ObjectBase: fmt.Sprintf("projects/%s/audio/test", st.ID()),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		req.AudioURL = url
	}
	snap := st.Snapshot()
	ready := models.PageStatusReady
	cmds := make([]store.Command, 0, len(snap.Pages))
	for _, pg := range snap.Pages {
		url := req.AudioURL
		cmds = append(cmds, store.UpdatePage{Patch: models.PagePatch{
			PageIndex:   pg.PageIndex,
			AudioURL:    &url,
			AudioStatus: &ready,
		}})
	}
	p, err := st.DispatchAll(c.Request.Context(), cmds...)
	if err != nil {
		respondError(c, err)
		return
	}
	h.log().Info("已写入测试音频", "project_id", p.ID, "pages", len(cmds))
	respondOK(c, p)
}
