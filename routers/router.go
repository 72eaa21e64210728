package routers

import (
	"net/http"

	"PictureBook-server/config"
	"PictureBook-server/logger"
	"PictureBook-server/routers/api"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

func InitRouter(cfg *config.Config, h *api.Handler, log *logger.Logger) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	// 请求体出现未知字段直接 400
	binding.EnableDecoderDisallowUnknownFields = true

	r := gin.New()
	r.Use(RequestLogger(log), gin.Recovery(), CORS(cfg.Server.CORSOrigins))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", h.CreateProject)
		v1.GET("/projects", h.ListProjects)
		v1.GET("/projects/:project_id", h.GetProject)
		v1.DELETE("/projects/:project_id", h.DeleteProject)
		v1.PUT("/projects/:project_id/collection", h.SetCollection)
		v1.GET("/projects/:project_id/gates", h.GetGates)
		v1.GET("/projects/:project_id/ws", h.ProjectWebSocket)

		v1.PUT("/projects/:project_id/story", h.SetRawStory)
		v1.PUT("/projects/:project_id/title", h.SetTitle)
		v1.PUT("/projects/:project_id/style", h.SetStylePreset)
		v1.PATCH("/projects/:project_id/settings", h.UpdateSettings)
		v1.PUT("/projects/:project_id/phase", h.SetPhase)
		v1.PUT("/projects/:project_id/phases/:phase", h.UpdatePhaseStatus)
		v1.POST("/projects/:project_id/phases/:phase/unlock", h.UnlockPhase)

		v1.POST("/projects/:project_id/analyze", h.AnalyzeProject)
		v1.POST("/projects/:project_id/analyze/stream", h.AnalyzeProjectStream)

		v1.POST("/projects/:project_id/assets", h.AddAsset)
		v1.PATCH("/projects/:project_id/assets/:asset_id", h.UpdateAsset)
		v1.DELETE("/projects/:project_id/assets/:asset_id", h.RemoveAsset)
		v1.POST("/projects/:project_id/assets/:asset_id/lock", h.LockAsset)
		v1.POST("/projects/:project_id/assets/:asset_id/generate", h.GenerateAsset)
		v1.POST("/projects/:project_id/characters/lock", h.LockAllCharacters)

		v1.PUT("/projects/:project_id/pages", h.SetPages)
		v1.PATCH("/projects/:project_id/pages/:page_index", h.UpdatePage)
		v1.POST("/projects/:project_id/pages/:page_index/generate", h.GeneratePage)
		v1.POST("/projects/:project_id/pages/:page_index/edit", h.EditPage)
		v1.POST("/projects/:project_id/pages/:page_index/audio", h.GeneratePageAudio)

		v1.POST("/projects/:project_id/tasks", h.CreateTask)
		v1.GET("/projects/:project_id/tasks", h.ListTasks)
		v1.GET("/tasks/:task_id", h.GetTaskStatus)
		v1.GET("/tasks/:task_id/ws", h.TaskProgressWebSocket)

		gen := v1.Group("/generate")
		gen.POST("/analyze-story", h.AnalyzeStory)
		gen.POST("/analyze-story/stream", h.AnalyzeStoryStream)
		gen.POST("/generate-character-image", h.GenerateCharacterImage)
		gen.POST("/generate-page-image", h.GeneratePageImage)
		gen.POST("/edit-image", h.EditImage)
		gen.POST("/generate-audio", h.GenerateAudio)
		gen.POST("/translate-text", h.TranslateText)
	}

	if cfg.Admin.Enabled {
		admin := r.Group("/v1/admin", api.AdminAuth(cfg.Admin.Token))
		admin.GET("/projects/:project_id/snapshot", h.DumpSnapshot)
		admin.POST("/projects/:project_id/test-audio", h.SetTestAudio)
	}
	return r
}
