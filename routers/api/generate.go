package api

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"PictureBook-server/models"
	"PictureBook-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 无状态代理接口：前端直接调用模型，不读写项目

type analyzeStoryRequest struct {
	Story       string             `json:"story" binding:"required"`
	PageCount   int                `json:"pageCount"`
	StylePreset models.StylePreset `json:"stylePreset"`
	Language    string             `json:"language"`
}

func (r analyzeStoryRequest) toService() (service.AnalyzeRequest, error) {
	if utf8.RuneCountInString(strings.TrimSpace(r.Story)) < models.MinStoryRunes {
		return service.AnalyzeRequest{}, fmt.Errorf("%w: story must be at least %d characters", models.ErrValidation, models.MinStoryRunes)
	}
	if r.StylePreset != "" && !r.StylePreset.Valid() {
		return service.AnalyzeRequest{}, fmt.Errorf("%w: unknown style preset %q", models.ErrValidation, r.StylePreset)
	}
	pageCount := r.PageCount
	if pageCount <= 0 {
		pageCount = models.DefaultPageCount
	}
	return service.AnalyzeRequest{
		Story:     r.Story,
		PageCount: pageCount,
		Style:     r.StylePreset,
		Language:  r.Language,
	}, nil
}

// 故事分析：POST /v1/api/generate/analyze-story
func (h *Handler) AnalyzeStory(c *gin.Context) {
	var req analyzeStoryRequest
	if !bind(c, &req) {
		return
	}
	in, err := req.toService()
	if err != nil {
		respondError(c, err)
		return
	}
	res, err := h.Analyzer.Analyze(c.Request.Context(), in, nil)
	if err != nil {
		h.log().Warn("故事分析失败", "error", err)
		respondError(c, err)
		return
	}
	respondOK(c, res)
}

// 故事分析（SSE 进度）：POST /v1/api/generate/analyze-story/stream
// 参数错误在开流前以普通 JSON 返回
func (h *Handler) AnalyzeStoryStream(c *gin.Context) {
	var req analyzeStoryRequest
	if !bind(c, &req) {
		return
	}
	in, err := req.toService()
	if err != nil {
		respondError(c, err)
		return
	}
	s := startSSE(c)
	res, err := h.Analyzer.Analyze(c.Request.Context(), in, s.progress)
	if err != nil {
		h.log().Warn("故事分析失败", "error", err)
		s.fail(err)
		return
	}
	s.complete(res)
}

type characterImageRequest struct {
	Name        string             `json:"name"`
	Prompt      string             `json:"prompt" binding:"required"`
	Type        models.AssetType   `json:"type"`
	StylePreset models.StylePreset `json:"stylePreset"`
	Resolution  string             `json:"resolution"`
}

// 角色定妆图：POST /v1/api/generate/generate-character-image
func (h *Handler) GenerateCharacterImage(c *gin.Context) {
	var req characterImageRequest
	if !bind(c, &req) {
		return
	}
	if req.Type == "" {
		req.Type = models.AssetCharacter
	}
	prompt := service.CharacterPrompt(models.Asset{Name: req.Name, Prompt: req.Prompt, Type: req.Type}, req.StylePreset)
	url, err := h.Orch.RenderImage(c.Request.Context(), service.ImageRequest{
		Prompt:      prompt,
		AspectRatio: "1:1",
		Resolution:  req.Resolution,
	}, scratchObject("characters"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"imageUrl": url})
}

type pageImageRequest struct {
	Prompt          string             `json:"prompt" binding:"required"`
	ReferenceImages []string           `json:"referenceImages"`
	StylePreset     models.StylePreset `json:"stylePreset"`
	AspectRatio     string             `json:"aspectRatio"`
	Resolution      string             `json:"resolution"`
}

// 页面插图：POST /v1/api/generate/generate-page-image
func (h *Handler) GeneratePageImage(c *gin.Context) {
	var req pageImageRequest
	if !bind(c, &req) {
		return
	}
	url, err := h.Orch.RenderImage(c.Request.Context(), service.ImageRequest{
		Prompt:          req.Prompt + req.StylePreset.Suffix(),
		AspectRatio:     req.AspectRatio,
		Resolution:      req.Resolution,
		ReferenceImages: req.ReferenceImages,
	}, scratchObject("pages"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"imageUrl": url})
}

type editImageRequest struct {
	ImageURL string  `json:"imageUrl" binding:"required"`
	Prompt   string  `json:"prompt" binding:"required"`
	MaskURL  string  `json:"maskUrl"`
	Strength float64 `json:"strength"`
}

// 局部重绘：POST /v1/api/generate/edit-image
func (h *Handler) EditImage(c *gin.Context) {
	var req editImageRequest
	if !bind(c, &req) {
		return
	}
	url, err := h.Images.Edit(c.Request.Context(), service.EditRequest{
		Prompt:   req.Prompt,
		ImageURL: req.ImageURL,
		MaskURL:  req.MaskURL,
		Strength: req.Strength,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	url, err = h.Rehost.Rehost(c.Request.Context(), url, scratchObject("edits"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"imageUrl": url})
}

type audioRequest struct {
	Text     string `json:"text" binding:"required"`
	Voice    string `json:"voice"`
	Language string `json:"language"`
}

// 配音：POST /v1/api/generate/generate-audio
func (h *Handler) GenerateAudio(c *gin.Context) {
	var req audioRequest
	if !bind(c, &req) {
		return
	}
	url, err := h.Speech.Synthesize(c.Request.Context(), service.SpeechRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Language:   req.Language,
		ObjectBase: scratchObject("audio"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"audioUrl": url})
}

type translateRequest struct {
	Text           string `json:"text" binding:"required"`
	TargetLanguage string `json:"targetLanguage" binding:"required"`
}

// 翻译：POST /v1/api/generate/translate-text
func (h *Handler) TranslateText(c *gin.Context) {
	var req translateRequest
	if !bind(c, &req) {
		return
	}
	out, err := h.Translator.Translate(c.Request.Context(), req.Text, req.TargetLanguage)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"translatedText": out})
}

func scratchObject(kind string) string {
	return "scratch/" + kind + "/" + uuid.NewString()
}

// 项目内故事分析（同步）：POST /v1/api/projects/:project_id/analyze
func (h *Handler) AnalyzeProject(c *gin.Context) {
	st, ok := h.openStore(c)
	if !ok {
		return
	}
	res, err := h.Orch.AnalyzeStory(c.Request.Context(), st, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"analysis": res, "project": st.Snapshot()})
}

// 项目内故事分析（SSE）：POST /v1/api/projects/:project_id/analyze/stream
func (h *Handler) AnalyzeProjectStream(c *gin.Context) {
	st, ok := h.openStore(c)
	if !ok {
		return
	}
	if !models.CanAnalyze(st.Snapshot()) {
		respondError(c, fmt.Errorf("%w: story must be at least %d characters", models.ErrValidation, models.MinStoryRunes))
		return
	}
	s := startSSE(c)
	res, err := h.Orch.AnalyzeStory(c.Request.Context(), st, s.progress)
	if err != nil {
		s.fail(err)
		return
	}
	s.complete(gin.H{"analysis": res, "project": st.Snapshot()})
}
