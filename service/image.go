package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"PictureBook-server/config"
	"PictureBook-server/models"

	"golang.org/x/time/rate"
)

// 任务状态（图片服务侧）
const (
	imageTaskDone   = "succeeded"
	imageTaskFailed = "failed"
)

// DefaultEditStrength 局部重绘强度
const DefaultEditStrength = 0.65

// baseSizes 2k 分辨率下各画幅的像素尺寸
var baseSizes = map[string][2]int{
	"16:9": {1920, 1080},
	"4:3":  {1440, 1080},
	"1:1":  {1080, 1080},
	"3:4":  {1080, 1440},
	"9:16": {1080, 1920},
	"21:9": {2520, 1080},
	"3:2":  {1620, 1080},
	"2:3":  {1080, 1620},
}

// ImageSize 按画幅和分辨率档位换算尺寸，未知画幅按 16:9
func ImageSize(aspectRatio, resolution string) string {
	wh, ok := baseSizes[aspectRatio]
	if !ok {
		wh = baseSizes["16:9"]
	}
	w, h := wh[0], wh[1]
	switch strings.ToLower(resolution) {
	case "1k":
		w, h = w*2/3, h*2/3
	case "4k":
		w, h = w*2, h*2
	}
	return fmt.Sprintf("%dx%d", w, h)
}

// ImageRequest 文生图 / 参考图生图
type ImageRequest struct {
	Prompt          string
	AspectRatio     string
	Resolution      string
	ReferenceImages []string
}

// EditRequest 局部重绘；Mask 可为空，表示整图按指令修改
type EditRequest struct {
	Prompt   string
	ImageURL string
	MaskURL  string
	Strength float64
}

// ImageGenerator 编排器依赖的图片能力
type ImageGenerator interface {
	Generate(ctx context.Context, req ImageRequest) (string, error)
	Edit(ctx context.Context, req EditRequest) (string, error)
}

type ImageClient struct {
	endpoint     string
	apiKey       string
	model        string
	pollInterval time.Duration
	maxPolls     int
	limiter      *rate.Limiter
	httpClient   *http.Client
}

func NewImageClient(conf *config.Config) *ImageClient {
	cfg := conf.Image
	interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	maxPolls := cfg.MaxPolls
	if maxPolls <= 0 {
		maxPolls = 150
	}
	return &ImageClient{
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		pollInterval: interval,
		maxPolls:     maxPolls,
		// 生成服务限流较严，每秒最多提交一次
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type imageGenerationBody struct {
	Model     string   `json:"model,omitempty"`
	Prompt    string   `json:"prompt"`
	Size      string   `json:"size"`
	ImageURLs []string `json:"image_urls,omitempty"`
	N         int      `json:"n"`
}

type imageEditBody struct {
	Model    string  `json:"model,omitempty"`
	Prompt   string  `json:"prompt"`
	ImageURL string  `json:"image_url"`
	MaskURL  string  `json:"mask_url,omitempty"`
	Strength float64 `json:"strength"`
}

type imageTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Data   []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// firstImage 同步结果直接返回；b64 转成 data URL 交给上层转存
func (r imageTaskResponse) firstImage() string {
	for _, d := range r.Data {
		if d.URL != "" {
			return d.URL
		}
		if d.B64JSON != "" {
			return "data:image/png;base64," + d.B64JSON
		}
	}
	return ""
}

func (c *ImageClient) Generate(ctx context.Context, req ImageRequest) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", fmt.Errorf("%w: prompt is required", models.ErrValidation)
	}
	body := imageGenerationBody{
		Model:     c.model,
		Prompt:    req.Prompt,
		Size:      ImageSize(req.AspectRatio, req.Resolution),
		ImageURLs: req.ReferenceImages,
		N:         1,
	}
	return c.submit(ctx, "/v1/images/generations", body)
}

func (c *ImageClient) Edit(ctx context.Context, req EditRequest) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" || req.ImageURL == "" {
		return "", fmt.Errorf("%w: prompt and image are required", models.ErrValidation)
	}
	strength := req.Strength
	if strength <= 0 || strength > 1 {
		strength = DefaultEditStrength
	}
	body := imageEditBody{
		Model:    c.model,
		Prompt:   req.Prompt,
		ImageURL: req.ImageURL,
		MaskURL:  req.MaskURL,
		Strength: strength,
	}
	return c.submit(ctx, "/v1/images/edits", body)
}

func (c *ImageClient) submit(ctx context.Context, path string, body interface{}) (string, error) {
	if c.endpoint == "" {
		return "", fmt.Errorf("%w: image endpoint not configured", models.ErrProvider)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	var resp imageTaskResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint+path, body, &resp); err != nil {
		return "", err
	}
	if img := resp.firstImage(); img != "" {
		return img, nil
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("%w: image provider returned neither image nor task id", models.ErrProvider)
	}
	return c.poll(ctx, resp.TaskID)
}

// poll 轮询任务直到成功、失败、次数用尽或 ctx 结束
func (c *ImageClient) poll(ctx context.Context, taskID string) (string, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for i := 0; i < c.maxPolls; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		var resp imageTaskResponse
		if err := c.do(ctx, http.MethodGet, c.endpoint+"/v1/images/tasks/"+taskID, nil, &resp); err != nil {
			return "", err
		}
		switch resp.Status {
		case imageTaskFailed:
			msg := "image task failed"
			if resp.Error != nil && resp.Error.Message != "" {
				msg = resp.Error.Message
			}
			return "", fmt.Errorf("%w: %s", models.ErrProvider, msg)
		case imageTaskDone:
			if img := resp.firstImage(); img != "" {
				return img, nil
			}
			return "", fmt.Errorf("%w: image task %s finished without image", models.ErrProvider, taskID)
		}
	}
	return "", fmt.Errorf("%w: image task %s timed out after %d polls", models.ErrProvider, taskID, c.maxPolls)
}

func (c *ImageClient) do(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("image: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("image: request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: image request failed: %v", models.ErrProvider, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: image read body: %v", models.ErrProvider, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: image http %d: %s", models.ErrProvider, resp.StatusCode, truncate(string(raw), 300))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: image decode response: %v", models.ErrProvider, err)
	}
	return nil
}
