package service

import (
	"bytes"
	"context"
	"encoding/base64"
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

// SpeechRequest 单段配音
type SpeechRequest struct {
	Text     string
	Voice    string
	Language string
	// ObjectBase 转存时使用的对象名前缀（不含扩展名）
	ObjectBase string
}

// SpeechSynthesizer 返回可播放的音频 URL
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest) (string, error)
}

type TTSClient struct {
	endpoint     string
	apiKey       string
	defaultVoice string
	limiter      *rate.Limiter
	httpClient   *http.Client
	rehost       Rehoster
}

func NewTTSClient(conf *config.Config, media MediaStore) *TTSClient {
	return &TTSClient{
		endpoint:     strings.TrimRight(conf.TTS.Endpoint, "/"),
		apiKey:       conf.TTS.APIKey,
		defaultVoice: conf.TTS.Voice,
		limiter:      rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		rehost:       Rehoster{Store: media},
	}
}

type speechBody struct {
	Input    string `json:"input"`
	Voice    string `json:"voice"`
	Language string `json:"language,omitempty"`
	Format   string `json:"format"`
}

type speechJSONResponse struct {
	URL         string `json:"url"`
	AudioBase64 string `json:"audio_base64"`
	Error       *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Synthesize 服务端可能直接回音频流，也可能回 JSON（url 或 base64）
func (c *TTSClient) Synthesize(ctx context.Context, req SpeechRequest) (string, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return "", fmt.Errorf("%w: text is required", models.ErrValidation)
	}
	if c.endpoint == "" {
		return "", fmt.Errorf("%w: tts endpoint not configured", models.ErrProvider)
	}
	voice := req.Voice
	if voice == "" {
		voice = c.defaultVoice
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	encoded, err := json.Marshal(speechBody{Input: text, Voice: voice, Language: req.Language, Format: "mp3"})
	if err != nil {
		return "", fmt.Errorf("tts: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/audio/speech", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("tts: request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: tts request failed: %v", models.ErrProvider, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: tts read body: %v", models.ErrProvider, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("%w: tts http %d: %s", models.ErrProvider, resp.StatusCode, truncate(string(raw), 300))
	}

	objectBase := req.ObjectBase
	if objectBase == "" {
		objectBase = "audio/" + time.Now().Format("20060102150405.000")
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "json") {
		if len(raw) == 0 {
			return "", fmt.Errorf("%w: tts returned empty audio", models.ErrProvider)
		}
		if contentType == "" {
			contentType = "audio/mpeg"
		}
		return c.rehost.RehostBytes(ctx, raw, contentType, objectBase)
	}

	var out speechJSONResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: tts decode response: %v", models.ErrProvider, err)
	}
	switch {
	case out.Error != nil:
		return "", fmt.Errorf("%w: tts api error: %s", models.ErrProvider, out.Error.Message)
	case out.AudioBase64 != "":
		data, err := base64.StdEncoding.DecodeString(out.AudioBase64)
		if err != nil {
			return "", fmt.Errorf("%w: tts decode audio: %v", models.ErrProvider, err)
		}
		return c.rehost.RehostBytes(ctx, data, "audio/mpeg", objectBase)
	case out.URL != "":
		return c.rehost.Rehost(ctx, out.URL, objectBase)
	}
	return "", fmt.Errorf("%w: tts returned no audio", models.ErrProvider)
}
