package models

import "strings"

type PageStatus string

const (
	PageStatusPending    PageStatus = "pending"
	PageStatusGenerating PageStatus = "generating"
	PageStatusReady      PageStatus = "ready"
	PageStatusError      PageStatus = "error"
	PageStatusApproved   PageStatus = "approved"
)

func (s PageStatus) Valid() bool {
	switch s {
	case PageStatusPending, PageStatusGenerating, PageStatusReady, PageStatusError, PageStatusApproved:
		return true
	}
	return false
}

// NarratorRole 旁白角色名
const NarratorRole = "旁白"

type VoiceLine struct {
	Role    string `json:"role"`
	Emotion string `json:"emotion"`
	Text    string `json:"text"`
}

// Page 一页绘本，PageIndex 从 1 开始，是页面的身份键
type Page struct {
	PageIndex   int         `json:"pageIndex"`
	SceneID     string      `json:"sceneId"`
	Prompt      string      `json:"prompt"`
	AssetRefs   []string    `json:"assetRefs"`
	VoiceScript []VoiceLine `json:"voiceScript"`
	TTSText     string      `json:"ttsText"`
	ImageURL    *string     `json:"imageUrl"`
	AudioURL    *string     `json:"audioUrl"`
	Status      PageStatus  `json:"status"`
	Error       string      `json:"error,omitempty"`
	AudioStatus PageStatus  `json:"audioStatus,omitempty"`
	AudioError  string      `json:"audioError,omitempty"`
}

// PagePatch 按 PageIndex 合并
type PagePatch struct {
	PageIndex   int          `json:"pageIndex"`
	SceneID     *string      `json:"sceneId,omitempty"`
	Prompt      *string      `json:"prompt,omitempty"`
	AssetRefs   *[]string    `json:"assetRefs,omitempty"`
	VoiceScript *[]VoiceLine `json:"voiceScript,omitempty"`
	TTSText     *string      `json:"ttsText,omitempty"`
	ImageURL    *string      `json:"imageUrl,omitempty"`
	AudioURL    *string      `json:"audioUrl,omitempty"`
	Status      *PageStatus  `json:"status,omitempty"`
	Error       *string      `json:"error,omitempty"`
	AudioStatus *PageStatus  `json:"audioStatus,omitempty"`
	AudioError  *string      `json:"audioError,omitempty"`
}

func (p Page) Clone() Page {
	out := p
	if p.AssetRefs != nil {
		out.AssetRefs = append([]string(nil), p.AssetRefs...)
	}
	if p.VoiceScript != nil {
		out.VoiceScript = append([]VoiceLine(nil), p.VoiceScript...)
	}
	if p.ImageURL != nil {
		v := *p.ImageURL
		out.ImageURL = &v
	}
	if p.AudioURL != nil {
		v := *p.AudioURL
		out.AudioURL = &v
	}
	return out
}

func (p Page) HasImage() bool {
	return p.ImageURL != nil && *p.ImageURL != ""
}

func (p Page) HasAudio() bool {
	return p.AudioURL != nil && *p.AudioURL != ""
}

func (p Page) Apply(patch PagePatch) Page {
	out := p.Clone()
	if patch.SceneID != nil {
		out.SceneID = *patch.SceneID
	}
	if patch.Prompt != nil {
		out.Prompt = *patch.Prompt
	}
	if patch.AssetRefs != nil {
		out.AssetRefs = append([]string{}, (*patch.AssetRefs)...)
	}
	if patch.VoiceScript != nil {
		out.VoiceScript = append([]VoiceLine{}, (*patch.VoiceScript)...)
	}
	if patch.TTSText != nil {
		out.TTSText = *patch.TTSText
	}
	if patch.ImageURL != nil {
		v := *patch.ImageURL
		out.ImageURL = &v
	}
	if patch.AudioURL != nil {
		v := *patch.AudioURL
		out.AudioURL = &v
	}
	if patch.Status != nil {
		out.Status = *patch.Status
	}
	if patch.Error != nil {
		out.Error = *patch.Error
	}
	if patch.AudioStatus != nil {
		out.AudioStatus = *patch.AudioStatus
	}
	if patch.AudioError != nil {
		out.AudioError = *patch.AudioError
	}
	return out
}

// NarrationText 配音文本：优先 ttsText，否则把 voiceScript 拍平
// 旁白直接念，其它角色念成 "角色说：台词"
func (p Page) NarrationText() string {
	if t := strings.TrimSpace(p.TTSText); t != "" {
		return t
	}
	var parts []string
	for _, line := range p.VoiceScript {
		text := strings.TrimSpace(line.Text)
		if text == "" {
			continue
		}
		role := strings.TrimSpace(line.Role)
		if role == "" || role == NarratorRole {
			parts = append(parts, text)
			continue
		}
		parts = append(parts, role+"说："+text)
	}
	return strings.Join(parts, " ")
}
