package models

import (
	"time"

	"github.com/google/uuid"
)

// Phase 绘本创作的四个阶段
type Phase int

const (
	PhaseScript     Phase = 1 // 剧本确认（AI 分析故事）
	PhaseCharacters Phase = 2 // 角色定妆
	PhasePages      Phase = 3 // 页面插图生成
	PhaseAudio      Phase = 4 // 配音合成
)

// AllPhases 按顺序排列
var AllPhases = []Phase{PhaseScript, PhaseCharacters, PhasePages, PhaseAudio}

func (p Phase) Valid() bool {
	return p >= PhaseScript && p <= PhaseAudio
}

// PhaseStatus 阶段状态
type PhaseStatus string

const (
	PhaseStatusLocked     PhaseStatus = "locked"
	PhaseStatusPending    PhaseStatus = "pending"
	PhaseStatusInProgress PhaseStatus = "in_progress"
	PhaseStatusCompleted  PhaseStatus = "completed"
)

func (s PhaseStatus) Valid() bool {
	switch s {
	case PhaseStatusLocked, PhaseStatusPending, PhaseStatusInProgress, PhaseStatusCompleted:
		return true
	}
	return false
}

// StylePreset 全局画风
type StylePreset string

const (
	StyleWatercolor  StylePreset = "watercolor"
	StyleCrayon      StylePreset = "crayon"
	StyleAnime       StylePreset = "anime"
	StyleRealistic   StylePreset = "realistic"
	StyleCyberpunk   StylePreset = "cyberpunk"
	StyleTraditional StylePreset = "traditional"
	StyleFlat        StylePreset = "flat"
	StyleClay        StylePreset = "clay"
)

// styleSuffixes 拼接在页面提示词末尾的风格描述
var styleSuffixes = map[StylePreset]string{
	StyleWatercolor:  "，儿童绘本插画，水彩风格，柔和的色彩，温暖的光线",
	StyleCrayon:      "，儿童绘本插画，蜡笔手绘风格，童趣的笔触",
	StyleAnime:       "，anime style, vibrant colors, clean line art",
	StyleRealistic:   "，photorealistic style, natural lighting",
	StyleCyberpunk:   "，cyberpunk style, neon lights",
	StyleTraditional: "，traditional chinese painting style, ink wash",
	StyleFlat:        "，扁平插画风格，简洁的几何形状，明快的配色",
	StyleClay:        "，黏土风格，3D 手作质感，柔和的阴影",
}

func (s StylePreset) Valid() bool {
	_, ok := styleSuffixes[s]
	return ok
}

// Suffix 返回风格后缀；未知风格返回空串
func (s StylePreset) Suffix() string {
	return styleSuffixes[s]
}

// Tab 右侧面板，由当前阶段推导，仅用于视图路由
type Tab string

const (
	TabAssets     Tab = "assets"
	TabStoryboard Tab = "storyboard"
	TabFlipbook   Tab = "flipbook"
)

// TabForPhase 阶段 -> 面板
func TabForPhase(p Phase) Tab {
	switch p {
	case PhasePages:
		return TabStoryboard
	case PhaseAudio:
		return TabFlipbook
	default:
		return TabAssets
	}
}

const (
	DefaultTitle     = "未命名绘本"
	DefaultPageCount = 8
)

type Settings struct {
	AspectRatio        string `json:"aspectRatio"`
	Resolution         string `json:"resolution"`
	Language           string `json:"language"`
	AudioLanguage      string `json:"audioLanguage"`
	PageCount          int    `json:"pageCount"`
	EnableSpeechBubble bool   `json:"enableSpeechBubble"`
	BubbleLanguage     string `json:"bubbleLanguage"`
}

// SettingsPatch 只合并非 nil 字段
type SettingsPatch struct {
	AspectRatio        *string `json:"aspectRatio,omitempty"`
	Resolution         *string `json:"resolution,omitempty"`
	Language           *string `json:"language,omitempty"`
	AudioLanguage      *string `json:"audioLanguage,omitempty"`
	PageCount          *int    `json:"pageCount,omitempty"`
	EnableSpeechBubble *bool   `json:"enableSpeechBubble,omitempty"`
	BubbleLanguage     *string `json:"bubbleLanguage,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{
		AspectRatio:    "16:9",
		Resolution:     "2k",
		Language:       "zh",
		AudioLanguage:  "zh",
		PageCount:      DefaultPageCount,
		BubbleLanguage: "zh",
	}
}

func (s Settings) Merge(p SettingsPatch) Settings {
	if p.AspectRatio != nil {
		s.AspectRatio = *p.AspectRatio
	}
	if p.Resolution != nil {
		s.Resolution = *p.Resolution
	}
	if p.Language != nil {
		s.Language = *p.Language
	}
	if p.AudioLanguage != nil {
		s.AudioLanguage = *p.AudioLanguage
	}
	if p.PageCount != nil {
		s.PageCount = *p.PageCount
	}
	if p.EnableSpeechBubble != nil {
		s.EnableSpeechBubble = *p.EnableSpeechBubble
	}
	if p.BubbleLanguage != nil {
		s.BubbleLanguage = *p.BubbleLanguage
	}
	return s
}

// Project 绘本项目聚合根，Assets 与 Pages 只属于本项目
type Project struct {
	ID           string                `json:"id"`
	Title        string                `json:"title"`
	StoryName    string                `json:"storyName"`
	StylePreset  StylePreset           `json:"stylePreset"`
	Assets       []Asset               `json:"assets"`
	Pages        []Page                `json:"pages"`
	CurrentPhase Phase                 `json:"currentPhase"`
	PhaseStatus  map[Phase]PhaseStatus `json:"phaseStatus"`
	RawStory     string                `json:"rawStory"`
	Settings     Settings              `json:"settings"`
	ActiveTab    Tab                   `json:"activeTab"`
	CreatedAt    time.Time             `json:"createdAt"`
	UpdatedAt    time.Time             `json:"updatedAt"`
}

func NewProjectID() string {
	return "project_" + uuid.NewString()
}

// NewProject 返回全新项目：阶段1 pending，阶段2-4 locked
func NewProject(now time.Time) Project {
	return Project{
		ID:           NewProjectID(),
		Title:        DefaultTitle,
		StylePreset:  StyleWatercolor,
		Assets:       []Asset{},
		Pages:        []Page{},
		CurrentPhase: PhaseScript,
		PhaseStatus: map[Phase]PhaseStatus{
			PhaseScript:     PhaseStatusPending,
			PhaseCharacters: PhaseStatusLocked,
			PhasePages:      PhaseStatusLocked,
			PhaseAudio:      PhaseStatusLocked,
		},
		Settings:  DefaultSettings(),
		ActiveTab: TabAssets,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Status 读取阶段状态，缺失视为 locked
func (p Project) Status(phase Phase) PhaseStatus {
	if s, ok := p.PhaseStatus[phase]; ok {
		return s
	}
	return PhaseStatusLocked
}

// Clone 深拷贝，快照之间不共享任何切片或 map
func (p Project) Clone() Project {
	out := p
	out.Assets = make([]Asset, len(p.Assets))
	for i, a := range p.Assets {
		out.Assets[i] = a.Clone()
	}
	out.Pages = make([]Page, len(p.Pages))
	for i, pg := range p.Pages {
		out.Pages[i] = pg.Clone()
	}
	out.PhaseStatus = make(map[Phase]PhaseStatus, len(p.PhaseStatus))
	for k, v := range p.PhaseStatus {
		out.PhaseStatus[k] = v
	}
	return out
}

func (p Project) FindAsset(id string) (int, bool) {
	for i, a := range p.Assets {
		if a.ID == id {
			return i, true
		}
	}
	return -1, false
}

func (p Project) FindPage(index int) (int, bool) {
	for i, pg := range p.Pages {
		if pg.PageIndex == index {
			return i, true
		}
	}
	return -1, false
}

// CoverImage 第一页插图作为封面
func (p Project) CoverImage() string {
	if len(p.Pages) == 0 || p.Pages[0].ImageURL == nil {
		return ""
	}
	return *p.Pages[0].ImageURL
}
