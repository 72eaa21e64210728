package models

import (
	"strings"
	"unicode/utf8"
)

// MinStoryRunes 分析所需的最少字符数（按字符计，不按字节）
const MinStoryRunes = 50

// 以下谓词都是纯函数，每次请求重新计算，不做缓存

func CanAnalyze(p Project) bool {
	return utf8.RuneCountInString(strings.TrimSpace(p.RawStory)) >= MinStoryRunes
}

// CharactersReady 至少有一张已生成的图，且所有有图的资产都已锁定
// 没有图的资产不参与判断
func CharactersReady(p Project) bool {
	imaged := 0
	for _, a := range p.Assets {
		if !a.HasImage() {
			continue
		}
		if !a.Locked {
			return false
		}
		imaged++
	}
	return imaged > 0
}

func CanCompleteCharacters(p Project) bool {
	return p.Status(PhaseCharacters) != PhaseStatusLocked && CharactersReady(p)
}

func CanGeneratePages(p Project) bool {
	if len(p.Pages) == 0 {
		return false
	}
	return p.Status(PhaseCharacters) == PhaseStatusCompleted || CharactersReady(p)
}

func CanGenerateAudio(p Project) bool {
	return p.Status(PhasePages) == PhaseStatusCompleted
}

func AllPagesImaged(p Project) bool {
	if len(p.Pages) == 0 {
		return false
	}
	for _, pg := range p.Pages {
		if !pg.HasImage() {
			return false
		}
	}
	return true
}

// AllNarrationVoiced 有配音文本的页面全部有音频；没有可配音页面时为 false
func AllNarrationVoiced(p Project) bool {
	targets := 0
	for _, pg := range p.Pages {
		if pg.NarrationText() == "" {
			continue
		}
		targets++
		if !pg.HasAudio() {
			return false
		}
	}
	return targets > 0
}

// GateReport 给前端按钮使用的门控视图
type GateReport struct {
	CanAnalyze            bool `json:"canAnalyze"`
	StoryRunes            int  `json:"storyRunes"`
	CharactersReady       bool `json:"charactersReady"`
	CanCompleteCharacters bool `json:"canCompleteCharacters"`
	CanGeneratePages      bool `json:"canGeneratePages"`
	AllPagesImaged        bool `json:"allPagesImaged"`
	CanGenerateAudio      bool `json:"canGenerateAudio"`
	AllNarrationVoiced    bool `json:"allNarrationVoiced"`
}

func Gates(p Project) GateReport {
	return GateReport{
		CanAnalyze:            CanAnalyze(p),
		StoryRunes:            utf8.RuneCountInString(strings.TrimSpace(p.RawStory)),
		CharactersReady:       CharactersReady(p),
		CanCompleteCharacters: CanCompleteCharacters(p),
		CanGeneratePages:      CanGeneratePages(p),
		AllPagesImaged:        AllPagesImaged(p),
		CanGenerateAudio:      CanGenerateAudio(p),
		AllNarrationVoiced:    AllNarrationVoiced(p),
	}
}
