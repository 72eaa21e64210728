package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestProject() Project {
	return NewProject(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestCanAnalyzeCountsRunes(t *testing.T) {
	p := newTestProject()

	p.RawStory = strings.Repeat("兔", 49)
	assert.False(t, CanAnalyze(p), "49 个字符不允许分析")

	p.RawStory = strings.Repeat("兔", 50)
	assert.True(t, CanAnalyze(p), "50 个字符允许分析")

	p.RawStory = "   " + strings.Repeat("a", 49) + "\n\t"
	assert.False(t, CanAnalyze(p), "首尾空白不计入")
}

func TestCharactersReadyIgnoresUngeneratedAssets(t *testing.T) {
	p := newTestProject()
	p.Assets = []Asset{
		{ID: "a-Char-01", Type: AssetCharacter, ImageURL: StringPtr("http://img/1.png"), Locked: true},
		{ID: "a-Char-02", Type: AssetCharacter, ImageURL: StringPtr("http://img/2.png"), Locked: true},
		{ID: "a-Bg-01", Type: AssetBackground},
	}
	assert.True(t, CharactersReady(p))

	p.Assets[1].Locked = false
	assert.False(t, CharactersReady(p))
}

func TestCharactersReadyNeedsOneImage(t *testing.T) {
	p := newTestProject()
	assert.False(t, CharactersReady(p))

	p.Assets = []Asset{{ID: "x", Type: AssetCharacter}}
	assert.False(t, CharactersReady(p))
}

func TestCanGeneratePages(t *testing.T) {
	p := newTestProject()
	p.Assets = []Asset{{ID: "x", ImageURL: StringPtr("u"), Locked: true}}
	assert.False(t, CanGeneratePages(p), "没有页面")

	p.Pages = []Page{{PageIndex: 1}}
	assert.True(t, CanGeneratePages(p))

	p.Assets[0].Locked = false
	assert.False(t, CanGeneratePages(p))

	p.PhaseStatus[PhaseCharacters] = PhaseStatusCompleted
	assert.True(t, CanGeneratePages(p), "阶段 2 已完成")
}

func TestCanGenerateAudio(t *testing.T) {
	p := newTestProject()
	assert.False(t, CanGenerateAudio(p))
	p.PhaseStatus[PhasePages] = PhaseStatusCompleted
	assert.True(t, CanGenerateAudio(p))
}

func TestAllNarrationVoiced(t *testing.T) {
	p := newTestProject()
	p.Pages = []Page{
		{PageIndex: 1, TTSText: "从前", AudioURL: StringPtr("a.mp3")},
		{PageIndex: 2},
	}
	assert.True(t, AllNarrationVoiced(p), "没有文本的页面不需要配音")

	p.Pages[1].TTSText = "后来"
	assert.False(t, AllNarrationVoiced(p))
}

func TestNarrationText(t *testing.T) {
	pg := Page{VoiceScript: []VoiceLine{
		{Role: NarratorRole, Text: "森林里住着一只小兔子。"},
		{Role: "小兔子", Emotion: "开心", Text: "今天天气真好！"},
		{Role: "小熊", Text: "  "},
	}}
	assert.Equal(t, "森林里住着一只小兔子。 小兔子说：今天天气真好！", pg.NarrationText())

	pg.TTSText = "直接朗读"
	assert.Equal(t, "直接朗读", pg.NarrationText())
}

func TestNextAssetID(t *testing.T) {
	existing := []Asset{{ID: "小兔-Char-01"}, {ID: "小兔-Char-03"}}
	assert.Equal(t, "小兔-Char-02", NextAssetID("小兔", AssetCharacter, existing))
	assert.Equal(t, "小兔-Bg-01", NextAssetID("小兔", AssetBackground, existing))
	assert.Equal(t, "Story-Char-01", NextAssetID(" ", AssetCharacter, nil))
}

func TestCloneIsDeep(t *testing.T) {
	p := newTestProject()
	p.Assets = []Asset{{ID: "a", ImageURL: StringPtr("u1")}}
	p.Pages = []Page{{PageIndex: 1, AssetRefs: []string{"a"}}}

	c := p.Clone()
	*c.Assets[0].ImageURL = "u2"
	c.Pages[0].AssetRefs[0] = "b"
	c.PhaseStatus[PhaseAudio] = PhaseStatusCompleted

	assert.Equal(t, "u1", *p.Assets[0].ImageURL)
	assert.Equal(t, "a", p.Pages[0].AssetRefs[0])
	assert.Equal(t, PhaseStatusLocked, p.PhaseStatus[PhaseAudio])
}
