package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"PictureBook-server/models"
)

// Progress 批量任务进度；单步任务只填 Percent 和 Message
type Progress struct {
	Percent   int    `json:"percent"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Message   string `json:"message"`
}

type ProgressFunc func(Progress)

func (f ProgressFunc) report(percent int, message string) {
	if f != nil {
		f(Progress{Percent: percent, Message: message})
	}
}

func (f ProgressFunc) step(completed, total int, message string) {
	if f == nil {
		return
	}
	percent := 100
	if total > 0 {
		percent = completed * 100 / total
	}
	f(Progress{Percent: percent, Completed: completed, Total: total, Message: message})
}

// AnalyzeRequest 分析参数
type AnalyzeRequest struct {
	Story     string
	PageCount int
	Style     models.StylePreset
	Language  string
}

// AnalyzeResult 分析输出：资产与分页均已规范化
type AnalyzeResult struct {
	StoryName string         `json:"storyName"`
	Assets    []models.Asset `json:"assets"`
	Pages     []models.Page  `json:"pages"`
}

// rawAnalysis 模型返回的 JSON 结构
type rawAnalysis struct {
	StoryName string `json:"story_name"`
	Assets    []struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Name   string `json:"name"`
		Prompt string `json:"prompt"`
	} `json:"assets"`
	Pages []struct {
		PageIndex   int                `json:"page_index"`
		SceneID     string             `json:"scene_id"`
		Prompt      string             `json:"prompt"`
		AssetRefs   []string           `json:"asset_refs"`
		VoiceScript []models.VoiceLine `json:"voice_script"`
		TTSText     string             `json:"tts_text"`
	} `json:"pages"`
}

const analyzeSystemPrompt = `你是一名资深儿童绘本编辑兼分镜师。只输出一个 JSON 对象，不要输出任何解释。`

const analyzePromptTemplate = `请阅读下面的故事，把它切分为 %d 页儿童绘本分镜。

要求：
1. 提取故事中出现的主要角色(type=character)和主要场景(type=background)，每个资产给出 name 和用于生成定妆图的 prompt（外貌、服装、配色要具体，保证前后一致）。
2. 每一页给出 page_index(从1开始)、scene_id、prompt(画面描述：主体、动作、环境、光影)、asset_refs(本页出现的资产 name)、voice_script(按顺序的台词，role 为"%s"表示旁白，emotion 为情绪) 和 tts_text(本页完整朗读文本)。
3. 画风：%s。文本语言：%s。
4. 为故事取一个简短的 story_name。

输出格式：
{"story_name":"","assets":[{"type":"character","name":"","prompt":""}],"pages":[{"page_index":1,"scene_id":"","prompt":"","asset_refs":[""],"voice_script":[{"role":"","emotion":"","text":""}],"tts_text":""}]}

故事：
%s`

// Analyzer 故事 -> 资产 + 分页
type Analyzer struct {
	LLM LLM
}

func (a *Analyzer) Analyze(ctx context.Context, req AnalyzeRequest, onProgress ProgressFunc) (AnalyzeResult, error) {
	story := strings.TrimSpace(req.Story)
	if len([]rune(story)) < models.MinStoryRunes {
		return AnalyzeResult{}, fmt.Errorf("%w: story must be at least %d characters", models.ErrValidation, models.MinStoryRunes)
	}
	pageCount := req.PageCount
	if pageCount <= 0 {
		pageCount = models.DefaultPageCount
	}
	lang := req.Language
	if lang == "" {
		lang = "zh"
	}

	onProgress.report(10, "正在分析故事结构")
	prompt := fmt.Sprintf(analyzePromptTemplate, pageCount, models.NarratorRole, strings.TrimPrefix(req.Style.Suffix(), "，"), lang, story)
	out, err := a.LLM.Complete(ctx, ChatRequest{
		System:      analyzeSystemPrompt,
		Prompt:      prompt,
		Temperature: 0.7,
		MaxTokens:   4000,
		JSON:        true,
	})
	if err != nil {
		return AnalyzeResult{}, err
	}

	onProgress.report(30, "正在解析分镜结果")
	var raw rawAnalysis
	if err := ParseJSON(out, &raw); err != nil {
		return AnalyzeResult{}, err
	}

	onProgress.report(80, "正在整理角色与页面")
	res, err := normalizeAnalysis(raw)
	if err != nil {
		return AnalyzeResult{}, err
	}
	onProgress.report(100, "分析完成")
	return res, nil
}

// ParseJSON 先严格解析，失败后截取第一个 { 到最后一个 } 再试一次
func ParseJSON(text string, v interface{}) error {
	text = strings.TrimSpace(text)
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("%w: no json object found", models.ErrUnparseableResponse)
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrUnparseableResponse, err)
	}
	return nil
}

func normalizeAnalysis(raw rawAnalysis) (AnalyzeResult, error) {
	res := AnalyzeResult{
		StoryName: strings.TrimSpace(raw.StoryName),
		Assets:    []models.Asset{},
		Pages:     []models.Page{},
	}
	// 引用既可能写 id 也可能写 name
	refIndex := make(map[string]string)
	for _, ra := range raw.Assets {
		name := strings.TrimSpace(ra.Name)
		if name == "" {
			continue
		}
		t := models.AssetType(strings.ToLower(strings.TrimSpace(ra.Type)))
		if !t.Valid() {
			t = models.AssetCharacter
		}
		if _, dup := refIndex[name]; dup {
			continue
		}
		id := models.NextAssetID(res.StoryName, t, res.Assets)
		res.Assets = append(res.Assets, models.Asset{
			ID:     id,
			Type:   t,
			Name:   name,
			Prompt: strings.TrimSpace(ra.Prompt),
		})
		refIndex[name] = id
		refIndex[id] = id
		if ra.ID != "" {
			refIndex[strings.TrimSpace(ra.ID)] = id
		}
	}
	if len(raw.Pages) == 0 {
		return AnalyzeResult{}, fmt.Errorf("%w: analysis returned no pages", models.ErrUnparseableResponse)
	}

	// 按模型给出的 page_index 排序后重新编号为 1..n
	sort.SliceStable(raw.Pages, func(i, j int) bool {
		return raw.Pages[i].PageIndex < raw.Pages[j].PageIndex
	})
	for i, rp := range raw.Pages {
		page := models.Page{
			PageIndex:   i + 1,
			SceneID:     strings.TrimSpace(rp.SceneID),
			Prompt:      strings.TrimSpace(rp.Prompt),
			AssetRefs:   []string{},
			VoiceScript: []models.VoiceLine{},
			TTSText:     strings.TrimSpace(rp.TTSText),
			Status:      models.PageStatusPending,
		}
		if page.SceneID == "" {
			page.SceneID = fmt.Sprintf("scene-%02d", page.PageIndex)
		}
		seen := make(map[string]bool)
		for _, ref := range rp.AssetRefs {
			id, ok := refIndex[strings.TrimSpace(ref)]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			page.AssetRefs = append(page.AssetRefs, id)
		}
		for _, line := range rp.VoiceScript {
			if strings.TrimSpace(line.Text) == "" {
				continue
			}
			page.VoiceScript = append(page.VoiceScript, models.VoiceLine{
				Role:    strings.TrimSpace(line.Role),
				Emotion: strings.TrimSpace(line.Emotion),
				Text:    strings.TrimSpace(line.Text),
			})
		}
		res.Pages = append(res.Pages, page)
	}
	return res, nil
}
