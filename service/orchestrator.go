package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"PictureBook-server/logger"
	"PictureBook-server/models"
	"PictureBook-server/store"
)

// BatchResult 批量生成的汇总，和任务表里存的结果是同一个结构
type BatchResult = models.TaskResult

// StoryAnalyzer 故事分析能力
type StoryAnalyzer interface {
	Analyze(ctx context.Context, req AnalyzeRequest, onProgress ProgressFunc) (AnalyzeResult, error)
}

// TextTranslator 旁白翻译能力
type TextTranslator interface {
	Translate(ctx context.Context, text, target string) (string, error)
}

// Orchestrator 串行驱动生成调用，每完成一项只更新这一项
type Orchestrator struct {
	Analyzer   StoryAnalyzer
	Images     ImageGenerator
	Speech     SpeechSynthesizer
	Translator TextTranslator
	Rehost     Rehoster
	Log        *logger.Logger
}

func (o *Orchestrator) log() *logger.Logger {
	if o.Log == nil {
		return logger.Nop()
	}
	return o.Log
}

// detached 写回 store 时使用：即便调用方 ctx 已取消，当前条目的结果也要落下来
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// AnalyzeStory 阶段1：故事 -> 资产 + 分页。失败时阶段1退回 pending
func (o *Orchestrator) AnalyzeStory(ctx context.Context, st *store.Store, onProgress ProgressFunc) (AnalyzeResult, error) {
	snap := st.Snapshot()
	if !models.CanAnalyze(snap) {
		return AnalyzeResult{}, fmt.Errorf("%w: story must be at least %d characters", models.ErrValidation, models.MinStoryRunes)
	}
	if _, err := st.Dispatch(ctx, store.UpdatePhaseStatus{Phase: models.PhaseScript, Status: models.PhaseStatusInProgress}); err != nil {
		return AnalyzeResult{}, err
	}
	rollback := func(cause error) error {
		if _, err := st.Dispatch(detached(ctx), store.UpdatePhaseStatus{Phase: models.PhaseScript, Status: models.PhaseStatusPending}); err != nil {
			o.log().Warn("阶段1回滚失败", "project_id", snap.ID, "error", err)
		}
		return cause
	}

	res, err := o.Analyzer.Analyze(ctx, AnalyzeRequest{
		Story:     snap.RawStory,
		PageCount: snap.Settings.PageCount,
		Style:     snap.StylePreset,
		Language:  snap.Settings.Language,
	}, onProgress)
	if err != nil {
		o.log().Warn("故事分析失败", "project_id", snap.ID, "error", err)
		return AnalyzeResult{}, rollback(err)
	}

	cmds := []store.Command{store.ClearAssets{}}
	if res.StoryName != "" {
		cmds = append(cmds, store.SetStoryName{StoryName: res.StoryName})
		if snap.Title == "" || snap.Title == models.DefaultTitle {
			cmds = append(cmds, store.SetTitle{Title: res.StoryName})
		}
	}
	for _, a := range res.Assets {
		cmds = append(cmds, store.AddAsset{Asset: a})
	}
	cmds = append(cmds,
		store.SetPages{Pages: res.Pages},
		store.UpdatePhaseStatus{Phase: models.PhaseScript, Status: models.PhaseStatusCompleted},
		store.SetPhase{Phase: models.PhaseCharacters},
	)
	if _, err := st.DispatchAll(detached(ctx), cmds...); err != nil {
		return AnalyzeResult{}, rollback(err)
	}
	o.log().Info("故事分析完成", "project_id", snap.ID, "assets", len(res.Assets), "pages", len(res.Pages))
	return res, nil
}

// RenderImage 生成一张图并转存
func (o *Orchestrator) RenderImage(ctx context.Context, req ImageRequest, objectBase string) (string, error) {
	url, err := o.Images.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	return o.Rehost.Rehost(ctx, url, objectBase)
}

// CharacterPrompt 角色追加定妆照描述，再拼画风后缀
func CharacterPrompt(a models.Asset, style models.StylePreset) string {
	prompt := strings.TrimSpace(a.Prompt)
	if prompt == "" {
		prompt = a.Name
	}
	if a.Type == models.AssetCharacter {
		prompt += "，全身正面定妆照，纯白背景"
	}
	return prompt + style.Suffix()
}

// GenerateCharacter 单个资产出图；锁定资产拒绝
func (o *Orchestrator) GenerateCharacter(ctx context.Context, st *store.Store, assetID string) (string, error) {
	snap := st.Snapshot()
	i, ok := snap.FindAsset(assetID)
	if !ok {
		return "", fmt.Errorf("%w: %s", models.ErrAssetNotFound, assetID)
	}
	asset := snap.Assets[i]
	if asset.Locked {
		return "", fmt.Errorf("%w: %s", models.ErrAssetLocked, assetID)
	}
	url, err := o.RenderImage(ctx, ImageRequest{
		Prompt:      CharacterPrompt(asset, snap.StylePreset),
		AspectRatio: "1:1",
		Resolution:  snap.Settings.Resolution,
	}, fmt.Sprintf("projects/%s/assets/%s", snap.ID, asset.ID))
	if err != nil {
		msg := err.Error()
		if _, derr := st.Dispatch(detached(ctx), store.UpdateAsset{Patch: models.AssetPatch{ID: asset.ID, LastError: &msg}}); derr != nil {
			o.log().Warn("记录资产失败原因失败", "asset_id", asset.ID, "error", derr)
		}
		return "", err
	}
	cleared := ""
	if _, err := st.Dispatch(detached(ctx), store.UpdateAsset{Patch: models.AssetPatch{ID: asset.ID, ImageURL: &url, LastError: &cleared}}); err != nil {
		return "", err
	}
	return url, nil
}

// GenerateCharacters 阶段2：按插入顺序串行为未锁定资产出图，不自动完成阶段
func (o *Orchestrator) GenerateCharacters(ctx context.Context, st *store.Store, onProgress ProgressFunc) (BatchResult, error) {
	snap := st.Snapshot()
	if snap.Status(models.PhaseCharacters) == models.PhaseStatusLocked {
		return BatchResult{}, fmt.Errorf("%w: character phase is locked", models.ErrGateClosed)
	}
	var targets []models.Asset
	for _, a := range snap.Assets {
		if !a.Locked {
			targets = append(targets, a)
		}
	}
	if len(targets) == 0 {
		return BatchResult{}, fmt.Errorf("%w: no unlocked assets", models.ErrNothingToGenerate)
	}
	if err := enterPhase(ctx, st, models.PhaseCharacters); err != nil {
		return BatchResult{}, err
	}

	res := BatchResult{Total: len(targets)}
	for n, a := range targets {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		onProgress.step(n, len(targets), fmt.Sprintf("正在生成 %s", a.Name))
		url, err := o.GenerateCharacter(ctx, st, a.ID)
		res = record(res, a.ID, url, err)
		if err != nil {
			o.log().Warn("资产出图失败", "project_id", snap.ID, "asset_id", a.ID, "error", err)
		}
	}
	onProgress.step(len(targets), len(targets), "角色生成完成")
	return res, nil
}

// LockAllCharacters 锁定全部已出图资产，满足条件时完成阶段2
func (o *Orchestrator) LockAllCharacters(ctx context.Context, st *store.Store) (models.Project, error) {
	snap := st.Snapshot()
	var cmds []store.Command
	for _, a := range snap.Assets {
		if a.HasImage() && !a.Locked {
			cmds = append(cmds, store.LockAsset{ID: a.ID})
		}
	}
	if _, err := st.DispatchAll(ctx, cmds...); err != nil {
		return st.Snapshot(), err
	}
	snap = st.Snapshot()
	if !models.CanCompleteCharacters(snap) {
		return snap, fmt.Errorf("%w: no generated character images to lock", models.ErrGateClosed)
	}
	if err := completePhase(ctx, st, models.PhaseCharacters); err != nil {
		return st.Snapshot(), err
	}
	return st.Dispatch(ctx, store.SetPhase{Phase: models.PhasePages})
}

// pagePrompt 把页面引用的资产改写为「图N(名称)」，只有已锁定且有图的资产提供参考图
func pagePrompt(p models.Project, page models.Page) (string, []string) {
	prompt := page.Prompt
	var refs, legend []string
	for _, id := range page.AssetRefs {
		i, ok := p.FindAsset(id)
		if !ok {
			continue
		}
		a := p.Assets[i]
		label := a.Name
		if a.Locked && a.HasImage() {
			refs = append(refs, *a.ImageURL)
			label = fmt.Sprintf("图%d(%s)", len(refs), a.Name)
			legend = append(legend, label)
		}
		// 先替换「ID(名称)」写法，避免名称重复
		withName := regexp.MustCompile(regexp.QuoteMeta(a.ID) + `\s*\([^)]*\)`)
		prompt = withName.ReplaceAllLiteralString(prompt, label)
		prompt = strings.ReplaceAll(prompt, a.ID, label)
	}
	if len(legend) > 0 {
		prompt = "参考" + strings.Join(legend, "、") + "。" + prompt
	}
	if p.Settings.EnableSpeechBubble {
		for _, line := range page.VoiceScript {
			if line.Role != "" && line.Role != models.NarratorRole {
				prompt += fmt.Sprintf("，画面中%s的对话气泡写着「%s」", line.Role, line.Text)
				break
			}
		}
	}
	return prompt + p.StylePreset.Suffix(), refs
}

// GeneratePage 单页出图：generating -> ready / error
func (o *Orchestrator) GeneratePage(ctx context.Context, st *store.Store, pageIndex int) (string, error) {
	snap := st.Snapshot()
	i, ok := snap.FindPage(pageIndex)
	if !ok {
		return "", fmt.Errorf("%w: %d", models.ErrPageNotFound, pageIndex)
	}
	if !models.CanGeneratePages(snap) {
		return "", fmt.Errorf("%w: characters are not ready", models.ErrGateClosed)
	}
	prompt, refs := pagePrompt(snap, snap.Pages[i])
	return o.runPage(ctx, st, pageIndex, func(ctx context.Context) (string, error) {
		return o.RenderImage(ctx, ImageRequest{
			Prompt:          prompt,
			AspectRatio:     snap.Settings.AspectRatio,
			Resolution:      snap.Settings.Resolution,
			ReferenceImages: refs,
		}, fmt.Sprintf("projects/%s/pages/%d", snap.ID, pageIndex))
	})
}

// EditPageImage 在已有插图上按指令重绘
func (o *Orchestrator) EditPageImage(ctx context.Context, st *store.Store, pageIndex int, req EditRequest) (string, error) {
	snap := st.Snapshot()
	i, ok := snap.FindPage(pageIndex)
	if !ok {
		return "", fmt.Errorf("%w: %d", models.ErrPageNotFound, pageIndex)
	}
	if !snap.Pages[i].HasImage() {
		return "", fmt.Errorf("%w: page %d has no image to edit", models.ErrValidation, pageIndex)
	}
	req.ImageURL = *snap.Pages[i].ImageURL
	return o.runPage(ctx, st, pageIndex, func(ctx context.Context) (string, error) {
		url, err := o.Images.Edit(ctx, req)
		if err != nil {
			return "", err
		}
		return o.Rehost.Rehost(ctx, url, fmt.Sprintf("projects/%s/pages/%d-edit", snap.ID, pageIndex))
	})
}

func (o *Orchestrator) runPage(ctx context.Context, st *store.Store, pageIndex int, render func(context.Context) (string, error)) (string, error) {
	generating := models.PageStatusGenerating
	if _, err := st.Dispatch(ctx, store.UpdatePage{Patch: models.PagePatch{PageIndex: pageIndex, Status: &generating}}); err != nil {
		return "", err
	}
	url, err := render(ctx)
	if err != nil {
		status, msg := models.PageStatusError, err.Error()
		if _, derr := st.Dispatch(detached(ctx), store.UpdatePage{Patch: models.PagePatch{PageIndex: pageIndex, Status: &status, Error: &msg}}); derr != nil {
			o.log().Error("页面状态写回失败", "page", pageIndex, "error", derr)
		}
		return "", err
	}
	status, empty := models.PageStatusReady, ""
	if _, err := st.Dispatch(detached(ctx), store.UpdatePage{Patch: models.PagePatch{PageIndex: pageIndex, ImageURL: &url, Status: &status, Error: &empty}}); err != nil {
		return "", err
	}
	return url, nil
}

// GeneratePages 阶段3：按页码升序串行为缺图页面出图。
// 只有全部页面都有图时才完成阶段3，单页失败不会中断批次
func (o *Orchestrator) GeneratePages(ctx context.Context, st *store.Store, onProgress ProgressFunc) (BatchResult, error) {
	snap := st.Snapshot()
	if !models.CanGeneratePages(snap) {
		return BatchResult{}, fmt.Errorf("%w: characters are not ready", models.ErrGateClosed)
	}
	var targets []models.Page
	for _, pg := range snap.Pages {
		if !pg.HasImage() {
			targets = append(targets, pg)
		}
	}
	if len(targets) == 0 {
		return BatchResult{}, fmt.Errorf("%w: every page already has an image", models.ErrNothingToGenerate)
	}
	// 角色已全部锁定但阶段2还没确认时，先补完阶段2以解锁阶段3
	if snap.Status(models.PhaseCharacters) != models.PhaseStatusCompleted {
		if err := completePhase(ctx, st, models.PhaseCharacters); err != nil {
			return BatchResult{}, err
		}
	}
	if err := enterPhase(ctx, st, models.PhasePages); err != nil {
		return BatchResult{}, err
	}

	res := BatchResult{Total: len(targets)}
	for n, pg := range targets {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		onProgress.step(n, len(targets), fmt.Sprintf("正在生成第 %d 页", pg.PageIndex))
		url, err := o.GeneratePage(ctx, st, pg.PageIndex)
		res = record(res, fmt.Sprintf("page-%d", pg.PageIndex), url, err)
		if err != nil {
			o.log().Warn("页面出图失败", "project_id", snap.ID, "page", pg.PageIndex, "error", err)
		}
	}
	onProgress.step(len(targets), len(targets), "页面生成完成")

	if models.AllPagesImaged(st.Snapshot()) {
		if err := completePhase(ctx, st, models.PhasePages); err != nil {
			return res, err
		}
		if _, err := st.Dispatch(ctx, store.SetPhase{Phase: models.PhaseAudio}); err != nil {
			return res, err
		}
	}
	return res, nil
}

// GeneratePageAudio 单页配音；非中文配音先翻译，翻译失败退回原文
func (o *Orchestrator) GeneratePageAudio(ctx context.Context, st *store.Store, pageIndex int) (string, error) {
	snap := st.Snapshot()
	i, ok := snap.FindPage(pageIndex)
	if !ok {
		return "", fmt.Errorf("%w: %d", models.ErrPageNotFound, pageIndex)
	}
	text := snap.Pages[i].NarrationText()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: page %d has no narration", models.ErrNothingToGenerate, pageIndex)
	}
	lang := snap.Settings.AudioLanguage
	if lang != "" && lang != "zh" && o.Translator != nil {
		translated, err := o.Translator.Translate(ctx, text, lang)
		if err != nil {
			o.log().Warn("旁白翻译失败，使用原文", "page", pageIndex, "error", err)
		} else if translated != "" {
			text = translated
		}
	}

	generating := models.PageStatusGenerating
	if _, err := st.Dispatch(ctx, store.UpdatePage{Patch: models.PagePatch{PageIndex: pageIndex, AudioStatus: &generating}}); err != nil {
		return "", err
	}
	url, err := o.Speech.Synthesize(ctx, SpeechRequest{
		Text:       text,
		Language:   lang,
		ObjectBase: fmt.Sprintf("projects/%s/audio/%d", snap.ID, pageIndex),
	})
	if err != nil {
		status, msg := models.PageStatusError, err.Error()
		if _, derr := st.Dispatch(detached(ctx), store.UpdatePage{Patch: models.PagePatch{PageIndex: pageIndex, AudioStatus: &status, AudioError: &msg}}); derr != nil {
			o.log().Error("配音状态写回失败", "page", pageIndex, "error", derr)
		}
		return "", err
	}
	status, empty := models.PageStatusReady, ""
	if _, err := st.Dispatch(detached(ctx), store.UpdatePage{Patch: models.PagePatch{PageIndex: pageIndex, AudioURL: &url, AudioStatus: &status, AudioError: &empty}}); err != nil {
		return "", err
	}
	return url, nil
}

// GenerateAudio 阶段4：为所有有旁白文本的页面串行配音
func (o *Orchestrator) GenerateAudio(ctx context.Context, st *store.Store, onProgress ProgressFunc) (BatchResult, error) {
	snap := st.Snapshot()
	if !models.CanGenerateAudio(snap) {
		return BatchResult{}, fmt.Errorf("%w: page illustrations are not completed", models.ErrGateClosed)
	}
	var targets []models.Page
	for _, pg := range snap.Pages {
		if strings.TrimSpace(pg.NarrationText()) != "" {
			targets = append(targets, pg)
		}
	}
	if len(targets) == 0 {
		return BatchResult{}, fmt.Errorf("%w: no page has narration text", models.ErrNothingToGenerate)
	}
	if err := enterPhase(ctx, st, models.PhaseAudio); err != nil {
		return BatchResult{}, err
	}

	res := BatchResult{Total: len(targets)}
	for n, pg := range targets {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		onProgress.step(n, len(targets), fmt.Sprintf("正在为第 %d 页配音", pg.PageIndex))
		url, err := o.GeneratePageAudio(ctx, st, pg.PageIndex)
		res = record(res, fmt.Sprintf("page-%d", pg.PageIndex), url, err)
		if err != nil {
			o.log().Warn("页面配音失败", "project_id", snap.ID, "page", pg.PageIndex, "error", err)
		}
	}
	onProgress.step(len(targets), len(targets), "配音完成")

	if models.AllNarrationVoiced(st.Snapshot()) {
		if err := completePhase(ctx, st, models.PhaseAudio); err != nil {
			return res, err
		}
	}
	return res, nil
}

func record(res BatchResult, key, url string, err error) BatchResult {
	item := models.TaskItem{Key: key, OK: err == nil, URL: url}
	if err != nil {
		item.Error = err.Error()
		res.Failed++
	} else {
		res.Succeeded++
	}
	res.Items = append(res.Items, item)
	return res
}

// enterPhase pending -> in_progress；已在进行中视为成功
func enterPhase(ctx context.Context, st *store.Store, phase models.Phase) error {
	switch st.Snapshot().Status(phase) {
	case models.PhaseStatusLocked:
		return fmt.Errorf("%w: phase %d is locked", models.ErrGateClosed, phase)
	case models.PhaseStatusInProgress, models.PhaseStatusCompleted:
		return nil
	}
	_, err := st.Dispatch(ctx, store.UpdatePhaseStatus{Phase: phase, Status: models.PhaseStatusInProgress})
	return err
}

// completePhase 经由 in_progress 走到 completed
func completePhase(ctx context.Context, st *store.Store, phase models.Phase) error {
	if st.Snapshot().Status(phase) == models.PhaseStatusCompleted {
		return nil
	}
	if err := enterPhase(ctx, st, phase); err != nil {
		return err
	}
	_, err := st.Dispatch(detached(ctx), store.UpdatePhaseStatus{Phase: phase, Status: models.PhaseStatusCompleted})
	return err
}

// IsCanceled 批量任务因 ctx 结束而提前退出
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
