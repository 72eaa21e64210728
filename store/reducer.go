package store

import (
	"fmt"
	"sort"
	"time"

	"PictureBook-server/models"
)

// Command 一次具名的状态变更
type Command interface {
	Name() string
	apply(p *models.Project) error
}

// Apply 纯函数：对快照的深拷贝执行命令。
// 被拒绝时返回原快照和错误，输入永远不会被修改。
func Apply(p models.Project, cmd Command) (models.Project, error) {
	if cmd == nil {
		return p, fmt.Errorf("%w: nil command", models.ErrValidation)
	}
	next := p.Clone()
	if err := cmd.apply(&next); err != nil {
		return p, err
	}
	return next, nil
}

type NewProject struct {
	At time.Time
}

func (NewProject) Name() string { return "newProject" }
func (c NewProject) apply(p *models.Project) error {
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}
	*p = models.NewProject(at)
	return nil
}

// Load 用持久化的快照整体替换
type Load struct {
	Project models.Project
}

func (Load) Name() string { return "load" }
func (c Load) apply(p *models.Project) error {
	if c.Project.ID == "" {
		return fmt.Errorf("%w: project id is empty", models.ErrValidation)
	}
	*p = c.Project.Clone()
	return nil
}

type SetRawStory struct {
	Text string
}

func (SetRawStory) Name() string { return "setRawStory" }
func (c SetRawStory) apply(p *models.Project) error {
	p.RawStory = c.Text
	return nil
}

type SetTitle struct {
	Title string
}

func (SetTitle) Name() string { return "setTitle" }
func (c SetTitle) apply(p *models.Project) error {
	p.Title = c.Title
	return nil
}

type SetStoryName struct {
	StoryName string
}

func (SetStoryName) Name() string { return "setStoryName" }
func (c SetStoryName) apply(p *models.Project) error {
	p.StoryName = c.StoryName
	return nil
}

// SetStylePreset 阶段 1 完成后画风冻结
type SetStylePreset struct {
	Preset models.StylePreset
}

func (SetStylePreset) Name() string { return "setStylePreset" }
func (c SetStylePreset) apply(p *models.Project) error {
	if !c.Preset.Valid() {
		return fmt.Errorf("%w: unknown style preset %q", models.ErrValidation, c.Preset)
	}
	if c.Preset == p.StylePreset {
		return nil
	}
	if p.Status(models.PhaseScript) == models.PhaseStatusCompleted {
		return models.ErrStyleFrozen
	}
	p.StylePreset = c.Preset
	return nil
}

// AddAsset ID 为空时按故事名生成；新资产一律未锁定
type AddAsset struct {
	Asset models.Asset
}

func (AddAsset) Name() string { return "addAsset" }
func (c AddAsset) apply(p *models.Project) error {
	a := c.Asset.Clone()
	if !a.Type.Valid() {
		return fmt.Errorf("%w: unknown asset type %q", models.ErrValidation, a.Type)
	}
	if a.ID == "" {
		a.ID = models.NextAssetID(p.StoryName, a.Type, p.Assets)
	} else if _, ok := p.FindAsset(a.ID); ok {
		return fmt.Errorf("%w: %s", models.ErrDuplicateAsset, a.ID)
	}
	a.Locked = false
	p.Assets = append(p.Assets, a)
	return nil
}

type UpdateAsset struct {
	Patch models.AssetPatch
}

func (UpdateAsset) Name() string { return "updateAsset" }
func (c UpdateAsset) apply(p *models.Project) error {
	i, ok := p.FindAsset(c.Patch.ID)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrAssetNotFound, c.Patch.ID)
	}
	if p.Assets[i].Locked {
		return fmt.Errorf("%w: %s", models.ErrAssetLocked, c.Patch.ID)
	}
	if c.Patch.Type != nil && !c.Patch.Type.Valid() {
		return fmt.Errorf("%w: unknown asset type %q", models.ErrValidation, *c.Patch.Type)
	}
	p.Assets[i] = p.Assets[i].Apply(c.Patch)
	return nil
}

// RemoveAsset 同时清理所有页面里指向它的引用
type RemoveAsset struct {
	ID string
}

func (RemoveAsset) Name() string { return "removeAsset" }
func (c RemoveAsset) apply(p *models.Project) error {
	i, ok := p.FindAsset(c.ID)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrAssetNotFound, c.ID)
	}
	if p.Assets[i].Locked {
		return fmt.Errorf("%w: %s", models.ErrAssetLocked, c.ID)
	}
	p.Assets = append(p.Assets[:i], p.Assets[i+1:]...)
	for j := range p.Pages {
		p.Pages[j].AssetRefs = dropRef(p.Pages[j].AssetRefs, c.ID)
	}
	return nil
}

func dropRef(refs []string, id string) []string {
	if refs == nil {
		return nil
	}
	out := refs[:0]
	for _, r := range refs {
		if r != id {
			out = append(out, r)
		}
	}
	return out
}

// LockAsset 单向，必须先有图；重复锁定无副作用
type LockAsset struct {
	ID string
}

func (LockAsset) Name() string { return "lockAsset" }
func (c LockAsset) apply(p *models.Project) error {
	i, ok := p.FindAsset(c.ID)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrAssetNotFound, c.ID)
	}
	if p.Assets[i].Locked {
		return nil
	}
	if !p.Assets[i].HasImage() {
		return fmt.Errorf("%w: %s", models.ErrAssetHasNoImage, c.ID)
	}
	p.Assets[i].Locked = true
	return nil
}

// ClearAssets 重新分析前清空资产；存在锁定资产时拒绝
type ClearAssets struct{}

func (ClearAssets) Name() string { return "clearAssets" }
func (ClearAssets) apply(p *models.Project) error {
	for _, a := range p.Assets {
		if a.Locked {
			return fmt.Errorf("%w: %s", models.ErrAssetLocked, a.ID)
		}
	}
	p.Assets = []models.Asset{}
	for j := range p.Pages {
		if p.Pages[j].AssetRefs != nil {
			p.Pages[j].AssetRefs = []string{}
		}
	}
	return nil
}

// SetPages 整批替换；页码必须恰好是 1..n，引用必须存在
type SetPages struct {
	Pages []models.Page
}

func (SetPages) Name() string { return "setPages" }
func (c SetPages) apply(p *models.Project) error {
	pages := make([]models.Page, len(c.Pages))
	for i, pg := range c.Pages {
		pages[i] = pg.Clone()
	}
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].PageIndex < pages[j].PageIndex })
	for i := range pages {
		if pages[i].PageIndex != i+1 {
			return fmt.Errorf("%w: page indexes must be 1..%d without gaps or duplicates", models.ErrInvalidPages, len(pages))
		}
		if pages[i].Status == "" {
			pages[i].Status = models.PageStatusPending
		} else if !pages[i].Status.Valid() {
			return fmt.Errorf("%w: page %d status %q", models.ErrValidation, pages[i].PageIndex, pages[i].Status)
		}
		if err := checkRefs(*p, pages[i].PageIndex, pages[i].AssetRefs); err != nil {
			return err
		}
	}
	p.Pages = pages
	return nil
}

func checkRefs(p models.Project, pageIndex int, refs []string) error {
	for _, r := range refs {
		if _, ok := p.FindAsset(r); !ok {
			return fmt.Errorf("%w: page %d -> %s", models.ErrUnknownAssetRef, pageIndex, r)
		}
	}
	return nil
}

type UpdatePage struct {
	Patch models.PagePatch
}

func (UpdatePage) Name() string { return "updatePage" }
func (c UpdatePage) apply(p *models.Project) error {
	i, ok := p.FindPage(c.Patch.PageIndex)
	if !ok {
		return fmt.Errorf("%w: %d", models.ErrPageNotFound, c.Patch.PageIndex)
	}
	if c.Patch.Status != nil && !c.Patch.Status.Valid() {
		return fmt.Errorf("%w: page status %q", models.ErrValidation, *c.Patch.Status)
	}
	if c.Patch.AudioStatus != nil && !c.Patch.AudioStatus.Valid() {
		return fmt.Errorf("%w: audio status %q", models.ErrValidation, *c.Patch.AudioStatus)
	}
	if c.Patch.AssetRefs != nil {
		if err := checkRefs(*p, c.Patch.PageIndex, *c.Patch.AssetRefs); err != nil {
			return err
		}
	}
	p.Pages[i] = p.Pages[i].Apply(c.Patch)
	return nil
}

// SetPhase 切换当前阶段，同时推导右侧面板
type SetPhase struct {
	Phase models.Phase
}

func (SetPhase) Name() string { return "setPhase" }
func (c SetPhase) apply(p *models.Project) error {
	if !c.Phase.Valid() {
		return fmt.Errorf("%w: %d", models.ErrInvalidPhase, c.Phase)
	}
	p.CurrentPhase = c.Phase
	p.ActiveTab = models.TabForPhase(c.Phase)
	return nil
}

// UpdatePhaseStatus 状态迁移：
//
//	pending -> in_progress -> completed
//	in_progress -> pending（失败回滚）
//
// completed 且 phase<4 时，下一阶段在同一次更新里由 locked 变为 pending
type UpdatePhaseStatus struct {
	Phase  models.Phase
	Status models.PhaseStatus
}

func (UpdatePhaseStatus) Name() string { return "updatePhaseStatus" }
func (c UpdatePhaseStatus) apply(p *models.Project) error {
	if !c.Phase.Valid() {
		return fmt.Errorf("%w: %d", models.ErrInvalidPhase, c.Phase)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("%w: status %q", models.ErrValidation, c.Status)
	}
	from := p.Status(c.Phase)
	if from == c.Status {
		return nil
	}
	if !allowedTransition(from, c.Status) {
		return fmt.Errorf("%w: phase %d %s -> %s", models.ErrInvalidTransition, c.Phase, from, c.Status)
	}
	p.PhaseStatus[c.Phase] = c.Status
	if c.Status == models.PhaseStatusCompleted && c.Phase < models.PhaseAudio {
		next := c.Phase + 1
		if p.Status(next) == models.PhaseStatusLocked {
			p.PhaseStatus[next] = models.PhaseStatusPending
		}
	}
	return nil
}

func allowedTransition(from, to models.PhaseStatus) bool {
	switch {
	case from == models.PhaseStatusPending && to == models.PhaseStatusInProgress:
		return true
	case from == models.PhaseStatusInProgress && to == models.PhaseStatusCompleted:
		return true
	case from == models.PhaseStatusInProgress && to == models.PhaseStatusPending:
		return true
	}
	return false
}

// UnlockPhase 把已完成的阶段退回 pending 以便重做。
// 下游 in_progress/completed 的阶段一并退回 pending，不会重新 locked。
// 退回阶段 1 或 2 时释放所有资产锁。
type UnlockPhase struct {
	Phase models.Phase
}

func (UnlockPhase) Name() string { return "unlockPhase" }
func (c UnlockPhase) apply(p *models.Project) error {
	if !c.Phase.Valid() {
		return fmt.Errorf("%w: %d", models.ErrInvalidPhase, c.Phase)
	}
	if from := p.Status(c.Phase); from != models.PhaseStatusCompleted {
		return fmt.Errorf("%w: phase %d is %s, only completed phases can be unlocked", models.ErrInvalidTransition, c.Phase, from)
	}
	p.PhaseStatus[c.Phase] = models.PhaseStatusPending
	for q := c.Phase + 1; q <= models.PhaseAudio; q++ {
		switch p.Status(q) {
		case models.PhaseStatusInProgress, models.PhaseStatusCompleted:
			p.PhaseStatus[q] = models.PhaseStatusPending
		}
	}
	if c.Phase <= models.PhaseCharacters {
		for i := range p.Assets {
			p.Assets[i].Locked = false
		}
	}
	p.CurrentPhase = c.Phase
	p.ActiveTab = models.TabForPhase(c.Phase)
	return nil
}

type UpdateSettings struct {
	Patch models.SettingsPatch
}

func (UpdateSettings) Name() string { return "updateSettings" }
func (c UpdateSettings) apply(p *models.Project) error {
	p.Settings = p.Settings.Merge(c.Patch)
	return nil
}
