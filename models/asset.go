package models

import (
	"fmt"
	"strings"
)

type AssetType string

const (
	AssetCharacter  AssetType = "character"
	AssetBackground AssetType = "background"
)

func (t AssetType) Valid() bool {
	return t == AssetCharacter || t == AssetBackground
}

// Asset 角色或背景，锁定后不可再修改
type Asset struct {
	ID           string    `json:"id"`
	Type         AssetType `json:"type"`
	Name         string    `json:"name"`
	Prompt       string    `json:"prompt"`
	ImageURL     *string   `json:"imageUrl"`
	Locked       bool      `json:"locked"`
	CustomUpload bool      `json:"customUpload,omitempty"`
	LastError    string    `json:"lastError,omitempty"` // 最近一次出图失败原因，成功后清空
}

// AssetPatch 按 ID 合并；ClearImage 用于把图片置空
type AssetPatch struct {
	ID           string     `json:"id"`
	Type         *AssetType `json:"type,omitempty"`
	Name         *string    `json:"name,omitempty"`
	Prompt       *string    `json:"prompt,omitempty"`
	ImageURL     *string    `json:"imageUrl,omitempty"`
	ClearImage   bool       `json:"clearImage,omitempty"`
	CustomUpload *bool      `json:"customUpload,omitempty"`
	LastError    *string    `json:"lastError,omitempty"`
}

func (a Asset) Clone() Asset {
	out := a
	if a.ImageURL != nil {
		v := *a.ImageURL
		out.ImageURL = &v
	}
	return out
}

func (a Asset) HasImage() bool {
	return a.ImageURL != nil && *a.ImageURL != ""
}

// Apply 合并补丁，不修改接收者
func (a Asset) Apply(p AssetPatch) Asset {
	out := a.Clone()
	if p.Type != nil {
		out.Type = *p.Type
	}
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Prompt != nil {
		out.Prompt = *p.Prompt
	}
	if p.ClearImage {
		out.ImageURL = nil
	}
	if p.ImageURL != nil {
		v := *p.ImageURL
		out.ImageURL = &v
	}
	if p.CustomUpload != nil {
		out.CustomUpload = *p.CustomUpload
	}
	if p.LastError != nil {
		out.LastError = *p.LastError
	}
	return out
}

// NextAssetID 生成形如 "小兔子-Char-01" / "小兔子-Bg-02" 的可读 ID，跳过已占用的序号
func NextAssetID(storyName string, t AssetType, existing []Asset) string {
	prefix := strings.TrimSpace(storyName)
	if prefix == "" {
		prefix = "Story"
	}
	kind := "Char"
	if t == AssetBackground {
		kind = "Bg"
	}
	used := make(map[string]struct{}, len(existing))
	for _, a := range existing {
		used[a.ID] = struct{}{}
	}
	for n := 1; ; n++ {
		id := fmt.Sprintf("%s-%s-%02d", prefix, kind, n)
		if _, ok := used[id]; !ok {
			return id
		}
	}
}

func StringPtr(s string) *string {
	return &s
}
