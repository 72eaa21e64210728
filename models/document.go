package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Collection 项目索引分为草稿与已发布两组
type Collection string

const (
	CollectionDraft     Collection = "draft"
	CollectionPublished Collection = "published"
)

func (c Collection) Valid() bool {
	return c == CollectionDraft || c == CollectionPublished
}

// ProjectDocument 一个项目一行：索引字段单独成列，完整聚合存 JSON
type ProjectDocument struct {
	ID          string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Collection  Collection     `gorm:"type:varchar(16);index" json:"collection"`
	Title       string         `gorm:"type:varchar(255)" json:"title"`
	PageCount   int            `json:"pageCount"`
	CoverImage  string         `gorm:"type:text" json:"coverImage"`
	PhaseStatus datatypes.JSON `json:"-"`
	Body        datatypes.JSON `json:"-"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `gorm:"index" json:"updatedAt"`
}

func (ProjectDocument) TableName() string {
	return "project_document"
}

// IndexEntry 列表接口返回的索引项
type IndexEntry struct {
	ID          string                `json:"id"`
	Collection  Collection            `json:"collection"`
	Title       string                `json:"title"`
	UpdatedAt   time.Time             `json:"updatedAt"`
	PageCount   int                   `json:"pageCount"`
	CoverImage  string                `json:"coverImage"`
	PhaseStatus map[Phase]PhaseStatus `json:"phaseStatus"`
}

func (d ProjectDocument) Index() IndexEntry {
	e := IndexEntry{
		ID:         d.ID,
		Collection: d.Collection,
		Title:      d.Title,
		UpdatedAt:  d.UpdatedAt,
		PageCount:  d.PageCount,
		CoverImage: d.CoverImage,
	}
	if len(d.PhaseStatus) > 0 {
		_ = json.Unmarshal(d.PhaseStatus, &e.PhaseStatus)
	}
	return e
}

// ProjectRepository 项目持久化
type ProjectRepository struct {
	DB *gorm.DB
}

func NewProjectRepository(db *gorm.DB) *ProjectRepository {
	return &ProjectRepository{DB: db}
}

// List collection 为空时返回全部，按更新时间倒序
func (r *ProjectRepository) List(ctx context.Context, collection Collection) ([]IndexEntry, error) {
	var docs []ProjectDocument
	q := r.DB.WithContext(ctx).
		Select("id", "collection", "title", "page_count", "cover_image", "phase_status", "created_at", "updated_at").
		Order("updated_at DESC")
	if collection != "" {
		q = q.Where("collection = ?", collection)
	}
	if err := q.Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("查询项目列表失败: %w", err)
	}
	out := make([]IndexEntry, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Index())
	}
	return out, nil
}

// Upsert 按 ID 写入；同一项目只会出现在一个 collection 中
func (r *ProjectRepository) Upsert(ctx context.Context, p Project, collection Collection) error {
	if !collection.Valid() {
		return fmt.Errorf("%w: unknown collection %q", ErrValidation, collection)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("序列化项目失败: %w", err)
	}
	phases, err := json.Marshal(p.PhaseStatus)
	if err != nil {
		return fmt.Errorf("序列化阶段状态失败: %w", err)
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	doc := ProjectDocument{
		ID:          p.ID,
		Collection:  collection,
		Title:       p.Title,
		PageCount:   len(p.Pages),
		CoverImage:  p.CoverImage(),
		PhaseStatus: datatypes.JSON(phases),
		Body:        datatypes.JSON(body),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   updatedAt,
	}
	err = r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"collection", "title", "page_count", "cover_image", "phase_status", "body", "updated_at"}),
	}).Create(&doc).Error
	if err != nil {
		return fmt.Errorf("保存项目失败: %w", err)
	}
	return nil
}

// Get 读取完整聚合
func (r *ProjectRepository) Get(ctx context.Context, id string) (Project, Collection, error) {
	var doc ProjectDocument
	err := r.DB.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, "", ErrProjectNotFound
	}
	if err != nil {
		return Project{}, "", fmt.Errorf("读取项目失败: %w", err)
	}
	var p Project
	if err := json.Unmarshal(doc.Body, &p); err != nil {
		return Project{}, "", fmt.Errorf("解析项目文档失败: %w", err)
	}
	return p, doc.Collection, nil
}

// Delete 删除文档及索引
func (r *ProjectRepository) Delete(ctx context.Context, id string) error {
	res := r.DB.WithContext(ctx).Delete(&ProjectDocument{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("删除项目失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrProjectNotFound
	}
	return nil
}
