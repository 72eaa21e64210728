package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 任务状态
const (
	// pending: 已入队，等待执行器取走
	TaskStatusPending = "pending"
	// processing: 批量生成进行中
	TaskStatusProcessing = "processing"
	TaskStatusSuccess    = "finished"
	// partial: 批量跑完但有条目失败
	TaskStatusPartial = "partial"
	TaskStatusFailed  = "failed"
)

// 四类后台批量任务，对应四个阶段
const (
	TaskTypeAnalyzeStory       = "analyze_story"       // 故事 -> 角色与分页
	TaskTypeGenerateCharacters = "generate_characters" // 未锁定资产 -> 定妆图
	TaskTypeGeneratePages      = "generate_pages"      // 缺图页面 -> 插图
	TaskTypeGenerateAudio      = "generate_audio"      // 有文本的页面 -> 配音
)

func ValidTaskType(t string) bool {
	switch t {
	case TaskTypeAnalyzeStory, TaskTypeGenerateCharacters, TaskTypeGeneratePages, TaskTypeGenerateAudio:
		return true
	}
	return false
}

type Task struct {
	ID         string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID  string     `gorm:"type:varchar(64);index" json:"projectId"`
	Type       string     `gorm:"type:varchar(32)" json:"type"`
	Status     string     `gorm:"type:varchar(16)" json:"status"`
	Progress   int        `json:"progress"`
	Message    string     `gorm:"type:text" json:"message"`
	Result     TaskResult `gorm:"type:text" json:"result"`
	Error      string     `gorm:"type:text" json:"error"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (Task) TableName() string {
	return "task"
}

// TaskResult 批量结果汇总
type TaskResult struct {
	Total     int        `json:"total"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Items     []TaskItem `json:"items,omitempty"`
}

// TaskItem 单个条目的结果，Key 为资产 ID 或页码
type TaskItem struct {
	Key   string `json:"key"`
	OK    bool   `json:"ok"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

// 实现 driver.Valuer 接口: Go Struct -> JSON String (存入数据库)
func (r TaskResult) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// 实现 sql.Scanner 接口: MySQL 返回 []byte，SQLite 返回 string
func (r *TaskResult) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, r)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("无法解析任务结果: %T", value)
	}
}

func NewTask(projectID, taskType string) *Task {
	return &Task{
		ID:        "task_" + uuid.NewString(),
		ProjectID: projectID,
		Type:      taskType,
		Status:    TaskStatusPending,
	}
}

type TaskRepository struct {
	DB *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{DB: db}
}

func (r *TaskRepository) Create(ctx context.Context, t *Task) error {
	if err := r.DB.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("创建任务失败: %w", err)
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := r.DB.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListByProject 最近的在前
func (r *TaskRepository) ListByProject(ctx context.Context, projectID string, limit int) ([]Task, error) {
	var tasks []Task
	q := r.DB.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *TaskRepository) MarkProcessing(ctx context.Context, id string) error {
	now := time.Now()
	return r.DB.WithContext(ctx).Model(&Task{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     TaskStatusProcessing,
		"started_at": &now,
		"updated_at": now,
	}).Error
}

func (r *TaskRepository) UpdateProgress(ctx context.Context, id string, progress int, message string) error {
	return r.DB.WithContext(ctx).Model(&Task{}).Where("id = ?", id).Updates(map[string]interface{}{
		"progress":   progress,
		"message":    message,
		"updated_at": time.Now(),
	}).Error
}

// Finish 写入终态；errMsg 为空表示没有整体错误
func (r *TaskRepository) Finish(ctx context.Context, id, status string, result TaskResult, errMsg string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":      status,
		"result":      result,
		"error":       errMsg,
		"finished_at": &now,
		"updated_at":  now,
	}
	if status == TaskStatusSuccess {
		updates["progress"] = 100
	}
	return r.DB.WithContext(ctx).Model(&Task{}).Where("id = ?", id).Updates(updates).Error
}
