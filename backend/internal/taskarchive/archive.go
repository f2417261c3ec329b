// Package taskarchive keeps acknowledged copy tasks in a local sqlite database.
package taskarchive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"dbcopier/backend/internal/types"
)

// TaskRecord 一条已确认任务的归档记录，Data 为完整 Task 的 JSON
type TaskRecord struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	TaskID     string    `json:"task_id" gorm:"size:100;not null;uniqueIndex"`
	ConfigName string    `json:"config_name" gorm:"size:100;index"`
	Status     string    `json:"status" gorm:"size:20"`
	StartTime  string    `json:"start_time" gorm:"size:40"`
	EndTime    string    `json:"end_time" gorm:"size:40"`
	Message    string    `json:"message" gorm:"type:text"`
	Data       string    `json:"-" gorm:"type:text"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (TaskRecord) TableName() string {
	return "task_records"
}

// Task decodes the archived task.
func (r TaskRecord) Task() (types.Task, error) {
	var t types.Task
	if err := json.Unmarshal([]byte(r.Data), &t); err != nil {
		return types.Task{}, persistenceError("decode task "+r.TaskID, err)
	}
	return t, nil
}

type Archive struct {
	db *gorm.DB
}

// Open creates the database file and its directory when missing.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, persistenceError("create archive directory", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, persistenceError("open archive", err)
	}
	if err := db.AutoMigrate(&TaskRecord{}); err != nil {
		return nil, persistenceError("migrate archive", err)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save upserts the task by its id.
func (a *Archive) Save(task types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return persistenceError("encode task "+task.ID, err)
	}
	rec := TaskRecord{
		TaskID:     task.ID,
		ConfigName: task.Config.Name,
		Status:     string(task.Status.Status),
		StartTime:  task.Status.StartTime,
		EndTime:    task.Status.EndTime,
		Message:    task.Status.Message,
		Data:       string(data),
	}
	err = a.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"config_name", "status", "start_time", "end_time", "message", "data", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return persistenceError("save task "+task.ID, err)
	}
	return nil
}

// List returns the newest records first; limit <= 0 means all.
func (a *Archive) List(limit int) ([]TaskRecord, error) {
	var recs []TaskRecord
	q := a.db.Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, persistenceError("list tasks", err)
	}
	return recs, nil
}

func (a *Archive) Get(taskID string) (types.Task, error) {
	var rec TaskRecord
	err := a.db.Where("task_id = ?", taskID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Task{}, &types.Error{Kind: types.KindNotFound, Op: "archive", Message: fmt.Sprintf("task %s is not archived", taskID)}
	}
	if err != nil {
		return types.Task{}, persistenceError("get task "+taskID, err)
	}
	return rec.Task()
}

// ExportJSON writes every archived task, oldest first, to path.
func (a *Archive) ExportJSON(path string) (int, error) {
	var recs []TaskRecord
	if err := a.db.Order("id asc").Find(&recs).Error; err != nil {
		return 0, persistenceError("list tasks", err)
	}
	tasks := make([]types.Task, 0, len(recs))
	for _, r := range recs {
		t, err := r.Task()
		if err != nil {
			return 0, err
		}
		tasks = append(tasks, t)
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return 0, persistenceError("encode tasks", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return 0, persistenceError("write "+path, err)
	}
	return len(tasks), nil
}

func persistenceError(op string, err error) error {
	return &types.Error{Kind: types.KindPersistence, Op: "archive", Message: op + ": " + err.Error(), Err: err}
}
