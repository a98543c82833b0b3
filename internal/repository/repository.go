package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/qs3c/ui_diff_server/internal/model"
)

var (
	// ErrReportTerminal 报告已到终态，拒绝继续写入
	ErrReportTerminal = errors.New("report already reached a terminal status")
	// ErrBatchTaskTerminal 批量任务已到终态，状态与统计不再变化
	ErrBatchTaskTerminal = errors.New("batch task already reached a terminal status")
	// ErrBatchItemTerminal 子项已终结
	ErrBatchItemTerminal = errors.New("batch item already settled")
)

// PersistenceError 写库失败
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func wrapWrite(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, ID: id, Err: err}
}

// ReportRepo 比对报告存储
type ReportRepo interface {
	Create(report *model.Report) error
	Update(id string, fields map[string]interface{}) error
	FindByID(id string) (*model.Report, error)
	FindAll(limit, offset int) ([]*model.Report, error)
	Count() (int64, error)
	DeleteByID(id string) (int64, error)
	ListStuck(before time.Time) ([]*model.Report, error)
	ListOlderThan(before time.Time, limit int) ([]*model.Report, error)
	ListLocalImages(prefix string, limit int) ([]*model.Report, error)
	UpdateImages(id string, images map[string]interface{}) error
}

// BatchTaskRepo 批量任务存储
type BatchTaskRepo interface {
	Create(task *model.BatchTask) (string, error)
	Update(id string, fields map[string]interface{}) error
	FindByID(id string) (*model.BatchTask, error)
	FindAll(limit, offset int, status string) ([]*model.BatchTask, error)
	GetCount(status string) (int64, error)
	FindItemsByTaskID(id string) ([]*model.BatchTaskItem, error)
	UpdateItem(taskID, url string, fields map[string]interface{}) error
	DeleteByID(id string) (int64, error)
	ListStuck(before time.Time) ([]*model.BatchTask, error)
}
