package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/ui_diff_server/internal/model"
)

var (
	activeBatchStatuses = []string{model.BatchPending, model.BatchRunning}
	// 子项沿用报告的状态值
	activeItemStatuses = activeReportStatuses
)

type BatchTaskRepository struct {
	db *gorm.DB
}

func NewBatchTaskRepository(db *gorm.DB) *BatchTaskRepository {
	return &BatchTaskRepository{db: db}
}

// Create 创建任务及其子项
func (r *BatchTaskRepository) Create(task *model.BatchTask) (string, error) {
	if err := r.db.Create(task).Error; err != nil {
		return "", wrapWrite("create batch task", task.ID, err)
	}
	return task.ID, nil
}

// Update 只作用于未结束的任务，终态任务返回 ErrBatchTaskTerminal
func (r *BatchTaskRepository) Update(id string, fields map[string]interface{}) error {
	result := r.db.Model(&model.BatchTask{}).
		Where("id = ? AND status IN ?", id, activeBatchStatuses).
		Updates(fields)
	if result.Error != nil {
		return wrapWrite("update batch task", id, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.Model(&model.BatchTask{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return wrapWrite("update batch task", id, err)
	}
	if count == 0 {
		return wrapWrite("update batch task", id, gorm.ErrRecordNotFound)
	}
	return ErrBatchTaskTerminal
}

func (r *BatchTaskRepository) FindByID(id string) (*model.BatchTask, error) {
	var task model.BatchTask
	err := r.db.Where("id = ?", id).First(&task).Error
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// FindAll 分页获取任务列表，status 为空时不过滤
func (r *BatchTaskRepository) FindAll(limit, offset int, status string) ([]*model.BatchTask, error) {
	var tasks []*model.BatchTask

	query := r.db.Model(&model.BatchTask{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&tasks).Error
	return tasks, err
}

func (r *BatchTaskRepository) GetCount(status string) (int64, error) {
	var total int64

	query := r.db.Model(&model.BatchTask{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	err := query.Count(&total).Error
	return total, err
}

func (r *BatchTaskRepository) FindItemsByTaskID(id string) ([]*model.BatchTaskItem, error) {
	var items []*model.BatchTaskItem
	err := r.db.Where("task_id = ?", id).Order("position ASC").Find(&items).Error
	return items, err
}

// UpdateItem 已终结的子项返回 ErrBatchItemTerminal
func (r *BatchTaskRepository) UpdateItem(taskID, url string, fields map[string]interface{}) error {
	ref := taskID + " " + url
	result := r.db.Model(&model.BatchTaskItem{}).
		Where("task_id = ? AND url = ? AND status IN ?", taskID, url, activeItemStatuses).
		Updates(fields)
	if result.Error != nil {
		return wrapWrite("update batch item", ref, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.Model(&model.BatchTaskItem{}).Where("task_id = ? AND url = ?", taskID, url).Count(&count).Error; err != nil {
		return wrapWrite("update batch item", ref, err)
	}
	if count == 0 {
		return wrapWrite("update batch item", ref, gorm.ErrRecordNotFound)
	}
	return ErrBatchItemTerminal
}

// DeleteByID 删除任务及其子项，关联的报告保留
func (r *BatchTaskRepository) DeleteByID(id string) (int64, error) {
	var deleted int64
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&model.BatchTaskItem{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&model.BatchTask{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, wrapWrite("delete batch task", id, err)
	}
	return deleted, nil
}

// ListStuck 获取长时间没有更新的未结束任务
func (r *BatchTaskRepository) ListStuck(before time.Time) ([]*model.BatchTask, error) {
	var tasks []*model.BatchTask
	err := r.db.Where("status = ? AND updated_at < ?", model.BatchRunning, before).
		Order("updated_at ASC").
		Find(&tasks).Error
	return tasks, err
}
