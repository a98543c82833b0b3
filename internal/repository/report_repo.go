package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/ui_diff_server/internal/model"
)

var activeReportStatuses = []string{model.ReportPending, model.ReportProcessing}

type ReportRepository struct {
	db *gorm.DB
}

func NewReportRepository(db *gorm.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

func (r *ReportRepository) Create(report *model.Report) error {
	if report.DiffRegions == nil {
		report.DiffRegions = model.DiffRegionList{}
	}
	if report.Fixes == nil {
		report.Fixes = model.CSSFixList{}
	}
	return wrapWrite("create report", report.ID, r.db.Create(report).Error)
}

// Update 单行原子更新；终态报告不再接受写入
func (r *ReportRepository) Update(id string, fields map[string]interface{}) error {
	result := r.db.Model(&model.Report{}).
		Where("id = ? AND status IN ?", id, activeReportStatuses).
		Updates(fields)
	if result.Error != nil {
		return wrapWrite("update report", id, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.Model(&model.Report{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return wrapWrite("update report", id, err)
	}
	if count == 0 {
		return wrapWrite("update report", id, gorm.ErrRecordNotFound)
	}
	return ErrReportTerminal
}

func (r *ReportRepository) FindByID(id string) (*model.Report, error) {
	var report model.Report
	err := r.db.Where("id = ?", id).First(&report).Error
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *ReportRepository) FindAll(limit, offset int) ([]*model.Report, error) {
	var reports []*model.Report
	err := r.db.Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&reports).Error
	return reports, err
}

func (r *ReportRepository) Count() (int64, error) {
	var total int64
	err := r.db.Model(&model.Report{}).Count(&total).Error
	return total, err
}

func (r *ReportRepository) DeleteByID(id string) (int64, error) {
	result := r.db.Where("id = ?", id).Delete(&model.Report{})
	if result.Error != nil {
		return 0, wrapWrite("delete report", id, result.Error)
	}
	return result.RowsAffected, nil
}

// ListStuck 获取长时间未结束的报告
func (r *ReportRepository) ListStuck(before time.Time) ([]*model.Report, error) {
	var reports []*model.Report
	err := r.db.Where("status IN ? AND updated_at < ?", activeReportStatuses, before).
		Order("updated_at ASC").
		Find(&reports).Error
	return reports, err
}

// ListOlderThan 获取过期的终态报告
func (r *ReportRepository) ListOlderThan(before time.Time, limit int) ([]*model.Report, error) {
	var reports []*model.Report
	err := r.db.Where("status IN ? AND created_at < ?",
		[]string{model.ReportCompleted, model.ReportFailed}, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&reports).Error
	return reports, err
}

// ListLocalImages 获取图片仍在本地存储的已完成报告
func (r *ReportRepository) ListLocalImages(prefix string, limit int) ([]*model.Report, error) {
	var reports []*model.Report
	pattern := prefix + "/%"
	err := r.db.Where("status = ? AND (design_image LIKE ? OR actual_image LIKE ? OR diff_image LIKE ?)",
		model.ReportCompleted, pattern, pattern, pattern).
		Order("created_at ASC").
		Limit(limit).
		Find(&reports).Error
	return reports, err
}

// UpdateImages 只更新图片地址，终态报告同样允许（存储迁移）
func (r *ReportRepository) UpdateImages(id string, images map[string]interface{}) error {
	result := r.db.Model(&model.Report{}).
		Where("id = ?", id).
		Select("design_image", "actual_image", "diff_image").
		Updates(images)
	if result.Error != nil {
		return wrapWrite("update report images", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapWrite("update report images", id, gorm.ErrRecordNotFound)
	}
	return nil
}
