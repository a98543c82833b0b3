package service

import (
	"errors"
	"fmt"
)

var (
	ErrReportNotFound    = errors.New("报告不存在")
	ErrBatchTaskNotFound = errors.New("批量任务不存在")
	ErrBatchTaskFinished = errors.New("批量任务已结束")
	ErrBatchTaskRunning  = errors.New("批量任务运行中，请先取消")
	ErrEnqueueFailed     = errors.New("任务入队失败")
)

// ValidationError 请求参数校验失败
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation 判断是否参数错误
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
