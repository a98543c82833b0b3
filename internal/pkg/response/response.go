package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 错误码定义
const (
	CodeSuccess          = 0
	CodeParamError       = 1000
	CodeAuthFailed       = 1001
	CodeResourceNotFound = 1003
	CodeStateConflict    = 1004
	CodeServerError      = 5000
)

var codeMessages = map[int]string{
	CodeSuccess:          "success",
	CodeParamError:       "参数错误",
	CodeAuthFailed:       "认证失败",
	CodeResourceNotFound: "资源不存在",
	CodeStateConflict:    "状态冲突",
	CodeServerError:      "服务器内部错误",
}

// Response 统一响应结构，HTTP 状态码恒为 200，业务结果看 Code
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// PageData 分页数据结构
type PageData struct {
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Items    interface{} `json:"items"`
}

func Success(c *gin.Context, data interface{}) {
	SuccessWithMessage(c, codeMessages[CodeSuccess], data)
}

// SuccessWithMessage 带自定义消息的成功响应
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: message,
		Data:    data,
	})
}

// SuccessPage 分页成功响应
func SuccessPage(c *gin.Context, total int64, page, pageSize int, items interface{}) {
	Success(c, PageData{
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Items:    items,
	})
}

// Error 错误响应，message 为空时使用错误码默认消息
func Error(c *gin.Context, code int, message string) {
	if message == "" {
		message = codeMessages[code]
	}
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string)    { Error(c, CodeParamError, message) }
func AuthError(c *gin.Context, message string)     { Error(c, CodeAuthFailed, message) }
func NotFoundError(c *gin.Context, message string) { Error(c, CodeResourceNotFound, message) }
func ServerError(c *gin.Context, message string)   { Error(c, CodeServerError, message) }

// ConflictError 当前状态不允许该操作，例如取消已结束的批量任务
func ConflictError(c *gin.Context, message string) { Error(c, CodeStateConflict, message) }
