package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/model/dto"
	"github.com/qs3c/ui_diff_server/internal/pkg/imagestore"
)

var (
	ErrDesignTooLarge   = errors.New("设计稿文件过大")
	ErrDesignFormat     = errors.New("仅支持 PNG/JPEG 格式")
	ErrDesignUnreadable = errors.New("设计稿图片无法解析")
	ErrDesignEmpty      = errors.New("设计稿文件为空")
)

// 单边像素上限
const maxDesignSide = 20000

type DesignService struct {
	images imagestore.Store
	cfg    *config.Config
}

func NewDesignService(images imagestore.Store, cfg *config.Config) *DesignService {
	return &DesignService{images: images, cfg: cfg}
}

// Upload 保存设计稿，返回可用于比对请求的引用
func (s *DesignService) Upload(ctx context.Context, filename string, data []byte) (*dto.DesignUploadResponse, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !s.allowed(ext) {
		return nil, ErrDesignFormat
	}
	if len(data) == 0 {
		return nil, ErrDesignEmpty
	}
	if int64(len(data)) > s.cfg.Upload.MaxSize {
		return nil, ErrDesignTooLarge
	}

	dim, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, ErrDesignUnreadable
	}
	if format != "png" && format != "jpeg" {
		return nil, ErrDesignFormat
	}
	if dim.Width <= 0 || dim.Height <= 0 || dim.Width > maxDesignSide || dim.Height > maxDesignSide {
		return nil, ErrDesignUnreadable
	}

	key := imagestore.DesignKey(uuid.New().String(), ext)
	url, err := s.images.Save(ctx, key, data)
	if err != nil {
		return nil, err
	}

	return &dto.DesignUploadResponse{
		DesignSource: imagestore.UploadScheme + key,
		URL:          url,
		Size:         int64(len(data)),
	}, nil
}

func (s *DesignService) allowed(ext string) bool {
	for _, e := range s.cfg.Upload.AllowedExtensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}
