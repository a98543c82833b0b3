package imagestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/pkg/oss"
)

// UploadScheme 设计稿上传后的引用前缀
const UploadScheme = "upload://"

var ErrInvalidKey = errors.New("invalid image key")

// Store 图片存储，Save 返回对外可访问的 web 路径
type Store interface {
	Save(ctx context.Context, key string, data []byte) (string, error)
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ReportKey 报告图片 key
func ReportKey(reportID, name string) string {
	return path.Join("reports", reportID, name+".png")
}

// DesignKey 上传设计稿 key
func DesignKey(id, ext string) string {
	return path.Join("designs", id+ext)
}

func cleanKey(key string) (string, error) {
	key = path.Clean("/" + key)[1:]
	if key == "" || key == "." || strings.Contains(key, "..") {
		return "", ErrInvalidKey
	}
	return key, nil
}

// LocalStore 本地磁盘存储，通过 /static 对外提供
type LocalStore struct {
	dir    string
	prefix string
}

func NewLocalStore(dir, publicPrefix string) *LocalStore {
	return &LocalStore{
		dir:    dir,
		prefix: strings.TrimRight(publicPrefix, "/"),
	}
}

// Dir 存储根目录
func (s *LocalStore) Dir() string {
	return s.dir
}

func (s *LocalStore) Save(_ context.Context, key string, data []byte) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	full := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create image dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}

	return s.prefix + "/" + key, nil
}

func (s *LocalStore) Load(_ context.Context, key string) ([]byte, error) {
	key, err := cleanKey(strings.TrimPrefix(key, s.prefix+"/"))
	if err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(key)))
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	key, err := cleanKey(strings.TrimPrefix(key, s.prefix+"/"))
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(s.dir, filepath.FromSlash(key)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// OSSStore 阿里云 OSS 存储
type OSSStore struct {
	client *oss.Client
}

func NewOSSStore(client *oss.Client) *OSSStore {
	return &OSSStore{client: client}
}

func (s *OSSStore) Save(_ context.Context, key string, data []byte) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return s.client.UploadImage(key, data)
}

func (s *OSSStore) Load(_ context.Context, key string) ([]byte, error) {
	if strings.HasPrefix(key, "https://") {
		key = s.client.ExtractObjectKey(key)
	}
	return s.client.Download(key)
}

func (s *OSSStore) Delete(_ context.Context, key string) error {
	if strings.HasPrefix(key, "https://") {
		key = s.client.ExtractObjectKey(key)
	}
	return s.client.Delete(key)
}

// FallbackStore 主存储失败时写入备用存储
type FallbackStore struct {
	primary  Store
	fallback Store
	logger   *zap.Logger
}

func NewFallbackStore(primary, fallback Store, logger *zap.Logger) *FallbackStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackStore{primary: primary, fallback: fallback, logger: logger}
}

func (s *FallbackStore) Save(ctx context.Context, key string, data []byte) (string, error) {
	ref, err := s.primary.Save(ctx, key, data)
	if err == nil {
		return ref, nil
	}
	s.logger.Warn("primary image store failed, saving locally", zap.String("key", key), zap.Error(err))
	return s.fallback.Save(ctx, key, data)
}

func (s *FallbackStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.primary.Load(ctx, key)
	if err == nil {
		return data, nil
	}
	return s.fallback.Load(ctx, key)
}

func (s *FallbackStore) Delete(ctx context.Context, key string) error {
	err1 := s.primary.Delete(ctx, key)
	err2 := s.fallback.Delete(ctx, key)
	if err1 != nil && err2 != nil {
		return err1
	}
	return nil
}

// FromConfig 按配置构建图片存储。配置了 OSS 时以 OSS 为主、本地为备用，
// remote 为 nil 表示只有本地存储
func FromConfig(cfg *config.Config, logger *zap.Logger) (store Store, local *LocalStore, remote Store) {
	if logger == nil {
		logger = zap.NewNop()
	}
	local = NewLocalStore(cfg.Storage.LocalDir, cfg.Storage.PublicPrefix)

	if cfg.OSS.Endpoint == "" || cfg.OSS.AccessKeyID == "" {
		return local, local, nil
	}
	client, err := oss.NewClient(&cfg.OSS)
	if err != nil {
		logger.Warn("failed to init OSS client, using local storage", zap.Error(err))
		return local, local, nil
	}
	logger.Info("OSS client initialized", zap.String("bucket", cfg.OSS.BucketName))

	remote = NewOSSStore(client)
	return NewFallbackStore(remote, local, logger), local, remote
}
