package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Database     DatabaseConfig      `mapstructure:"database"`
	Redis        RedisConfig         `mapstructure:"redis"`
	JWT          JWTConfig           `mapstructure:"jwt"`
	OSS          OSSConfig           `mapstructure:"oss"`
	Storage      StorageConfig       `mapstructure:"storage"`
	Queue        QueueConfig         `mapstructure:"queue"`
	CORS         CORSConfig          `mapstructure:"cors"`
	Upload       UploadConfig        `mapstructure:"upload"`
	Log          LogConfig           `mapstructure:"log"`
	Browser      BrowserConfig       `mapstructure:"browser"`
	Diff         DiffConfig          `mapstructure:"diff"`
	AI           AIConfig            `mapstructure:"ai"`
	Models       []ModelConfig       `mapstructure:"models"`
	AuthProfiles []AuthProfileConfig `mapstructure:"auth_profiles"`
	Batch        BatchConfig         `mapstructure:"batch"`
	Metrics      MetricsConfig       `mapstructure:"metrics"`
	Cleanup      CleanupConfig       `mapstructure:"cleanup"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`

	// 每个调用方创建类请求的速率配额，<=0 不限制
	QuotaPerSecond float64 `mapstructure:"quota_per_second"`
	QuotaBurst     int     `mapstructure:"quota_burst"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql, postgres, sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

type OSSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	BucketName      string `mapstructure:"bucket_name"`
	CDNDomain       string `mapstructure:"cdn_domain"`
}

// StorageConfig 本地图片存储（OSS 未配置时使用）
type StorageConfig struct {
	LocalDir     string `mapstructure:"local_dir"`
	PublicPrefix string `mapstructure:"public_prefix"` // 对外暴露的 web 相对路径前缀
}

type QueueConfig struct {
	CompareQueue string `mapstructure:"compare_queue"`
	MaxWorkers   int    `mapstructure:"max_workers"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type UploadConfig struct {
	MaxSize           int64    `mapstructure:"max_size"`           // 最大文件大小（字节）
	AllowedExtensions []string `mapstructure:"allowed_extensions"` // 允许的扩展名
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console
}

type BrowserConfig struct {
	Headless       bool          `mapstructure:"headless"`
	PoolSize       int           `mapstructure:"pool_size"`
	ViewportWidth  int           `mapstructure:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height"`
	UserAgent      string        `mapstructure:"user_agent"`
	ExecPath       string        `mapstructure:"exec_path"`
	WaitUntil      string        `mapstructure:"wait_until"` // load, domcontentloaded, networkidle
	FullPage       bool          `mapstructure:"full_page"`
	CaptureTimeout time.Duration `mapstructure:"capture_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	LoginTimeout   time.Duration `mapstructure:"login_timeout"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
}

// DiffConfig 像素比对与区域聚类参数，均可按参考图校准
type DiffConfig struct {
	Tolerance          float64       `mapstructure:"tolerance"` // 0-100
	IgnoreAntialiasing bool          `mapstructure:"ignore_antialiasing"`
	AAEdgeContrast     float64       `mapstructure:"aa_edge_contrast"`
	AARelaxedTolerance float64       `mapstructure:"aa_relaxed_tolerance"`
	MinRegionPixels    int           `mapstructure:"min_region_pixels"`
	MergeDistance      int           `mapstructure:"merge_distance"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

type AIConfig struct {
	TopRegions   int           `mapstructure:"top_regions"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RequestsPerS float64       `mapstructure:"requests_per_second"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	DefaultModel string        `mapstructure:"default_model"`
}

type ModelConfig struct {
	Name        string `mapstructure:"name"`
	DisplayName string `mapstructure:"display_name"`
	APIKey      string `mapstructure:"api_key"`
	APIProvider string `mapstructure:"api_provider"` // anthropic, openai
	Endpoint    string `mapstructure:"endpoint"`
	Description string `mapstructure:"description"`
}

// AuthProfileConfig 登录流程配置，批量任务通过 name 引用
type AuthProfileConfig struct {
	Name             string `mapstructure:"name"`
	LoginURL         string `mapstructure:"login_url"`
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	UsernameSelector string `mapstructure:"username_selector"`
	PasswordSelector string `mapstructure:"password_selector"`
	SubmitSelector   string `mapstructure:"submit_selector"`
	SuccessURL       string `mapstructure:"success_url"`      // 登录后 URL 需包含的片段
	SuccessSelector  string `mapstructure:"success_selector"` // 登录后需出现的元素
}

type BatchConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	MaxURLs         int           `mapstructure:"max_urls"`
	CancelPoll      time.Duration `mapstructure:"cancel_poll"`
	ItemTimeout     time.Duration `mapstructure:"item_timeout"`
	StuckAfter      time.Duration `mapstructure:"stuck_after"`
	BroadcastBuffer int           `mapstructure:"broadcast_buffer"`
}

type MetricsConfig struct {
	Namespace  string `mapstructure:"namespace"`
	WorkerAddr string `mapstructure:"worker_addr"`
}

type CleanupConfig struct {
	RetainDays int `mapstructure:"retain_days"`
}

// FindModel 按名称查找模型配置
func (c *Config) FindModel(name string) (*ModelConfig, bool) {
	for i := range c.Models {
		if c.Models[i].Name == name {
			return &c.Models[i], true
		}
	}
	return nil, false
}

// FindAuthProfile 按名称查找登录配置
func (c *Config) FindAuthProfile(name string) (*AuthProfileConfig, bool) {
	for i := range c.AuthProfiles {
		if c.AuthProfiles[i].Name == name {
			return &c.AuthProfiles[i], true
		}
	}
	return nil, false
}

func Load(configPath string) (*Config, error) {
	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg, v.IsSet)
	return &cfg, nil
}

// ApplyDefaults 填充未配置的字段，零值视为未配置
func ApplyDefaults(cfg *Config) {
	applyDefaults(cfg, func(string) bool { return false })
}

// applyDefaults isSet 报告配置文件或环境变量是否显式给出了该键，
// 显式给出的 0 保留
func applyDefaults(cfg *Config, isSet func(key string) bool) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "mysql"
	}
	if cfg.Queue.CompareQueue == "" {
		cfg.Queue.CompareQueue = "compare_jobs"
	}
	if cfg.Queue.MaxWorkers <= 0 {
		cfg.Queue.MaxWorkers = 2
	}
	if cfg.Storage.LocalDir == "" {
		cfg.Storage.LocalDir = "./data/images"
	}
	if cfg.Storage.PublicPrefix == "" {
		cfg.Storage.PublicPrefix = "/static"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Upload.MaxSize <= 0 {
		cfg.Upload.MaxSize = 10 << 20
	}
	if len(cfg.Upload.AllowedExtensions) == 0 {
		cfg.Upload.AllowedExtensions = []string{".png", ".jpg", ".jpeg"}
	}

	b := &cfg.Browser
	if b.PoolSize <= 0 {
		b.PoolSize = 3
	}
	if b.ViewportWidth <= 0 {
		b.ViewportWidth = 1440
	}
	if b.ViewportHeight <= 0 {
		b.ViewportHeight = 900
	}
	if b.WaitUntil == "" {
		b.WaitUntil = "load"
	}
	if b.CaptureTimeout <= 0 {
		b.CaptureTimeout = 30 * time.Second
	}
	if b.MaxRetries < 0 {
		b.MaxRetries = 0
	} else if b.MaxRetries == 0 && !isSet("browser.max_retries") {
		b.MaxRetries = 2
	}
	if b.RetryDelay <= 0 {
		b.RetryDelay = time.Second
	}
	if b.LoginTimeout <= 0 {
		b.LoginTimeout = 20 * time.Second
	}
	if b.SessionTTL <= 0 {
		b.SessionTTL = 30 * time.Minute
	}

	d := &cfg.Diff
	if d.Tolerance < 0 || (d.Tolerance == 0 && !isSet("diff.tolerance")) {
		d.Tolerance = 10
	}
	if d.AAEdgeContrast <= 0 {
		d.AAEdgeContrast = 48
	}
	if d.AARelaxedTolerance <= 0 {
		d.AARelaxedTolerance = 30
	}
	if d.MinRegionPixels <= 0 {
		d.MinRegionPixels = 4
	}
	if d.MergeDistance < 0 || (d.MergeDistance == 0 && !isSet("diff.merge_distance")) {
		d.MergeDistance = 8
	}
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}

	a := &cfg.AI
	if a.TopRegions <= 0 {
		a.TopRegions = 10
	}
	if a.Timeout <= 0 {
		a.Timeout = 60 * time.Second
	}
	if a.RequestsPerS <= 0 {
		a.RequestsPerS = 1
	}
	if a.MaxTokens <= 0 {
		a.MaxTokens = 2048
	}

	bt := &cfg.Batch
	if bt.Concurrency <= 0 {
		bt.Concurrency = 3
	}
	if bt.Concurrency > 16 {
		bt.Concurrency = 16
	}
	if bt.MaxURLs <= 0 {
		bt.MaxURLs = 200
	}
	if bt.CancelPoll <= 0 {
		bt.CancelPoll = 2 * time.Second
	}
	if bt.ItemTimeout <= 0 {
		bt.ItemTimeout = 5 * time.Minute
	}
	if bt.StuckAfter <= 0 {
		bt.StuckAfter = 30 * time.Minute
	}
	if bt.BroadcastBuffer <= 0 {
		bt.BroadcastBuffer = 256
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "ui_diff"
	}
	if cfg.Cleanup.RetainDays <= 0 {
		cfg.Cleanup.RetainDays = 30
	}
}
