package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/pkg/imagestore"
	"github.com/qs3c/ui_diff_server/internal/pkg/queue"
	"github.com/qs3c/ui_diff_server/internal/pkg/response"
	"github.com/qs3c/ui_diff_server/internal/repository"
	"github.com/qs3c/ui_diff_server/internal/service"
	"github.com/qs3c/ui_diff_server/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingQueue struct {
	mu   sync.Mutex
	msgs []*queue.JobMessage
}

func (q *recordingQueue) Push(_ context.Context, msg *queue.JobMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return nil
}

// testContext 本地测试上下文
type testContext struct {
	DB     *gorm.DB
	Queue  *recordingQueue
	Images *imagestore.LocalStore
	Config *config.Config
	Router *gin.Engine
}

func setupHandlers(t *testing.T) *testContext {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	cfg := &config.Config{
		Models: []config.ModelConfig{
			{Name: "vision", DisplayName: "Vision", APIKey: "sk-test", APIProvider: "anthropic"},
			{Name: "backup", APIProvider: "openai"},
		},
		AuthProfiles: []config.AuthProfileConfig{
			{Name: "staff", LoginURL: "https://app.example.com/login", Password: "secret"},
		},
		AI: config.AIConfig{DefaultModel: "vision"},
	}
	config.ApplyDefaults(cfg)

	q := &recordingQueue{}
	images := imagestore.NewLocalStore(t.TempDir(), "/static")

	reportService := service.NewReportService(repository.NewReportRepository(db), q, images, cfg, nil)
	batchService := service.NewBatchService(repository.NewBatchTaskRepository(db), reportService, q, cfg, nil)
	designService := service.NewDesignService(images, cfg)

	reports := NewReportHandler(reportService)
	batches := NewBatchTaskHandler(batchService)
	uploads := NewUploadHandler(designService, cfg)
	models := NewModelsHandler(cfg)

	router := gin.New()
	api := router.Group("/api/v1")
	api.GET("/models", models.List)
	api.POST("/designs", uploads.Design)
	api.POST("/reports", reports.Create)
	api.GET("/reports", reports.List)
	api.GET("/reports/:id", reports.Get)
	api.DELETE("/reports/:id", reports.Delete)
	api.POST("/batch-tasks", batches.Create)
	api.GET("/batch-tasks", batches.List)
	api.GET("/batch-tasks/:id", batches.Get)
	api.POST("/batch-tasks/:id/cancel", batches.Cancel)
	api.DELETE("/batch-tasks/:id", batches.Delete)

	return &testContext{
		DB:     db,
		Queue:  q,
		Images: images,
		Config: cfg,
		Router: router,
	}
}

func (tc *testContext) do(t *testing.T, method, path string, body interface{}) response.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	tc.Router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	return parseResponse(t, w)
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// decodeData 将响应 data 转成目标结构
func decodeData(t *testing.T, resp response.Response, out interface{}) {
	t.Helper()
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
}
