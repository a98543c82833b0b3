package handler

import (
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/ui_diff_server/internal/model"
	"github.com/qs3c/ui_diff_server/internal/model/dto"
	"github.com/qs3c/ui_diff_server/internal/pkg/queue"
	"github.com/qs3c/ui_diff_server/internal/pkg/response"
	"github.com/qs3c/ui_diff_server/internal/testutil"
)

func TestReportHandler_Create(t *testing.T) {
	tc := setupHandlers(t)

	resp := tc.do(t, "POST", "/api/v1/reports", gin.H{
		"url":           "https://app.example.com/",
		"design_source": "https://cdn.example.com/home.png",
		"options":       gin.H{"tolerance": 12.5, "wait_until": "domcontentloaded"},
	})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	var created dto.CreateReportResponse
	decodeData(t, resp, &created)
	require.NotEmpty(t, created.ReportID)

	require.Len(t, tc.Queue.msgs, 1)
	assert.Equal(t, queue.KindReport, tc.Queue.msgs[0].Kind)

	resp = tc.do(t, "GET", "/api/v1/reports/"+created.ReportID, nil)
	require.Equal(t, response.CodeSuccess, resp.Code)

	var snap dto.ReportSnapshot
	decodeData(t, resp, &snap)
	assert.Equal(t, model.ReportPending, snap.Status)
	assert.Equal(t, "https://app.example.com/", snap.URL)
	assert.Empty(t, snap.DiffRegions)
	assert.NotNil(t, snap.Fixes)
}

func TestReportHandler_Create_ParamErrors(t *testing.T) {
	tc := setupHandlers(t)

	tests := []struct {
		name string
		body gin.H
	}{
		{"missing url", gin.H{"design_source": "https://cdn.example.com/a.png"}},
		{"not a url", gin.H{"url": "home", "design_source": "https://cdn.example.com/a.png"}},
		{"bad wait", gin.H{"url": "https://e.com", "design_source": "https://cdn.example.com/a.png",
			"options": gin.H{"wait_until": "never"}}},
		{"unknown model", gin.H{"url": "https://e.com", "design_source": "https://cdn.example.com/a.png",
			"ai_model": "nope"}},
		{"unavailable model", gin.H{"url": "https://e.com", "design_source": "https://cdn.example.com/a.png",
			"ai_model": "backup"}},
		{"bad design", gin.H{"url": "https://e.com", "design_source": "s3://bucket/a.png"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tc.do(t, "POST", "/api/v1/reports", tt.body)
			assert.Equal(t, response.CodeParamError, resp.Code)
		})
	}
	assert.Empty(t, tc.Queue.msgs)
}

func TestReportHandler_Get_NotFound(t *testing.T) {
	tc := setupHandlers(t)

	resp := tc.do(t, "GET", "/api/v1/reports/missing", nil)
	assert.Equal(t, response.CodeResourceNotFound, resp.Code)
}

func TestReportHandler_List(t *testing.T) {
	tc := setupHandlers(t)
	for i := 0; i < 3; i++ {
		testutil.TestReport(t, tc.DB)
	}

	resp := tc.do(t, "GET", "/api/v1/reports?page=1&page_size=2", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)

	var page struct {
		Total    int64                 `json:"total"`
		Page     int                   `json:"page"`
		PageSize int                   `json:"page_size"`
		Items    []*dto.ReportListItem `json:"items"`
	}
	decodeData(t, resp, &page)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, 2, page.PageSize)
	assert.Len(t, page.Items, 2)
}

func TestReportHandler_Delete(t *testing.T) {
	tc := setupHandlers(t)
	report := testutil.TestReport(t, tc.DB, testutil.WithReportStatus(model.ReportCompleted))

	resp := tc.do(t, "DELETE", "/api/v1/reports/"+report.ID, nil)
	assert.Equal(t, response.CodeSuccess, resp.Code)

	resp = tc.do(t, "DELETE", "/api/v1/reports/"+report.ID, nil)
	assert.Equal(t, response.CodeResourceNotFound, resp.Code)
}

func TestModelsHandler_List(t *testing.T) {
	tc := setupHandlers(t)

	resp := tc.do(t, "GET", "/api/v1/models", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)

	var data struct {
		Models []struct {
			Name      string `json:"name"`
			Available bool   `json:"available"`
			Default   bool   `json:"default"`
		} `json:"models"`
		AuthProfiles []string `json:"auth_profiles"`
	}
	decodeData(t, resp, &data)

	require.Len(t, data.Models, 2)
	assert.Equal(t, "vision", data.Models[0].Name)
	assert.True(t, data.Models[0].Available)
	assert.True(t, data.Models[0].Default)
	assert.False(t, data.Models[1].Available)
	assert.Equal(t, []string{"staff"}, data.AuthProfiles)
}
