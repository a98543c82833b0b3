package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/ui_diff_server/internal/model"
	"github.com/qs3c/ui_diff_server/internal/pkg/imagestore"
	"github.com/qs3c/ui_diff_server/internal/testutil"
)

// memStore 模拟 OSS
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func (m *memStore) Save(_ context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = data
	return "https://bucket.oss.example.com/" + key, nil
}

func (m *memStore) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return d, nil
}

func (m *memStore) Delete(_ context.Context, key string) error { return nil }

func TestReuploader_MovesLocalImages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	report := testutil.TestReport(t, h.db, testutil.WithReportStatus(model.ReportCompleted))
	local := map[string]string{}
	for _, name := range []string{"design", "actual", "diff"} {
		path, err := h.store.Save(ctx, imagestore.ReportKey(report.ID, name), []byte(name))
		require.NoError(t, err)
		local[name] = path
	}
	require.NoError(t, h.reports.UpdateImages(report.ID, map[string]interface{}{
		"design_image": local["design"],
		"actual_image": local["actual"],
		"diff_image":   local["diff"],
	}))

	remote := &memStore{}
	r := NewReuploader(h.reports, h.store, remote, "/static", nil)
	assert.Equal(t, 1, r.RunOnce(ctx))

	got, err := h.reports.FindByID(report.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://bucket.oss.example.com/"+imagestore.ReportKey(report.ID, "diff"), got.DiffImage)
	assert.Equal(t, model.ReportCompleted, got.Status)
	assert.Equal(t, []byte("design"), remote.data[imagestore.ReportKey(report.ID, "design")])

	_, err = h.store.Load(ctx, local["diff"])
	assert.Error(t, err, "local copy removed after migration")

	// 已迁移的报告不再出现
	assert.Equal(t, 0, r.RunOnce(ctx))
}

func TestReuploader_KeepsLocalOnRemoteFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	report := testutil.TestReport(t, h.db, testutil.WithReportStatus(model.ReportCompleted))
	path, err := h.store.Save(ctx, imagestore.ReportKey(report.ID, "diff"), []byte("diff"))
	require.NoError(t, err)
	require.NoError(t, h.reports.UpdateImages(report.ID, map[string]interface{}{"diff_image": path}))

	r := NewReuploader(h.reports, h.store, &memStore{err: errors.New("oss down")}, "/static", nil)
	assert.Equal(t, 0, r.RunOnce(ctx))

	got, err := h.reports.FindByID(report.ID)
	require.NoError(t, err)
	assert.Equal(t, path, got.DiffImage)

	data, err := h.store.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("diff"), data)
}
