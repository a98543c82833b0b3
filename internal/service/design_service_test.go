package service

import (
	"bytes"
	"context"
	"image/color"
	"image/jpeg"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/ui_diff_server/internal/pkg/imagestore"
	"github.com/qs3c/ui_diff_server/internal/testutil"
)

func TestDesignService_Upload(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()
	data := testutil.EncodePNG(t, testutil.SolidImage(20, 10, color.White))

	resp, err := env.designs.Upload(ctx, "Home.PNG", data)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(resp.DesignSource, imagestore.UploadScheme+"designs/"))
	assert.True(t, strings.HasSuffix(resp.DesignSource, ".png"))
	assert.True(t, strings.HasPrefix(resp.URL, "/static/designs/"))
	assert.Equal(t, int64(len(data)), resp.Size)

	stored, err := env.images.Load(ctx, strings.TrimPrefix(resp.DesignSource, imagestore.UploadScheme))
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	// 上传引用可直接用于创建比对
	_, err = env.reports.Create(ctx, reportRequestWithDesign(resp.DesignSource))
	assert.NoError(t, err)
}

func TestDesignService_Upload_JPEG(t *testing.T) {
	env := setupServices(t)

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testutil.SolidImage(8, 8, color.Black), nil))

	resp, err := env.designs.Upload(context.Background(), "mock.jpg", buf.Bytes())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(resp.DesignSource, ".jpg"))
}

func TestDesignService_Upload_Rejects(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()
	png := testutil.EncodePNG(t, testutil.SolidImage(4, 4, color.White))

	_, err := env.designs.Upload(ctx, "mock.gif", png)
	assert.Equal(t, ErrDesignFormat, err)

	_, err = env.designs.Upload(ctx, "mock.png", nil)
	assert.Equal(t, ErrDesignEmpty, err)

	_, err = env.designs.Upload(ctx, "mock.png", []byte("definitely not an image"))
	assert.Equal(t, ErrDesignUnreadable, err)

	env.cfg.Upload.MaxSize = 8
	_, err = env.designs.Upload(ctx, "mock.png", png)
	assert.Equal(t, ErrDesignTooLarge, err)
}
