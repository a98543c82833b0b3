package handler

import (
	"bytes"
	"context"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/ui_diff_server/internal/model/dto"
	"github.com/qs3c/ui_diff_server/internal/pkg/imagestore"
	"github.com/qs3c/ui_diff_server/internal/pkg/response"
	"github.com/qs3c/ui_diff_server/internal/testutil"
)

func uploadDesign(t *testing.T, tc *testContext, filename string, content []byte) response.Response {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/designs", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	w := httptest.NewRecorder()
	tc.Router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	return parseResponse(t, w)
}

func TestUploadHandler_Design(t *testing.T) {
	tc := setupHandlers(t)
	png := testutil.EncodePNG(t, testutil.SolidImage(16, 16, color.White))

	resp := uploadDesign(t, tc, "landing.png", png)
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	var uploaded dto.DesignUploadResponse
	decodeData(t, resp, &uploaded)
	assert.True(t, strings.HasPrefix(uploaded.DesignSource, imagestore.UploadScheme))
	assert.Equal(t, int64(len(png)), uploaded.Size)

	stored, err := tc.Images.Load(context.Background(), strings.TrimPrefix(uploaded.DesignSource, imagestore.UploadScheme))
	require.NoError(t, err)
	assert.Equal(t, png, stored)
}

func TestUploadHandler_Design_Rejects(t *testing.T) {
	tc := setupHandlers(t)

	resp := uploadDesign(t, tc, "archive.zip", []byte("PK"))
	assert.Equal(t, response.CodeParamError, resp.Code)

	resp = uploadDesign(t, tc, "broken.png", []byte("not really a png"))
	assert.Equal(t, response.CodeParamError, resp.Code)

	tc.Config.Upload.MaxSize = 4
	resp = uploadDesign(t, tc, "big.png", testutil.EncodePNG(t, testutil.SolidImage(16, 16, color.White)))
	assert.Equal(t, response.CodeParamError, resp.Code)
}

func TestUploadHandler_Design_MissingFile(t *testing.T) {
	tc := setupHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/designs", nil)
	w := httptest.NewRecorder()
	tc.Router.ServeHTTP(w, req)

	assert.Equal(t, response.CodeParamError, parseResponse(t, w).Code)
}
