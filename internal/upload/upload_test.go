package upload

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multipartBody(t *testing.T, field, name, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+name+`"`)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func newEngine(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/upload", h.Upload)
	return r
}

func TestUpload_StoresFile(t *testing.T) {
	dir := t.TempDir()
	r := newEngine(NewHandler(dir, 1<<20))

	body, ct := multipartBody(t, "file", "Photo.PNG", "image/png", []byte("\x89PNG fake"))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "Photo.PNG", res.FileName)
	assert.Equal(t, "image/png", res.MimeType)
	assert.EqualValues(t, 9, res.FileSize)
	assert.True(t, strings.HasPrefix(res.FileURL, PublicPrefix+"/"))
	assert.True(t, strings.HasSuffix(res.FileURL, ".png"))

	stored, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(res.FileURL, PublicPrefix+"/")))
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG fake", string(stored))
}

func TestUpload_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		field       string
		contentType string
		size        int
		want        int
	}{
		{"video not allowed", "file", "video/mp4", 10, http.StatusBadRequest},
		{"wrong field", "attachment", "text/plain", 10, http.StatusBadRequest},
		{"too large", "file", "text/plain", 2048, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			r := newEngine(NewHandler(dir, 1024))
			body, ct := multipartBody(t, tt.field, "a.txt", tt.contentType, bytes.Repeat([]byte("x"), tt.size))
			req := httptest.NewRequest(http.MethodPost, "/upload", body)
			req.Header.Set("Content-Type", ct)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())

			entries, _ := os.ReadDir(dir)
			assert.Empty(t, entries)
		})
	}
}

func TestAllowed(t *testing.T) {
	assert.True(t, allowed("image/jpeg"))
	assert.True(t, allowed("application/pdf"))
	assert.True(t, allowed("text/plain; charset=utf-8"))
	assert.False(t, allowed("audio/mpeg"))
	assert.False(t, allowed(""))
}
