// Package upload stores chat attachments on local disk and returns the public URL
// clients put into image and file messages.
package upload

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"chatsync/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PublicPrefix 是上传文件对外暴露的路由前缀。
const PublicPrefix = "/uploads"

var ErrTypeNotAllowed = errors.New("file type not allowed")

// Result 是上传成功后的响应体。
type Result struct {
	FileURL  string `json:"fileUrl"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

type Handler struct {
	dir     string
	maxSize int64
}

func NewHandler(dir string, maxSize int64) *Handler {
	return &Handler{dir: dir, maxSize: maxSize}
}

// allowed 只接受图片、application/* 与 text/*。
func allowed(mimeType string) bool {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mt, "image/") || strings.HasPrefix(mt, "application/") || strings.HasPrefix(mt, "text/")
}

// Upload 处理 multipart 的 file 字段。
func (h *Handler) Upload(c *gin.Context) {
	// multipart 头部也计入请求体，额外留 1MB 余量
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxSize+(1<<20))
	header, err := c.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
		return
	}
	if header.Size > h.maxSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	name := filepath.Base(header.Filename)
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filename"})
		return
	}

	res, err := h.save(header.Header.Get("Content-Type"), name, header.Size, func(dst io.Writer) (int64, error) {
		src, err := header.Open()
		if err != nil {
			return 0, err
		}
		defer src.Close()
		return io.Copy(dst, src)
	})
	if err != nil {
		if errors.Is(err, ErrTypeNotAllowed) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Str("user_id", auth.GetUserID(c)).Str("file_name", name).Msg("save upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store file"})
		return
	}
	log.Info().Str("user_id", auth.GetUserID(c)).Str("file_url", res.FileURL).Int64("size", res.FileSize).Msg("file uploaded")
	c.JSON(http.StatusOK, res)
}

// save 以 uuid 重命名写入上传目录，保留原扩展名。
func (h *Handler) save(mimeType, name string, size int64, copyTo func(io.Writer) (int64, error)) (*Result, error) {
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(name))
	}
	if !allowed(mimeType) {
		return nil, ErrTypeNotAllowed
	}
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	stored := uuid.NewString() + strings.ToLower(filepath.Ext(name))
	path := filepath.Join(h.dir, stored)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	written, err := copyTo(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write file: %w", err)
	}
	if written == 0 {
		written = size
	}
	return &Result{
		FileURL:  PublicPrefix + "/" + stored,
		FileName: name,
		FileSize: written,
		MimeType: mimeType,
	}, nil
}
