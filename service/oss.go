package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"PictureBook-server/config"
	"PictureBook-server/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MediaStore 生成出来的图片和音频统一转存，返回可访问的 URL
type MediaStore interface {
	Upload(ctx context.Context, objectName string, r io.Reader, size int64) (string, error)
}

// presignExpiry 预签名链接有效期
const presignExpiry = 72 * time.Hour

type MinioStore struct {
	client *minio.Client
	bucket string
	log    *logger.Logger

	mu    sync.Mutex
	ready bool // 只缓存成功结果，失败时下次上传重试
}

// NewMinioStore 根据配置建立连接；endpoint 为空时返回 nil，调用方退化为不转存
func NewMinioStore(cfg *config.Config, log *logger.Logger) (*MinioStore, error) {
	mc := cfg.MinIO
	if mc.Endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(mc.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(mc.AccessKey, mc.SecretKey, ""),
		Secure: mc.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("MinIO 初始化失败: %w", err)
	}
	log.Info("MinIO 连接成功", "endpoint", mc.Endpoint, "bucket", mc.Bucket)
	return &MinioStore{client: client, bucket: mc.Bucket, log: log}, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("创建 Bucket 失败: %w", err)
		}
		s.log.Info("Bucket 已创建", "bucket", s.bucket)
	}
	s.ready = true
	return nil
}

// Upload 上传并返回预签名 URL；size 为 -1 表示未知
func (s *MinioStore) Upload(ctx context.Context, objectName string, r io.Reader, size int64) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	_, err := s.client.PutObject(ctx, s.bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: ContentTypeFor(objectName),
	})
	if err != nil {
		return "", fmt.Errorf("上传到 MinIO 失败: %w", err)
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, presignExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}
	s.log.Debug("文件已上传", "object", objectName)
	return u.String(), nil
}

// ContentTypeFor 根据扩展名确定 ContentType
func ContentTypeFor(objectName string) string {
	switch strings.ToLower(filepath.Ext(objectName)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}

func extFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/png":
		return ".png"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	}
	return ".bin"
}

// DecodeDataURL 解析 data:<mime>;base64,<payload>
func DecodeDataURL(s string) (mime string, data []byte, err error) {
	if !strings.HasPrefix(s, "data:") {
		return "", nil, fmt.Errorf("not a data url")
	}
	header, payload, ok := strings.Cut(s[len("data:"):], ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data url")
	}
	if !strings.HasSuffix(header, ";base64") {
		return "", nil, fmt.Errorf("data url is not base64 encoded")
	}
	mime = strings.TrimSuffix(header, ";base64")
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data url: %w", err)
	}
	return mime, data, nil
}

func EncodeDataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Rehoster 把 data URL 或第三方临时链接转存到自己的存储
type Rehoster struct {
	Store MediaStore
	HTTP  *http.Client
}

// Rehost objectBase 不带扩展名，例如 "projects/<id>/pages/3"
// Store 为 nil 时原样返回
func (h Rehoster) Rehost(ctx context.Context, source, objectBase string) (string, error) {
	if h.Store == nil || source == "" {
		return source, nil
	}
	if strings.HasPrefix(source, "data:") {
		mime, data, err := DecodeDataURL(source)
		if err != nil {
			return "", err
		}
		return h.Store.Upload(ctx, objectBase+extFor(mime), bytes.NewReader(data), int64(len(data)))
	}
	return h.download(ctx, source, objectBase)
}

// RehostBytes 直接上传内存中的数据
func (h Rehoster) RehostBytes(ctx context.Context, data []byte, contentType, objectBase string) (string, error) {
	if h.Store == nil {
		return EncodeDataURL(contentType, data), nil
	}
	return h.Store.Upload(ctx, objectBase+extFor(contentType), bytes.NewReader(data), int64(len(data)))
}

func (h Rehoster) download(ctx context.Context, sourceURL, objectBase string) (string, error) {
	client := h.HTTP
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status: %d", resp.StatusCode)
	}
	ext := filepath.Ext(strings.SplitN(filepath.Base(resp.Request.URL.Path), "?", 2)[0])
	if ext == "" || len(ext) > 5 {
		ext = extFor(resp.Header.Get("Content-Type"))
	}
	return h.Store.Upload(ctx, objectBase+ext, resp.Body, resp.ContentLength)
}
