package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"MuseGen/config"
	"MuseGen/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectNotFound 对象不存在
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore 对象存储网关：预签名、存在性检查、流式读写
type ObjectStore interface {
	Presign(ctx context.Context, key string, expiry time.Duration) (string, error)
	// PresignDownload 生成带 attachment 响应头的下载地址
	PresignDownload(ctx context.Context, key string, expiry time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put 写入对象；size 为 -1 时按分片上传
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) error
}

// MinioStore 封装了 MinIO 客户端，兼容 S3 / R2
type MinioStore struct {
	client     *minio.Client
	bucketName string
	region     string
}

// NewMinioStore 根据配置创建对象存储客户端
func NewMinioStore(cfg *config.Config) (*MinioStore, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}
	return &MinioStore{client: client, bucketName: cfg.MinioBucket, region: cfg.MinioRegion}, nil
}

// Bucket 返回存储桶名称
func (m *MinioStore) Bucket() string {
	return m.bucketName
}

// EnsureBucket 检查存储桶，不存在时创建
func (m *MinioStore) EnsureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := m.client.BucketExists(ctx, m.bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶失败: %w", err)
	}
	if exists {
		logger.Info("存储桶已存在", logger.String("bucket", m.bucketName))
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucketName, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("创建存储桶失败: %w", err)
	}
	logger.Info("成功创建存储桶", logger.String("bucket", m.bucketName))
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound", "NoSuchObject":
		return true
	}
	return false
}

// Presign 生成限时访问地址
func (m *MinioStore) Presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucketName, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("预签名 %s 失败: %w", key, err)
	}
	return u.String(), nil
}

// PresignDownload 生成下载地址，浏览器会按文件名保存
func (m *MinioStore) PresignDownload(ctx context.Context, key string, expiry time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	u, err := m.client.PresignedGetObject(ctx, m.bucketName, key, expiry, params)
	if err != nil {
		return "", fmt.Errorf("预签名下载 %s 失败: %w", key, err)
	}
	return u.String(), nil
}

// Exists 通过 HEAD 检查对象是否存在
func (m *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("检查对象 %s 失败: %w", key, err)
	}
	return true, nil
}

// Get 流式读取对象
func (m *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("读取对象 %s 失败: %w", key, err)
	}
	// GetObject 是惰性的，先 Stat 一次让不存在的错误尽早暴露
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("读取对象 %s 失败: %w", key, err)
	}
	return obj, nil
}

// Put 流式写入对象
func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) error {
	_, err := m.client.PutObject(ctx, m.bucketName, key, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("上传对象 %s 失败: %w", key, err)
	}
	return nil
}
