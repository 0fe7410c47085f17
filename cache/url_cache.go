package cache

import (
	"context"
	"errors"
	"time"

	"MuseGen/core/delivery"
	"MuseGen/logger"

	"github.com/redis/go-redis/v9"
)

const urlKeyPrefix = "musegen:url:"

// URLCache 缓存预签名 URL，让同一个对象在有效期内复用同一条链接
type URLCache struct {
	client redis.Cmdable
	prefix string
}

// NewURLCache 创建 URL 缓存
func NewURLCache(client redis.Cmdable) *URLCache {
	return &URLCache{client: client, prefix: urlKeyPrefix}
}

// URLKey 返回缓存键
func (c *URLCache) URLKey(key string) string {
	return c.prefix + key
}

// Get 读取缓存。键不存在时返回 ok=false 且没有错误。
func (c *URLCache) Get(ctx context.Context, key string) (string, bool, error) {
	url, err := c.client.Get(ctx, c.URLKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		logger.Debug("URL 缓存未命中", logger.String("key", key))
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return url, true, nil
}

// Set 写入缓存，ttl 必须为正
func (c *URLCache) Set(ctx context.Context, key, url string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, c.URLKey(key), url, ttl).Err(); err != nil {
		logger.Warn("设置 URL 缓存失败", logger.String("key", key), logger.ErrorField(err))
		return err
	}
	return nil
}

// Forget 删除对象的播放和下载地址缓存，派生文件被清理后调用
func (c *URLCache) Forget(ctx context.Context, objectKeys ...string) error {
	if len(objectKeys) == 0 {
		return nil
	}
	full := make([]string, 0, len(objectKeys)*2)
	for _, k := range objectKeys {
		full = append(full,
			c.URLKey(delivery.URLCacheKey(delivery.OpPlay, k)),
			c.URLKey(delivery.URLCacheKey(delivery.OpDownload, k)))
	}
	return c.client.Del(ctx, full...).Err()
}
