package delivery

import (
	"context"
	"fmt"
	"time"

	"MuseGen/logger"
	"MuseGen/metrics"
	"MuseGen/model"

	"golang.org/x/sync/singleflight"
)

// SongReader 读取歌曲并记录播放次数
type SongReader interface {
	GetAccessible(ctx context.Context, id, userID string) (*model.Song, error)
	IncrementListenCount(ctx context.Context, id string) error
}

// UserReader 读取请求者的套餐
type UserReader interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// URLSigner 生成限时访问地址并检查对象是否存在
type URLSigner interface {
	Presign(ctx context.Context, key string, expiry time.Duration) (string, error)
	PresignDownload(ctx context.Context, key string, expiry time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// ProduceRequest 请求音频 worker 生成一个派生文件
type ProduceRequest struct {
	Task      Task
	SongKey   string
	OutputKey string
	Bitrate   string
	Duration  int
}

// Producer 生成派生文件，返回时文件已写入对象存储
type Producer interface {
	Produce(ctx context.Context, req ProduceRequest) error
}

// URLCache 预签名地址缓存，可以为 nil
type URLCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, url string, ttl time.Duration) error
}

// Resolution 交付结果
type Resolution struct {
	URL  string `json:"url"`
	Key  string `json:"-"`
	Kind string `json:"kind"` // original / mp3 / preview
}

// Deps Resolver 依赖
type Deps struct {
	Songs    SongReader
	Users    UserReader
	Store    URLSigner
	Producer Producer
	URLs     URLCache
	Metrics  *metrics.Metrics
	// Expiry 预签名有效期，默认一小时
	Expiry time.Duration
	// ProduceTimeout 生成一个派生文件的最长时间，默认五分钟
	ProduceTimeout time.Duration
}

// Resolver 把 (歌曲, 请求者, 操作) 解析成一个限时地址
type Resolver struct {
	deps  Deps
	group singleflight.Group
}

// NewResolver 创建 Resolver
func NewResolver(deps Deps) *Resolver {
	if deps.Expiry <= 0 {
		deps.Expiry = time.Hour
	}
	if deps.ProduceTimeout <= 0 {
		deps.ProduceTimeout = 5 * time.Minute
	}
	return &Resolver{deps: deps}
}

// Resolve 权限检查 → 交付计划 → 计数 → 必要时生成派生文件 → 预签名
func (r *Resolver) Resolve(ctx context.Context, songID, requesterID string, op Operation) (*Resolution, error) {
	song, err := r.deps.Songs.GetAccessible(ctx, songID, requesterID)
	if err != nil {
		return nil, fmt.Errorf("load song %s: %w", songID, err)
	}
	if song == nil || !song.Deliverable() {
		return nil, ErrNotFound
	}

	tier, err := r.requesterTier(ctx, requesterID)
	if err != nil {
		return nil, err
	}

	plan, err := Plan(op, song.UserID == requesterID, tier, *song.MasterKey)
	if err != nil {
		return nil, err
	}

	if op == OpPlay {
		if err := r.deps.Songs.IncrementListenCount(ctx, song.ID); err != nil {
			return nil, fmt.Errorf("increment listen count: %w", err)
		}
	}

	kind := kindOf(plan)
	if !plan.IsOriginal() {
		if err := r.ensureDerivative(ctx, plan); err != nil {
			return nil, err
		}
	}

	url, err := r.sign(ctx, op, plan.DeliveredKey())
	if err != nil {
		return nil, err
	}

	r.deps.Metrics.Delivered(string(op), kind)
	logger.Debug("交付地址已生成",
		logger.SongID(song.ID),
		logger.UserID(requesterID),
		logger.String("operation", string(op)),
		logger.String("tier", string(tier)),
		logger.ObjectKey(plan.DeliveredKey()))
	return &Resolution{URL: url, Key: plan.DeliveredKey(), Kind: kind}, nil
}

func (r *Resolver) requesterTier(ctx context.Context, requesterID string) (Tier, error) {
	user, err := r.deps.Users.GetByID(ctx, requesterID)
	if err != nil {
		return "", fmt.Errorf("load user %s: %w", requesterID, err)
	}
	if user == nil {
		return TierFree, nil
	}
	tier, err := ParseTier(user.Package)
	if err != nil {
		logger.Error("用户套餐配置错误", logger.UserID(requesterID), logger.String("package", user.Package))
		return "", err
	}
	return tier, nil
}

// ensureDerivative 派生文件不存在时调用 worker 生成；同一进程内相同 key 的请求合并。
// 合并后的生成不受单个请求取消的影响，每个请求只等到自己的 ctx 结束。
func (r *Resolver) ensureDerivative(ctx context.Context, plan DeliveryPlan) error {
	parent := ctx
	ch := r.group.DoChan("derive:"+plan.DerivativeKey, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.deps.ProduceTimeout)
		defer cancel()

		exists, err := r.deps.Store.Exists(ctx, plan.DerivativeKey)
		if err != nil {
			return nil, err
		}
		r.deps.Metrics.CacheLookup("resolver", exists)
		if exists {
			return nil, nil
		}

		spec := plan.Transcode
		req := ProduceRequest{
			Task:      spec.Task,
			SongKey:   plan.SourceKey,
			OutputKey: plan.DerivativeKey,
			Bitrate:   spec.Bitrate,
			Duration:  spec.TrimSeconds,
		}
		if err := r.deps.Producer.Produce(ctx, req); err != nil {
			return nil, fmt.Errorf("produce %s: %w", plan.DerivativeKey, err)
		}
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sign 预签名，结果在有效期内缓存
func (r *Resolver) sign(ctx context.Context, op Operation, key string) (string, error) {
	cacheKey := URLCacheKey(op, key)
	if r.deps.URLs != nil {
		url, ok, err := r.deps.URLs.Get(ctx, cacheKey)
		if err != nil {
			logger.Warn("读取地址缓存失败", logger.ObjectKey(key), logger.ErrorField(err))
		} else if ok {
			return url, nil
		}
	}

	var url string
	var err error
	if op == OpDownload {
		url, err = r.deps.Store.PresignDownload(ctx, key, r.deps.Expiry)
	} else {
		url, err = r.deps.Store.Presign(ctx, key, r.deps.Expiry)
	}
	if err != nil {
		return "", err
	}

	if r.deps.URLs != nil {
		if err := r.deps.URLs.Set(ctx, cacheKey, url, cacheTTL(r.deps.Expiry)); err != nil {
			logger.Warn("写入地址缓存失败", logger.ObjectKey(key), logger.ErrorField(err))
		}
	}
	return url, nil
}

// URLCacheKey 地址缓存的键，同一个对象的播放和下载地址分开缓存
func URLCacheKey(op Operation, key string) string {
	return string(op) + ":" + key
}

// cacheTTL 缓存时间比签名有效期短，保证拿到的地址至少还有一半有效期
func cacheTTL(expiry time.Duration) time.Duration {
	return expiry / 2
}

func kindOf(plan DeliveryPlan) string {
	switch {
	case plan.IsOriginal():
		return "original"
	case plan.Transcode.Task == TaskCreatePreview:
		return "preview"
	default:
		return "mp3"
	}
}
