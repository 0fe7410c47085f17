package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MuseGen/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "musegen:lock:"

// 只有持有者才能释放或续期
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// ErrLockLost 持有期间锁过期并被别人拿走
var ErrLockLost = errors.New("redis lock lost")

// UserLock 基于 SET NX PX 的跨实例互斥锁。同一用户的生成任务在所有实例间不会重叠，
// 但等待者靠轮询抢锁，不同实例之间没有先后顺序；FIFO 只在单个实例的队列内成立。
type UserLock struct {
	client redis.Cmdable
	ttl    time.Duration
	poll   time.Duration
}

// NewUserLock 创建锁。ttl 是单次持有的过期时间，持有期间会自动续期。
func NewUserLock(client redis.Cmdable, ttl time.Duration) *UserLock {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &UserLock{client: client, ttl: ttl, poll: 200 * time.Millisecond}
}

// LockKey 返回锁在 Redis 中的键
func LockKey(key string) string {
	return lockKeyPrefix + key
}

// Lock 阻塞直到拿到锁或 ctx 结束。多个等待者中谁先拿到取决于轮询时机。
func (l *UserLock) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := LockKey(key)
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	logger.Debug("已获取用户锁", logger.String("key", key))
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(redisKey, token, stop, done)

	return func() {
		close(stop)
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
			logger.Warn("释放用户锁失败", logger.String("key", key), logger.ErrorField(err))
		}
	}, nil
}

// keepAlive 每 ttl/3 续期一次，直到释放
func (l *UserLock) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n, err := refreshScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				logger.Warn("续期用户锁失败", logger.String("key", redisKey), logger.ErrorField(err))
				continue
			}
			if n == 0 {
				logger.Error("用户锁已丢失", logger.String("key", redisKey), logger.ErrorField(ErrLockLost))
				return
			}
		}
	}
}
