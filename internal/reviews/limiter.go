package reviews

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Limiter counts recent committed submissions per log and client address.
type Limiter interface {
	Count(ctx context.Context, logID, clientIP string, since time.Time) (int64, error)
	Record(ctx context.Context, logID, clientIP, reviewID string, at time.Time) error
}

// DatabaseLimiter counts review rows, so committed reviews are the only record.
type DatabaseLimiter struct {
	db *gorm.DB
}

// NewDatabaseLimiter constructs a limiter backed by the reviews table.
func NewDatabaseLimiter(db *gorm.DB) *DatabaseLimiter {
	return &DatabaseLimiter{db: db}
}

// Count returns the committed reviews from clientIP on logID since the given time.
func (l *DatabaseLimiter) Count(ctx context.Context, logID, clientIP string, since time.Time) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&Review{}).
		Where("log_id = ? AND ip_address = ? AND submitted_at >= ?", logID, clientIP, since).
		Count(&count).Error
	return count, err
}

// Record is a no-op; the reviews table is the ledger.
func (l *DatabaseLimiter) Record(context.Context, string, string, string, time.Time) error {
	return nil
}

// RedisLimiter keeps a sorted set of submission times per log and address.
type RedisLimiter struct {
	rdb    *redis.Client
	window time.Duration
	prefix string
}

// NewRedisClient builds a client with short network timeouts.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("redis addr is empty")
	}
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}), nil
}

// NewRedisLimiter constructs a limiter whose keys expire after window.
func NewRedisLimiter(rdb *redis.Client, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, window: window, prefix: "logqr:reviews:rate"}
}

func (l *RedisLimiter) key(logID, clientIP string) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, logID, clientIP)
}

// Count drops entries older than since and returns what remains.
func (l *RedisLimiter) Count(ctx context.Context, logID, clientIP string, since time.Time) (int64, error) {
	key := l.key(logID, clientIP)
	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(since.UnixMilli(), 10))
	count := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return count.Val(), nil
}

// Record adds reviewID to the window and refreshes the key's TTL.
func (l *RedisLimiter) Record(ctx context.Context, logID, clientIP, reviewID string, at time.Time) error {
	key := l.key(logID, clientIP)
	pipe := l.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: reviewID})
	pipe.Expire(ctx, key, l.window)
	_, err := pipe.Exec(ctx)
	return err
}
