package baseline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// RedisConfig configures Redis access for baseline persistence.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps cursors in a sorted set scored by unix microseconds.
// Advance relies on ZADD GT so concurrent writers can only move a cursor forward.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a Redis-backed baseline store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "dlp:baseline"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis baseline store: %w", err)
	}

	return &RedisStore{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

// Get returns the baseline of a folder.
func (s *RedisStore) Get(ctx context.Context, folderID string) (models.FolderBaseline, error) {
	score, err := s.client.ZScore(ctx, s.cursorKey(), folderID).Result()
	if errors.Is(err, redis.Nil) {
		return models.FolderBaseline{}, fmt.Errorf("%s: %w", folderID, ErrUnknownFolder)
	}
	if err != nil {
		return models.FolderBaseline{}, fmt.Errorf("read baseline cursor %s: %w", folderID, err)
	}
	initRaw, err := s.client.HGet(ctx, s.folderKey(folderID), "initialized_us").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.FolderBaseline{}, fmt.Errorf("read baseline %s: %w", folderID, err)
	}
	initUS, _ := strconv.ParseInt(initRaw, 10, 64)
	return models.FolderBaseline{
		FolderID:           folderID,
		LastSeenActivityAt: time.UnixMicro(int64(score)).UTC(),
		InitializedAt:      time.UnixMicro(initUS).UTC(),
	}, nil
}

// Create inserts a baseline if the folder has none.
func (s *RedisStore) Create(ctx context.Context, b models.FolderBaseline) (models.FolderBaseline, bool, error) {
	added, err := s.client.ZAddArgs(ctx, s.cursorKey(), redis.ZAddArgs{
		NX:      true,
		Members: []redis.Z{{Score: float64(b.LastSeenActivityAt.UnixMicro()), Member: b.FolderID}},
	}).Result()
	if err != nil {
		return models.FolderBaseline{}, false, fmt.Errorf("create baseline %s: %w", b.FolderID, err)
	}
	if added == 1 {
		if err := s.client.HSet(ctx, s.folderKey(b.FolderID),
			"folder_id", b.FolderID,
			"initialized_us", strconv.FormatInt(b.InitializedAt.UnixMicro(), 10),
		).Err(); err != nil {
			return models.FolderBaseline{}, false, fmt.Errorf("create baseline %s: %w", b.FolderID, err)
		}
	}
	cur, err := s.Get(ctx, b.FolderID)
	return cur, added == 1, err
}

// Advance moves the cursor to max(current, to).
func (s *RedisStore) Advance(ctx context.Context, folderID string, to time.Time) (models.FolderBaseline, error) {
	if err := s.client.ZAddArgs(ctx, s.cursorKey(), redis.ZAddArgs{
		XX:      true,
		GT:      true,
		Members: []redis.Z{{Score: float64(to.UnixMicro()), Member: folderID}},
	}).Err(); err != nil {
		return models.FolderBaseline{}, fmt.Errorf("advance baseline %s: %w", folderID, err)
	}
	return s.Get(ctx, folderID)
}

// Reset reinitialises the baseline to now, discarding the previous cursor.
func (s *RedisStore) Reset(ctx context.Context, folderID string, now time.Time) (models.FolderBaseline, error) {
	if _, err := s.Get(ctx, folderID); err != nil {
		return models.FolderBaseline{}, err
	}
	pipe := s.client.TxPipeline()
	pipe.ZAddArgs(ctx, s.cursorKey(), redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: float64(now.UnixMicro()), Member: folderID}},
	})
	pipe.HSet(ctx, s.folderKey(folderID), "initialized_us", strconv.FormatInt(now.UnixMicro(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.FolderBaseline{}, fmt.Errorf("reset baseline %s: %w", folderID, err)
	}
	return s.Get(ctx, folderID)
}

// List returns every baseline ordered by folder id.
func (s *RedisStore) List(ctx context.Context) ([]models.FolderBaseline, error) {
	members, err := s.client.ZRangeWithScores(ctx, s.cursorKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list baselines: %w", err)
	}
	out := make([]models.FolderBaseline, 0, len(members))
	for _, z := range members {
		id, ok := z.Member.(string)
		if !ok || id == "" {
			continue
		}
		b, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	sortBaselines(out)
	return out, nil
}

// Close closes Redis resources.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) cursorKey() string {
	return s.prefix + ":cursor"
}

func (s *RedisStore) folderKey(folderID string) string {
	return s.prefix + ":folder:" + folderID
}
