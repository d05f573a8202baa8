package corpus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"fuzzcore/internal/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const SeedsRedisKey = "fuzzcore:seeds:%s" // fuzzcore:seeds:<target_id> --> set of seed file or tar.gz bundle paths

// RedisSeedGrabber reads seed locations shared by other fuzzers through redis. Each
// member is either a plain seed file or a tar.gz bundle of seeds.
type RedisSeedGrabber struct {
	redisClient *redis.Client
	logger      *zap.Logger
}

func NewRedisSeedGrabber(redisClient *redis.Client, logger *zap.Logger) *RedisSeedGrabber {
	if redisClient == nil {
		return nil
	}
	return &RedisSeedGrabber{redisClient: redisClient, logger: logger}
}

func (g *RedisSeedGrabber) GrabSeeds(ctx context.Context, targetID string) ([][]byte, error) {
	paths, err := g.redisClient.SMembers(ctx, fmt.Sprintf(SeedsRedisKey, targetID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get seed set from redis: %w", err)
	}

	var seeds [][]byte
	for _, path := range paths {
		if utils.IsTarGz(path) {
			bundle, err := readBundle(path)
			if err != nil {
				g.logger.Warn("skipping unreadable seed bundle", zap.String("path", path), zap.Error(err))
				continue
			}
			seeds = append(seeds, bundle...)
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			g.logger.Warn("skipping unreadable seed", zap.String("path", path), zap.Error(err))
			continue
		}
		seeds = append(seeds, content)
	}
	return seeds, nil
}

func readBundle(path string) ([][]byte, error) {
	dir, err := os.MkdirTemp("", "fuzzcore-bundle-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	if err := utils.UnpackTarGz(path, dir); err != nil {
		return nil, err
	}
	return utils.ReadDirFiles(dir)
}

// ReadSeedDir loads every regular file below dir as a seed
func ReadSeedDir(dir string) ([][]byte, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	return utils.ReadDirFiles(filepath.Clean(dir))
}
