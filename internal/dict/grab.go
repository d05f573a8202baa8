package dict

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const DictRedisKey = "artifacts:%s:dicts" // artifacts:<target_id>:dicts

type DictGrabber struct {
	logger      *zap.Logger
	redisClient *redis.Client
}

type DictGrabberParams struct {
	fx.In

	Logger      *zap.Logger
	RedisClient *redis.Client `optional:"true"`
}

// NewDictGrabber returns nil without a redis client
func NewDictGrabber(params DictGrabberParams) *DictGrabber {
	if params.RedisClient == nil {
		return nil
	}
	return &DictGrabber{
		params.Logger,
		params.RedisClient,
	}
}

// GrabDict merges the dictionary files registered for a target.
//
// The set of dictionary file paths is read from redis, then every file is read and its
// lines merged, skipping empty lines and comments. Tokens may be quoted the AFL way
// (`name="value"` or `"value"`); the quotes and the name are stripped.
func (d *DictGrabber) GrabDict(ctx context.Context, targetID string) ([]string, error) {
	key := fmt.Sprintf(DictRedisKey, targetID)

	dictPaths, err := d.redisClient.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get dict set from redis: %w", err)
	}
	if len(dictPaths) == 0 {
		return nil, nil
	}

	d.logger.Debug("Got dicts from Redis",
		zap.String("target_id", targetID),
		zap.Int("num_dicts", len(dictPaths)))

	seen := make(map[string]struct{})
	var tokens []string
	for _, path := range dictPaths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read dict file %s: %w", path, err)
		}
		for _, line := range strings.Split(string(content), "\n") {
			token := parseLine(line)
			if token == "" {
				continue
			}
			if _, ok := seen[token]; !ok {
				seen[token] = struct{}{}
				tokens = append(tokens, token)
			}
		}
	}
	return tokens, nil
}

func parseLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	if i := strings.Index(line, "=\""); i >= 0 && !strings.HasPrefix(line, "\"") {
		line = line[i+1:]
	}
	if len(line) >= 2 && strings.HasPrefix(line, "\"") && strings.HasSuffix(line, "\"") {
		line = line[1 : len(line)-1]
	}
	return line
}
