package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
)

const currentSchemaVersion = 1

// Migration moves the key schema under one prefix forward by one version.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client, prefix string) error
}

// Migrate runs every migration newer than the stored schema version.
func Migrate(ctx context.Context, client *redis.Client, prefix string, logger *zap.SugaredLogger) error {
	versionKey := prefix + "schema:version"

	currentVersion, err := getSchemaVersion(ctx, client, versionKey)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Infow("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}

		if err := migration.Up(ctx, client, prefix); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := client.Set(ctx, versionKey, migration.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client, key string) (int, error) {
	val, err := client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func getMigrations() []Migration {
	return []Migration{
		{
			// 1: destinations written before the sorted index existed get indexed
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client, prefix string) error {
				keyPrefix := prefix + "destination:"
				indexKey := keyPrefix + "index"

				iter := client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
				for iter.Next(ctx) {
					key := iter.Val()
					if key == indexKey || strings.Contains(strings.TrimPrefix(key, keyPrefix), ":") {
						continue
					}
					data, err := client.Get(ctx, key).Bytes()
					if err != nil {
						continue
					}
					var dest domain.RelayDestination
					if err := json.Unmarshal(data, &dest); err != nil {
						continue
					}
					member := redis.Z{Score: float64(dest.CreatedAt.UnixNano()), Member: string(dest.ID)}
					if err := client.ZAddNX(ctx, indexKey, member).Err(); err != nil {
						return err
					}
				}
				return iter.Err()
			},
		},
	}
}
