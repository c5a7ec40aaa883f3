// Package redis implements the triage storage ports on Redis. Records are
// stored as JSON values under digest- and uuid-derived keys, mirroring the
// layout a single-node deployment shares with the queue: tasks:<uuid>,
// files:<sha256>, reports:<uuid> and tasks:<uuid>:extracted.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Config locates the Redis instance backing the stores.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Connect dials Redis and verifies the connection with exponential backoff,
// retrying for up to two minutes so a store that starts alongside Redis
// survives the race.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 2 * time.Minute
	expBackoff.InitialInterval = time.Second

	ping := func() error { return client.Ping(ctx).Err() }
	if err := backoff.Retry(ping, backoff.WithContext(expBackoff, ctx)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func taskKey(id uuid.UUID) string      { return "tasks:" + id.String() }
func fileKey(sha256 string) string     { return "files:" + sha256 }
func reportKey(id uuid.UUID) string    { return "reports:" + id.String() }
func extractedKey(id uuid.UUID) string { return "tasks:" + id.String() + ":extracted" }
func budgetKey(id uuid.UUID) string    { return "tasks:" + id.String() + ":descendants" }
