// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/flyingrobots/paperpilot-orchestrator/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartQueueLengthUpdater samples the main queue and DLQ lengths and
// publishes them to the QueueLength gauge, the same polling pattern the
// teacher's worker fleet used for its priority queues.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}

	mainKey := "paperpilot:queue:" + cfg.Queue.Name
	dlqKey := "paperpilot:queue:" + cfg.Queue.Name + ":dlq"
	keys := map[string]string{cfg.Queue.Name: mainKey, cfg.Queue.Name + ":dlq": dlqKey}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for label, key := range keys {
					n, err := rdb.LLen(ctx, key).Result()
					if err != nil {
						log.Debug("queue length poll error", String("queue", key), Err(err))
						continue
					}
					QueueLength.WithLabelValues(label).Set(float64(n))
				}
			}
		}
	}()
}
