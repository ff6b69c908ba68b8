package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/getmetamapper/metamapper-engine/pkg/services/workqueue"
)

// progressTTL keeps finished run progress around long enough for a UI poll
// to observe the terminal state.
const progressTTL = time.Hour

// RunProgress publishes live crawl progress to Redis so pollers can watch a
// run without hitting the catalog database. Nil-safe: with no Redis client
// configured every call is a no-op.
type RunProgress struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRunProgress creates a RunProgress publisher. client may be nil.
func NewRunProgress(client *redis.Client, logger *zap.Logger) *RunProgress {
	return &RunProgress{client: client, logger: logger.Named("run-progress")}
}

func progressKey(runID uuid.UUID) string {
	return fmt.Sprintf("metamapper:run:%s:progress", runID)
}

// Publish stores the run's current progress. Failures are logged and
// swallowed; progress is advisory.
func (p *RunProgress) Publish(ctx context.Context, runID uuid.UUID, progress workqueue.Progress) {
	if p == nil || p.client == nil {
		return
	}

	payload, err := json.Marshal(progress)
	if err != nil {
		p.logger.Warn("Failed to encode run progress", zap.Error(err))
		return
	}

	if err := p.client.Set(ctx, progressKey(runID), payload, progressTTL).Err(); err != nil {
		p.logger.Warn("Failed to publish run progress",
			zap.String("run_id", runID.String()),
			zap.Error(err))
	}
}

// Get reads the last published progress for a run. Returns nil when none
// has been published or Redis is not configured.
func (p *RunProgress) Get(ctx context.Context, runID uuid.UUID) (*workqueue.Progress, error) {
	if p == nil || p.client == nil {
		return nil, nil
	}

	payload, err := p.client.Get(ctx, progressKey(runID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read run progress: %w", err)
	}

	var progress workqueue.Progress
	if err := json.Unmarshal(payload, &progress); err != nil {
		return nil, fmt.Errorf("failed to decode run progress: %w", err)
	}
	return &progress, nil
}
