// Package events publishes crawl notifications and the stats snapshot to
// Redis.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
)

const (
	// ChannelRunCompleted receives one message per finalized portal run.
	ChannelRunCompleted = "EVENT_CRAWL_RUN_COMPLETED"
	// StatsKey holds the latest stats snapshot as JSON.
	StatsKey = "tender_scanner:stats"
)

// RunCompleted is the payload published on ChannelRunCompleted.
type RunCompleted struct {
	Type         string          `json:"type"`
	RunID        string          `json:"runId"`
	CycleID      string          `json:"cycleId"`
	PortalID     string          `json:"portalId"`
	Outcome      model.Outcome   `json:"outcome"`
	Counts       model.RunCounts `json:"counts"`
	ErrorSummary map[string]int  `json:"errorSummary,omitempty"`
	Cancelled    bool            `json:"cancelled,omitempty"`
	EndedAt      *time.Time      `json:"endedAt,omitempty"`
}

// RedisPublisher publishes over a go-redis client. A nil *RedisPublisher is
// a valid no-op publisher.
type RedisPublisher struct {
	client *redis.Client
	log    logger.Logger
}

// NewRedisPublisher returns nil when client is nil.
func NewRedisPublisher(client *redis.Client, log logger.Logger) *RedisPublisher {
	if client == nil {
		return nil
	}
	return &RedisPublisher{client: client, log: log.With(logger.Component("events"))}
}

// RunCompleted announces a finalized run.
func (p *RedisPublisher) RunCompleted(ctx context.Context, run model.CrawlRun) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(RunCompleted{
		Type:         ChannelRunCompleted,
		RunID:        run.ID,
		CycleID:      run.CycleID,
		PortalID:     run.PortalID,
		Outcome:      run.Outcome,
		Counts:       run.Counts,
		ErrorSummary: run.ErrorSummary,
		Cancelled:    run.Cancelled,
		EndedAt:      run.EndedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}
	if err := p.client.Publish(ctx, ChannelRunCompleted, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ChannelRunCompleted, err)
	}
	p.log.Debug("Published run event",
		logger.String("run_id", run.ID),
		logger.String("portal_id", run.PortalID))
	return nil
}

// PublishStats caches the snapshot under StatsKey.
func (p *RedisPublisher) PublishStats(ctx context.Context, s model.Stats) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	if err := p.client.Set(ctx, StatsKey, payload, 0).Err(); err != nil {
		return fmt.Errorf("cache stats: %w", err)
	}
	return nil
}

// CachedStats reads the snapshot last written by PublishStats.
func (p *RedisPublisher) CachedStats(ctx context.Context) (model.Stats, bool, error) {
	if p == nil {
		return model.Stats{}, false, nil
	}
	raw, err := p.client.Get(ctx, StatsKey).Bytes()
	if err == redis.Nil {
		return model.Stats{}, false, nil
	}
	if err != nil {
		return model.Stats{}, false, fmt.Errorf("read cached stats: %w", err)
	}
	var s model.Stats
	if err := json.Unmarshal(raw, &s); err != nil {
		return model.Stats{}, false, fmt.Errorf("decode cached stats: %w", err)
	}
	return s, true, nil
}
