package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codearena/internal/common/cache"
	"codearena/internal/tournament/model"
	appErr "codearena/pkg/errors"
)

const statusKeyPrefix = "arena:status:"

// StatusRepository keeps the live status snapshot of running tournaments.
type StatusRepository struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewStatusRepository creates a new repository.
func NewStatusRepository(cacheClient cache.Cache, ttl time.Duration) *StatusRepository {
	return &StatusRepository{cache: cacheClient, TTL: ttl}
}

// Get returns the live status of a tournament.
func (r *StatusRepository) Get(ctx context.Context, tournamentID string) (model.Status, error) {
	if tournamentID == "" {
		return model.Status{}, appErr.ValidationError("tournament_id", "required")
	}
	if r.cache == nil {
		return model.Status{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, statusKeyPrefix+tournamentID)
	if err != nil || val == "" {
		return model.Status{}, appErr.New(appErr.NotFound).WithMessage("tournament status not found")
	}
	var status model.Status
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return model.Status{}, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return status, nil
}

// Save persists the status snapshot and refreshes its TTL.
func (r *StatusRepository) Save(ctx context.Context, status model.Status) error {
	if status.TournamentID == "" {
		return appErr.ValidationError("tournament_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	if err := r.cache.Set(ctx, statusKeyPrefix+status.TournamentID, string(data), r.TTL); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store status failed")
	}
	return nil
}
