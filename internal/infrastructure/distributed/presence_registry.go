package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
)

const defaultPresenceTTL = 10 * time.Minute

// PresenceRegistry tracks who is subscribed to each session across instances.
// Each session is a hash of participant id to participant; the key expires
// unless refreshed.
type PresenceRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.SugaredLogger
}

func NewPresenceRegistry(client *redis.Client, prefix string, logger *zap.SugaredLogger) *PresenceRegistry {
	return &PresenceRegistry{
		client: client,
		prefix: prefix + "presence:",
		ttl:    defaultPresenceTTL,
		logger: logger.With("component", "presence_registry"),
	}
}

func (r *PresenceRegistry) Add(ctx context.Context, p domain.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}
	key := r.key(p.SessionID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, string(p.ID), data)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register presence: %w", err)
	}
	return nil
}

func (r *PresenceRegistry) Remove(ctx context.Context, p domain.Participant) error {
	if err := r.client.HDel(ctx, r.key(p.SessionID), string(p.ID)).Err(); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	return nil
}

// List returns every participant present in session on any instance.
func (r *PresenceRegistry) List(ctx context.Context, session domain.SessionID) ([]domain.Participant, error) {
	entries, err := r.client.HGetAll(ctx, r.key(session)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}
	out := make([]domain.Participant, 0, len(entries))
	for id, raw := range entries {
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			r.logger.Warnw("skipping malformed presence entry", "session_id", session, "participant_id", id, "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Refresh extends the session key while members are connected.
func (r *PresenceRegistry) Refresh(ctx context.Context, session domain.SessionID) error {
	return r.client.Expire(ctx, r.key(session), r.ttl).Err()
}

// Clear drops the session's presence.
func (r *PresenceRegistry) Clear(ctx context.Context, session domain.SessionID) error {
	return r.client.Del(ctx, r.key(session)).Err()
}

func (r *PresenceRegistry) key(session domain.SessionID) string {
	return r.prefix + string(session)
}
