package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisSessionRepository stores sessions as JSON values, join codes as plain keys
// and each roster as a hash of participant JSON.
type RedisSessionRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionRepository(client *redis.Client, prefix string) ports.SessionRepository {
	return &RedisSessionRepository{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisSessionRepository) sessionKey(id domain.SessionID) string {
	return r.prefix + "session:" + string(id)
}

func (r *RedisSessionRepository) joinCodeKey(code string) string {
	return r.prefix + "joincode:" + code
}

func (r *RedisSessionRepository) rosterKey(id domain.SessionID) string {
	return fmt.Sprintf("%ssession:%s:participants", r.prefix, id)
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	// Claim the join code first so two sessions never share one
	ok, err := r.client.SetNX(ctx, r.joinCodeKey(session.JoinCode), string(session.ID), 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve join code: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJoinCodeTaken, session.JoinCode)
	}

	if err := r.client.Set(ctx, r.sessionKey(session.ID), data, 0).Err(); err != nil {
		r.client.Del(ctx, r.joinCodeKey(session.JoinCode))
		return fmt.Errorf("failed to set session in Redis: %w", err)
	}

	return nil
}

func (r *RedisSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}

func (r *RedisSessionRepository) GetByJoinCode(ctx context.Context, code string) (*domain.Session, error) {
	id, err := r.client.Get(ctx, r.joinCodeKey(code)).Result()
	if err == redis.Nil {
		return nil, domain.ErrJoinCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve join code: %w", err)
	}
	return r.GetByID(ctx, domain.SessionID(id))
}

// Update stores session. An ended session releases its join code.
func (r *RedisSessionRepository) Update(ctx context.Context, session *domain.Session) error {
	if _, err := r.GetByID(ctx, session.ID); err != nil {
		return err
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sessionKey(session.ID), data, 0)
		if session.Ended() {
			pipe.Del(ctx, r.joinCodeKey(session.JoinCode))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update session in Redis: %w", err)
	}

	return nil
}

func (r *RedisSessionRepository) AddParticipant(ctx context.Context, p *domain.Participant) error {
	if _, err := r.GetByID(ctx, p.SessionID); err != nil {
		return err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}
	if err := r.client.HSet(ctx, r.rosterKey(p.SessionID), string(p.ID), data).Err(); err != nil {
		return fmt.Errorf("failed to add participant in Redis: %w", err)
	}

	return nil
}

func (r *RedisSessionRepository) RemoveParticipant(ctx context.Context, session domain.SessionID, id domain.ParticipantID) error {
	n, err := r.client.HDel(ctx, r.rosterKey(session), string(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to remove participant from Redis: %w", err)
	}
	if n == 0 {
		return domain.ErrParticipantNotFound
	}

	return nil
}

// ListParticipants returns the roster in join order.
func (r *RedisSessionRepository) ListParticipants(ctx context.Context, session domain.SessionID) ([]*domain.Participant, error) {
	if _, err := r.GetByID(ctx, session); err != nil {
		return nil, err
	}

	values, err := r.client.HGetAll(ctx, r.rosterKey(session)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list participants from Redis: %w", err)
	}

	participants := make([]*domain.Participant, 0, len(values))
	for _, raw := range values {
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		participants = append(participants, &p)
	}
	sort.Slice(participants, func(i, j int) bool {
		if !participants[i].JoinedAt.Equal(participants[j].JoinedAt) {
			return participants[i].JoinedAt.Before(participants[j].JoinedAt)
		}
		return participants[i].ID < participants[j].ID
	})

	return participants, nil
}
