package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"squadx/internal/core/domain"
)

// newTestClient runs migrations under a random prefix on SQUADX_TEST_REDIS.
func newTestClient(t *testing.T) (*goredis.Client, string) {
	addr := os.Getenv("SQUADX_TEST_REDIS")
	if addr == "" {
		t.Skip("SQUADX_TEST_REDIS not set")
	}
	prefix := "squadx-test:" + uuid.NewString() + ":"
	client, err := Connect(context.Background(), ClientConfig{Address: addr, PoolSize: 4, Prefix: prefix}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		_ = client.Close()
	})
	return client, prefix
}

func TestMigrate_Idempotent(t *testing.T) {
	client, prefix := newTestClient(t)
	logger := zaptest.NewLogger(t).Sugar()
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, client, prefix, logger))
	require.NoError(t, Migrate(ctx, client, prefix, logger))
}

func TestRedisSessionRepository(t *testing.T) {
	client, prefix := newTestClient(t)
	repo := NewRedisSessionRepository(client, prefix)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	s := &domain.Session{ID: "s1", JoinCode: "ABC234", HostID: "h", Topology: domain.TopologyMesh, Status: domain.SessionActive, CreatedAt: now}
	require.NoError(t, repo.Create(ctx, s))
	assert.ErrorIs(t, repo.Create(ctx, &domain.Session{ID: "s2", JoinCode: "ABC234"}), domain.ErrJoinCodeTaken)

	byCode, err := repo.GetByJoinCode(ctx, "ABC234")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("s1"), byCode.ID)

	require.NoError(t, repo.AddParticipant(ctx, &domain.Participant{ID: "v", SessionID: "s1", Role: domain.RoleViewer, JoinedAt: now.Add(time.Second)}))
	require.NoError(t, repo.AddParticipant(ctx, &domain.Participant{ID: "h", SessionID: "s1", Role: domain.RoleHost, JoinedAt: now}))
	assert.ErrorIs(t, repo.AddParticipant(ctx, &domain.Participant{ID: "x", SessionID: "nope"}), domain.ErrSessionNotFound)

	roster, err := repo.ListParticipants(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, domain.ParticipantID("h"), roster[0].ID)

	require.NoError(t, repo.RemoveParticipant(ctx, "s1", "v"))
	assert.ErrorIs(t, repo.RemoveParticipant(ctx, "s1", "v"), domain.ErrParticipantNotFound)

	s.Status = domain.SessionEnded
	require.NoError(t, repo.Update(ctx, s))
	_, err = repo.GetByJoinCode(ctx, "ABC234")
	assert.ErrorIs(t, err, domain.ErrJoinCodeNotFound)
	got, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.Ended())
}

func TestRedisDestinationRepository(t *testing.T) {
	client, prefix := newTestClient(t)
	repo := NewRedisDestinationRepository(client, prefix)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, &domain.RelayDestination{ID: "b", Name: "second", URL: "srt://b:9000", CreatedAt: now.Add(time.Second)}))
	require.NoError(t, repo.Create(ctx, &domain.RelayDestination{ID: "a", Name: "first", URL: "rtmp://a/live", CreatedAt: now}))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	got, err := repo.GetByID(ctx, "a")
	require.NoError(t, err)
	got.Enabled = true
	require.NoError(t, repo.Update(ctx, got))
	got, err = repo.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.Enabled)

	require.NoError(t, repo.Delete(ctx, "a"))
	_, err = repo.GetByID(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrDestinationNotFound)
}
