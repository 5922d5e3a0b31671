package storage

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/BitAdventure/drawing-webrtc-sub000/internal"
	"github.com/BitAdventure/drawing-webrtc-sub000/internal/game"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed storage tests in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("drawing_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(pool))
	return New(pool, zerolog.Nop())
}

func TestSeedRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	seed := &internal.SessionSeed{
		EventId:      "evt-1",
		DrawTime:     75,
		HintsEnabled: true,
		TotalRounds:  3,
		Teams: []internal.TeamSeed{{
			Id: "team-1",
			Players: []internal.PlayerSeed{
				{Id: "p1", Name: "Alice", Index: 0, AvatarId: "a1"},
				{Id: "p2", Name: "Bob", Index: 1, AvatarId: "a2"},
			},
		}},
		Words: []string{"apple", "banana"},
	}
	require.NoError(t, store.SaveSeed(ctx, seed))

	got, err := store.SessionSeed(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, seed.DrawTime, got.DrawTime)
	assert.Equal(t, seed.TotalRounds, got.TotalRounds)
	assert.Equal(t, seed.Words, got.Words)
	require.Len(t, got.Teams, 1)
	assert.Equal(t, seed.Teams[0].Players, got.Teams[0].Players)

	_, err = store.SessionSeed(ctx, "missing")
	assert.ErrorIs(t, err, ErrSeedNotFound)
}

func TestSnapshotUpsertAndLoad(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.LoadSnapshot(ctx, "s1")
	assert.ErrorIs(t, err, game.ErrSnapshotNotFound)

	require.NoError(t, store.SaveSnapshot(ctx, "s1", []byte(`{"id":"s1","status":"ONGOING"}`)))
	require.NoError(t, store.SaveSnapshot(ctx, "s1", []byte(`{"id":"s1","status":"COMPLETED"}`)))

	data, err := store.LoadSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"s1","status":"COMPLETED"}`, string(data))
}

func TestPendingSignalDrainIsDestructiveAndOrdered(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	for _, p := range []string{"first", "second", "third"} {
		require.NoError(t, store.Append(ctx, "peer-1", []byte(p), time.Minute))
	}
	require.NoError(t, store.Append(ctx, "peer-2", []byte("other"), time.Minute))

	payloads, err := store.Drain(ctx, "peer-1")
	require.NoError(t, err)
	require.Len(t, payloads, 3)
	assert.Equal(t, "first", string(payloads[0]))
	assert.Equal(t, "second", string(payloads[1]))
	assert.Equal(t, "third", string(payloads[2]))

	again, err := store.Drain(ctx, "peer-1")
	require.NoError(t, err)
	assert.Empty(t, again)

	other, err := store.Drain(ctx, "peer-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestPendingSignalExpiryFiltered(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "peer-1", []byte("stale"), -time.Minute))
	require.NoError(t, store.Append(ctx, "peer-1", []byte("fresh"), time.Minute))

	payloads, err := store.Drain(ctx, "peer-1")
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, "fresh", string(payloads[0]))

	// The expired row was removed by the same drain.
	again, err := store.Drain(ctx, "peer-1")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSaveRoundResultsUpserts(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	results := []*internal.PlayerResult{
		{Player: &internal.Player{Id: "p1", Result: 834}, RoundResult: 834},
		{Player: &internal.Player{Id: "p2", Result: -50}, RoundResult: -50},
	}
	require.NoError(t, store.SaveRoundResults(ctx, "s1", "r1", results))

	// Re-saving the same round overwrites instead of duplicating.
	results[0].RoundResult = 900
	require.NoError(t, store.SaveRoundResults(ctx, "s1", "r1", results))
}

func TestUploadDrawings(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	lines := map[string][]*internal.Line{
		"r1": {{Id: "l1", Color: "#000000"}},
		"r2": {{Id: "l2", Color: "#ff0000"}},
	}
	require.NoError(t, store.UploadDrawings(ctx, "s1", lines))
	require.NoError(t, store.UploadDrawings(ctx, "s1", lines))
}
