package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/BitAdventure/drawing-webrtc-sub000/internal"
	"github.com/BitAdventure/drawing-webrtc-sub000/internal/game"
)

// ErrSeedNotFound means no event row exists for the requested session.
var ErrSeedNotFound = errors.New("session seed not found")

// Store is the Postgres persistence layer: session seeds, session
// snapshots, the pending-signal queue, and round results.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func New(pool *pgxpool.Pool, log zerolog.Logger) *Store {
	return &Store{pool: pool, log: log.With().Str("component", "storage").Logger()}
}

func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// SessionSeed loads the event configuration a session is built from.
func (s *Store) SessionSeed(ctx context.Context, sessionId string) (*internal.SessionSeed, error) {
	const q = `
		SELECT draw_time, hints_enabled, total_rounds, teams, words
		FROM session_seeds
		WHERE event_id = $1`

	seed := internal.SessionSeed{EventId: sessionId}
	var teamsRaw []byte
	err := s.pool.QueryRow(ctx, q, sessionId).Scan(
		&seed.DrawTime, &seed.HintsEnabled, &seed.TotalRounds, &teamsRaw, &seed.Words)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSeedNotFound, sessionId)
	}
	if err != nil {
		return nil, fmt.Errorf("load session seed %s: %w", sessionId, err)
	}
	if err := json.Unmarshal(teamsRaw, &seed.Teams); err != nil {
		return nil, fmt.Errorf("decode teams for %s: %w", sessionId, err)
	}
	return &seed, nil
}

// SaveSnapshot upserts the full serialized session state.
func (s *Store) SaveSnapshot(ctx context.Context, sessionId string, data []byte) error {
	const q = `
		INSERT INTO session_snapshots (session_id, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, sessionId, data); err != nil {
		return fmt.Errorf("save snapshot %s: %w", sessionId, err)
	}
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context, sessionId string) ([]byte, error) {
	const q = `SELECT data FROM session_snapshots WHERE session_id = $1`

	var data []byte
	err := s.pool.QueryRow(ctx, q, sessionId).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", game.ErrSnapshotNotFound, sessionId)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", sessionId, err)
	}
	return data, nil
}

// Append queues one signaling payload for an offline peer.
func (s *Store) Append(ctx context.Context, peerId string, payload []byte, ttl time.Duration) error {
	const q = `
		INSERT INTO pending_signals (peer_id, payload, expires_at)
		VALUES ($1, $2, $3)`

	if _, err := s.pool.Exec(ctx, q, peerId, payload, time.Now().Add(ttl)); err != nil {
		return fmt.Errorf("queue signal for %s: %w", peerId, err)
	}
	return nil
}

// Drain removes and returns the peer's queued signals in insertion order.
// The delete-then-return shape makes the drain destructive in a single
// statement, so two replaying processes can never deliver the same
// payload twice. Expired rows are removed but not returned.
func (s *Store) Drain(ctx context.Context, peerId string) ([][]byte, error) {
	const q = `
		WITH drained AS (
			DELETE FROM pending_signals
			WHERE peer_id = $1
			RETURNING seq, payload, expires_at
		)
		SELECT payload FROM drained
		WHERE expires_at > now()
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, q, peerId)
	if err != nil {
		return nil, fmt.Errorf("drain signals for %s: %w", peerId, err)
	}
	defer rows.Close()

	var payloads [][]byte
	for rows.Next() {
		var p []byte
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan signal for %s: %w", peerId, err)
		}
		payloads = append(payloads, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("drain signals for %s: %w", peerId, err)
	}
	return payloads, nil
}

// SaveRoundResults records per-player scores for a completed round.
func (s *Store) SaveRoundResults(ctx context.Context, sessionId, roundId string, results []*internal.PlayerResult) error {
	const q = `
		INSERT INTO round_results (session_id, round_id, player_id, round_result, total_result)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (round_id, player_id)
		DO UPDATE SET round_result = EXCLUDED.round_result, total_result = EXCLUDED.total_result`

	batch := &pgx.Batch{}
	for _, res := range results {
		batch.Queue(q, sessionId, roundId, res.Player.Id, res.RoundResult, res.Player.Result)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("save round results %s: %w", roundId, err)
		}
	}
	return nil
}

// UploadDrawings archives the finished drawings of a completed session.
func (s *Store) UploadDrawings(ctx context.Context, sessionId string, linesByRound map[string][]*internal.Line) error {
	const q = `
		INSERT INTO session_drawings (session_id, round_id, lines)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, round_id)
		DO UPDATE SET lines = EXCLUDED.lines`

	batch := &pgx.Batch{}
	for roundId, lines := range linesByRound {
		data, err := json.Marshal(lines)
		if err != nil {
			return fmt.Errorf("encode drawing %s: %w", roundId, err)
		}
		batch.Queue(q, sessionId, roundId, data)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range linesByRound {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("archive drawings %s: %w", sessionId, err)
		}
	}
	return nil
}

// SaveSeed inserts an event configuration. Used by tests and seed tooling.
func (s *Store) SaveSeed(ctx context.Context, seed *internal.SessionSeed) error {
	teams, err := json.Marshal(seed.Teams)
	if err != nil {
		return fmt.Errorf("encode teams: %w", err)
	}
	const q = `
		INSERT INTO session_seeds (event_id, draw_time, hints_enabled, total_rounds, teams, words)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id)
		DO UPDATE SET draw_time = EXCLUDED.draw_time, hints_enabled = EXCLUDED.hints_enabled,
			total_rounds = EXCLUDED.total_rounds, teams = EXCLUDED.teams, words = EXCLUDED.words`

	if _, err := s.pool.Exec(ctx, q, seed.EventId, seed.DrawTime, seed.HintsEnabled, seed.TotalRounds, teams, seed.Words); err != nil {
		return fmt.Errorf("save seed %s: %w", seed.EventId, err)
	}
	return nil
}
