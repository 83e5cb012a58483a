package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/ports"
)

// Store is a SQLite implementation of TranscriptStore. Frames and events
// are stored one row each, ordered by a per-transcript sequence number.
type Store struct {
	db *sqlx.DB
}

var _ ports.TranscriptStore = (*Store)(nil)

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS transcripts (
			id TEXT PRIMARY KEY,
			protocol TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			finish_reason TEXT NOT NULL DEFAULT '',
			usage TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transcript_frames (
			transcript_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			frame_id TEXT NOT NULL DEFAULT '',
			event TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL,
			PRIMARY KEY (transcript_id, seq),
			FOREIGN KEY (transcript_id) REFERENCES transcripts(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS transcript_events (
			transcript_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (transcript_id, seq),
			FOREIGN KEY (transcript_id) REFERENCES transcripts(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transcripts_created ON transcripts(created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

type transcriptRow struct {
	ID           string         `db:"id"`
	Protocol     string         `db:"protocol"`
	Model        string         `db:"model"`
	FinishReason string         `db:"finish_reason"`
	Usage        sql.NullString `db:"usage"`
	Metadata     sql.NullString `db:"metadata"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r *transcriptRow) toDomain() (*domain.Transcript, error) {
	t := &domain.Transcript{
		ID:           r.ID,
		Protocol:     domain.Protocol(r.Protocol),
		Model:        r.Model,
		FinishReason: r.FinishReason,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.Usage.Valid && r.Usage.String != "" {
		var usage domain.Usage
		if err := json.Unmarshal([]byte(r.Usage.String), &usage); err != nil {
			return nil, fmt.Errorf("failed to unmarshal usage: %w", err)
		}
		t.Usage = &usage
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		if err := json.Unmarshal([]byte(r.Metadata.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return t, nil
}

func nullJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (s *Store) CreateTranscript(ctx context.Context, t *domain.Transcript) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	var metadata sql.NullString
	if len(t.Metadata) > 0 {
		var err error
		if metadata, err = nullJSON(t.Metadata); err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	var usage sql.NullString
	if t.Usage != nil {
		var err error
		if usage, err = nullJSON(t.Usage); err != nil {
			return fmt.Errorf("failed to marshal usage: %w", err)
		}
	}

	query := `INSERT INTO transcripts (id, protocol, model, finish_reason, usage, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		t.ID, string(t.Protocol), t.Model, t.FinishReason, usage, metadata, t.CreatedAt, t.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to create transcript: %w", err)
	}
	return nil
}

func (s *Store) AppendFrame(ctx context.Context, id string, frame domain.Frame) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := touch(ctx, tx, id); err != nil {
		return err
	}

	query := `INSERT INTO transcript_frames (transcript_id, seq, frame_id, event, data)
		SELECT ?, COALESCE(MAX(seq) + 1, 0), ?, ?, ? FROM transcript_frames WHERE transcript_id = ?`
	if _, err := tx.ExecContext(ctx, query, id, frame.ID, frame.Event, frame.Data, id); err != nil {
		return fmt.Errorf("failed to append frame: %w", err)
	}

	return tx.Commit()
}

func (s *Store) AppendEvent(ctx context.Context, id string, ev domain.StreamEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row transcriptRow
	if err := tx.GetContext(ctx, &row, `SELECT * FROM transcripts WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ports.ErrTranscriptNotFound
		}
		return fmt.Errorf("failed to get transcript: %w", err)
	}
	t, err := row.toDomain()
	if err != nil {
		return err
	}
	t.Observe(ev)

	var usage sql.NullString
	if t.Usage != nil {
		if usage, err = nullJSON(t.Usage); err != nil {
			return fmt.Errorf("failed to marshal usage: %w", err)
		}
	}

	update := `UPDATE transcripts SET model = ?, finish_reason = ?, usage = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, update, t.Model, t.FinishReason, usage, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update transcript: %w", err)
	}

	insert := `INSERT INTO transcript_events (transcript_id, seq, payload)
		SELECT ?, COALESCE(MAX(seq) + 1, 0), ? FROM transcript_events WHERE transcript_id = ?`
	if _, err := tx.ExecContext(ctx, insert, id, string(payload), id); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return tx.Commit()
}

// touch bumps updated_at, reporting ErrTranscriptNotFound for unknown ids.
func touch(ctx context.Context, tx *sqlx.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE transcripts SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update transcript: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update transcript: %w", err)
	}
	if n == 0 {
		return ports.ErrTranscriptNotFound
	}
	return nil
}

func (s *Store) GetTranscript(ctx context.Context, id string) (*domain.Transcript, error) {
	var row transcriptRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM transcripts WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ports.ErrTranscriptNotFound
		}
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}
	t, err := row.toDomain()
	if err != nil {
		return nil, err
	}

	var frames []struct {
		FrameID string `db:"frame_id"`
		Event   string `db:"event"`
		Data    string `db:"data"`
	}
	if err := s.db.SelectContext(ctx, &frames,
		`SELECT frame_id, event, data FROM transcript_frames WHERE transcript_id = ? ORDER BY seq`, id,
	); err != nil {
		return nil, fmt.Errorf("failed to get frames: %w", err)
	}
	for _, f := range frames {
		t.Frames = append(t.Frames, domain.Frame{ID: f.FrameID, Event: f.Event, Data: f.Data})
	}

	var payloads []string
	if err := s.db.SelectContext(ctx, &payloads,
		`SELECT payload FROM transcript_events WHERE transcript_id = ? ORDER BY seq`, id,
	); err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	for _, p := range payloads {
		var ev domain.StreamEvent
		if err := json.Unmarshal([]byte(p), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		t.Events = append(t.Events, ev)
	}

	return t, nil
}

func (s *Store) ListTranscripts(ctx context.Context, opts ports.ListOptions) ([]*domain.TranscriptSummary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `SELECT t.id, t.protocol, t.model, t.finish_reason, t.created_at,
			(SELECT COUNT(*) FROM transcript_frames f WHERE f.transcript_id = t.id) AS frame_count,
			(SELECT COUNT(*) FROM transcript_events e WHERE e.transcript_id = t.id) AS event_count
		FROM transcripts t
		ORDER BY t.created_at DESC, t.rowid DESC
		LIMIT ? OFFSET ?`

	var rows []struct {
		ID           string    `db:"id"`
		Protocol     string    `db:"protocol"`
		Model        string    `db:"model"`
		FinishReason string    `db:"finish_reason"`
		CreatedAt    time.Time `db:"created_at"`
		FrameCount   int       `db:"frame_count"`
		EventCount   int       `db:"event_count"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, limit, opts.Offset); err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}

	result := make([]*domain.TranscriptSummary, 0, len(rows))
	for _, r := range rows {
		result = append(result, &domain.TranscriptSummary{
			ID:           r.ID,
			Protocol:     domain.Protocol(r.Protocol),
			Model:        r.Model,
			FinishReason: r.FinishReason,
			FrameCount:   r.FrameCount,
			EventCount:   r.EventCount,
			CreatedAt:    r.CreatedAt,
		})
	}
	return result, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
