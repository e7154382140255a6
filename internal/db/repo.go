package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"ivf-companion/pkg"
)

// Repository wraps database operations for sessions and their turns.
// The same queries run on Postgres and SQLite; placeholders are written as
// "?" and rebound for Postgres.
type Repository struct {
	DB      *sql.DB
	dialect Dialect
	sealer  *Sealer
	now     func() time.Time
}

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for running Migrate first.
func NewRepository(db *sql.DB, dialect Dialect, sealer *Sealer) *Repository {
	return &Repository{DB: db, dialect: dialect, sealer: sealer, now: time.Now}
}

// rebind rewrites "?" placeholders as $1, $2, ... for Postgres.
func (r *Repository) rebind(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// CreateSession inserts a new session with a random UUID.
func (r *Repository) CreateSession(ctx context.Context, persona string, voiceOutput bool) (*pkg.Session, error) {
	now := r.now().UTC().Truncate(time.Millisecond)
	sess := &pkg.Session{
		ID:           uuid.New().String(),
		Persona:      persona,
		VoiceOutput:  voiceOutput,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	_, err := r.DB.ExecContext(ctx, r.rebind(
		`INSERT INTO sessions (id, persona, voice_output, created_at, last_active_at)
         VALUES (?, ?, ?, ?, ?)`),
		sess.ID, sess.Persona, sess.VoiceOutput, millis(now), millis(now),
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession loads a session and its full transcript ordered chronologically.
func (r *Repository) GetSession(ctx context.Context, id string) (*pkg.Session, error) {
	var (
		sess             pkg.Session
		sealed           []byte
		created, lastAct int64
	)
	err := r.DB.QueryRowContext(ctx, r.rebind(
		`SELECT id, persona, voice_output, credential, created_at, last_active_at
         FROM sessions
         WHERE id = ?`), id,
	).Scan(&sess.ID, &sess.Persona, &sess.VoiceOutput, &sealed, &created, &lastAct)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	sess.CreatedAt = fromMillis(created)
	sess.LastActiveAt = fromMillis(lastAct)
	if len(sealed) > 0 && r.sealer != nil {
		plain, err := r.sealer.Open(sealed)
		if err != nil {
			// a key sealed before a restart with a random secret is lost;
			// the patient is asked for it again
			sess.Credential = ""
		} else {
			sess.Credential = string(plain)
		}
	}
	turns, err := r.GetTranscript(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Turns = turns
	return &sess, nil
}

// GetTranscript returns the turns of a session ordered by insertion.
func (r *Repository) GetTranscript(ctx context.Context, id string) ([]pkg.Turn, error) {
	rows, err := r.DB.QueryContext(ctx, r.rebind(
		`SELECT role, content, created_at
         FROM turns
         WHERE session_id = ?
         ORDER BY id ASC`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var transcript []pkg.Turn
	for rows.Next() {
		var (
			t  pkg.Turn
			ts int64
		)
		if err := rows.Scan(&t.Role, &t.Content, &ts); err != nil {
			return nil, err
		}
		t.CreatedAt = fromMillis(ts)
		transcript = append(transcript, t)
	}
	return transcript, rows.Err()
}

// AppendTurns stores turns in order and marks the session active.
func (r *Repository) AppendTurns(ctx context.Context, id string, turns []pkg.Turn) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.touch(ctx, tx, id); err != nil {
		return err
	}
	insert := r.rebind(`INSERT INTO turns (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`)
	for _, t := range turns {
		created := t.CreatedAt
		if created.IsZero() {
			created = r.now()
		}
		if _, err := tx.ExecContext(ctx, insert, id, string(t.Role), t.Content, millis(created)); err != nil {
			return fmt.Errorf("failed to insert turn: %w", err)
		}
	}
	return tx.Commit()
}

func (r *Repository) touch(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, r.rebind(`UPDATE sessions SET last_active_at = ? WHERE id = ?`), millis(r.now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// UpdateSettings stores the voice toggle and, when non-empty, the sealed
// credential.
func (r *Repository) UpdateSettings(ctx context.Context, id string, voiceOutput bool, credential string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.touch(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.rebind(`UPDATE sessions SET voice_output = ? WHERE id = ?`), voiceOutput, id); err != nil {
		return err
	}
	if credential != "" {
		if r.sealer == nil {
			return errors.New("no sealer configured for credentials")
		}
		sealed, err := r.sealer.Seal([]byte(credential))
		if err != nil {
			return fmt.Errorf("failed to seal credential: %w", err)
		}
		if _, err := tx.ExecContext(ctx, r.rebind(`UPDATE sessions SET credential = ? WHERE id = ?`), sealed, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteSession removes a session and its turns.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM turns WHERE session_id = ?`), id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return tx.Commit()
}

// DeleteIdle removes sessions inactive since before and returns how many.
func (r *Repository) DeleteIdle(ctx context.Context, before time.Time) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cutoff := millis(before)
	if _, err := tx.ExecContext(ctx, r.rebind(
		`DELETE FROM turns WHERE session_id IN (SELECT id FROM sessions WHERE last_active_at < ?)`), cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM sessions WHERE last_active_at < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

// Close closes the underlying connection pool.
func (r *Repository) Close() error {
	return r.DB.Close()
}

var _ Store = (*Repository)(nil)
