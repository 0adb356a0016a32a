package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
)

const recordingColumns = `id, session_id, user_id, cluster_id, namespace, pod, container, shell, width, height,
	env, started_at, ended_at, duration_ms, frame_count, size_bytes, expires_at`

const frameColumns = `recording_id, seq, offset_ms, kind, payload, exit_code`

func (r *SQLRepository) CreateRecording(ctx context.Context, rec *models.Recording) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	env := rec.Env
	if env == nil {
		env = map[string]string{}
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal recording env: %w", err)
	}
	rec.EnvJSON = string(b)
	rec.StartedAt = rec.StartedAt.UTC()

	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, r.q(`
			INSERT INTO recordings (`+recordingColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			rec.ID, rec.SessionID, rec.UserID, rec.ClusterID, rec.Namespace, rec.Pod, rec.Container, rec.Shell,
			rec.Width, rec.Height, rec.EnvJSON, rec.StartedAt, rec.EndedAt, rec.DurationMs, rec.FrameCount,
			rec.SizeBytes, rec.ExpiresAt); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, r.q(`UPDATE sessions SET recording_id = ?, updated_at = ? WHERE id = ?`),
			rec.ID, now(), rec.SessionID)
		return notFoundFromConflict(expectOne(res, err, "session", rec.SessionID), "session", rec.SessionID)
	})
}

func (r *SQLRepository) GetRecording(ctx context.Context, id string) (*models.Recording, error) {
	var rec models.Recording
	err := r.db.GetContext(ctx, &rec, r.q(`SELECT `+recordingColumns+` FROM recordings WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err, "recording", id)
	}
	if err := decodeEnv(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func decodeEnv(rec *models.Recording) error {
	if rec.EnvJSON == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(rec.EnvJSON), &rec.Env); err != nil {
		return fmt.Errorf("decode env of recording %s: %w", rec.ID, err)
	}
	return nil
}

// AppendFrame assigns the next sequence number and stores f in one transaction. Input
// frames also bump the owning session's command counter. Appending to a finalized
// recording returns ErrRecordingClosed.
func (r *SQLRepository) AppendFrame(ctx context.Context, f *models.Frame, sizeBytes int64) error {
	return instrumentQuery("append_frame", func() error {
		return r.withTx(ctx, func(tx *sqlx.Tx) error {
			var seq int
			err := tx.GetContext(ctx, &seq, r.q(`
				UPDATE recordings SET frame_count = frame_count + 1, size_bytes = size_bytes + ?
				WHERE id = ? AND ended_at IS NULL
				RETURNING frame_count`), sizeBytes, f.RecordingID)
			if err != nil {
				if !errors.Is(err, sql.ErrNoRows) {
					return err
				}
				var exists int
				if gerr := tx.GetContext(ctx, &exists, r.q(`SELECT COUNT(*) FROM recordings WHERE id = ?`), f.RecordingID); gerr == nil && exists > 0 {
					return fmt.Errorf("%w: %s", ErrRecordingClosed, f.RecordingID)
				}
				return fmt.Errorf("%w: recording %s", ErrNotFound, f.RecordingID)
			}
			f.Seq = seq
			if _, err := tx.ExecContext(ctx, r.q(`
				INSERT INTO recording_frames (`+frameColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
				f.RecordingID, f.Seq, f.OffsetMs, f.Kind, f.Payload, f.ExitCode); err != nil {
				return err
			}
			if f.Kind == models.FrameInput {
				if _, err := tx.ExecContext(ctx, r.q(`
					UPDATE sessions SET command_count = command_count + 1, updated_at = ?
					WHERE id = (SELECT session_id FROM recordings WHERE id = ?)`), now(), f.RecordingID); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// ListFrames returns frames in sequence order with filters applied in SQL.
func (r *SQLRepository) ListFrames(ctx context.Context, recordingID string, fq FrameQuery) ([]*models.Frame, error) {
	query := `SELECT ` + frameColumns + ` FROM recording_frames WHERE recording_id = ?`
	args := []any{recordingID}
	if fq.FromMs != nil {
		query += ` AND offset_ms >= ?`
		args = append(args, *fq.FromMs)
	}
	if fq.ToMs != nil {
		query += ` AND offset_ms <= ?`
		args = append(args, *fq.ToMs)
	}
	if len(fq.Kinds) > 0 {
		query += ` AND kind IN (?` + strings.Repeat(`, ?`, len(fq.Kinds)-1) + `)`
		for _, k := range fq.Kinds {
			args = append(args, k)
		}
	}
	query += ` ORDER BY seq`
	if fq.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, fq.Limit)
	}
	var out []*models.Frame
	err := r.db.SelectContext(ctx, &out, r.q(query), args...)
	return out, err
}

// FinalizeRecording sets end time, duration and retention deadline once.
func (r *SQLRepository) FinalizeRecording(ctx context.Context, id string, endedAt time.Time, durationMs int64, expiresAt *time.Time) error {
	var exp *time.Time
	if expiresAt != nil {
		t := expiresAt.UTC()
		exp = &t
	}
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE recordings SET ended_at = ?, duration_ms = ?, expires_at = ?
		WHERE id = ? AND ended_at IS NULL`), endedAt.UTC(), durationMs, exp, id)
	return expectOne(res, err, "open recording", id)
}

func recordingWhere(f models.RecordingFilter) (string, []any) {
	where := ` WHERE 1 = 1`
	var args []any
	add := func(clause string, v any) {
		where += clause
		args = append(args, v)
	}
	if f.UserID != "" {
		add(` AND user_id = ?`, f.UserID)
	}
	if f.SessionID != "" {
		add(` AND session_id = ?`, f.SessionID)
	}
	if f.ClusterID != "" {
		add(` AND cluster_id = ?`, f.ClusterID)
	}
	if f.Namespace != "" {
		add(` AND namespace = ?`, f.Namespace)
	}
	if f.Pod != "" {
		add(` AND pod = ?`, f.Pod)
	}
	if f.StartedAfter != nil {
		add(` AND started_at >= ?`, f.StartedAfter.UTC())
	}
	if f.StartedBefore != nil {
		add(` AND started_at <= ?`, f.StartedBefore.UTC())
	}
	return where, args
}

func (r *SQLRepository) SearchRecordings(ctx context.Context, f models.RecordingFilter) ([]*models.Recording, error) {
	where, args := recordingWhere(f)
	query := `SELECT ` + recordingColumns + ` FROM recordings` + where + ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limitOrDefault(f.Limit, 50, 500), max(f.Offset, 0))

	var out []*models.Recording
	if err := r.db.SelectContext(ctx, &out, r.q(query), args...); err != nil {
		return nil, err
	}
	for _, rec := range out {
		if err := decodeEnv(rec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *SQLRepository) DeleteRecording(ctx context.Context, id string) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM recording_frames WHERE recording_id = ?`), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.q(`UPDATE sessions SET recording_id = NULL WHERE recording_id = ?`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, r.q(`DELETE FROM recordings WHERE id = ?`), id)
		return notFoundFromConflict(expectOne(res, err, "recording", id), "recording", id)
	})
}

// DeleteExpiredRecordings removes every recording whose retention deadline is before
// now, with its frames, and returns the number of recordings removed.
func (r *SQLRepository) DeleteExpiredRecordings(ctx context.Context, at time.Time) (int64, error) {
	var removed int64
	cutoff := at.UTC()
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		const expired = `SELECT id FROM recordings WHERE expires_at IS NOT NULL AND expires_at < ?`
		if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM recording_frames WHERE recording_id IN (`+expired+`)`), cutoff); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.q(`UPDATE sessions SET recording_id = NULL WHERE recording_id IN (`+expired+`)`), cutoff); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, r.q(`DELETE FROM recordings WHERE expires_at IS NOT NULL AND expires_at < ?`), cutoff)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

// RecordingStats aggregates count, duration and size over the filtered recordings.
func (r *SQLRepository) RecordingStats(ctx context.Context, f models.RecordingFilter) (*models.RecordingStats, error) {
	where, args := recordingWhere(f)
	var st models.RecordingStats
	err := r.db.GetContext(ctx, &st, r.q(`
		SELECT COUNT(*) AS count,
			COALESCE(SUM(duration_ms), 0) AS total_duration_ms,
			COALESCE(AVG(duration_ms), 0) AS avg_duration_ms,
			COALESCE(SUM(size_bytes), 0) AS total_size_bytes,
			COALESCE(AVG(size_bytes), 0) AS avg_size_bytes,
			COALESCE(SUM(frame_count), 0) AS total_frames
		FROM recordings`+where), args...)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
