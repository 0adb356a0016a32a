// Package recording stores session transcripts as ordered frames and replays or
// exports them.
package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/metrics"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/redact"
	"github.com/kubilitics/kubilitics-shellgate/internal/repository"
)

const (
	// DefaultMaxFrameBytes caps the serialized size of one frame.
	DefaultMaxFrameBytes = 1 << 20
	defaultWidth         = 80
	defaultHeight        = 24
)

var (
	// ErrFrameTooLarge is returned when a serialized frame exceeds the size cap.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	// ErrInvalidFrameKind is returned for frame kinds outside input/output/error/system.
	ErrInvalidFrameKind = errors.New("invalid frame kind")
)

// Sanitizer filters user-facing text before it is persisted.
type Sanitizer interface {
	Filter(text string) redact.Result
}

// Options configures a Recorder. Zero values select defaults.
type Options struct {
	MaxFrameBytes int
	Width         int
	Height        int
	// Retention is applied by Stop when no explicit deadline is given; 0 keeps forever.
	Retention time.Duration
}

// Recorder is the transcript store. Appends for one recording must not race; callers
// serialize them per session.
type Recorder struct {
	repo      repository.RecordingRepository
	sanitizer Sanitizer
	opts      Options
	log       *slog.Logger
	now       func() time.Time
}

// NewRecorder returns a Recorder persisting through repo.
func NewRecorder(repo repository.RecordingRepository, sanitizer Sanitizer, opts Options, log *slog.Logger) *Recorder {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if opts.Width <= 0 {
		opts.Width = defaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = defaultHeight
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{repo: repo, sanitizer: sanitizer, opts: opts, log: log, now: time.Now}
}

// StartOptions describes the session being recorded.
type StartOptions struct {
	SessionID string
	UserID    string
	ClusterID string
	Namespace string
	Pod       string
	Container string
	Shell     string
	Width     int
	Height    int
	Env       map[string]string
}

// Start creates an empty recording with start time now. Sensitive env values are
// redacted before they are stored.
func (r *Recorder) Start(ctx context.Context, o StartOptions) (*models.Recording, error) {
	env := maps.Clone(o.Env)
	if env == nil {
		env = map[string]string{}
	}
	redact.EnvMap(env)
	rec := &models.Recording{
		SessionID: o.SessionID,
		UserID:    o.UserID,
		ClusterID: o.ClusterID,
		Namespace: o.Namespace,
		Pod:       o.Pod,
		Container: o.Container,
		Shell:     o.Shell,
		Width:     orDefault(o.Width, r.opts.Width),
		Height:    orDefault(o.Height, r.opts.Height),
		Env:       env,
		StartedAt: r.now().UTC(),
	}
	if err := r.repo.CreateRecording(ctx, rec); err != nil {
		return nil, fmt.Errorf("start recording for session %s: %w", o.SessionID, err)
	}
	r.log.Debug("recording started", "recording_id", rec.ID, "session_id", o.SessionID)
	return rec, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// FrameInput is one frame to append.
type FrameInput struct {
	Kind     models.FrameKind
	Payload  string
	ExitCode *int
}

// AddFrame appends a frame stamped relative to the recording start. Output and error
// payloads are sanitized first; the size cap applies to the sanitized, serialized frame
// and an oversized frame is rejected without a partial write.
func (r *Recorder) AddFrame(ctx context.Context, recordingID string, in FrameInput) (*models.Frame, error) {
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFrameKind, in.Kind)
	}
	rec, err := r.repo.GetRecording(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if rec.EndedAt != nil {
		return nil, fmt.Errorf("%w: %s", repository.ErrRecordingClosed, recordingID)
	}

	payload := in.Payload
	if in.Kind == models.FrameOutput || in.Kind == models.FrameError {
		payload = r.sanitizer.Filter(payload).Filtered
	}
	offset := r.now().Sub(rec.StartedAt).Milliseconds()
	if offset < 0 {
		offset = 0
	}
	f := &models.Frame{
		RecordingID: recordingID,
		OffsetMs:    offset,
		Kind:        in.Kind,
		Payload:     payload,
		ExitCode:    in.ExitCode,
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(b) > r.opts.MaxFrameBytes {
		metrics.FramesRejectedTotal.Inc()
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrFrameTooLarge, len(b), r.opts.MaxFrameBytes)
	}
	if err := r.repo.AppendFrame(ctx, f, int64(len(b))); err != nil {
		return nil, err
	}
	return f, nil
}

// Stop finalizes the recording. A nil expiresAt applies the configured retention.
func (r *Recorder) Stop(ctx context.Context, recordingID string, expiresAt *time.Time) (*models.Recording, error) {
	rec, err := r.repo.GetRecording(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	ended := r.now().UTC()
	if expiresAt == nil && r.opts.Retention > 0 {
		exp := ended.Add(r.opts.Retention)
		expiresAt = &exp
	}
	duration := ended.Sub(rec.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	if err := r.repo.FinalizeRecording(ctx, recordingID, ended, duration, expiresAt); err != nil {
		return nil, fmt.Errorf("finalize recording %s: %w", recordingID, err)
	}
	r.log.Debug("recording stopped", "recording_id", recordingID, "duration_ms", duration)
	return r.repo.GetRecording(ctx, recordingID)
}

// CleanupExpired deletes recordings whose retention deadline has passed.
func (r *Recorder) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := r.repo.DeleteExpiredRecordings(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired recordings: %w", err)
	}
	if n > 0 {
		metrics.RecordingsCleanedTotal.Add(float64(n))
		r.log.Info("expired recordings removed", "count", n)
	}
	return n, nil
}

func (r *Recorder) Get(ctx context.Context, id string) (*models.Recording, error) {
	return r.repo.GetRecording(ctx, id)
}

func (r *Recorder) Search(ctx context.Context, f models.RecordingFilter) ([]*models.Recording, error) {
	return r.repo.SearchRecordings(ctx, f)
}

func (r *Recorder) Delete(ctx context.Context, id string) error {
	return r.repo.DeleteRecording(ctx, id)
}

// Stats aggregates duration and size over the filtered recordings.
func (r *Recorder) Stats(ctx context.Context, f models.RecordingFilter) (*models.RecordingStats, error) {
	return r.repo.RecordingStats(ctx, f)
}

// Frames returns all frames of a recording in order.
func (r *Recorder) Frames(ctx context.Context, id string) ([]*models.Frame, error) {
	return r.repo.ListFrames(ctx, id, repository.FrameQuery{})
}
