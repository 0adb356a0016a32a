package service

import (
	"context"
	"errors"
	"iter"

	"github.com/kubilitics/kubilitics-shellgate/internal/audit"
	"github.com/kubilitics/kubilitics-shellgate/internal/models"
	"github.com/kubilitics/kubilitics-shellgate/internal/recording"
	"github.com/kubilitics/kubilitics-shellgate/internal/repository"
)

// RecordingService exposes transcripts to their owners. A nil recorder means recording
// is disabled and every call reports ErrRecordingUnavailable.
type RecordingService struct {
	recorder *recording.Recorder
	audit    *audit.Logger
}

func NewRecordingService(recorder *recording.Recorder, auditLog *audit.Logger) *RecordingService {
	return &RecordingService{recorder: recorder, audit: auditLog}
}

// Enabled reports whether transcripts are being kept.
func (s *RecordingService) Enabled() bool { return s.recorder != nil }

func (s *RecordingService) Search(ctx context.Context, userID string, f models.RecordingFilter) ([]*models.Recording, error) {
	if s.recorder == nil {
		return nil, ErrRecordingUnavailable
	}
	f.UserID = userID
	return s.recorder.Search(ctx, f)
}

func (s *RecordingService) Stats(ctx context.Context, userID string, f models.RecordingFilter) (*models.RecordingStats, error) {
	if s.recorder == nil {
		return nil, ErrRecordingUnavailable
	}
	f.UserID = userID
	return s.recorder.Stats(ctx, f)
}

// Get returns a recording owned by userID.
func (s *RecordingService) Get(ctx context.Context, userID, id string) (*models.Recording, error) {
	if s.recorder == nil {
		return nil, ErrRecordingUnavailable
	}
	rec, err := s.recorder.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRecordingNotFound
		}
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrRecordingNotFound
	}
	return rec, nil
}

func (s *RecordingService) Playback(ctx context.Context, userID, id string, opts recording.PlaybackOptions) (iter.Seq2[*models.Frame, error], error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.recorder.Playback(ctx, id, opts)
}

// Export renders a recording and audits the export.
func (s *RecordingService) Export(ctx context.Context, userID, id string, opts recording.ExportOptions) (*recording.Export, error) {
	rec, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	out, err := s.recorder.Export(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	e := recordingEntry(rec, models.AuditRecordingExported)
	e.Metadata = metadata("recording_id", id, "format", string(opts.Format))
	if err := s.audit.Record(ctx, e); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RecordingService) Delete(ctx context.Context, userID, id string) error {
	rec, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.recorder.Delete(ctx, id); err != nil {
		return err
	}
	e := recordingEntry(rec, models.AuditRecordingDeleted)
	e.Metadata = metadata("recording_id", id)
	return s.audit.Record(ctx, e)
}

// CleanupExpired removes recordings past their retention deadline.
func (s *RecordingService) CleanupExpired(ctx context.Context) (int64, error) {
	if s.recorder == nil {
		return 0, ErrRecordingUnavailable
	}
	return s.recorder.CleanupExpired(ctx)
}

func recordingEntry(rec *models.Recording, action string) *models.AuditLogEntry {
	return audit.SessionEntry(&models.Session{
		ID:        rec.SessionID,
		UserID:    rec.UserID,
		ClusterID: rec.ClusterID,
		Namespace: rec.Namespace,
		Pod:       rec.Pod,
	}, action, audit.OutcomeSuccess)
}
