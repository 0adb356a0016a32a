package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional update matched no row, i.e. the
	// record was not in the expected state.
	ErrConflict = errors.New("state conflict")
	// ErrRecordingClosed is returned when appending to a finalized recording.
	ErrRecordingClosed = errors.New("recording is finalized")
)

// UserRepository defines user data access methods
type UserRepository interface {
	GetOrCreateUser(ctx context.Context, id string) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	UpdateUserContact(ctx context.Context, id, address string, verified bool) error
	MarkUserVerified(ctx context.Context, id string, at time.Time) error
	AddTrustedIdentity(ctx context.Context, userID, identityHash string) error
	ListTrustedIdentities(ctx context.Context, userID string) ([]string, error)
}

// ClusterCredentialRepository defines cluster credential data access methods
type ClusterCredentialRepository interface {
	CreateClusterCredential(ctx context.Context, c *models.ClusterCredential) error
	GetClusterCredential(ctx context.Context, id string) (*models.ClusterCredential, error)
	ListClusterCredentials(ctx context.Context, ownerID string) ([]*models.ClusterCredential, error)
	DeleteClusterCredential(ctx context.Context, id, ownerID string) error
}

// SessionRepository defines session data access methods. State changes are
// conditional on the current status so concurrent callers never need a lock.
type SessionRepository interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, f models.SessionFilter) ([]*models.Session, error)
	ActivateSession(ctx context.Context, id, identityHash, tokenCiphertext string, tokenExpiresAt time.Time) error
	TransitionSession(ctx context.Context, id string, from, to models.SessionStatus, at time.Time) error
	IncrementCommandCount(ctx context.Context, id string) (int, error)
	ExpirePendingSessions(ctx context.Context, before time.Time) ([]string, error)
}

// OTPChallengeRepository defines one-time code challenge data access methods
type OTPChallengeRepository interface {
	CreateChallenge(ctx context.Context, c *models.OTPChallenge) error
	LatestUnconsumedChallenge(ctx context.Context, userID, sessionID string) (*models.OTPChallenge, error)
	IncrementChallengeAttempts(ctx context.Context, id string) (int, error)
	ConsumeChallenge(ctx context.Context, id string) error
	DeleteExpiredChallenges(ctx context.Context, before time.Time) (int64, error)
}

// FrameQuery selects frames of one recording. Bounds are inclusive offsets in ms.
type FrameQuery struct {
	FromMs *int64
	ToMs   *int64
	Kinds  []models.FrameKind
	Limit  int
}

// RecordingRepository defines recording and frame data access methods
type RecordingRepository interface {
	CreateRecording(ctx context.Context, r *models.Recording) error
	GetRecording(ctx context.Context, id string) (*models.Recording, error)
	AppendFrame(ctx context.Context, f *models.Frame, sizeBytes int64) error
	ListFrames(ctx context.Context, recordingID string, q FrameQuery) ([]*models.Frame, error)
	FinalizeRecording(ctx context.Context, id string, endedAt time.Time, durationMs int64, expiresAt *time.Time) error
	SearchRecordings(ctx context.Context, f models.RecordingFilter) ([]*models.Recording, error)
	DeleteRecording(ctx context.Context, id string) error
	DeleteExpiredRecordings(ctx context.Context, now time.Time) (int64, error)
	RecordingStats(ctx context.Context, f models.RecordingFilter) (*models.RecordingStats, error)
}

// AuditLogRepository defines audit log data access (append-only).
type AuditLogRepository interface {
	CreateAuditLog(ctx context.Context, e *models.AuditLogEntry) error
	ListAuditLog(ctx context.Context, f models.AuditLogFilter) ([]*models.AuditLogEntry, error)
}

// Store aggregates all repositories
type Store interface {
	UserRepository
	ClusterCredentialRepository
	SessionRepository
	OTPChallengeRepository
	RecordingRepository
	AuditLogRepository
	Ping(ctx context.Context) error
	Close() error
}
