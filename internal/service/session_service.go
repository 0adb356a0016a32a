package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kubilitics/kubilitics-shellgate/internal/audit"
	"github.com/kubilitics/kubilitics-shellgate/internal/auth/identity"
	"github.com/kubilitics/kubilitics-shellgate/internal/auth/otp"
	"github.com/kubilitics/kubilitics-shellgate/internal/config"
	"github.com/kubilitics/kubilitics-shellgate/internal/credential"
	"github.com/kubilitics/kubilitics-shellgate/internal/k8s"
	"github.com/kubilitics/kubilitics-shellgate/internal/models"
	"github.com/kubilitics/kubilitics-shellgate/internal/notifications"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/envelope"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/metrics"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/redact"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/tracing"
	"github.com/kubilitics/kubilitics-shellgate/internal/policy"
	"github.com/kubilitics/kubilitics-shellgate/internal/recording"
	"github.com/kubilitics/kubilitics-shellgate/internal/repository"
)

const (
	defaultShell             = "/bin/sh"
	defaultCommandsPerMinute = 30
	defaultOTPMaxAttempts    = 5
	defaultArenaIdle         = time.Hour
	sweepActiveLimit         = 1000
)

// Admission paths, used as metric labels.
const (
	pathDirect = "direct"
	pathOTP    = "otp"
)

// SessionOptions tunes the coordinator. Zero values take the defaults.
type SessionOptions struct {
	TokenTTL           time.Duration
	Audience           string
	OTPMaxAttempts     int
	DefaultShell       string
	ExecTimeout        time.Duration
	ExecMaxOutputBytes int
	CommandsPerMinute  int
	TerminalWidth      int
	TerminalHeight     int
	// ArenaIdle is how long the command window of an untouched session is kept (min 1m).
	ArenaIdle time.Duration
}

// SessionOptionsFromConfig maps process configuration onto SessionOptions.
func SessionOptionsFromConfig(cfg *config.Config) SessionOptions {
	return SessionOptions{
		TokenTTL:           cfg.TokenTTL(),
		Audience:           cfg.TokenAudience,
		OTPMaxAttempts:     cfg.OTPMaxAttempts,
		DefaultShell:       cfg.DefaultShell,
		ExecTimeout:        cfg.ExecTimeout(),
		ExecMaxOutputBytes: cfg.ExecMaxOutputBytes,
		CommandsPerMinute:  cfg.CommandsPerMinute,
		TerminalWidth:      cfg.TerminalWidth,
		TerminalHeight:     cfg.TerminalHeight,
	}
}

// SessionDeps are the collaborators of SessionService. Recorder is nil when recording
// is disabled.
type SessionDeps struct {
	Repo     repository.Store
	Clusters ClusterResolver
	Envelope *envelope.Service
	Hasher   *identity.Hasher
	OTP      *otp.Engine
	Gate     *policy.GateStore
	Redactor *redact.Store
	Recorder *recording.Recorder
	Notifier notifications.Notifier
	Audit    *audit.Logger
	Log      *slog.Logger
}

// sessionState is the coordinator-owned state of one session, keyed by session id.
type sessionState struct {
	mu     sync.Mutex  // serializes exec and frame appends for the session
	recent []time.Time // accepted commands inside the trailing minute, oldest first; guarded by mu

	lastUsed time.Time // guarded by SessionService.mu
}

// admit accepts a command at now unless limit commands were already accepted in the
// trailing minute. Rejected commands do not occupy the window. Caller holds st.mu.
func (st *sessionState) admit(now time.Time, limit int) bool {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(st.recent) && !st.recent[i].After(cutoff) {
		i++
	}
	st.recent = st.recent[i:]
	if len(st.recent) >= limit {
		return false
	}
	st.recent = append(st.recent, now)
	return true
}

// SessionService drives the session state machine. Session rows are the source of
// truth; transitions are conditional updates, so no lock spans more than one session.
type SessionService struct {
	repo     repository.Store
	clusters ClusterResolver
	envelope *envelope.Service
	hasher   *identity.Hasher
	otp      *otp.Engine
	gate     *policy.GateStore
	redactor *redact.Store
	recorder *recording.Recorder
	notifier notifications.Notifier
	audit    *audit.Logger
	log      *slog.Logger
	opts     SessionOptions
	now      func() time.Time

	mu    sync.Mutex
	arena map[string]*sessionState
}

// NewSessionService validates deps and returns a coordinator.
func NewSessionService(deps SessionDeps, opts SessionOptions) (*SessionService, error) {
	switch {
	case deps.Repo == nil:
		return nil, errors.New("session service: repository is required")
	case deps.Clusters == nil:
		return nil, errors.New("session service: cluster resolver is required")
	case deps.Envelope == nil, deps.Hasher == nil, deps.OTP == nil:
		return nil, errors.New("session service: envelope, identity hasher and otp engine are required")
	case deps.Gate == nil, deps.Redactor == nil:
		return nil, errors.New("session service: command gate and sanitizer are required")
	case deps.Notifier == nil, deps.Audit == nil:
		return nil, errors.New("session service: notifier and audit logger are required")
	}
	if opts.TokenTTL < credential.DefaultTTL {
		opts.TokenTTL = credential.DefaultTTL
	}
	if opts.Audience == "" {
		opts.Audience = credential.DefaultAudience
	}
	if opts.OTPMaxAttempts <= 0 {
		opts.OTPMaxAttempts = defaultOTPMaxAttempts
	}
	if opts.DefaultShell == "" {
		opts.DefaultShell = defaultShell
	}
	if opts.CommandsPerMinute <= 0 {
		opts.CommandsPerMinute = defaultCommandsPerMinute
	}
	if opts.ArenaIdle <= 0 {
		opts.ArenaIdle = defaultArenaIdle
	}
	// Releasing state sooner would forget commands still inside the window.
	if opts.ArenaIdle < time.Minute {
		opts.ArenaIdle = time.Minute
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &SessionService{
		repo:     deps.Repo,
		clusters: deps.Clusters,
		envelope: deps.Envelope,
		hasher:   deps.Hasher,
		otp:      deps.OTP,
		gate:     deps.Gate,
		redactor: deps.Redactor,
		recorder: deps.Recorder,
		notifier: deps.Notifier,
		audit:    deps.Audit,
		log:      log,
		opts:     opts,
		now:      time.Now,
		arena:    make(map[string]*sessionState),
	}, nil
}

// Start admits a caller to a pod shell. A caller whose identity hash is not yet trusted
// and who has a verified contact address gets a PENDING_OTP session and a code out of
// band; everyone else is activated immediately.
func (s *SessionService) Start(ctx context.Context, req *models.StartSessionRequest) (resp *models.StartSessionResponse, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, "session.start", tracing.SessionAttrs("", req.ClusterID, req.Namespace, req.Pod)...)
	defer func() { tracing.End(span, err) }()

	cluster, err := s.clusters.ClusterFor(ctx, req.UserID, req.ClusterID)
	if err != nil {
		return nil, err
	}
	container, err := cluster.ResolveContainer(ctx, req.Namespace, req.Pod, req.Container)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.GetOrCreateUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	shell := req.Shell
	if shell == "" {
		shell = s.opts.DefaultShell
	}
	sess := &models.Session{
		UserID:       req.UserID,
		ClusterID:    req.ClusterID,
		Namespace:    req.Namespace,
		Pod:          req.Pod,
		Container:    container,
		Shell:        shell,
		IdentityHash: s.hasher.Hash(req.ClientIP),
	}

	if !identity.Contains(user.TrustedIdentities, sess.IdentityHash) && user.HasVerifiedContact() {
		return s.startPending(ctx, sess, *user.ContactAddress)
	}
	if err := s.startActive(ctx, cluster, sess); err != nil {
		return nil, err
	}
	return &models.StartSessionResponse{Session: sess}, nil
}

func (s *SessionService) startPending(ctx context.Context, sess *models.Session, address string) (*models.StartSessionResponse, error) {
	code, err := s.otp.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate verification code: %w", err)
	}
	sess.Status = models.SessionPendingOTP
	sess.TokenExpiresAt = code.ExpiresAt
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	ch := &models.OTPChallenge{
		UserID:       sess.UserID,
		SessionID:    sess.ID,
		CodeHash:     code.Hash,
		IdentityHash: sess.IdentityHash,
		ExpiresAt:    code.ExpiresAt,
	}
	if err := s.repo.CreateChallenge(ctx, ch); err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}

	err = s.notifier.SendOTP(ctx, notifications.OTPMessage{
		UserID:    sess.UserID,
		Address:   address,
		SessionID: sess.ID,
		Target:    sess.Namespace + "/" + sess.Pod,
		Code:      code.Code,
		ExpiresAt: code.ExpiresAt,
	})
	if err != nil {
		s.log.Warn("otp delivery failed", "session_id", sess.ID, "error", err)
		if terr := s.repo.TransitionSession(ctx, sess.ID, models.SessionPendingOTP, models.SessionExpired, s.now()); terr != nil {
			s.log.Error("expire undeliverable session", "session_id", sess.ID, "error", terr)
		}
		e := audit.SessionEntry(sess, models.AuditSessionStartFailed, audit.OutcomeFailure)
		e.Metadata = metadata("reason", "otp_delivery")
		if aerr := s.audit.Record(ctx, e); aerr != nil {
			return nil, aerr
		}
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	if err := s.audit.Record(ctx, audit.SessionEntry(sess, models.AuditSessionOTPRequired, audit.OutcomeSuccess)); err != nil {
		return nil, err
	}
	exp := code.ExpiresAt.UTC().Format(time.RFC3339)
	s.log.Info("session pending otp", "session_id", sess.ID, "user_id", sess.UserID)
	return &models.StartSessionResponse{Session: sess, OTPRequired: true, OTPExpiresAt: &exp}, nil
}

func (s *SessionService) startActive(ctx context.Context, cluster k8s.Cluster, sess *models.Session) error {
	sealed, expiresAt, err := s.issue(ctx, cluster, sess)
	if err != nil {
		e := audit.SessionEntry(sess, models.AuditSessionStartFailed, audit.OutcomeFailure)
		e.Metadata = metadata("reason", "credential")
		if aerr := s.audit.Record(ctx, e); aerr != nil {
			return aerr
		}
		return err
	}
	sess.Status = models.SessionActive
	sess.TokenCiphertext = sealed
	sess.TokenExpiresAt = expiresAt
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := s.repo.AddTrustedIdentity(ctx, sess.UserID, sess.IdentityHash); err != nil {
		return fmt.Errorf("trust identity: %w", err)
	}
	s.startRecording(ctx, sess)
	if err := s.audit.Record(ctx, audit.SessionEntry(sess, models.AuditSessionStarted, audit.OutcomeSuccess)); err != nil {
		return err
	}
	metrics.SessionsStartedTotal.WithLabelValues(pathDirect).Inc()
	s.track(sess.ID)
	s.log.Info("session started", "session_id", sess.ID, "user_id", sess.UserID, "pod", sess.Namespace+"/"+sess.Pod)
	return nil
}

// issue provisions the ephemeral credential and returns it sealed.
func (s *SessionService) issue(ctx context.Context, cluster k8s.Cluster, sess *models.Session) (string, time.Time, error) {
	issuer := credential.NewIssuer(cluster.Kubernetes(), credential.Options{TTL: s.opts.TokenTTL, Audience: s.opts.Audience})
	tok, err := issuer.Issue(ctx, sess.UserID, sess.Namespace)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrCredentialIssue, err)
	}
	sealed, err := s.envelope.EncryptString(tok.Token)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("seal session token: %w", err)
	}
	return sealed, tok.ExpiresAt, nil
}

// startRecording attaches a recording to an ACTIVE session. Recording failures never
// block the session.
func (s *SessionService) startRecording(ctx context.Context, sess *models.Session) {
	if s.recorder == nil {
		return
	}
	rec, err := s.recorder.Start(ctx, recording.StartOptions{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		ClusterID: sess.ClusterID,
		Namespace: sess.Namespace,
		Pod:       sess.Pod,
		Container: sess.Container,
		Shell:     sess.Shell,
		Width:     s.opts.TerminalWidth,
		Height:    s.opts.TerminalHeight,
		Env:       map[string]string{"SHELL": sess.Shell, "TERM": "xterm-256color"},
	})
	if err != nil {
		s.log.Error("start recording", "session_id", sess.ID, "error", err)
		return
	}
	sess.RecordingID = &rec.ID
}

// VerifyOTP checks a submitted code against the caller's latest unconsumed challenge
// and promotes the matching PENDING_OTP session to ACTIVE.
func (s *SessionService) VerifyOTP(ctx context.Context, req *models.VerifyOTPRequest) (sess *models.Session, err error) {
	if err := req.Validate(s.otp.Length()); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, "session.verify_otp")
	defer func() { tracing.End(span, err) }()

	idHash := s.hasher.Hash(req.ClientIP)
	ch, err := s.repo.LatestUnconsumedChallenge(ctx, req.UserID, req.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, s.otpFailure(ctx, req.UserID, idHash, req.SessionID, "not_found", ErrOTPNotFound)
		}
		return nil, err
	}
	if otp.IsExpired(ch.ExpiresAt, s.now()) {
		return nil, s.otpFailure(ctx, req.UserID, idHash, ch.SessionID, "expired", ErrOTPExpired)
	}
	if ch.Attempts >= s.opts.OTPMaxAttempts {
		return nil, s.lockOut(ctx, ch, idHash)
	}
	if !identity.Equal(ch.IdentityHash, idHash) || !s.otp.Verify(req.Code, ch.CodeHash) {
		n, ierr := s.repo.IncrementChallengeAttempts(ctx, ch.ID)
		if ierr != nil && !errors.Is(ierr, repository.ErrNotFound) {
			return nil, ierr
		}
		if n >= s.opts.OTPMaxAttempts {
			return nil, s.lockOut(ctx, ch, idHash)
		}
		return nil, s.otpFailure(ctx, req.UserID, idHash, ch.SessionID, "mismatch", ErrOTPInvalid)
	}
	if err := s.repo.ConsumeChallenge(ctx, ch.ID); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, s.otpFailure(ctx, req.UserID, idHash, ch.SessionID, "consumed", ErrOTPNotFound)
		}
		return nil, err
	}

	sess, err = s.repo.GetSession(ctx, ch.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionPendingOTP {
		return nil, s.otpFailure(ctx, req.UserID, idHash, sess.ID, "session_"+string(sess.Status), ErrSessionExpired)
	}
	cluster, err := s.clusters.ClusterFor(ctx, sess.UserID, sess.ClusterID)
	if err != nil {
		return nil, err
	}
	sealed, expiresAt, err := s.issue(ctx, cluster, sess)
	if err != nil {
		if terr := s.repo.TransitionSession(ctx, sess.ID, models.SessionPendingOTP, models.SessionExpired, s.now()); terr != nil {
			s.log.Error("expire session after credential failure", "session_id", sess.ID, "error", terr)
		}
		e := audit.SessionEntry(sess, models.AuditSessionStartFailed, audit.OutcomeFailure)
		e.Metadata = metadata("reason", "credential")
		if aerr := s.audit.Record(ctx, e); aerr != nil {
			return nil, aerr
		}
		return nil, err
	}
	if err := s.repo.ActivateSession(ctx, sess.ID, idHash, sealed, expiresAt); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, s.otpFailure(ctx, req.UserID, idHash, sess.ID, "not_pending", ErrSessionExpired)
		}
		return nil, err
	}
	if err := s.repo.AddTrustedIdentity(ctx, sess.UserID, idHash); err != nil {
		return nil, fmt.Errorf("trust identity: %w", err)
	}
	if err := s.repo.MarkUserVerified(ctx, sess.UserID, s.now()); err != nil {
		return nil, err
	}
	sess.Status = models.SessionActive
	sess.TokenCiphertext = sealed
	sess.TokenExpiresAt = expiresAt
	s.startRecording(ctx, sess)
	if err := s.audit.Record(ctx, audit.SessionEntry(sess, models.AuditSessionVerified, audit.OutcomeSuccess)); err != nil {
		return nil, err
	}
	metrics.OTPVerificationsTotal.WithLabelValues("success").Inc()
	metrics.SessionsStartedTotal.WithLabelValues(pathOTP).Inc()
	s.track(sess.ID)
	s.log.Info("session verified", "session_id", sess.ID, "user_id", sess.UserID)
	return s.repo.GetSession(ctx, sess.ID)
}

// lockOut invalidates a challenge that has used up its attempts. The session is left
// for the sweeper.
func (s *SessionService) lockOut(ctx context.Context, ch *models.OTPChallenge, idHash string) error {
	if err := s.repo.ConsumeChallenge(ctx, ch.ID); err != nil && !errors.Is(err, repository.ErrConflict) {
		return err
	}
	return s.otpFailure(ctx, ch.UserID, idHash, ch.SessionID, "attempts_exceeded", ErrOTPAttemptsExceeded)
}

// otpFailure audits a rejected verification and returns cause.
func (s *SessionService) otpFailure(ctx context.Context, userID, idHash, sessionID, reason string, cause error) error {
	metrics.OTPVerificationsTotal.WithLabelValues(reason).Inc()
	e := &models.AuditLogEntry{
		UserID:       userID,
		Action:       models.AuditOTPFailed,
		IdentityHash: idHash,
		Outcome:      audit.OutcomeDenied,
		Metadata:     metadata("reason", reason),
	}
	if sessionID != "" {
		e.SessionID = &sessionID
	}
	if err := s.audit.Record(ctx, e); err != nil {
		return err
	}
	return cause
}

// Exec runs one command in an ACTIVE session. The token deadline is re-checked on every
// call; an expired session is ended here.
func (s *SessionService) Exec(ctx context.Context, req *models.ExecRequest) (resp *models.ExecResponse, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sess, err := s.owned(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, "session.exec", tracing.SessionAttrs(sess.ID, sess.ClusterID, sess.Namespace, sess.Pod)...)
	defer func() { tracing.End(span, err) }()

	if sess.Status != models.SessionActive {
		return nil, ErrSessionNotActive
	}
	st := s.state(sess.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if sess.IsTokenExpired(s.now()) {
		if err := s.end(ctx, sess, models.SessionEnded, "token_expired"); err != nil {
			return nil, err
		}
		return nil, ErrSessionExpired
	}

	cmd := policy.Sanitize(req.Command)
	entry := audit.SessionEntry(sess, models.AuditExec, audit.OutcomeSuccess)
	entry.Command = &req.Command
	entry.IdentityHash = s.hasher.Hash(req.ClientIP)

	if d := s.gate.Validate(cmd); !d.Allowed {
		metrics.CommandsTotal.WithLabelValues("blocked").Inc()
		entry.Action = models.AuditExecBlocked
		entry.Outcome = audit.OutcomeDenied
		entry.Metadata = metadata("reason", d.Reason, "rule", d.Rule)
		if err := s.audit.Record(ctx, entry); err != nil {
			return nil, err
		}
		return nil, &CommandBlockedError{Reason: d.Reason, Rule: d.Rule}
	}
	if !st.admit(s.now(), s.opts.CommandsPerMinute) {
		metrics.CommandsTotal.WithLabelValues("rate_limited").Inc()
		entry.Action = models.AuditExecRateLimited
		entry.Outcome = audit.OutcomeDenied
		if err := s.audit.Record(ctx, entry); err != nil {
			return nil, err
		}
		return nil, ErrRateLimited
	}

	token, err := s.envelope.DecryptString(sess.TokenCiphertext)
	if err != nil {
		return nil, s.execFailure(ctx, entry, "token", fmt.Errorf("open session token: %w", err))
	}
	cluster, err := s.clusters.ClusterFor(ctx, sess.UserID, sess.ClusterID)
	if err != nil {
		return nil, s.execFailure(ctx, entry, "cluster", err)
	}
	if err := s.countCommand(ctx, sess, cmd); err != nil {
		return nil, s.execFailure(ctx, entry, "count", err)
	}

	execCtx := ctx
	if s.opts.ExecTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.opts.ExecTimeout)
		defer cancel()
	}
	started := s.now()
	res, err := cluster.Exec(execCtx, token, k8s.ExecRequest{
		Namespace:      sess.Namespace,
		Pod:            sess.Pod,
		Container:      sess.Container,
		Shell:          sess.Shell,
		Command:        cmd,
		MaxOutputBytes: s.opts.ExecMaxOutputBytes,
	})
	metrics.ExecDurationSeconds.Observe(s.now().Sub(started).Seconds())
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("failed").Inc()
		s.appendFrame(ctx, sess, recording.FrameInput{Kind: models.FrameSystem, Payload: "command failed to run"})
		entry.Outcome = audit.OutcomeFailure
		entry.Metadata = metadata("stage", "exec", "error", err.Error())
		if aerr := s.audit.Record(ctx, entry); aerr != nil {
			return nil, aerr
		}
		return nil, fmt.Errorf("%w: %v", ErrExecFailed, err)
	}

	exit := res.ExitCode
	if res.Stdout != "" || res.Stderr == "" {
		s.appendFrame(ctx, sess, recording.FrameInput{Kind: models.FrameOutput, Payload: res.Stdout, ExitCode: &exit})
	}
	if res.Stderr != "" {
		s.appendFrame(ctx, sess, recording.FrameInput{Kind: models.FrameError, Payload: res.Stderr, ExitCode: &exit})
	}
	filtered := s.redactor.Filter(res.Stdout + res.Stderr)
	countRedactions(filtered)

	metrics.CommandsTotal.WithLabelValues("allowed").Inc()
	entry.Metadata = metadata("exit_code", fmt.Sprint(res.ExitCode), "redacted", fmt.Sprint(filtered.RedactedCount))
	if err := s.audit.Record(ctx, entry); err != nil {
		return nil, err
	}

	count := sess.CommandCount + 1
	if fresh, err := s.repo.GetSession(ctx, sess.ID); err == nil {
		count = fresh.CommandCount
	}
	return &models.ExecResponse{
		SessionID:     sess.ID,
		Output:        filtered.Filtered,
		ExitCode:      res.ExitCode,
		Truncated:     res.Truncated,
		RedactedCount: filtered.RedactedCount,
		Categories:    filtered.Categories,
		CommandCount:  count,
	}, nil
}

// execFailure audits an exec attempt that could not be run and returns cause, or the
// audit error when the attempt could not be recorded.
func (s *SessionService) execFailure(ctx context.Context, entry *models.AuditLogEntry, stage string, cause error) error {
	metrics.CommandsTotal.WithLabelValues("failed").Inc()
	entry.Outcome = audit.OutcomeFailure
	entry.Metadata = metadata("stage", stage, "error", cause.Error())
	if err := s.audit.Record(ctx, entry); err != nil {
		return err
	}
	return cause
}

// countCommand bumps the session counter, through the input frame when recording.
func (s *SessionService) countCommand(ctx context.Context, sess *models.Session, cmd string) error {
	if s.recorder != nil && sess.RecordingID != nil {
		_, err := s.recorder.AddFrame(ctx, *sess.RecordingID, recording.FrameInput{Kind: models.FrameInput, Payload: cmd + "\n"})
		if err == nil {
			return nil
		}
		s.log.Warn("record input frame", "session_id", sess.ID, "error", err)
	}
	if _, err := s.repo.IncrementCommandCount(ctx, sess.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotActive
		}
		return err
	}
	return nil
}

// appendFrame records an output-side frame. Oversized frames are replaced by a system
// note so the transcript shows the gap.
func (s *SessionService) appendFrame(ctx context.Context, sess *models.Session, in recording.FrameInput) {
	if s.recorder == nil || sess.RecordingID == nil {
		return
	}
	_, err := s.recorder.AddFrame(ctx, *sess.RecordingID, in)
	if errors.Is(err, recording.ErrFrameTooLarge) {
		_, err = s.recorder.AddFrame(ctx, *sess.RecordingID, recording.FrameInput{
			Kind:    models.FrameSystem,
			Payload: fmt.Sprintf("%s frame omitted: exceeds size limit", in.Kind),
		})
	}
	if err != nil {
		s.log.Warn("record frame", "session_id", sess.ID, "kind", in.Kind, "error", err)
	}
}

// Kill terminates an ACTIVE session owned by the caller.
func (s *SessionService) Kill(ctx context.Context, req *models.KillRequest) (*models.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sess, err := s.owned(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.TransitionSession(ctx, sess.ID, models.SessionActive, models.SessionKilled, s.now()); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrSessionNotActive
		}
		return nil, err
	}
	s.stopRecording(ctx, sess)
	e := audit.SessionEntry(sess, models.AuditSessionKilled, audit.OutcomeSuccess)
	if req.ClientIP != "" {
		e.IdentityHash = s.hasher.Hash(req.ClientIP)
	}
	if req.Reason != "" {
		e.Metadata = metadata("reason", req.Reason)
	}
	if err := s.audit.Record(ctx, e); err != nil {
		return nil, err
	}
	metrics.SessionsEndedTotal.WithLabelValues(string(models.SessionKilled)).Inc()
	s.release(sess.ID)
	s.log.Info("session killed", "session_id", sess.ID, "user_id", sess.UserID)
	return s.repo.GetSession(ctx, sess.ID)
}

// end moves an ACTIVE session to a terminal state and audits it. Losing the race to
// another terminator is not an error; a failed transition or audit write is.
func (s *SessionService) end(ctx context.Context, sess *models.Session, to models.SessionStatus, reason string) error {
	if err := s.repo.TransitionSession(ctx, sess.ID, models.SessionActive, to, s.now()); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil
		}
		return fmt.Errorf("end session: %w", err)
	}
	s.stopRecording(ctx, sess)
	metrics.SessionsEndedTotal.WithLabelValues(string(to)).Inc()
	s.release(sess.ID)
	e := audit.SessionEntry(sess, models.AuditSessionEnded, audit.OutcomeSuccess)
	e.Metadata = metadata("reason", reason)
	return s.audit.Record(ctx, e)
}

func (s *SessionService) stopRecording(ctx context.Context, sess *models.Session) {
	if s.recorder == nil || sess.RecordingID == nil {
		return
	}
	if _, err := s.recorder.Stop(ctx, *sess.RecordingID, nil); err != nil {
		s.log.Warn("stop recording", "session_id", sess.ID, "recording_id", *sess.RecordingID, "error", err)
	}
}

// Get returns a session owned by the caller.
func (s *SessionService) Get(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	return s.owned(ctx, userID, sessionID)
}

// List returns the caller's sessions, newest first.
func (s *SessionService) List(ctx context.Context, userID string, f models.SessionFilter) ([]*models.Session, error) {
	f.UserID = userID
	return s.repo.ListSessions(ctx, f)
}

// Logs reads the session pod's logs with the session credential and sanitizes them.
func (s *SessionService) Logs(ctx context.Context, req *models.LogsRequest) (*models.LogsResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sess, err := s.owned(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionActive {
		return nil, ErrSessionNotActive
	}
	if sess.IsTokenExpired(s.now()) {
		if err := s.end(ctx, sess, models.SessionEnded, "token_expired"); err != nil {
			return nil, err
		}
		return nil, ErrSessionExpired
	}
	token, err := s.envelope.DecryptString(sess.TokenCiphertext)
	if err != nil {
		return nil, fmt.Errorf("open session token: %w", err)
	}
	cluster, err := s.clusters.ClusterFor(ctx, sess.UserID, sess.ClusterID)
	if err != nil {
		return nil, err
	}
	raw, err := cluster.GetLogs(ctx, token, k8s.LogsRequest{
		Namespace: sess.Namespace,
		Pod:       sess.Pod,
		Container: sess.Container,
		TailLines: req.TailLines,
	})
	if err != nil {
		return nil, err
	}
	filtered := s.redactor.Filter(raw)
	countRedactions(filtered)
	e := audit.SessionEntry(sess, models.AuditLogsRead, audit.OutcomeSuccess)
	e.Metadata = metadata("redacted", fmt.Sprint(filtered.RedactedCount))
	if err := s.audit.Record(ctx, e); err != nil {
		return nil, err
	}
	return &models.LogsResponse{
		SessionID:     sess.ID,
		Output:        filtered.Filtered,
		RedactedCount: filtered.RedactedCount,
		Categories:    filtered.Categories,
	}, nil
}

// UpdateContact stores an already-verified out-of-band address for the caller.
func (s *SessionService) UpdateContact(ctx context.Context, req *models.UpdateContactRequest) (*models.User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetOrCreateUser(ctx, req.UserID); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateUserContact(ctx, req.UserID, req.ContactAddress, true); err != nil {
		return nil, err
	}
	return s.repo.GetUser(ctx, req.UserID)
}

// SweepResult reports what one SweepExpired pass changed.
type SweepResult struct {
	Abandoned         int
	Ended             int
	ChallengesDeleted int64
	Released          int
}

// SweepExpired abandons PENDING_OTP sessions past their challenge deadline, ends ACTIVE
// sessions past their token deadline, drops expired challenges and releases idle
// limiter state.
func (s *SessionService) SweepExpired(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	ids, err := s.repo.ExpirePendingSessions(ctx, now)
	if err != nil {
		return res, fmt.Errorf("expire pending sessions: %w", err)
	}
	for _, id := range ids {
		res.Abandoned++
		metrics.SessionsEndedTotal.WithLabelValues(string(models.SessionExpired)).Inc()
		e := &models.AuditLogEntry{Action: models.AuditSessionAbandoned, SessionID: &id, Outcome: audit.OutcomeFailure}
		if sess, err := s.repo.GetSession(ctx, id); err == nil {
			e = audit.SessionEntry(sess, models.AuditSessionAbandoned, audit.OutcomeFailure)
		}
		if err := s.audit.Record(ctx, e); err != nil {
			return res, err
		}
	}

	active, err := s.repo.ListSessions(ctx, models.SessionFilter{Status: models.SessionActive, Limit: sweepActiveLimit})
	if err != nil {
		return res, fmt.Errorf("list active sessions: %w", err)
	}
	var endErrs []error
	for _, sess := range active {
		if !sess.IsTokenExpired(now) {
			continue
		}
		if err := s.end(ctx, sess, models.SessionEnded, "token_expired"); err != nil {
			endErrs = append(endErrs, err)
			continue
		}
		res.Ended++
	}
	if err := errors.Join(endErrs...); err != nil {
		return res, err
	}

	if res.ChallengesDeleted, err = s.repo.DeleteExpiredChallenges(ctx, now); err != nil {
		return res, fmt.Errorf("delete expired challenges: %w", err)
	}

	s.mu.Lock()
	for id, st := range s.arena {
		if now.Sub(st.lastUsed) > s.opts.ArenaIdle {
			delete(s.arena, id)
			res.Released++
		}
	}
	metrics.ActiveSessions.Set(float64(len(s.arena)))
	s.mu.Unlock()
	return res, nil
}

// owned loads a session and hides sessions of other callers.
func (s *SessionService) owned(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *SessionService) state(sessionID string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.arena[sessionID]
	if !ok {
		st = &sessionState{lastUsed: s.now()}
		s.arena[sessionID] = st
		metrics.ActiveSessions.Set(float64(len(s.arena)))
	}
	st.lastUsed = s.now()
	return st
}

func (s *SessionService) track(sessionID string) { s.state(sessionID) }

func (s *SessionService) release(sessionID string) {
	s.mu.Lock()
	delete(s.arena, sessionID)
	metrics.ActiveSessions.Set(float64(len(s.arena)))
	s.mu.Unlock()
}

func countRedactions(r redact.Result) {
	for _, c := range r.Categories {
		metrics.RedactionsTotal.WithLabelValues(c).Inc()
	}
}
