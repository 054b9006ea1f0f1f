package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keygate/keygate/internal/crypto"
	"github.com/keygate/keygate/internal/db/bunx"
	"github.com/keygate/keygate/internal/db/models"
	"github.com/keygate/keygate/internal/repository"
)

// Default account policy knobs.
const (
	DefaultLockoutThreshold = 5
	DefaultLockoutDuration  = 15 * time.Minute
	DefaultResetTokenTTL    = time.Hour
	DefaultVerifyTokenTTL   = 24 * time.Hour
	DefaultSessionTTL       = 12 * time.Hour
)

// ErrInvalidCredentials is the single user-neutral authentication failure.
// It covers unknown users, wrong passwords, disabled accounts, and active
// lockouts alike, so callers cannot probe which applies.
var ErrInvalidCredentials = errors.New("Invalid username or password")

// ErrPasswordReused rejects a new password matching recent history.
var ErrPasswordReused = errors.New("password was used recently and cannot be reused")

// ErrInvalidToken covers expired, consumed, and unknown account tokens.
var ErrInvalidToken = errors.New("token is invalid or has expired")

// RequestMeta carries transport metadata recorded with login attempts.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// Service implements the password and account policy engine: login with
// lockout, browser sessions, password change with history, reset tokens,
// and email verification.
type Service struct {
	users    repository.UserRepository
	creds    repository.CredentialRepository
	sessions repository.SessionRepository

	Policy           PasswordPolicy
	LockoutThreshold int
	LockoutDuration  time.Duration
	ResetTokenTTL    time.Duration
	VerifyTokenTTL   time.Duration
	SessionTTL       time.Duration
}

// NewService creates an account service with default policy.
func NewService(users repository.UserRepository, creds repository.CredentialRepository, sessions repository.SessionRepository) *Service {
	return &Service{
		users:            users,
		creds:            creds,
		sessions:         sessions,
		Policy:           DefaultPasswordPolicy(),
		LockoutThreshold: DefaultLockoutThreshold,
		LockoutDuration:  DefaultLockoutDuration,
		ResetTokenTTL:    DefaultResetTokenTTL,
		VerifyTokenTTL:   DefaultVerifyTokenTTL,
		SessionTTL:       DefaultSessionTTL,
	}
}

// Authenticate verifies a username/password pair, maintaining the failure
// counter and lockout window. All failure modes return ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, username, password string, meta RequestMeta) (*models.User, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.recordAttempt(ctx, username, nil, false, meta)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	if !user.IsActive || user.IsLocked(time.Now()) {
		s.recordAttempt(ctx, username, &user.ID, false, meta)
		return nil, ErrInvalidCredentials
	}

	if !crypto.VerifyPassword(user.PasswordHash, password) {
		if _, err := s.users.RecordLoginFailure(ctx, user.ID, s.LockoutThreshold, s.LockoutDuration); err != nil {
			return nil, fmt.Errorf("record login failure: %w", err)
		}
		s.recordAttempt(ctx, username, &user.ID, false, meta)
		return nil, ErrInvalidCredentials
	}

	if err := s.users.ResetLoginFailures(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("reset login failures: %w", err)
	}
	if err := s.users.UpdateLastLogin(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("update last login: %w", err)
	}
	s.recordAttempt(ctx, username, &user.ID, true, meta)
	return user, nil
}

// CreateSession mints a browser session token and persists its hash.
// The raw token goes into the cookie; only the hash is stored.
func (s *Service) CreateSession(ctx context.Context, userID string, meta RequestMeta) (string, *models.Session, error) {
	raw, err := crypto.NewToken()
	if err != nil {
		return "", nil, fmt.Errorf("mint session token: %w", err)
	}

	session := &models.Session{
		ID:        bunx.NewUUIDv7(),
		UserID:    userID,
		TokenHash: crypto.HashToken(raw),
		ExpiresAt: time.Now().Add(s.SessionTTL),
	}
	if meta.UserAgent != "" {
		ua := meta.UserAgent
		session.UserAgent = &ua
	}
	if meta.IPAddress != "" {
		ip := meta.IPAddress
		session.IPAddress = &ip
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return "", nil, fmt.Errorf("persist session: %w", err)
	}
	return raw, session, nil
}

// ValidateSession resolves a raw session token to its active session,
// touching last_used_at. Expired and revoked sessions fail.
func (s *Service) ValidateSession(ctx context.Context, rawToken string) (*models.Session, error) {
	if rawToken == "" {
		return nil, ErrInvalidToken
	}
	session, err := s.sessions.GetByTokenHash(ctx, crypto.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session.Revoked || time.Now().After(session.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	if err := s.sessions.Touch(ctx, session.ID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	return session, nil
}

// Logout revokes the session behind a raw token. Unknown tokens are a no-op.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	session, err := s.sessions.GetByTokenHash(ctx, crypto.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load session: %w", err)
	}
	return s.sessions.Revoke(ctx, session.ID)
}

// ChangePassword validates the new password against policy and history,
// then swaps the stored hash and records the old one in history.
func (s *Service) ChangePassword(ctx context.Context, userID, newPassword string) error {
	if err := s.Policy.Validate(newPassword); err != nil {
		return err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	// Current password counts against reuse.
	if crypto.VerifyPassword(user.PasswordHash, newPassword) {
		return ErrPasswordReused
	}
	history, err := s.creds.ListPasswordHistory(ctx, userID, s.Policy.HistoryDepth)
	if err != nil {
		return fmt.Errorf("load password history: %w", err)
	}
	for _, entry := range history {
		if crypto.VerifyPassword(entry.PasswordHash, newPassword) {
			return ErrPasswordReused
		}
	}

	newHash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.creds.AddPasswordHistory(ctx, &models.PasswordHistory{
		ID:           bunx.NewUUIDv7(),
		UserID:       userID,
		PasswordHash: user.PasswordHash,
	}); err != nil {
		return fmt.Errorf("record password history: %w", err)
	}
	if err := s.users.SetPasswordHash(ctx, userID, newHash); err != nil {
		return err
	}
	if err := s.creds.TrimPasswordHistory(ctx, userID, s.Policy.HistoryDepth); err != nil {
		return fmt.Errorf("trim password history: %w", err)
	}
	return nil
}

// StartPasswordReset issues a single-use reset token when the email maps to
// an active user, invalidating any earlier outstanding tokens. The empty
// return for unknown emails lets the handler answer neutrally either way.
func (s *Service) StartPasswordReset(ctx context.Context, email string) (string, *models.User, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return "", nil, nil
	}

	if err := s.creds.InvalidateResetRequests(ctx, user.ID); err != nil {
		return "", nil, fmt.Errorf("invalidate prior reset tokens: %w", err)
	}

	raw, err := crypto.NewToken()
	if err != nil {
		return "", nil, fmt.Errorf("mint reset token: %w", err)
	}
	if err := s.creds.CreateResetRequest(ctx, &models.PasswordResetRequest{
		ID:        bunx.NewUUIDv7(),
		TokenHash: crypto.HashToken(raw),
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(s.ResetTokenTTL),
	}); err != nil {
		return "", nil, fmt.Errorf("persist reset token: %w", err)
	}
	return raw, user, nil
}

// CompletePasswordReset consumes a reset token, applies the new password,
// and revokes every session of the user.
func (s *Service) CompletePasswordReset(ctx context.Context, rawToken, newPassword string) error {
	req, err := s.creds.ConsumeResetRequest(ctx, crypto.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidToken
		}
		return fmt.Errorf("consume reset token: %w", err)
	}
	if err := s.ChangePassword(ctx, req.UserID, newPassword); err != nil {
		return err
	}
	if err := s.users.ResetLoginFailures(ctx, req.UserID); err != nil {
		return fmt.Errorf("reset login failures: %w", err)
	}
	return s.sessions.RevokeAllForUser(ctx, req.UserID)
}

// StartEmailVerification issues a verification token bound to the user's
// current email address.
func (s *Service) StartEmailVerification(ctx context.Context, userID string) (string, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	if user.Email == nil {
		return "", fmt.Errorf("user has no email address")
	}

	raw, err := crypto.NewToken()
	if err != nil {
		return "", fmt.Errorf("mint verification token: %w", err)
	}
	if err := s.creds.CreateEmailVerification(ctx, &models.EmailVerificationRequest{
		ID:        bunx.NewUUIDv7(),
		TokenHash: crypto.HashToken(raw),
		UserID:    user.ID,
		Email:     *user.Email,
		ExpiresAt: time.Now().Add(s.VerifyTokenTTL),
	}); err != nil {
		return "", fmt.Errorf("persist verification token: %w", err)
	}
	return raw, nil
}

// ConfirmEmail consumes a verification token. The token only counts when
// the email it was issued for still matches the user's current address,
// case-insensitively; a changed address invalidates outstanding tokens.
func (s *Service) ConfirmEmail(ctx context.Context, rawToken string) error {
	req, err := s.creds.ConsumeEmailVerification(ctx, crypto.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidToken
		}
		return fmt.Errorf("consume verification token: %w", err)
	}

	user, err := s.users.GetByID(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user.Email == nil || !strings.EqualFold(*user.Email, req.Email) {
		return ErrInvalidToken
	}

	user.EmailVerified = true
	return s.users.Update(ctx, user)
}

func (s *Service) recordAttempt(ctx context.Context, username string, userID *string, success bool, meta RequestMeta) {
	// Best effort; attempt logging must not fail the login path.
	_ = s.creds.RecordLoginAttempt(ctx, &models.LoginAttempt{
		ID:        bunx.NewUUIDv7(),
		Username:  strings.ToLower(username),
		UserID:    userID,
		Success:   success,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
}
