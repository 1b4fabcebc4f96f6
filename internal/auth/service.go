package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	users    UserStore
	refresh  RefreshStore
	resets   ResetStore
	tokens   *TokenIssuer
	hasher   *Hasher
	notifier Notifier
	logger   *slog.Logger
	metrics  *Metrics
	resetURL string
	nowFunc  func() time.Time
	// dummyHash is compared against on unknown-email logins so both paths
	// cost one bcrypt comparison.
	dummyHash string
}

type ServiceConfig struct {
	Users    UserStore
	Refresh  RefreshStore
	Resets   ResetStore
	Tokens   *TokenIssuer
	Hasher   *Hasher
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *Metrics
	// ResetURL is the page the reset link points at.
	ResetURL string
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Users == nil || cfg.Refresh == nil || cfg.Resets == nil {
		return nil, errors.New("user, refresh and reset stores are required")
	}
	if cfg.Tokens == nil || cfg.Hasher == nil {
		return nil, errors.New("token issuer and hasher are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = &LogNotifier{Logger: cfg.Logger}
	}
	dummy, err := cfg.Hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, err
	}
	return &Service{
		users:     cfg.Users,
		refresh:   cfg.Refresh,
		resets:    cfg.Resets,
		tokens:    cfg.Tokens,
		hasher:    cfg.Hasher,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		resetURL:  cfg.ResetURL,
		nowFunc:   time.Now,
		dummyHash: dummy,
	}, nil
}

// WithClock replaces the time source of the service and its token issuer.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFunc = now
	s.tokens.WithClock(now)
	return s
}

func (s *Service) now() time.Time {
	return s.nowFunc().UTC()
}

// Register creates a USER identity.
func (s *Service) Register(ctx context.Context, email, password string) (*User, error) {
	email = NormalizeEmail(email)
	// Only a bare address is accepted, no display name or angle brackets.
	addr, err := mail.ParseAddress(email)
	if err != nil || NormalizeEmail(addr.Address) != email {
		return nil, ErrInvalidEmail
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	now := s.now()
	u := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Role:         RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", "user_id", u.ID)
	return u, nil
}

// Login checks credentials and starts a new refresh token family.
func (s *Service) Login(ctx context.Context, email, password string) (*User, *TokenPair, error) {
	u, err := s.users.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.hasher.Verify(password, s.dummyHash)
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("find user: %w", err)
	}
	if !s.hasher.Verify(password, u.PasswordHash) {
		return nil, nil, ErrInvalidCredentials
	}
	if s.hasher.NeedsRehash(u.PasswordHash) {
		s.rehash(ctx, u, password)
	}

	pair, err := s.IssuePair(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("user logged in", "user_id", u.ID)
	return u, pair, nil
}

// IssuePair signs a fresh access/refresh pair for u and records the refresh
// token as the head of a new token family.
func (s *Service) IssuePair(ctx context.Context, u *User) (*TokenPair, error) {
	pair, rec, err := s.issuePair(u)
	if err != nil {
		return nil, err
	}
	rec.FamilyID = uuid.NewString()
	if err := s.refresh.Create(ctx, rec); err != nil {
		return nil, err
	}
	s.observePair()
	return pair, nil
}

// rehash upgrades a stored hash to the configured bcrypt cost. Failures are
// logged; the login itself already succeeded.
func (s *Service) rehash(ctx context.Context, u *User, password string) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Error("rehash password", "user_id", u.ID, "err", err)
		return
	}
	if err := s.users.UpdatePassword(ctx, u.ID, hash); err != nil {
		s.logger.Error("store rehashed password", "user_id", u.ID, "err", err)
		return
	}
	u.PasswordHash = hash
	s.logger.Info("password rehashed", "user_id", u.ID)
}

func (s *Service) observePair() {
	s.metrics.observeIssued(tokenTypeAccess)
	s.metrics.observeIssued(tokenTypeRefresh)
}

func (s *Service) issuePair(u *User) (*TokenPair, *RefreshRecord, error) {
	access, err := s.tokens.IssueAccess(u)
	if err != nil {
		return nil, nil, err
	}
	refresh, err := s.tokens.IssueRefresh(u.ID)
	if err != nil {
		return nil, nil, err
	}
	pair := &TokenPair{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
		TokenType:    "Bearer",
	}
	rec := &RefreshRecord{
		JTI:       refresh.JTI,
		UserID:    u.ID,
		ExpiresAt: refresh.ExpiresAt,
		CreatedAt: s.now(),
	}
	return pair, rec, nil
}

// Refresh exchanges a current refresh token for a new pair. The presented
// token is retired; presenting it again revokes its whole family.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.tokens.ParseRefresh(refreshToken)
	if err != nil {
		s.metrics.observeRefresh(resultLabel(err))
		return nil, err
	}

	u, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.metrics.observeRefresh(resultLabel(ErrInvalidToken))
			return nil, fmt.Errorf("%w: unknown subject", ErrInvalidToken)
		}
		return nil, fmt.Errorf("find user: %w", err)
	}

	pair, next, err := s.issuePair(u)
	if err != nil {
		return nil, err
	}
	if err := s.refresh.Rotate(ctx, claims.ID, next, s.now()); err != nil {
		if errors.Is(err, ErrTokenReused) {
			s.logger.Warn("refresh token reuse, family revoked", "user_id", u.ID)
		}
		s.metrics.observeRefresh(resultLabel(err))
		return nil, err
	}
	s.observePair()
	s.metrics.observeRefresh("ok")
	return pair, nil
}

// Logout revokes the refresh token family the token belongs to. Tokens that
// are already invalid are ignored.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return nil
	}
	return s.refresh.RevokeFamilyOf(ctx, claims.ID, s.now())
}

// RequestReset issues a reset token when email belongs to a user. It
// reports success either way so callers cannot probe for accounts.
func (s *Service) RequestReset(ctx context.Context, email string) error {
	u, err := s.users.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.metrics.observeReset("request", "unknown_email")
			return nil
		}
		return fmt.Errorf("find user: %w", err)
	}

	issued, err := s.tokens.IssueReset(u.ID)
	if err != nil {
		return err
	}
	rec := &ResetRecord{JTI: issued.JTI, UserID: u.ID, ExpiresAt: issued.ExpiresAt}
	if err := s.resets.Create(ctx, rec, s.now()); err != nil {
		return err
	}
	s.metrics.observeIssued(tokenTypeReset)

	link, err := resetLink(s.resetURL, issued.Token)
	if err != nil {
		return fmt.Errorf("build reset link: %w", err)
	}
	notice := ResetNotice{Email: u.Email, Link: link, ExpiresAt: issued.ExpiresAt}
	if err := s.notifier.SendPasswordReset(ctx, notice); err != nil {
		// Surfacing this would reveal that the account exists.
		s.logger.Error("deliver reset token", "user_id", u.ID, "err", err)
	}
	s.metrics.observeReset("request", "ok")
	return nil
}

// ConsumeReset sets a new password using a reset token. A token works once.
func (s *Service) ConsumeReset(ctx context.Context, resetToken, newPassword string) error {
	claims, err := s.tokens.ParseReset(resetToken)
	if err != nil {
		s.metrics.observeReset("consume", resultLabel(err))
		return err
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.resets.Consume(ctx, claims.ID, claims.Subject, hash, s.now()); err != nil {
		s.metrics.observeReset("consume", resultLabel(err))
		return err
	}
	s.metrics.observeReset("consume", "ok")
	s.logger.Info("password reset", "user_id", claims.Subject)
	return nil
}

// ChangePassword updates the password of an authenticated user and signs out
// all of their other sessions.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(current, u.PasswordHash) {
		return ErrInvalidCredentials
	}
	if err := ValidatePassword(next); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := s.users.ReplacePassword(ctx, u.ID, hash, s.now()); err != nil {
		return err
	}
	s.logger.Info("password changed", "user_id", u.ID)
	return nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTokenReused):
		return "reused"
	case errors.Is(err, ErrExpiredToken):
		return "expired"
	case errors.Is(err, ErrInvalidToken):
		return "invalid"
	default:
		return "error"
	}
}
