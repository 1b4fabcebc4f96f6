package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"usergate/internal/logging"
)

var errStoreDown = errors.New("connection refused")

type fakeUserStore struct {
	mu      sync.Mutex
	byID    map[string]*User
	fail    error
	refresh *fakeRefreshStore
	// revokeErr makes ReplacePassword fail as a rolled-back transaction would.
	revokeErr error
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{byID: make(map[string]*User)}
}

func (f *fakeUserStore) GetByEmail(_ context.Context, email string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	for _, u := range f.byID {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (f *fakeUserStore) GetByID(_ context.Context, id string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	u, ok := f.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUserStore) Create(_ context.Context, u *User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.byID {
		if existing.Email == u.Email {
			return ErrEmailTaken
		}
	}
	cp := *u
	f.byID[u.ID] = &cp
	return nil
}

func (f *fakeUserStore) UpdatePassword(_ context.Context, id, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (f *fakeUserStore) ReplacePassword(ctx context.Context, id, hash string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	if f.revokeErr != nil {
		return f.revokeErr
	}
	u.PasswordHash = hash
	return f.refresh.RevokeAllForUser(ctx, id, now)
}

func (f *fakeUserStore) setPasswordHash(id, hash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if ok {
		u.PasswordHash = hash
	}
	return ok
}

func (f *fakeUserStore) hash(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id].PasswordHash
}

type fakeRefreshStore struct {
	mu      sync.Mutex
	records map[string]*RefreshRecord
}

func newFakeRefreshStore() *fakeRefreshStore {
	return &fakeRefreshStore{records: make(map[string]*RefreshRecord)}
}

func (f *fakeRefreshStore) Create(_ context.Context, rec *RefreshRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.records[rec.JTI] = &cp
	return nil
}

func (f *fakeRefreshStore) Rotate(_ context.Context, oldJTI string, next *RefreshRecord, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.records[oldJTI]
	if !ok || old.UserID != next.UserID {
		return ErrInvalidToken
	}
	if old.RevokedAt != nil {
		if rotatedRecently(*old.RevokedAt, old.ReplacedBy, now) {
			return ErrInvalidToken
		}
		f.revokeFamilyLocked(old.FamilyID, now)
		return ErrTokenReused
	}
	if !now.Before(old.ExpiresAt) {
		return ErrExpiredToken
	}
	t := now
	old.RevokedAt = &t
	old.ReplacedBy = next.JTI
	next.FamilyID = old.FamilyID
	cp := *next
	f.records[next.JTI] = &cp
	return nil
}

func (f *fakeRefreshStore) RevokeFamilyOf(_ context.Context, jti string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[jti]; ok {
		f.revokeFamilyLocked(rec.FamilyID, now)
	}
	return nil
}

func (f *fakeRefreshStore) RevokeAllForUser(_ context.Context, userID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.UserID == userID && rec.RevokedAt == nil {
			t := now
			rec.RevokedAt = &t
		}
	}
	return nil
}

func (f *fakeRefreshStore) revokeFamilyLocked(familyID string, now time.Time) {
	for _, rec := range f.records {
		if rec.FamilyID == familyID && rec.RevokedAt == nil {
			t := now
			rec.RevokedAt = &t
		}
	}
}

func (f *fakeRefreshStore) active(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.records {
		if rec.UserID == userID && rec.RevokedAt == nil {
			n++
		}
	}
	return n
}

type fakeResetStore struct {
	mu      sync.Mutex
	records map[string]*ResetRecord
	users   *fakeUserStore
	refresh *fakeRefreshStore
}

func (f *fakeResetStore) Create(_ context.Context, rec *ResetRecord, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.UserID == rec.UserID && r.ConsumedAt == nil {
			t := now
			r.ConsumedAt = &t
		}
	}
	cp := *rec
	f.records[rec.JTI] = &cp
	return nil
}

func (f *fakeResetStore) Consume(ctx context.Context, jti, userID, hash string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[jti]
	if !ok || rec.UserID != userID || rec.ConsumedAt != nil {
		return ErrInvalidToken
	}
	if !now.Before(rec.ExpiresAt) {
		return ErrExpiredToken
	}
	if !f.users.setPasswordHash(userID, hash) {
		return ErrInvalidToken
	}
	t := now
	rec.ConsumedAt = &t
	return f.refresh.RevokeAllForUser(ctx, userID, now)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []ResetNotice
}

func (n *recordingNotifier) SendPasswordReset(_ context.Context, notice ResetNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testTokenConfig() TokenConfig {
	return TokenConfig{
		Issuer:        "usergate-test",
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		ResetSecret:   "reset-secret",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		ResetTTL:      time.Hour,
	}
}

type harness struct {
	svc      *Service
	users    *fakeUserStore
	refresh  *fakeRefreshStore
	resets   *fakeResetStore
	notifier *recordingNotifier
	clock    *clock
	hasher   *Hasher
	tokens   *TokenIssuer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	users := newFakeUserStore()
	refresh := newFakeRefreshStore()
	users.refresh = refresh
	resets := &fakeResetStore{records: make(map[string]*ResetRecord), users: users, refresh: refresh}
	notifier := &recordingNotifier{}
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	hasher := NewHasher(bcrypt.MinCost)
	tokens := NewTokenIssuer(testTokenConfig())

	svc, err := NewService(ServiceConfig{
		Users:    users,
		Refresh:  refresh,
		Resets:   resets,
		Tokens:   tokens,
		Hasher:   hasher,
		Notifier: notifier,
		Logger:   logging.Discard(),
		ResetURL: "https://app.example.test/reset",
	})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	svc.WithClock(clk.Now)
	return &harness{
		svc:      svc,
		users:    users,
		refresh:  refresh,
		resets:   resets,
		notifier: notifier,
		clock:    clk,
		hasher:   hasher,
		tokens:   tokens,
	}
}

func (h *harness) addUser(t *testing.T, id, email, password string, role Role) *User {
	t.Helper()
	hash, err := h.hasher.Hash(password)
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	u := &User{ID: id, Email: email, PasswordHash: hash, Role: role}
	if err := h.users.Create(context.Background(), u); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return u
}
