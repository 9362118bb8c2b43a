package villenauth

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rahulkumar-andc/villen-auth/csrf"
	"github.com/rahulkumar-andc/villen-auth/internal/limiters"
	"github.com/rahulkumar-andc/villen-auth/internal/stores"
	"github.com/rahulkumar-andc/villen-auth/jwt"
	"github.com/rahulkumar-andc/villen-auth/password"
	"github.com/rahulkumar-andc/villen-auth/session"
	"github.com/rahulkumar-andc/villen-auth/upload"
)

type mockCredentialStore struct {
	mu       sync.Mutex
	accounts map[string]AccountRecord
	byIdent  map[string]string

	createErr error
	updateErr error

	getByIdentifierCalls int
	getByIDCalls         int
	createCalls          int
	updatePasswordCalls  int
	updateStatusCalls    int
	updateRoleCalls      int
}

func newMockCredentialStore() *mockCredentialStore {
	return &mockCredentialStore{
		accounts: make(map[string]AccountRecord),
		byIdent:  make(map[string]string),
	}
}

func (m *mockCredentialStore) GetByIdentifier(ctx context.Context, identifier string) (AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getByIdentifierCalls++

	userID, ok := m.byIdent[identifier]
	if !ok {
		return AccountRecord{}, ErrAccountNotFound
	}
	return m.accounts[userID], nil
}

func (m *mockCredentialStore) GetByID(ctx context.Context, userID string) (AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getByIDCalls++

	account, ok := m.accounts[userID]
	if !ok {
		return AccountRecord{}, ErrAccountNotFound
	}
	return account, nil
}

func (m *mockCredentialStore) Create(ctx context.Context, input CreateAccountInput) (AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++

	if m.createErr != nil {
		return AccountRecord{}, m.createErr
	}

	if _, ok := m.byIdent[input.Email]; ok {
		return AccountRecord{}, ErrAccountExists
	}
	if input.Username != "" {
		if _, ok := m.byIdent[input.Username]; ok {
			return AccountRecord{}, ErrAccountExists
		}
	}

	account := AccountRecord{
		UserID:       fmt.Sprintf("u%d", len(m.accounts)+1),
		Email:        input.Email,
		Username:     input.Username,
		PasswordHash: input.PasswordHash,
		Role:         input.Role,
		Status:       input.Status,
		CreatedAt:    time.Now(),
	}
	m.accounts[account.UserID] = account
	m.byIdent[account.Email] = account.UserID
	if account.Username != "" {
		m.byIdent[account.Username] = account.UserID
	}
	return account, nil
}

func (m *mockCredentialStore) UpdatePasswordHash(ctx context.Context, userID, newHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatePasswordCalls++

	if m.updateErr != nil {
		return m.updateErr
	}
	account, ok := m.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	account.PasswordHash = newHash
	m.accounts[userID] = account
	return nil
}

func (m *mockCredentialStore) UpdateStatus(ctx context.Context, userID string, status AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateStatusCalls++

	account, ok := m.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	account.Status = status
	m.accounts[userID] = account
	return nil
}

func (m *mockCredentialStore) UpdateRole(ctx context.Context, userID string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateRoleCalls++

	account, ok := m.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	account.Role = role
	m.accounts[userID] = account
	return nil
}

func (m *mockCredentialStore) account(t *testing.T, userID string) AccountRecord {
	t.Helper()

	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[userID]
	if !ok {
		t.Fatalf("account %q not found in mock store", userID)
	}
	return account
}

type recordingNotifier struct {
	mu    sync.Mutex
	codes map[string]string
	sends int
	err   error
}

func (n *recordingNotifier) Send(ctx context.Context, identity, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.err != nil {
		return n.err
	}
	if n.codes == nil {
		n.codes = make(map[string]string)
	}
	n.codes[identity] = code
	n.sends++
	return nil
}

func (n *recordingNotifier) lastCode(t *testing.T, identity string) string {
	t.Helper()

	n.mu.Lock()
	defer n.mu.Unlock()
	code, ok := n.codes[identity]
	if !ok {
		t.Fatalf("no code delivered to %q", identity)
	}
	return code
}

func (n *recordingNotifier) sendCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sends
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func newTestHasher(t *testing.T) *password.Argon2 {
	t.Helper()

	h, err := password.NewArgon2(password.Config{
		Memory:      65536,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
		MinLength:   10,
	})
	if err != nil {
		t.Fatalf("NewArgon2 failed: %v", err)
	}
	return h
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.JWT.PrivateKey = bytes.Repeat([]byte{0x5a}, 32)
	cfg.CSRF.Key = bytes.Repeat([]byte{0x7b}, 32)
	cfg.Lockout.Threshold = 3
	cfg.OTP.EnumerationDelay = time.Millisecond
	cfg.OTP.RequestsPerWindow = 10
	return cfg
}

func newTestEngine(t *testing.T, rdb *redis.Client, store CredentialStore, notifier NotificationSender) *Engine {
	t.Helper()

	cfg := testConfig()
	hasher := newTestHasher(t)

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    cfg.JWT.PrivateKey,
		Issuer:        cfg.JWT.Issuer,
	})
	if err != nil {
		t.Fatalf("jwt.NewManager failed: %v", err)
	}

	decoy, err := hasher.Hash("decoy-password-1")
	if err != nil {
		t.Fatalf("decoy hash failed: %v", err)
	}

	return &Engine{
		config:     cfg,
		store:      store,
		notifier:   notifier,
		sessions:   session.NewStore(rdb, cfg.Session.RedisPrefix, cfg.Session.RefreshTTL),
		otpStore:   stores.NewOTPStore(rdb, cfg.OTP.CodeTTL, cfg.OTP.MaxAttempts),
		grantStore: stores.NewGrantStore(rdb, cfg.OTP.GrantTTL),
		lockout: limiters.NewLockout(rdb, limiters.LockoutConfig{
			Threshold: cfg.Lockout.Threshold,
			Window:    cfg.Lockout.Window,
			Duration:  cfg.Lockout.Duration,
		}),
		codeThrottle: limiters.NewFixedWindow(rdb, "otpreq", cfg.OTP.RequestsPerWindow, cfg.OTP.CodeTTL),
		metrics:      NewMetrics(cfg.Metrics),
		passwordHash: hasher,
		jwtManager:   jm,
		csrfGuard:    csrf.NewGuard(cfg.CSRF.Key),
		uploads:      upload.NewValidator(upload.Limits{}),
		decoyHash:    decoy,
		now:          time.Now,
	}
}

func seedAccount(t *testing.T, engine *Engine, store *mockCredentialStore, email, username, pass string) AccountRecord {
	t.Helper()

	hash, err := engine.passwordHash.Hash(pass)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	account, err := store.Create(context.Background(), CreateAccountInput{
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		Role:         RoleUser,
		Status:       AccountActive,
	})
	if err != nil {
		t.Fatalf("seed account failed: %v", err)
	}
	return account
}

func makeDifferentCode(code string) string {
	if code == "" {
		return "000000"
	}

	replacement := byte('0')
	if code[0] == '0' {
		replacement = '1'
	}
	return string(replacement) + code[1:]
}

func mustVerifyAccess(t *testing.T, engine *Engine, token string) *Claims {
	t.Helper()

	claims, err := engine.VerifyAccess(context.Background(), token)
	if err != nil {
		t.Fatalf("VerifyAccess failed: %v", err)
	}
	return claims
}
