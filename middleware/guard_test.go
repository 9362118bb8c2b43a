package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	villenauth "github.com/rahulkumar-andc/villen-auth"
)

// memoryStore is a map-backed CredentialStore for wiring a real engine in
// middleware tests.
type memoryStore struct {
	mu         sync.Mutex
	accounts   map[string]villenauth.AccountRecord
	byIdentity map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		accounts:   make(map[string]villenauth.AccountRecord),
		byIdentity: make(map[string]string),
	}
}

func (s *memoryStore) GetByIdentifier(_ context.Context, identifier string) (villenauth.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.byIdentity[identifier]
	if !ok {
		return villenauth.AccountRecord{}, villenauth.ErrAccountNotFound
	}
	return s.accounts[userID], nil
}

func (s *memoryStore) GetByID(_ context.Context, userID string) (villenauth.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return villenauth.AccountRecord{}, villenauth.ErrAccountNotFound
	}
	return account, nil
}

func (s *memoryStore) Create(_ context.Context, input villenauth.CreateAccountInput) (villenauth.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byIdentity[input.Email]; taken {
		return villenauth.AccountRecord{}, villenauth.ErrAccountExists
	}
	if _, taken := s.byIdentity[input.Username]; taken {
		return villenauth.AccountRecord{}, villenauth.ErrAccountExists
	}

	account := villenauth.AccountRecord{
		UserID:       uuid.New().String(),
		Email:        input.Email,
		Username:     input.Username,
		PasswordHash: input.PasswordHash,
		Role:         input.Role,
		Status:       input.Status,
	}
	s.accounts[account.UserID] = account
	s.byIdentity[account.Email] = account.UserID
	s.byIdentity[account.Username] = account.UserID
	return account, nil
}

func (s *memoryStore) UpdatePasswordHash(_ context.Context, userID, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return villenauth.ErrAccountNotFound
	}
	account.PasswordHash = newHash
	s.accounts[userID] = account
	return nil
}

func (s *memoryStore) UpdateStatus(_ context.Context, userID string, status villenauth.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return villenauth.ErrAccountNotFound
	}
	account.Status = status
	s.accounts[userID] = account
	return nil
}

func (s *memoryStore) UpdateRole(_ context.Context, userID string, role villenauth.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return villenauth.ErrAccountNotFound
	}
	account.Role = role
	s.accounts[userID] = account
	return nil
}

// captureNotifier records the last delivered code instead of sending it.
type captureNotifier struct {
	mu   sync.Mutex
	code string
}

func (n *captureNotifier) Send(_ context.Context, _, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.code = code
	return nil
}

func (n *captureNotifier) lastCode() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.code
}

func newTestEngine(t *testing.T) (*villenauth.Engine, *captureNotifier) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := villenauth.DefaultConfig()
	cfg.JWT.PrivateKey = bytes.Repeat([]byte{0x5a}, 32)
	cfg.CSRF.Key = bytes.Repeat([]byte{0x7b}, 32)
	cfg.Password.Memory = 16 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.OTP.EnumerationDelay = 1

	notifier := &captureNotifier{}
	engine, err := villenauth.New().
		WithConfig(cfg).
		WithRedis(client).
		WithCredentialStore(newMemoryStore()).
		WithNotifier(notifier).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, notifier
}

// loginTokens drives the full registration flow and returns a live token
// pair for alice.
func loginTokens(t *testing.T, engine *villenauth.Engine, notifier *captureNotifier) *villenauth.TokenPair {
	t.Helper()

	ctx := context.Background()
	if err := engine.RequestRegistrationCode(ctx, "alice@example.com"); err != nil {
		t.Fatalf("RequestRegistrationCode failed: %v", err)
	}
	grant, err := engine.VerifyRegistrationCode(ctx, "alice@example.com", notifier.lastCode())
	if err != nil {
		t.Fatalf("VerifyRegistrationCode failed: %v", err)
	}
	if _, err := engine.CompleteRegistration(ctx, grant, villenauth.RegistrationProfile{Username: "alice"}, "sturdy-pass-1"); err != nil {
		t.Fatalf("CompleteRegistration failed: %v", err)
	}

	pair, err := engine.Login(ctx, "alice@example.com", "sturdy-pass-1")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return pair
}

func echoClaimsHandler(t *testing.T) http.Handler {
	t.Helper()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			t.Error("expected claims in request context")
			http.Error(w, "no claims", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(claims.Identity))
	})
}

func TestGuardAllowsValidBearer(t *testing.T) {
	engine, notifier := newTestEngine(t)
	pair := loginTokens(t, engine, notifier)

	handler := Guard(engine, villenauth.RoleUser)(echoClaimsHandler(t))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "alice@example.com" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestGuardRejectsMissingAndMalformedAuth(t *testing.T) {
	engine, _ := newTestEngine(t)

	handler := Guard(engine, villenauth.RoleUser)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run without a valid token")
	}))

	cases := []struct {
		name  string
		value string
	}{
		{"no header", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"empty bearer", "Bearer "},
		{"garbage token", "Bearer not-a-jwt"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.value != "" {
				req.Header.Set("Authorization", tc.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestGuardEnforcesMinimumRole(t *testing.T) {
	engine, notifier := newTestEngine(t)
	pair := loginTokens(t, engine, notifier)

	handler := Guard(engine, villenauth.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run below the minimum role")
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for user on admin route, got %d", rec.Code)
	}
}

func TestClaimsFromContextMissing(t *testing.T) {
	if _, ok := ClaimsFromContext(context.Background()); ok {
		t.Fatal("expected no claims in a bare context")
	}
}
