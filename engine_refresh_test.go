package villenauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func loginPair(t *testing.T, engine *Engine, identity, pass string) *TokenPair {
	t.Helper()

	pair, err := engine.Login(context.Background(), identity, pass)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return pair
}

func TestRefreshRotatesToken(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newMockCredentialStore()
	engine := newTestEngine(t, rdb, store, &recordingNotifier{})
	account := seedAccount(t, engine, store, "alice@example.com", "alice", "correct-horse-7")

	first := loginPair(t, engine, "alice@example.com", "correct-horse-7")

	second, err := engine.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("expected a new refresh token after rotation")
	}

	claims := mustVerifyAccess(t, engine, second.AccessToken)
	if claims.UserID != account.UserID {
		t.Fatalf("expected UserID %q in refreshed access token, got %q", account.UserID, claims.UserID)
	}

	// The rotated token keeps working; the session lineage survives.
	if _, err := engine.Refresh(ctx, second.RefreshToken); err != nil {
		t.Fatalf("second rotation failed: %v", err)
	}
}

func TestRefreshReplayRevokesLineage(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newMockCredentialStore()
	engine := newTestEngine(t, rdb, store, &recordingNotifier{})
	account := seedAccount(t, engine, store, "alice@example.com", "alice", "correct-horse-7")

	first := loginPair(t, engine, "alice@example.com", "correct-horse-7")

	second, err := engine.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// Replaying the already-rotated token is theft evidence.
	if _, err := engine.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse on replay, got %v", err)
	}

	// The whole lineage dies with it, current holder included.
	if _, err := engine.Refresh(ctx, second.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid after lineage revocation, got %v", err)
	}

	ids, err := engine.sessions.ActiveSessionIDs(ctx, account.UserID)
	if err != nil {
		t.Fatalf("ActiveSessionIDs failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no live sessions after reuse detection, got %v", ids)
	}
}

func TestRefreshGarbageTokenRejected(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newMockCredentialStore()
	engine := newTestEngine(t, rdb, store, &recordingNotifier{})

	for _, token := range []string{"", "not-base64!!!", "dG9vc2hvcnQ"} {
		if _, err := engine.Refresh(ctx, token); !errors.Is(err, ErrRefreshInvalid) {
			t.Fatalf("token %q: expected ErrRefreshInvalid, got %v", token, err)
		}
	}
}

func TestRefreshExpiredSession(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newMockCredentialStore()
	engine := newTestEngine(t, rdb, store, &recordingNotifier{})
	seedAccount(t, engine, store, "alice@example.com", "alice", "correct-horse-7")

	pair := loginPair(t, engine, "alice@example.com", "correct-horse-7")

	base := time.Now()
	engine.now = func() time.Time {
		return base.Add(engine.config.Session.RefreshTTL + time.Minute)
	}

	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshExpired) {
		t.Fatalf("expected ErrRefreshExpired, got %v", err)
	}
}

func TestRefreshAfterLogoutRejected(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newMockCredentialStore()
	engine := newTestEngine(t, rdb, store, &recordingNotifier{})
	seedAccount(t, engine, store, "alice@example.com", "alice", "correct-horse-7")

	pair := loginPair(t, engine, "alice@example.com", "correct-horse-7")
	claims := mustVerifyAccess(t, engine, pair.AccessToken)

	if err := engine.Logout(ctx, claims.SessionID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	// Logout is idempotent.
	if err := engine.Logout(ctx, claims.SessionID); err != nil {
		t.Fatalf("repeated Logout failed: %v", err)
	}

	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid after logout, got %v", err)
	}
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newMockCredentialStore()
	engine := newTestEngine(t, rdb, store, &recordingNotifier{})
	account := seedAccount(t, engine, store, "alice@example.com", "alice", "correct-horse-7")

	one := loginPair(t, engine, "alice@example.com", "correct-horse-7")
	two := loginPair(t, engine, "alice@example.com", "correct-horse-7")

	if err := engine.LogoutAll(ctx, account.UserID); err != nil {
		t.Fatalf("LogoutAll failed: %v", err)
	}

	for _, pair := range []*TokenPair{one, two} {
		if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
			t.Fatalf("expected ErrRefreshInvalid after LogoutAll, got %v", err)
		}
	}

	ids, err := engine.sessions.ActiveSessionIDs(ctx, account.UserID)
	if err != nil {
		t.Fatalf("ActiveSessionIDs failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty session index, got %v", ids)
	}
}

func TestRefreshConcurrentRedemptionSingleWinner(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newMockCredentialStore()
	engine := newTestEngine(t, rdb, store, &recordingNotifier{})
	seedAccount(t, engine, store, "alice@example.com", "alice", "correct-horse-7")

	pair := loginPair(t, engine, "alice@example.com", "correct-horse-7")

	start := make(chan struct{})
	results := make(chan error, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	redeem := func() {
		defer wg.Done()
		<-start
		_, err := engine.Refresh(ctx, pair.RefreshToken)
		results <- err
	}
	go redeem()
	go redeem()
	close(start)
	wg.Wait()
	close(results)

	success := 0
	reuse := 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrRefreshReuse):
			reuse++
		default:
			t.Fatalf("expected nil or ErrRefreshReuse, got %v", err)
		}
	}

	if success != 1 || reuse != 1 {
		t.Fatalf("expected one winner and one reuse detection, got success=%d reuse=%d", success, reuse)
	}
}
