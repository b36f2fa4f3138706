package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/server"
	"github.com/giantswarm/oauth-issuer/storage"
)

// Test constants for consistent naming
const (
	testClientID = "test-client"
)

var testOwner = storage.Principal{ID: "test-user", ClientID: testClientID}

// testStore creates a test store connected to a local Valkey instance.
// Tests will be skipped if the connection fails.
// Each test gets a unique prefix to ensure test isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("issuertest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

// putPair stores a refresh token and its paired access token
func putPair(t *testing.T, store *Store) (access, refresh *storage.Token) {
	t.Helper()
	ctx := context.Background()

	access, refresh = testutil.GenerateTestPair(testOwner, time.Hour, "read")
	if err := store.Put(ctx, refresh); err != nil {
		t.Fatalf("Put(refresh) error = %v", err)
	}
	if err := store.Put(ctx, access); err != nil {
		t.Fatalf("Put(access) error = %v", err)
	}
	return access, refresh
}

// ============================================================
// Config Tests
// ============================================================

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Error("Expected error for missing address")
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New(Config{Address: "invalid:99999"})
	if err == nil {
		t.Error("Expected error for invalid address")
	}
}

// ============================================================
// Offline Tests
// ============================================================

func TestHashValue(t *testing.T) {
	h := hashValue("some-token")
	if len(h) != 64 {
		t.Errorf("hash length = %d, want 64", len(h))
	}
	if strings.Contains(h, "some-token") {
		t.Error("hash must not contain the token value")
	}
	if hashValue("some-token") != h {
		t.Error("hash must be deterministic")
	}
	if hashValue("other-token") == h {
		t.Error("different values must hash differently")
	}
}

func TestValidateToken(t *testing.T) {
	long := strings.Repeat("x", MaxTokenLength+1)

	tests := []struct {
		name string
		tok  *storage.Token
	}{
		{"nil", nil},
		{"empty value", &storage.Token{Kind: storage.KindAccess, Owner: testOwner}},
		{"bad kind", &storage.Token{Value: "v", Owner: testOwner}},
		{"no owner", &storage.Token{Value: "v", Kind: storage.KindAccess}},
		{"value too long", &storage.Token{Value: long, Kind: storage.KindAccess, Owner: testOwner}},
		{"owner too long", &storage.Token{Value: "v", Kind: storage.KindAccess, Owner: storage.Principal{ID: strings.Repeat("u", MaxIDLength+1)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateToken(tt.tok); err == nil {
				t.Error("validateToken() expected error")
			}
		})
	}

	if err := validateToken(testutil.GenerateTestToken(testOwner, time.Hour)); err != nil {
		t.Errorf("validateToken() valid token error = %v", err)
	}
}

func TestSealOpenToken(t *testing.T) {
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	for _, tc := range []struct {
		name string
		enc  *security.Encryptor
	}{
		{"plain", nil},
		{"encrypted", enc},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := &Store{encryptor: tc.enc, expiryMargin: DefaultExpiryMargin}

			access, refresh := testutil.GenerateTestPair(testOwner, time.Hour, "read", "write")
			refresh.GrantID = "grant-1"

			sealed, err := s.sealToken(refresh)
			if err != nil {
				t.Fatalf("sealToken() error = %v", err)
			}
			if tc.enc != nil && strings.Contains(sealed, refresh.Value) {
				t.Error("sealed payload contains the raw token value")
			}
			sealedAccess, err := tc.enc.Seal([]byte(access.Value))
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}

			got, err := s.openToken(sealed, sealedAccess)
			if err != nil {
				t.Fatalf("openToken() error = %v", err)
			}
			if got.Value != refresh.Value || got.Kind != storage.KindRefresh || got.GrantID != "grant-1" {
				t.Errorf("openToken() = %+v", got)
			}
			if got.AccessValue != access.Value {
				t.Errorf("AccessValue = %q, want %q", got.AccessValue, access.Value)
			}
			if !got.Scope.Contains(storage.NewScope("read", "write")) {
				t.Errorf("Scope = %v", got.Scope)
			}
			if !got.Unlimited() {
				t.Errorf("refresh token should be unlimited, ExpiresAt = %v", got.ExpiresAt)
			}
		})
	}
}

func TestExpireAtArg(t *testing.T) {
	s := &Store{expiryMargin: time.Minute}

	if got := s.expireAtArg(&storage.Token{}); got != "0" {
		t.Errorf("unlimited expireAtArg() = %q, want 0", got)
	}

	exp := time.UnixMilli(1700000000000)
	want := fmt.Sprint(exp.Add(time.Minute).UnixMilli())
	if got := s.expireAtArg(&storage.Token{ExpiresAt: exp}); got != want {
		t.Errorf("expireAtArg() = %q, want %q", got, want)
	}
}

// ============================================================
// TokenStore Tests
// ============================================================

func TestTokenStore_PutGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tok := testutil.GenerateTestToken(testOwner, time.Hour, "read", "write")
	tok.GrantID = "grant-1"

	if err := s.Put(ctx, tok); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(ctx, tok.Value)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Value != tok.Value || got.Owner != testOwner || got.GrantID != "grant-1" {
		t.Errorf("Get() = %+v", got)
	}
	if !got.ExpiresAt.Equal(tok.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, tok.ExpiresAt)
	}

	if err := s.Put(ctx, tok); !errors.Is(err, storage.ErrDuplicateToken) {
		t.Errorf("duplicate Put() error = %v, want ErrDuplicateToken", err)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrTokenNotFound", err)
	}
}

func TestTokenStore_KeyTTL(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	limited := testutil.GenerateTestToken(testOwner, time.Hour)
	unlimited := testutil.GenerateTestToken(testOwner, 0)
	for _, tok := range []*storage.Token{limited, unlimited} {
		if err := s.Put(ctx, tok); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	ttl, err := s.client.Do(ctx, s.client.B().Pttl().Key(s.tokenKey(hashValue(limited.Value))).Build()).AsInt64()
	if err != nil {
		t.Fatalf("PTTL error = %v", err)
	}
	if ttl <= int64(time.Hour/time.Millisecond) {
		t.Errorf("PTTL = %dms, want more than one hour", ttl)
	}

	ttl, err = s.client.Do(ctx, s.client.B().Pttl().Key(s.tokenKey(hashValue(unlimited.Value))).Build()).AsInt64()
	if err != nil {
		t.Fatalf("PTTL error = %v", err)
	}
	if ttl != -1 {
		t.Errorf("unlimited PTTL = %d, want -1", ttl)
	}
}

func TestTokenStore_Pairing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	access, refresh := putPair(t, s)

	rt, err := s.Get(ctx, refresh.Value)
	if err != nil {
		t.Fatalf("Get(refresh) error = %v", err)
	}
	if rt.AccessValue != access.Value {
		t.Errorf("AccessValue = %q, want %q", rt.AccessValue, access.Value)
	}

	if err := s.Remove(ctx, access.Value); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	rt, _ = s.Get(ctx, refresh.Value)
	if rt.AccessValue != "" {
		t.Errorf("AccessValue after Remove = %q, want empty", rt.AccessValue)
	}

	if err := s.Remove(ctx, "never-stored"); err != nil {
		t.Errorf("Remove(unknown) error = %v", err)
	}
}

func TestTokenStore_Replace_PairedAccess(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	access, refresh := putPair(t, s)

	next := testutil.GenerateTestToken(testOwner, time.Hour, "read")
	next.RefreshValue = refresh.Value
	if err := s.Replace(ctx, access.Value, next); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	if _, err := s.Get(ctx, access.Value); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("old access token still present, err = %v", err)
	}
	rt, _ := s.Get(ctx, refresh.Value)
	if rt.AccessValue != next.Value {
		t.Errorf("AccessValue = %q, want %q", rt.AccessValue, next.Value)
	}

	stale := testutil.GenerateTestToken(testOwner, time.Hour)
	stale.RefreshValue = refresh.Value
	if err := s.Replace(ctx, access.Value, stale); !errors.Is(err, storage.ErrStaleToken) {
		t.Errorf("stale Replace() error = %v, want ErrStaleToken", err)
	}
	if _, err := s.Get(ctx, stale.Value); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Error("stale Replace() must not insert the new token")
	}

	orphan := testutil.GenerateTestToken(testOwner, time.Hour)
	orphan.RefreshValue = "missing-refresh"
	if err := s.Replace(ctx, "", orphan); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("Replace() with missing refresh error = %v, want ErrTokenNotFound", err)
	}
}

func TestTokenStore_Replace_RotateRefresh(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	access, refresh := putPair(t, s)

	_, rotated := testutil.GenerateTestPair(testOwner, time.Hour, "read")
	if err := s.Replace(ctx, refresh.Value, rotated); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	for _, v := range []string{access.Value, refresh.Value} {
		if _, err := s.Get(ctx, v); !errors.Is(err, storage.ErrTokenNotFound) {
			t.Errorf("Get() error = %v, want ErrTokenNotFound", err)
		}
	}
	if _, err := s.Get(ctx, rotated.Value); err != nil {
		t.Errorf("rotated refresh token missing: %v", err)
	}

	if err := s.Replace(ctx, "missing", testutil.GenerateTestToken(testOwner, time.Hour)); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("Replace() missing old error = %v, want ErrTokenNotFound", err)
	}
}

func TestTokenStore_Take(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	access, refresh := putPair(t, s)

	rt, err := s.Take(ctx, refresh.Value)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if rt.AccessValue != access.Value {
		t.Errorf("taken refresh AccessValue = %q, want %q", rt.AccessValue, access.Value)
	}
	if _, err := s.Take(ctx, refresh.Value); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("second Take() error = %v, want ErrTokenNotFound", err)
	}
}

func TestTokenStore_Take_Concurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	code := &storage.Token{Value: "contended", Kind: storage.KindCode, Owner: testOwner, IssuedAt: time.Now()}
	if err := s.Put(ctx, code); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	const workers = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Take(ctx, code.Value); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful Take() calls = %d, want 1", successes)
	}
}

func TestTokenStore_Encrypted(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key, _ := security.GenerateKey()
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	s.SetEncryptor(enc)

	access, refresh := putPair(t, s)

	raw, err := s.client.Do(ctx, s.client.B().Hget().Key(s.tokenKey(hashValue(access.Value))).Field("data").Build()).ToString()
	if err != nil {
		t.Fatalf("HGET error = %v", err)
	}
	if strings.Contains(raw, access.Value) {
		t.Error("stored payload contains the raw token value")
	}

	rt, err := s.Get(ctx, refresh.Value)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rt.AccessValue != access.Value {
		t.Errorf("AccessValue = %q, want %q", rt.AccessValue, access.Value)
	}
}

// ============================================================
// OwnerIndex Tests
// ============================================================

func TestOwnerIndex(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	access, refresh := putPair(t, s)
	other := testutil.GenerateTestToken(storage.Principal{ID: "other-user"}, time.Hour)
	if err := s.Put(ctx, other); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	values, err := s.ValuesByOwner(ctx, testOwner.ID)
	if err != nil {
		t.Fatalf("ValuesByOwner() error = %v", err)
	}
	sort.Strings(values)
	want := []string{access.Value, refresh.Value}
	sort.Strings(want)
	if fmt.Sprint(values) != fmt.Sprint(want) {
		t.Errorf("ValuesByOwner() = %v, want %v", values, want)
	}

	removed, err := s.RemoveByOwner(ctx, testOwner.ID)
	if err != nil {
		t.Fatalf("RemoveByOwner() error = %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("removed = %d, want 2", len(removed))
	}

	values, _ = s.ValuesByOwner(ctx, testOwner.ID)
	if len(values) != 0 {
		t.Errorf("ValuesByOwner() after removal = %v, want empty", values)
	}
	if _, err := s.Get(ctx, other.Value); err != nil {
		t.Errorf("other principal's token removed: %v", err)
	}
}

// ============================================================
// ClientStore Tests
// ============================================================

func TestClientStore(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	client := testutil.GenerateTestClient(t, "confidential", "s3cret")
	client.Scopes = []string{"read"}
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if err := s.SaveClient(ctx, &storage.Client{ClientID: "spa", ClientType: storage.ClientTypePublic}); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := s.GetClient(ctx, "confidential")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientSecretHash != client.ClientSecretHash || len(got.Scopes) != 1 {
		t.Errorf("GetClient() = %+v", got)
	}

	if _, err := s.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(missing) error = %v, want ErrClientNotFound", err)
	}

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{"correct secret", "confidential", "s3cret", false},
		{"wrong secret", "confidential", "wrong", true},
		{"unknown client", "missing", "s3cret", true},
		{"public client", "spa", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateClientSecret(ctx, tt.clientID, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateClientSecret() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, storage.ErrInvalidClientCredentials) {
				t.Errorf("ValidateClientSecret() error = %v, want ErrInvalidClientCredentials", err)
			}
		})
	}
}

// ============================================================
// Server Integration
// ============================================================

// The server behaves the same on Valkey as on the in-memory store
func TestServer_OnValkey(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	srv, err := server.New(s, nil, nil, &server.Config{MaxTokenTime: 60}, nil)
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	defer srv.Stop()

	code, err := srv.IssueCode(ctx, testOwner, storage.NewScope("read"))
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	grant, err := srv.ExchangeCode(ctx, code)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if _, err := srv.ExchangeCode(ctx, code); !errors.Is(err, server.ErrInvalidGrant) {
		t.Errorf("code replay error = %v, want ErrInvalidGrant", err)
	}

	if _, err := srv.Validate(ctx, grant.AccessToken, storage.NewScope("read")); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	refreshed, err := srv.Refresh(ctx, grant.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if _, err := srv.Validate(ctx, grant.AccessToken, nil); err == nil {
		t.Error("superseded access token still valid")
	}
	if _, err := srv.Validate(ctx, refreshed.AccessToken, nil); err != nil {
		t.Errorf("refreshed access token invalid: %v", err)
	}

	n, err := srv.RevokeAll(ctx, testOwner.ID)
	if err != nil {
		t.Fatalf("RevokeAll() error = %v", err)
	}
	if n != 2 {
		t.Errorf("RevokeAll() = %d, want 2", n)
	}
}
