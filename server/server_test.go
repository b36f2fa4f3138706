package server

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-issuer/expiry"
	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/storage/memory"
)

const testClientID = "client-1"

var testUser = storage.Principal{ID: "user-123", ClientID: testClientID}

func setupTestServer(t *testing.T, config *Config) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	srv, err := New(store, nil, nil, config, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(srv.Stop)

	return srv, store
}

// issueViaCode runs the authorization code flow for p and returns the grant
func issueViaCode(t *testing.T, srv *Server, p storage.Principal, scope ...string) *TokenGrant {
	t.Helper()
	ctx := context.Background()

	code, err := srv.IssueCode(ctx, p, storage.NewScope(scope...))
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	grant, err := srv.ExchangeCode(ctx, code)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	return grant
}

func TestNew(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	if _, err := New(nil, nil, nil, nil, nil); err == nil {
		t.Error("New() with nil store should fail")
	}

	if _, err := New(store, nil, nil, &Config{MaxTokenTime: -1}, nil); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("New() with negative MaxTokenTime error = %v, want ErrInvalidConfiguration", err)
	}

	srv, err := New(store, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Stop()

	if srv.MaxTokenTime() != DefaultMaxTokenTime {
		t.Errorf("MaxTokenTime() = %d, want %d", srv.MaxTokenTime(), DefaultMaxTokenTime)
	}
	if srv.RateLimiter != nil {
		t.Error("RateLimiter should be nil when PasswordGrantRate is unset")
	}
	if srv.Auditor != nil {
		t.Error("Auditor should be nil when audit logging is disabled")
	}
}

func TestNew_OptionalComponents(t *testing.T) {
	srv, _ := setupTestServer(t, &Config{
		PasswordGrantRate:  10,
		EnableAuditLogging: true,
	})

	if srv.RateLimiter == nil {
		t.Error("RateLimiter should be created when PasswordGrantRate is set")
	}
	if srv.Auditor == nil {
		t.Error("Auditor should be created when EnableAuditLogging is set")
	}
}

func TestServer_SetMaxTokenTime(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupTestServer(t, &Config{MaxTokenTime: 60})

	before := issueViaCode(t, srv, testUser, "read")
	if before.ExpiresIn != 60 {
		t.Errorf("ExpiresIn = %d, want 60", before.ExpiresIn)
	}

	if err := srv.SetMaxTokenTime(-5); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("SetMaxTokenTime(-5) error = %v, want ErrInvalidConfiguration", err)
	}
	if err := srv.SetMaxTokenTime(10_000_000_000); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("SetMaxTokenTime(1e10) error = %v, want ErrInvalidConfiguration", err)
	}
	if got := srv.MaxTokenTime(); got != 60 {
		t.Errorf("MaxTokenTime() after rejected change = %d, want 60", got)
	}
	if err := srv.SetMaxTokenTime(120); err != nil {
		t.Fatalf("SetMaxTokenTime(120) error = %v", err)
	}

	after := issueViaCode(t, srv, testUser, "read")
	if after.ExpiresIn != 120 {
		t.Errorf("ExpiresIn after change = %d, want 120", after.ExpiresIn)
	}

	// Earlier tokens keep their lifetime
	tok, err := srv.Validate(ctx, before.AccessToken, nil)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := tok.ExpiresAt.Sub(tok.IssuedAt); got != 60*time.Second {
		t.Errorf("lifetime of earlier token = %v, want 60s", got)
	}
}

func TestServer_Stop(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	sched := expiry.New(expiry.Config{Workers: 2})
	defer sched.Stop()

	srv, err := New(store, nil, sched, &Config{MaxTokenTime: 3600}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	issueViaCode(t, srv, testUser)
	// The code timer was cancelled on exchange and the refresh token never expires
	if sched.Armed() != 1 {
		t.Fatalf("Armed() = %d, want 1", sched.Armed())
	}

	srv.Stop()
	srv.Stop()

	if sched.Armed() != 0 {
		t.Errorf("Armed() after Stop = %d, want 0", sched.Armed())
	}

	// A scheduler passed in is not stopped
	if _, err := sched.Schedule(time.Hour, func() {}); err != nil {
		t.Errorf("Schedule() on caller's scheduler after server Stop error = %v", err)
	}
}

func TestServer_Instrumentation(t *testing.T) {
	tm := testutil.NewTelemetry(t)
	srv, _ := setupTestServer(t, &Config{Instrumentation: tm.Inst})
	ctx := context.Background()

	grant := issueViaCode(t, srv, testUser, "read")
	if _, err := srv.Validate(ctx, grant.AccessToken, storage.NewScope("read")); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if _, err := srv.Validate(ctx, grant.AccessToken, storage.NewScope("admin")); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("Validate() error = %v, want ErrInsufficientScope", err)
	}
	if _, err := srv.Refresh(ctx, grant.RefreshToken); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	checks := []struct {
		name  string
		attrs []attribute.KeyValue
		want  int64
	}{
		{"issuer.token.issued", []attribute.KeyValue{attribute.String("kind", "code")}, 1},
		{"issuer.token.issued", []attribute.KeyValue{attribute.String("kind", "access")}, 2},
		{"issuer.token.issued", []attribute.KeyValue{attribute.String("kind", "refresh")}, 1},
		{"issuer.code.exchanged", []attribute.KeyValue{attribute.Bool("success", true)}, 1},
		{"issuer.token.refreshed", nil, 1},
		{"issuer.token.validated", []attribute.KeyValue{attribute.String("result", ValidationValid)}, 1},
		{"issuer.token.validated", []attribute.KeyValue{attribute.String("result", ValidationInsufficientScope)}, 1},
	}
	for _, c := range checks {
		if got := tm.Int64(t, c.name, c.attrs...); got != c.want {
			t.Errorf("%s%v = %d, want %d", c.name, c.attrs, got, c.want)
		}
	}

	names := tm.SpanNames()
	for _, want := range []string{"server.issue_code", "server.exchange_code", "server.validate", "server.refresh"} {
		if !slices.Contains(names, want) {
			t.Errorf("span %q not recorded, got %v", want, names)
		}
	}
}
