package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-issuer/expiry"
	"github.com/giantswarm/oauth-issuer/generator"
	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/internal/util"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
)

// ClientPrincipalPrefix prefixes the principal ID of tokens a client
// obtains for itself through the client credentials grant.
const ClientPrincipalPrefix = "client:"

// ClientCredentials identifies the client making a token request
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// TokenGrant is the result of a successful code, password, client
// credentials or refresh exchange.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string // empty for unlimited access tokens and client credentials grants
	ExpiresIn    int64  // seconds; 0 means the access token never expires
	Scope        storage.Scope
	GrantID      string
	Owner        storage.Principal
}

// Server issues, refreshes, validates and revokes tokens.
// It coordinates the generator, the token store and the expiry scheduler.
type Server struct {
	store       storage.TokenStore
	generator   *generator.Generator
	scheduler   *expiry.Scheduler
	clientStore storage.ClientStore

	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter // per-principal password grant limiter
	Logger      *slog.Logger
	Config      *Config

	maxTokenTime atomic.Int64

	// token value -> *expiry.Handle
	timers sync.Map

	// recently expired token value -> kind
	tombstones *expirable.LRU[string, storage.Kind]

	grants *grantTracker

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now func() time.Time

	ownsScheduler   bool
	ownsRateLimiter bool
	stopOnce        sync.Once
}

// New creates a new token server. A nil generator or scheduler is replaced
// by one built from config; a scheduler passed in is not stopped by Stop.
func New(
	store storage.TokenStore,
	gen *generator.Generator,
	sched *expiry.Scheduler,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)
	if err := config.validate(); err != nil {
		return nil, err
	}

	srv := &Server{
		store:       store,
		generator:   gen,
		scheduler:   sched,
		clientStore: config.ClientStore,
		Logger:      logger,
		Config:      config,
		tombstones:  expirable.NewLRU[string, storage.Kind](config.TombstoneSize, nil, config.TombstoneTTL),
		grants:      newGrantTracker(config.GrantHistorySize, config.TombstoneTTL),
		tracer:      tracenoop.NewTracerProvider().Tracer("server"),
		now:         time.Now,
	}
	srv.maxTokenTime.Store(config.MaxTokenTime)

	if srv.generator == nil {
		srv.generator = generator.New()
	}
	if srv.scheduler == nil {
		srv.scheduler = expiry.New(expiry.Config{
			Workers:   config.ExpiryWorkers,
			QueueSize: config.ExpiryQueueSize,
			Logger:    logger,
		})
		srv.ownsScheduler = true
	}

	if config.PasswordGrantRate > 0 {
		rl, err := security.NewRateLimiter(config.PasswordGrantRate, config.PasswordGrantBurst, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create password grant rate limiter: %w", err)
		}
		srv.RateLimiter = rl
		srv.ownsRateLimiter = true
	}

	if config.EnableAuditLogging {
		srv.Auditor = security.NewAuditor(logger, true)
	}

	if config.Instrumentation != nil {
		srv.SetInstrumentation(config.Instrumentation)
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	if aud != nil && s.instrumentation != nil {
		aud.SetInstrumentation(s.instrumentation)
	}
}

// SetRateLimiter sets the per-principal password grant rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
	s.ownsRateLimiter = false
}

// SetInstrumentation enables metrics and tracing for the server. The
// scheduler's gauges are registered only when the server created it.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.instrumentation = inst
	s.tracer = inst.Tracer("server")
	if s.ownsScheduler {
		s.scheduler.SetInstrumentation(inst)
	}
	if s.Auditor != nil {
		s.Auditor.SetInstrumentation(inst)
	}
}

// SetMaxTokenTime changes the lifetime of access tokens issued from now on.
// Tokens already issued keep their lifetime. 0 issues unlimited tokens.
func (s *Server) SetMaxTokenTime(seconds int64) error {
	if err := generator.CheckLifetime(seconds); err != nil {
		return err
	}
	old := s.maxTokenTime.Swap(seconds)
	s.Logger.Info("Changed access token lifetime",
		"old_seconds", old,
		"new_seconds", seconds)
	return nil
}

// MaxTokenTime returns the lifetime in seconds of newly issued access tokens
func (s *Server) MaxTokenTime() int64 {
	return s.maxTokenTime.Load()
}

// GrantState returns the state of a live or recently finished grant
func (s *Server) GrantState(grantID string) (GrantState, bool) {
	return s.grants.state(grantID)
}

// Stop cancels every pending expiry timer of this server and releases the
// components it created. Tokens already stored are left in place.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		cancelled := 0
		s.timers.Range(func(key, value any) bool {
			if s.scheduler.Cancel(value.(*expiry.Handle)) {
				cancelled++
			}
			s.timers.Delete(key)
			return true
		})

		if s.ownsScheduler {
			s.scheduler.Stop()
		}
		if s.ownsRateLimiter && s.RateLimiter != nil {
			s.RateLimiter.Stop()
		}

		s.Logger.Info("Token server stopped", "timers_cancelled", cancelled)
	})
}

// ============================================================
// Expiry
// ============================================================

// armExpiry schedules removal of tok when its lifetime ends
func (s *Server) armExpiry(tok *storage.Token) {
	if tok.Unlimited() {
		return
	}

	value := tok.Value
	h, err := s.scheduler.Schedule(tok.ExpiresAt.Sub(s.now()), func() { s.expire(value) })
	if err != nil {
		// The record is still rejected by Validate once past ExpiresAt and
		// swept by stores that clean up on their own.
		s.Logger.Warn("Failed to schedule token expiry",
			"kind", tok.Kind.String(),
			"token_prefix", util.TokenPrefix(value),
			"error", err)
		return
	}

	s.timers.Store(value, h)
	if !h.Armed() {
		// Fired before it was tracked
		s.timers.CompareAndDelete(value, h)
	}
}

// cancelExpiry disarms the timer for value, if any
func (s *Server) cancelExpiry(value string) {
	if value == "" {
		return
	}
	if h, ok := s.timers.LoadAndDelete(value); ok {
		s.scheduler.Cancel(h.(*expiry.Handle))
	}
}

// expire runs on a scheduler worker when a token's lifetime ends
func (s *Server) expire(value string) {
	s.timers.Delete(value)
	ctx := context.Background()

	tok, err := s.store.Get(ctx, value)
	if err != nil {
		// Already consumed, refreshed away or revoked
		return
	}

	// Remember the value before it disappears so Validate never reports a
	// just-expired token as unknown
	s.tombstones.Add(value, tok.Kind)

	tok, err = s.store.Take(ctx, value)
	if err != nil {
		s.tombstones.Remove(value)
		return
	}

	s.Logger.Debug("Token expired",
		"kind", tok.Kind.String(),
		"user_id", tok.Owner.ID,
		"grant_id", tok.GrantID,
		"token_prefix", util.TokenPrefix(value))

	if m := s.metrics(); m != nil {
		m.RecordTokenExpired(ctx, tok.Kind.String())
	}
	s.Auditor.LogTokenExpired(tok.Owner.ID, tok.Owner.ClientID, tok.GrantID, tok.Kind.String())

	if s.grantExhausted(ctx, tok) {
		s.grants.advance(tok.GrantID, GrantExpired)
	}
}

// grantExhausted reports whether removing tok left its grant without any
// token that can still be used or refreshed.
func (s *Server) grantExhausted(ctx context.Context, tok *storage.Token) bool {
	switch tok.Kind {
	case storage.KindCode:
		return true
	case storage.KindAccess:
		if tok.RefreshValue == "" {
			return true
		}
		_, err := s.store.Get(ctx, tok.RefreshValue)
		return err != nil
	case storage.KindRefresh:
		return tok.AccessValue == ""
	default:
		return false
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startSpan starts a span named server.<operation>
func (s *Server) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "server."+operation)
}

// endSpan records the outcome of an operation on its span
func endSpan(span trace.Span, err error) {
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}
