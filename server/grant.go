package server

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// GrantState is the lifecycle state of one authorization grant
type GrantState int

// Grant states. A grant moves forward only; Expired and Revoked are terminal.
const (
	GrantRequested GrantState = iota
	GrantCodeIssued
	GrantTokenIssued
	GrantRefreshed
	GrantExpired
	GrantRevoked
)

func (g GrantState) String() string {
	switch g {
	case GrantRequested:
		return "requested"
	case GrantCodeIssued:
		return "code_issued"
	case GrantTokenIssued:
		return "token_issued"
	case GrantRefreshed:
		return "refreshed"
	case GrantExpired:
		return "expired"
	case GrantRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible
func (g GrantState) Terminal() bool {
	return g == GrantExpired || g == GrantRevoked
}

// canAdvance reports whether from -> to is a legal transition
func canAdvance(from, to GrantState) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case GrantCodeIssued:
		return from == GrantRequested
	case GrantTokenIssued:
		// Password and client credentials grants skip the code
		return from == GrantRequested || from == GrantCodeIssued
	case GrantRefreshed:
		return from == GrantTokenIssued || from == GrantRefreshed
	case GrantExpired, GrantRevoked:
		return true
	default:
		return false
	}
}

// grantTracker records the state of every live grant. Finished grants move
// to a bounded history that forgets them after a retention period.
type grantTracker struct {
	mu      sync.Mutex
	live    map[string]GrantState
	history *expirable.LRU[string, GrantState]
}

func newGrantTracker(historySize int, retention time.Duration) *grantTracker {
	return &grantTracker{
		live:    make(map[string]GrantState),
		history: expirable.NewLRU[string, GrantState](historySize, nil, retention),
	}
}

// start registers a new grant in the Requested state
func (t *grantTracker) start(grantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live[grantID] = GrantRequested
}

// advance moves the grant to the given state. It returns false when the
// grant is unknown or the transition is not allowed, e.g. expiring a grant
// that was already revoked.
func (t *grantTracker) advance(grantID string, to GrantState) bool {
	if grantID == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	from, ok := t.live[grantID]
	if !ok || !canAdvance(from, to) {
		return false
	}

	if to.Terminal() {
		delete(t.live, grantID)
		t.history.Add(grantID, to)
		return true
	}
	t.live[grantID] = to
	return true
}

// state returns the current state of a live or recently finished grant
func (t *grantTracker) state(grantID string) (GrantState, bool) {
	t.mu.Lock()
	st, ok := t.live[grantID]
	t.mu.Unlock()
	if ok {
		return st, true
	}
	return t.history.Get(grantID)
}

// liveCount returns the number of grants not yet finished
func (t *grantTracker) liveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}
