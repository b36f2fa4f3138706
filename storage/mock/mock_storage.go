// Package mock provides mock implementations of storage interfaces for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/storage/memory"
)

// MockTokenStore is a mock implementation of TokenStore and OwnerIndex for testing.
// By default every call is forwarded to an in-memory store; replace a Func
// field to inject failures or observe arguments.
type MockTokenStore struct {
	Backing *memory.Store

	PutFunc           func(ctx context.Context, tok *storage.Token) error
	GetFunc           func(ctx context.Context, value string) (*storage.Token, error)
	RemoveFunc        func(ctx context.Context, value string) error
	ReplaceFunc       func(ctx context.Context, oldValue string, newTok *storage.Token) error
	TakeFunc          func(ctx context.Context, value string) (*storage.Token, error)
	ValuesByOwnerFunc func(ctx context.Context, principalID string) ([]string, error)
	RemoveByOwnerFunc func(ctx context.Context, principalID string) ([]*storage.Token, error)

	mu         sync.Mutex
	callCounts map[string]int
}

// Compile-time interface checks
var (
	_ storage.TokenStore  = (*MockTokenStore)(nil)
	_ storage.OwnerIndex  = (*MockTokenStore)(nil)
	_ storage.ClientStore = (*MockClientStore)(nil)
)

// NewMockTokenStore creates a new mock token store backed by a fresh memory store.
// Call Stop when done.
func NewMockTokenStore() *MockTokenStore {
	m := &MockTokenStore{
		Backing:    memory.New(),
		callCounts: make(map[string]int),
	}

	// Set default implementations
	m.PutFunc = m.Backing.Put
	m.GetFunc = m.Backing.Get
	m.RemoveFunc = m.Backing.Remove
	m.ReplaceFunc = m.Backing.Replace
	m.TakeFunc = m.Backing.Take
	m.ValuesByOwnerFunc = m.Backing.ValuesByOwner
	m.RemoveByOwnerFunc = m.Backing.RemoveByOwner

	return m
}

// Stop stops the backing store
func (m *MockTokenStore) Stop() {
	m.Backing.Stop()
}

func (m *MockTokenStore) count(name string) {
	m.mu.Lock()
	m.callCounts[name]++
	m.mu.Unlock()
}

// CallCount returns how many times the named method was called
func (m *MockTokenStore) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[name]
}

// ResetCallCounts resets all call counters
func (m *MockTokenStore) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts = make(map[string]int)
}

// Put inserts a token record
func (m *MockTokenStore) Put(ctx context.Context, tok *storage.Token) error {
	m.count("Put")
	return m.PutFunc(ctx, tok)
}

// Get retrieves a token record
func (m *MockTokenStore) Get(ctx context.Context, value string) (*storage.Token, error) {
	m.count("Get")
	return m.GetFunc(ctx, value)
}

// Remove deletes a token record
func (m *MockTokenStore) Remove(ctx context.Context, value string) error {
	m.count("Remove")
	return m.RemoveFunc(ctx, value)
}

// Replace swaps a token record
func (m *MockTokenStore) Replace(ctx context.Context, oldValue string, newTok *storage.Token) error {
	m.count("Replace")
	return m.ReplaceFunc(ctx, oldValue, newTok)
}

// Take retrieves and deletes a token record
func (m *MockTokenStore) Take(ctx context.Context, value string) (*storage.Token, error) {
	m.count("Take")
	return m.TakeFunc(ctx, value)
}

// ValuesByOwner lists a principal's token values
func (m *MockTokenStore) ValuesByOwner(ctx context.Context, principalID string) ([]string, error) {
	m.count("ValuesByOwner")
	return m.ValuesByOwnerFunc(ctx, principalID)
}

// RemoveByOwner deletes a principal's tokens
func (m *MockTokenStore) RemoveByOwner(ctx context.Context, principalID string) ([]*storage.Token, error) {
	m.count("RemoveByOwner")
	return m.RemoveByOwnerFunc(ctx, principalID)
}

// MockClientStore is a mock implementation of ClientStore for testing
type MockClientStore struct {
	mu                 sync.RWMutex
	clients            map[string]*storage.Client
	SaveClientFunc     func(ctx context.Context, client *storage.Client) error
	GetClientFunc      func(ctx context.Context, clientID string) (*storage.Client, error)
	ValidateSecretFunc func(ctx context.Context, clientID, clientSecret string) error

	countMu    sync.Mutex
	callCounts map[string]int
}

// NewMockClientStore creates a new mock client store
func NewMockClientStore() *MockClientStore {
	m := &MockClientStore{
		clients:    make(map[string]*storage.Client),
		callCounts: make(map[string]int),
	}

	// Set default implementations
	m.SaveClientFunc = func(_ context.Context, client *storage.Client) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.clients[client.ClientID] = client
		return nil
	}

	m.GetClientFunc = func(_ context.Context, clientID string) (*storage.Client, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		client, ok := m.clients[clientID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return client, nil
	}

	m.ValidateSecretFunc = func(_ context.Context, clientID, clientSecret string) error {
		m.mu.RLock()
		client, ok := m.clients[clientID]
		m.mu.RUnlock()

		if !ok {
			return storage.ErrInvalidClientCredentials
		}
		if client.ClientType == storage.ClientTypePublic {
			return nil
		}
		if bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)) != nil {
			return storage.ErrInvalidClientCredentials
		}
		return nil
	}

	return m
}

func (m *MockClientStore) count(name string) {
	m.countMu.Lock()
	m.callCounts[name]++
	m.countMu.Unlock()
}

// CallCount returns how many times the named method was called
func (m *MockClientStore) CallCount(name string) int {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	return m.callCounts[name]
}

// SaveClient saves a registered client
func (m *MockClientStore) SaveClient(ctx context.Context, client *storage.Client) error {
	m.count("SaveClient")
	return m.SaveClientFunc(ctx, client)
}

// GetClient retrieves a client by ID
func (m *MockClientStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.count("GetClient")
	return m.GetClientFunc(ctx, clientID)
}

// ValidateClientSecret validates a client's secret
func (m *MockClientStore) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	m.count("ValidateClientSecret")
	return m.ValidateSecretFunc(ctx, clientID, clientSecret)
}
