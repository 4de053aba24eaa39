package verification

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/okeefe/latch/internal/util"
	"github.com/okeefe/latch/storage"
)

const (
	tokenStoreID   = "__verification"
	tokenKind      = "HV_TOKEN"
	tokenAADPrefix = "hv:"

	observerBuffer = 16
)

type challenge struct {
	details Details
	done    chan struct{}
	token   Token
	err     error
}

// SendCodeFunc delivers a verification code to a destination over the
// configured method (email address, phone number).
type SendCodeFunc func(ctx context.Context, clientID, method, destination string) error

// Manager serializes human-verification state transitions per ClientID and
// fans state snapshots out to observers. Completed tokens are optionally
// sealed into a storage.Repository so a restart can reuse them.
type Manager struct {
	mu        sync.Mutex
	pending   map[string]*challenge
	observers map[string]map[chan Details]struct{}

	repo    storage.Repository
	sealKey []byte
	send    SendCodeFunc
	logger  *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTokenStore persists completed verification tokens, sealed with the
// 32-byte key.
func WithTokenStore(repo storage.Repository, sealKey []byte) Option {
	return func(m *Manager) {
		m.repo = repo
		m.sealKey = util.CopyBytes(sealKey)
	}
}

// WithCodeSender wires the outbound code-delivery call used by RequestCode.
func WithCodeSender(fn SendCodeFunc) Option {
	return func(m *Manager) { m.send = fn }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		pending:   make(map[string]*challenge),
		observers: make(map[string]map[chan Details]struct{}),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current snapshot for a ClientID; Idle when nothing is
// pending.
func (m *Manager) State(clientID string) Details {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.pending[clientID]; ok {
		return ch.details
	}
	return Details{ClientID: clientID, State: StateIdle}
}

// Observe returns a stream of state snapshots for the ClientID, starting
// with the current state. The returned cancel function must be called to
// release the observer.
func (m *Manager) Observe(clientID string) (<-chan Details, func()) {
	ch := make(chan Details, observerBuffer)
	m.mu.Lock()
	set, ok := m.observers[clientID]
	if !ok {
		set = make(map[chan Details]struct{})
		m.observers[clientID] = set
	}
	set[ch] = struct{}{}
	current := Details{ClientID: clientID, State: StateIdle}
	if pending, ok := m.pending[clientID]; ok {
		current = pending.details
	}
	m.mu.Unlock()

	ch <- current
	cancel := func() {
		m.mu.Lock()
		if set, ok := m.observers[clientID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(m.observers, clientID)
			}
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

// notifyLocked snapshots d to all observers. Slow observers lose the
// oldest snapshots rather than blocking transitions.
func (m *Manager) notifyLocked(d Details) {
	for ch := range m.observers[d.ClientID] {
		select {
		case ch <- d:
		default:
		}
	}
}

// Trigger records that the server demanded verification for the ClientID.
// A second trigger while one is pending is idempotent: it returns the
// existing challenge without creating a duplicate prompt.
func (m *Manager) Trigger(clientID string, methods []string) Details {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggerLocked(clientID, methods).details
}

func (m *Manager) triggerLocked(clientID string, methods []string) *challenge {
	if ch, ok := m.pending[clientID]; ok {
		return ch
	}
	ch := &challenge{
		details: Details{ClientID: clientID, Methods: methods, State: StateNeeded},
		done:    make(chan struct{}),
	}
	m.pending[clientID] = ch
	m.logger.Debug("human verification needed",
		zap.String("client_id", clientID), zap.Strings("methods", methods))
	m.notifyLocked(ch.details)
	return ch
}

// Await triggers (idempotently) and blocks until the challenge resolves or
// ctx is cancelled. On success it returns the token; on failure or
// abandonment it returns cause, the error that originally demanded
// verification. Cancelling one waiter does not resolve the challenge for
// others.
func (m *Manager) Await(ctx context.Context, clientID string, methods []string, cause error) (Token, error) {
	m.mu.Lock()
	ch := m.triggerLocked(clientID, methods)
	m.mu.Unlock()

	select {
	case <-ch.done:
		if ch.err != nil {
			return Token{}, cause
		}
		return ch.token, nil
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

// SubmitToken resolves the pending challenge with a proof collected out of
// band. Waiters resume with the token; the state stream sees Success.
func (m *Manager) SubmitToken(clientID, tokenType, tokenCode string) error {
	m.mu.Lock()
	ch, ok := m.pending[clientID]
	if !ok {
		m.mu.Unlock()
		return ErrNotPending
	}
	delete(m.pending, clientID)
	ch.token = Token{Type: tokenType, Code: tokenCode}
	ch.details.State = StateSuccess
	ch.details.TokenType = tokenType
	ch.details.TokenCode = tokenCode
	m.notifyLocked(ch.details)
	m.mu.Unlock()

	m.storeToken(clientID, ch.token)
	close(ch.done)
	return nil
}

// Fail resolves the pending challenge as failed; waiters receive the
// original error.
func (m *Manager) Fail(clientID string) error {
	return m.resolve(clientID, StateFailed, errFailed)
}

// Abandon clears the pending challenge without a proof, e.g. when the user
// navigates away. Waiters receive the original error.
func (m *Manager) Abandon(clientID string) error {
	return m.resolve(clientID, StateIdle, errAbandoned)
}

func (m *Manager) resolve(clientID string, state State, cause error) error {
	m.mu.Lock()
	ch, ok := m.pending[clientID]
	if !ok {
		m.mu.Unlock()
		return ErrNotPending
	}
	delete(m.pending, clientID)
	ch.err = cause
	ch.details.State = state
	m.notifyLocked(ch.details)
	m.mu.Unlock()

	close(ch.done)
	return nil
}

// RequestCode asks for a verification code to be sent to destination.
// An empty destination is a programming error, never retryable.
func (m *Manager) RequestCode(ctx context.Context, clientID, method, destination string) error {
	if destination == "" {
		return ErrEmptyDestination
	}
	if m.send == nil {
		return nil
	}
	return m.send(ctx, clientID, method, destination)
}

// StoredToken returns a previously completed token for the ClientID, if
// one was persisted.
func (m *Manager) StoredToken(clientID string) (Token, bool) {
	if m.repo == nil {
		return Token{}, false
	}
	env, err := m.repo.Get(tokenStoreID, tokenKind, clientID)
	if err != nil {
		return Token{}, false
	}
	data, err := storage.Open(m.sealKey, env, []byte(tokenAADPrefix+clientID))
	if err != nil {
		return Token{}, false
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return Token{}, false
	}
	return tok, true
}

func (m *Manager) storeToken(clientID string, tok Token) {
	if m.repo == nil {
		return
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return
	}
	env, err := storage.Seal(m.sealKey, data, []byte(tokenAADPrefix+clientID))
	if err != nil {
		return
	}
	if err := m.repo.Put(tokenStoreID, tokenKind, clientID, env); err != nil {
		m.logger.Warn("persisting verification token", zap.Error(err))
	}
}
