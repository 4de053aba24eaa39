package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	// ErrNoSession indicates the UID is not known to the manager.
	ErrNoSession = errors.New("session: unknown session")
	// ErrRefreshExhausted indicates the refresh token was rejected; the
	// session has been cleared and a forced logout emitted.
	ErrRefreshExhausted = errors.New("session: refresh exhausted")
)

// refreshTimeout bounds a refresh network call independently of any
// individual waiter's context.
const refreshTimeout = 30 * time.Second

// RefreshResult is the token set returned by a successful refresh call.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	Scopes       []string
}

// RefreshFunc performs the network refresh for the given session.
type RefreshFunc func(ctx context.Context, current Session) (RefreshResult, error)

// statusCoder matches the pipeline's HTTP error without importing it.
type statusCoder interface {
	StatusCode() int
}

type refreshCall struct {
	done chan struct{}
	sess Session
	err  error
}

// Manager holds current tokens per session UID. Concurrent Refresh calls
// for the same UID collapse into a single network refresh; every caller
// observes the same resulting token set.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]Session
	inflight map[string]*refreshCall

	refresh     RefreshFunc
	logger      *zap.Logger
	forceLogout chan string
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager that refreshes sessions through fn.
func NewManager(fn RefreshFunc, opts ...Option) *Manager {
	m := &Manager{
		sessions:    make(map[string]Session),
		inflight:    make(map[string]*refreshCall),
		refresh:     fn,
		logger:      zap.NewNop(),
		forceLogout: make(chan string, 8),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Put stores or replaces a session.
func (m *Manager) Put(s Session) {
	m.mu.Lock()
	m.sessions[s.UID] = s
	m.mu.Unlock()
}

// Get returns the current session for a UID.
func (m *Manager) Get(uid string) (Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[uid]
	m.mu.Unlock()
	return s, ok
}

// Remove deletes a session, e.g. on logout.
func (m *Manager) Remove(uid string) {
	m.mu.Lock()
	delete(m.sessions, uid)
	m.mu.Unlock()
}

// Invalidate removes the session and emits a forced logout, used when the
// server keeps rejecting credentials that were just refreshed.
func (m *Manager) Invalidate(uid string) {
	m.mu.Lock()
	_, ok := m.sessions[uid]
	delete(m.sessions, uid)
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case m.forceLogout <- uid:
	default:
	}
}

// ForceLogout streams UIDs whose sessions were invalidated by an
// unrecoverable refresh failure. The application consumes this to route
// the user back to login.
func (m *Manager) ForceLogout() <-chan string {
	return m.forceLogout
}

// AccessToken returns the current access token for the session,
// refreshing first if the token is absent or has visibly expired.
func (m *Manager) AccessToken(ctx context.Context, uid string) (string, error) {
	s, ok := m.Get(uid)
	if !ok {
		return "", ErrNoSession
	}
	if s.AccessToken != "" && !tokenExpired(s.AccessToken) {
		return s.AccessToken, nil
	}
	s, err := m.Refresh(ctx, uid)
	if err != nil {
		return "", err
	}
	return s.AccessToken, nil
}

// Refresh obtains a fresh token set for the session. If a refresh is
// already in flight for the UID the caller joins it instead of starting a
// second one. Cancelling a waiting caller does not cancel the underlying
// refresh.
func (m *Manager) Refresh(ctx context.Context, uid string) (Session, error) {
	m.mu.Lock()
	if call, ok := m.inflight[uid]; ok {
		m.mu.Unlock()
		return awaitCall(ctx, call)
	}
	s, ok := m.sessions[uid]
	if !ok {
		m.mu.Unlock()
		return Session{}, ErrNoSession
	}
	call := &refreshCall{done: make(chan struct{})}
	m.inflight[uid] = call
	m.mu.Unlock()

	go m.runRefresh(uid, s, call)
	return awaitCall(ctx, call)
}

func awaitCall(ctx context.Context, call *refreshCall) (Session, error) {
	select {
	case <-call.done:
		return call.sess, call.err
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

// runRefresh executes the network refresh detached from any waiter's
// context and publishes the result before releasing the single-flight
// gate, so a request retrying after completion always sees the new token.
func (m *Manager) runRefresh(uid string, s Session, call *refreshCall) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	res, err := m.refresh(ctx, s)

	m.mu.Lock()
	switch {
	case err == nil:
		next := s
		next.AccessToken = res.AccessToken
		next.RefreshToken = res.RefreshToken
		if res.Scopes != nil {
			next.Scopes = res.Scopes
		}
		m.sessions[uid] = next
		call.sess = next
		m.logger.Debug("session refreshed", zap.String("uid", uid))
	case refreshUnrecoverable(err):
		delete(m.sessions, uid)
		call.err = fmt.Errorf("%w: %v", ErrRefreshExhausted, err)
		select {
		case m.forceLogout <- uid:
		default:
		}
		m.logger.Warn("session invalidated, forcing logout",
			zap.String("uid", uid), zap.Error(err))
	default:
		call.err = err
		m.logger.Warn("session refresh failed", zap.String("uid", uid), zap.Error(err))
	}
	delete(m.inflight, uid)
	m.mu.Unlock()
	close(call.done)
}

// refreshUnrecoverable reports whether the refresh endpoint rejected the
// refresh token itself, meaning retrying can never succeed.
func refreshUnrecoverable(err error) bool {
	var sc statusCoder
	if !errors.As(err, &sc) {
		return false
	}
	switch sc.StatusCode() {
	case 400, 401, 403, 422:
		return true
	}
	return false
}

// tokenExpired reports whether the access token is a JWT whose exp claim
// has passed. Opaque tokens are assumed live until the server says 401.
func tokenExpired(token string) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !exp.After(time.Now())
}
