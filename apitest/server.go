// Package apitest provides an in-process fake of the API the SDK talks
// to: SRP login, token refresh, second factor, human verification, and
// the session-fork endpoints. Integration tests and the CLI demo run
// against it instead of a live backend.
package apitest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/okeefe/latch/internal/util"
	"github.com/okeefe/latch/srp"
)

// Modulus is the SRP group modulus served in every challenge
// (the RFC 5054 2048-bit group).
const Modulus = "rGvbQTJKmpvxZt5eE4lYL69ytmUZh+4H/DGSlD21YFCjcynLtKCZ7YGT4HV3Z6E91SMSq0sDMQ3N" +
	"f0ip2gT9UOgIOWntt2ewz2CVF5oWOrNmGgX71fqq6CkYqZYvC5O4Vfl5k+yXXuqoDXQK2/T/dHNZ" +
	"0EHVwz6nHSgeRGsUdzvKl7Q6I/uAFna9IHpDbGSB8dK5B4cXRhpbnTLmiPh3SFRFI7UksNV9Xqd6" +
	"J3XS7PoDLPvb9S+zeGFgJ5AE5Xrmr4dOcwPOUymczAQce8MI2CpWmPOo0MOCca41+Onb+7aUtcgD" +
	"2J965DXeI21SX1R1m2XjcvzWjvIPpxEfnkr/cw=="

// API error codes the fake server emits.
const (
	CodeOK                  = 1000
	CodeWrongCredentials    = 8002
	CodeInvalidRefreshToken = 10013
	CodeForkNotClaimed      = 2028
	CodeHumanVerification   = 9001
)

// Scopes granted by the fake server.
const (
	ScopeFull       = "full self"
	ScopeTwoFactor  = "twofactor"
	fullScopeNeeded = "full"
)

type user struct {
	name     string
	userID   string
	verifier *srp.Verifier
	totpCode string // empty: second factor disabled
	ssoToken string // non-empty: SSO account
}

type srvSession struct {
	uid                 string
	userID              string
	accessToken         string
	refreshToken        string
	scope               string
	secondFactorPending bool
	twoFAFailures       int
}

type pendingAuth struct {
	username string
	server   *srp.Server
}

type forkRec struct {
	uid           string
	userID        string
	childClientID string
	userCode      string
	payload       []byte
}

// Server is the fake API. All exported mutators are safe for concurrent
// use with in-flight requests.
type Server struct {
	URL string

	hs *httptest.Server

	mu        sync.Mutex
	users     map[string]*user
	sessions  map[string]*srvSession // by UID
	pending   map[string]*pendingAuth
	forks     map[string]*forkRec
	lastFork  map[string]string // uid -> selector of the newest code
	jwtKey    []byte
	accessTTL time.Duration

	corruptProof bool
	hvMethods    []string
	hvCode       string // expected token; "" means verification not armed
}

// New starts the fake server. Callers must Close it.
func New() *Server {
	key, err := util.NewKey()
	if err != nil {
		panic(err)
	}
	s := &Server{
		users:     make(map[string]*user),
		sessions:  make(map[string]*srvSession),
		pending:   make(map[string]*pendingAuth),
		forks:     make(map[string]*forkRec),
		lastFork:  make(map[string]string),
		jwtKey:    key,
		accessTTL: time.Hour,
	}

	r := chi.NewRouter()
	r.Post("/auth/info", s.handleAuthInfo)
	r.Post("/auth", s.handleAuth)
	r.Post("/auth/sso", s.handleAuthSSO)
	r.Post("/auth/2fa", s.handleSecondFactor)
	r.Post("/auth/refresh", s.handleRefresh)
	r.Delete("/auth", s.handleLogout)
	r.Post("/auth/forks", s.handleCreateFork)
	r.Put("/auth/forks/{selector}", s.handlePushPayload)
	r.Get("/auth/forks/{selector}", s.handlePullFork)
	r.Get("/protected", s.handleProtected)

	s.hs = httptest.NewServer(r)
	s.URL = s.hs.URL
	return s
}

func (s *Server) Close() {
	s.hs.Close()
}

// AddUser enrolls an SRP account.
func (s *Server) AddUser(username, password string) error {
	v, err := srp.NewVerifier(Modulus, password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.users[username] = &user{name: username, userID: uuid.NewString(), verifier: v}
	s.mu.Unlock()
	return nil
}

// AddSSOUser enrolls an account that logs in via an SSO challenge token.
func (s *Server) AddSSOUser(username, challengeToken string) {
	s.mu.Lock()
	s.users[username] = &user{name: username, userID: uuid.NewString(), ssoToken: challengeToken}
	s.mu.Unlock()
}

// EnableTOTP turns on the second factor for a user; code is the single
// accepted proof.
func (s *Server) EnableTOTP(username, code string) {
	s.mu.Lock()
	if u, ok := s.users[username]; ok {
		u.totpCode = code
	}
	s.mu.Unlock()
}

// CorruptServerProof makes subsequent logins return a bogus server proof,
// simulating a compromised backend.
func (s *Server) CorruptServerProof(b bool) {
	s.mu.Lock()
	s.corruptProof = b
	s.mu.Unlock()
}

// ArmHumanVerification makes /protected demand a verification token until
// a request carries the expected code.
func (s *Server) ArmHumanVerification(methods []string, expectedCode string) {
	s.mu.Lock()
	s.hvMethods = methods
	s.hvCode = expectedCode
	s.mu.Unlock()
}

// InvalidateAccessToken forces the next authenticated request for the UID
// to fail with 401, without touching the refresh token.
func (s *Server) InvalidateAccessToken(uid string) {
	s.mu.Lock()
	if sess, ok := s.sessions[uid]; ok {
		sess.accessToken = ""
	}
	s.mu.Unlock()
}

// RevokeSession drops the session entirely: both the access and refresh
// tokens stop working.
func (s *Server) RevokeSession(uid string) {
	s.mu.Lock()
	delete(s.sessions, uid)
	s.mu.Unlock()
}

// NewSession mints a session for the user directly, bypassing login.
// Returns UID, access token, and refresh token.
func (s *Server) NewSession(username string) (string, string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		u = &user{name: username, userID: uuid.NewString()}
		s.users[username] = u
	}
	sess := s.issueSessionLocked(u, false)
	return sess.uid, sess.accessToken, sess.refreshToken
}

func (s *Server) issueSessionLocked(u *user, secondFactorPending bool) *srvSession {
	sess := &srvSession{
		uid:                 uuid.NewString(),
		userID:              u.userID,
		refreshToken:        uuid.NewString(),
		scope:               ScopeFull,
		secondFactorPending: secondFactorPending,
	}
	if secondFactorPending {
		sess.scope = ScopeTwoFactor
	}
	sess.accessToken = s.mintTokenLocked(sess.uid)
	s.sessions[sess.uid] = sess
	return sess
}

func (s *Server) mintTokenLocked(uid string) string {
	claims := jwt.MapClaims{
		"sub": uid,
		"exp": time.Now().Add(s.accessTTL).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtKey)
	if err != nil {
		panic(err)
	}
	return token
}

// authed resolves the request's bearer token to a live session.
func (s *Server) authed(r *http.Request) *srvSession {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		return nil
	}
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return s.jwtKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return nil
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sub]
	if !ok || sess.accessToken != raw {
		return nil
	}
	return sess
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status, code int, msg string, details any) {
	body := map[string]any{"Code": code, "Error": msg}
	if details != nil {
		body["Details"] = details
	}
	writeJSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeAPIError(w, http.StatusBadRequest, 0, "malformed request body", nil)
		return false
	}
	return true
}
