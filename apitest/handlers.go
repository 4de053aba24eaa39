package apitest

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/okeefe/latch/internal/util"
	"github.com/okeefe/latch/srp"
)

func (s *Server) handleAuthInfo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"Username"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[req.Username]
	if !ok {
		writeAPIError(w, http.StatusUnprocessableEntity, CodeWrongCredentials, "incorrect login credentials", nil)
		return
	}
	if u.ssoToken != "" {
		writeJSON(w, http.StatusOK, map[string]any{"SSOChallengeToken": u.ssoToken})
		return
	}
	server, err := srp.NewServer(Modulus, u.verifier)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, 0, err.Error(), nil)
		return
	}
	srpSession := uuid.NewString()
	s.pending[srpSession] = &pendingAuth{username: req.Username, server: server}
	writeJSON(w, http.StatusOK, map[string]any{
		"Version":         4,
		"Modulus":         Modulus,
		"ServerEphemeral": server.Ephemeral(),
		"Salt":            u.verifier.Salt,
		"SRPSession":      srpSession,
		"2FA":             map[string]any{"Enabled": u.twoFABits()},
	})
}

func (u *user) twoFABits() int {
	if u.totpCode != "" {
		return 1
	}
	return 0
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username        string `json:"Username"`
		ClientEphemeral string `json:"ClientEphemeral"`
		ClientProof     string `json:"ClientProof"`
		SRPSession      string `json:"SRPSession"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.pending[req.SRPSession]
	if !ok || pending.username != req.Username {
		writeAPIError(w, http.StatusUnprocessableEntity, CodeWrongCredentials, "unknown SRP session", nil)
		return
	}
	delete(s.pending, req.SRPSession)

	serverProof, err := pending.server.VerifyClient(req.ClientEphemeral, req.ClientProof)
	if err != nil {
		writeAPIError(w, http.StatusUnprocessableEntity, CodeWrongCredentials, "incorrect login credentials", nil)
		return
	}
	if s.corruptProof {
		serverProof = util.B64Encode([]byte("not the proof you computed"))
	}

	u := s.users[req.Username]
	sess := s.issueSessionLocked(u, u.totpCode != "")
	writeJSON(w, http.StatusOK, map[string]any{
		"UserID":       sess.userID,
		"UID":          sess.uid,
		"AccessToken":  sess.accessToken,
		"RefreshToken": sess.refreshToken,
		"ServerProof":  serverProof,
		"Scope":        sess.scope,
		"2FA":          map[string]any{"Enabled": u.twoFABits()},
		"PasswordMode": 1,
	})
}

func (s *Server) handleAuthSSO(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SSOChallengeToken string `json:"SSOChallengeToken"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ssoToken != "" && u.ssoToken == req.SSOChallengeToken {
			sess := s.issueSessionLocked(u, false)
			writeJSON(w, http.StatusOK, map[string]any{
				"UserID":       sess.userID,
				"UID":          sess.uid,
				"AccessToken":  sess.accessToken,
				"RefreshToken": sess.refreshToken,
				"Scope":        sess.scope,
				"2FA":          map[string]any{"Enabled": 0},
				"PasswordMode": 1,
			})
			return
		}
	}
	writeAPIError(w, http.StatusUnauthorized, CodeWrongCredentials, "invalid SSO challenge token", nil)
}

func (s *Server) handleSecondFactor(w http.ResponseWriter, r *http.Request) {
	sess := s.authed(r)
	if sess == nil {
		writeAPIError(w, http.StatusUnauthorized, 0, "invalid access token", nil)
		return
	}
	var req struct {
		TwoFactorCode string `json:"TwoFactorCode"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !sess.secondFactorPending {
		writeAPIError(w, http.StatusUnprocessableEntity, 0, "second factor not pending", nil)
		return
	}
	var expected string
	for _, u := range s.users {
		if u.userID == sess.userID {
			expected = u.totpCode
		}
	}
	if req.TwoFactorCode != expected {
		sess.twoFAFailures++
		if sess.twoFAFailures >= 3 {
			delete(s.sessions, sess.uid)
		}
		writeAPIError(w, http.StatusUnprocessableEntity, CodeWrongCredentials, "incorrect second factor code", nil)
		return
	}
	sess.secondFactorPending = false
	sess.twoFAFailures = 0
	sess.scope = ScopeFull
	writeJSON(w, http.StatusOK, map[string]any{"Scope": sess.scope})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UID          string `json:"UID"`
		RefreshToken string `json:"RefreshToken"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[req.UID]
	if !ok || sess.refreshToken != req.RefreshToken {
		writeAPIError(w, http.StatusUnprocessableEntity, CodeInvalidRefreshToken, "invalid refresh token", nil)
		return
	}
	sess.accessToken = s.mintTokenLocked(sess.uid)
	sess.refreshToken = uuid.NewString()
	writeJSON(w, http.StatusOK, map[string]any{
		"AccessToken":  sess.accessToken,
		"RefreshToken": sess.refreshToken,
		"Scope":        sess.scope,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := s.authed(r)
	if sess == nil {
		writeAPIError(w, http.StatusUnauthorized, 0, "invalid access token", nil)
		return
	}
	s.mu.Lock()
	delete(s.sessions, sess.uid)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"Code": CodeOK})
}

func (s *Server) handleCreateFork(w http.ResponseWriter, r *http.Request) {
	sess := s.authed(r)
	if sess == nil {
		writeAPIError(w, http.StatusUnauthorized, 0, "invalid access token", nil)
		return
	}
	var req struct {
		ChildClientID string `json:"ChildClientID"`
	}
	if !decode(w, r, &req) {
		return
	}
	userCode, err := util.RandomUserCode(8)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, 0, err.Error(), nil)
		return
	}
	selector := uuid.NewString()

	s.mu.Lock()
	// A new code invalidates polling against the previous selector.
	if prev, ok := s.lastFork[sess.uid]; ok {
		delete(s.forks, prev)
	}
	s.lastFork[sess.uid] = selector
	s.forks[selector] = &forkRec{
		uid:           sess.uid,
		userID:        sess.userID,
		childClientID: req.ChildClientID,
		userCode:      userCode,
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"Selector": selector,
		"UserCode": userCode,
	})
}

func (s *Server) handlePushPayload(w http.ResponseWriter, r *http.Request) {
	sess := s.authed(r)
	if sess == nil {
		writeAPIError(w, http.StatusUnauthorized, 0, "invalid access token", nil)
		return
	}
	selector := chi.URLParam(r, "selector")
	var req struct {
		Payload string `json:"Payload"`
	}
	if !decode(w, r, &req) {
		return
	}
	payload, err := util.B64Decode(req.Payload)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, 0, "malformed payload", nil)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.forks[selector]
	if !ok || rec.uid != sess.uid {
		writeAPIError(w, http.StatusNotFound, 0, "unknown selector", nil)
		return
	}
	rec.payload = payload
	writeJSON(w, http.StatusOK, map[string]any{"Code": CodeOK})
}

func (s *Server) handlePullFork(w http.ResponseWriter, r *http.Request) {
	selector := chi.URLParam(r, "selector")
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.forks[selector]
	if !ok {
		writeAPIError(w, http.StatusNotFound, 0, "unknown selector", nil)
		return
	}
	if rec.payload == nil {
		writeAPIError(w, http.StatusUnprocessableEntity, CodeForkNotClaimed, "selector not yet claimed", nil)
		return
	}
	delete(s.forks, selector)

	u := &user{userID: rec.userID}
	child := s.issueSessionLocked(u, false)
	writeJSON(w, http.StatusOK, map[string]any{
		"Payload":      util.B64Encode(rec.payload),
		"UID":          child.uid,
		"UserID":       child.userID,
		"AccessToken":  child.accessToken,
		"RefreshToken": child.refreshToken,
		"Scope":        child.scope,
	})
}

// handleProtected is a generic authenticated endpoint used to exercise the
// pipeline: full scope required, optional human-verification gate.
func (s *Server) handleProtected(w http.ResponseWriter, r *http.Request) {
	sess := s.authed(r)
	if sess == nil {
		writeAPIError(w, http.StatusUnauthorized, 0, "invalid access token", nil)
		return
	}
	s.mu.Lock()
	hvCode := s.hvCode
	hvMethods := s.hvMethods
	scope := sess.scope
	s.mu.Unlock()

	if !strings.Contains(scope, fullScopeNeeded) {
		writeAPIError(w, http.StatusForbidden, 0, "second factor required", nil)
		return
	}
	if hvCode != "" {
		got := r.Header.Get("X-HV-Token")
		if got != hvCode {
			writeAPIError(w, http.StatusUnprocessableEntity, CodeHumanVerification,
				"human verification required", map[string]any{
					"HumanVerificationMethods": hvMethods,
					"HumanVerificationToken":   uuid.NewString(),
				})
			return
		}
		s.mu.Lock()
		s.hvCode = ""
		s.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, map[string]any{"Code": CodeOK, "Value": "ok"})
}
