package auth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okeefe/latch/apitest"
	"github.com/okeefe/latch/client"
	"github.com/okeefe/latch/session"
	"github.com/okeefe/latch/verification"
)

type stack struct {
	srv      *apitest.Server
	api      *client.Client
	sessions *session.Manager
	flow     *Flow
}

func newStack(t *testing.T, opts ...client.Option) *stack {
	t.Helper()
	srv := apitest.New()
	t.Cleanup(srv.Close)

	opts = append([]client.Option{
		client.WithRetry(2, time.Millisecond),
		client.WithAppVersion("test@1.0.0"),
	}, opts...)
	api, err := client.New(srv.URL, opts...)
	require.NoError(t, err)

	sessions := session.NewManager(Refresher(api))
	api.SetSessionManager(sessions)
	return &stack{srv: srv, api: api, sessions: sessions, flow: NewFlow(api, sessions)}
}

func (s *stack) protected(t *testing.T, uid string) (*client.Response, error) {
	t.Helper()
	return s.api.Do(context.Background(), uid, client.Request{
		Method: http.MethodGet,
		Path:   "/protected",
	})
}

func TestLoginSRP(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.srv.AddUser("alice", "correct horse"))

	info, err := s.flow.Login(context.Background(), "alice", "correct horse")
	require.NoError(t, err)
	assert.False(t, info.SecondFactorNeeded)
	assert.True(t, info.Session.Authenticated())
	assert.True(t, info.Session.HasScope("full"))

	// The session is registered and immediately usable.
	got, ok := s.sessions.Get(info.Session.UID)
	require.True(t, ok)
	assert.Equal(t, info.Session.AccessToken, got.AccessToken)

	resp, err := s.protected(t, info.Session.UID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestLoginWrongPassword(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.srv.AddUser("alice", "correct horse"))

	_, err := s.flow.Login(context.Background(), "alice", "battery staple")
	var httpErr *client.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnprocessableEntity, httpErr.Status)
	require.NotNil(t, httpErr.API)
	assert.Equal(t, apitest.CodeWrongCredentials, httpErr.API.Code)
}

func TestLoginUnknownUser(t *testing.T) {
	s := newStack(t)
	_, err := s.flow.Login(context.Background(), "nobody", "pw")
	var httpErr *client.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, apitest.CodeWrongCredentials, httpErr.API.Code)
}

func TestCorruptedServerProofRejected(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.srv.AddUser("alice", "correct horse"))
	s.srv.CorruptServerProof(true)

	_, err := s.flow.Login(context.Background(), "alice", "correct horse")
	require.ErrorIs(t, err, ErrInvalidServerAuthentication)
}

func TestSecondFactorUpgradesScope(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.srv.AddUser("alice", "correct horse"))
	s.srv.EnableTOTP("alice", "123456")

	info, err := s.flow.Login(context.Background(), "alice", "correct horse")
	require.NoError(t, err)
	assert.True(t, info.SecondFactorNeeded)
	assert.Equal(t, []SecondFactorMethod{SecondFactorTOTP}, info.SecondFactor.Methods)
	assert.False(t, info.Session.HasScope("full"))

	// Reduced scope until the proof lands.
	_, err = s.protected(t, info.Session.UID)
	var httpErr *client.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.Status)

	// One wrong attempt is reported but not fatal.
	_, err = s.flow.SubmitSecondFactor(context.Background(), info.Session.UID, "000000")
	require.ErrorAs(t, err, &httpErr)
	assert.NotErrorIs(t, err, ErrSecondFactorExhausted)

	scopes, err := s.flow.SubmitSecondFactor(context.Background(), info.Session.UID, "123456")
	require.NoError(t, err)
	assert.Contains(t, scopes, "full")

	resp, err := s.protected(t, info.Session.UID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestSecondFactorExhaustedAfterThreeFailures(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.srv.AddUser("alice", "correct horse"))
	s.srv.EnableTOTP("alice", "123456")

	info, err := s.flow.Login(context.Background(), "alice", "correct horse")
	require.NoError(t, err)
	uid := info.Session.UID

	_, err = s.flow.SubmitSecondFactor(context.Background(), uid, "000001")
	require.Error(t, err)
	_, err = s.flow.SubmitSecondFactor(context.Background(), uid, "000002")
	require.Error(t, err)
	_, err = s.flow.SubmitSecondFactor(context.Background(), uid, "000003")
	require.ErrorIs(t, err, ErrSecondFactorExhausted)

	_, ok := s.sessions.Get(uid)
	assert.False(t, ok, "session must be invalidated")
	select {
	case got := <-s.sessions.ForceLogout():
		assert.Equal(t, uid, got)
	default:
		t.Fatal("expected forced logout")
	}
}

func TestTransparentRefreshOnExpiredAccessToken(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.srv.AddUser("alice", "correct horse"))
	info, err := s.flow.Login(context.Background(), "alice", "correct horse")
	require.NoError(t, err)
	uid := info.Session.UID

	s.srv.InvalidateAccessToken(uid)

	resp, err := s.protected(t, uid)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	// Both tokens rotated under the caller.
	got, ok := s.sessions.Get(uid)
	require.True(t, ok)
	assert.NotEqual(t, info.Session.AccessToken, got.AccessToken)
	assert.NotEqual(t, info.Session.RefreshToken, got.RefreshToken)
}

func TestRevokedSessionForcesLogout(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.srv.AddUser("alice", "correct horse"))
	info, err := s.flow.Login(context.Background(), "alice", "correct horse")
	require.NoError(t, err)
	uid := info.Session.UID

	s.srv.RevokeSession(uid)

	_, err = s.protected(t, uid)
	require.ErrorIs(t, err, session.ErrRefreshExhausted)
	_, ok := s.sessions.Get(uid)
	assert.False(t, ok)
}

func TestSSOLogin(t *testing.T) {
	s := newStack(t)
	s.srv.AddSSOUser("bob@corp", "challenge-token-1")

	info, err := s.flow.AuthInfo(context.Background(), "bob@corp")
	require.NoError(t, err)
	sso, ok := info.(SSOInfo)
	require.True(t, ok, "expected an SSO challenge, got %T", info)
	assert.Equal(t, "challenge-token-1", sso.ChallengeToken)

	si, err := s.flow.Login(context.Background(), "bob@corp", "")
	require.NoError(t, err)
	assert.True(t, si.Session.Authenticated())
	assert.False(t, si.SecondFactorNeeded)

	resp, err := s.protected(t, si.Session.UID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestLogout(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.srv.AddUser("alice", "correct horse"))
	info, err := s.flow.Login(context.Background(), "alice", "correct horse")
	require.NoError(t, err)
	uid := info.Session.UID

	require.NoError(t, s.flow.Logout(context.Background(), uid))
	_, ok := s.sessions.Get(uid)
	assert.False(t, ok)
}

func TestHumanVerificationGateEndToEnd(t *testing.T) {
	verifier := verification.NewManager()
	s := newStack(t, client.WithVerificationManager(verifier))
	require.NoError(t, s.srv.AddUser("alice", "correct horse"))
	info, err := s.flow.Login(context.Background(), "alice", "correct horse")
	require.NoError(t, err)
	uid := info.Session.UID

	s.srv.ArmHumanVerification([]string{"captcha", "email"}, "246810")

	stream, cancel := verifier.Observe(uid)
	defer cancel()
	go func() {
		for d := range stream {
			if d.State == verification.StateNeeded {
				verifier.SubmitToken(uid, "captcha", "246810")
				return
			}
		}
	}()

	resp, err := s.protected(t, uid)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	// The gate disarms once satisfied.
	resp, err = s.protected(t, uid)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}
