// Package auth drives the login handshake: challenge fetch, SRP proof
// exchange with mandatory server verification, SSO exchange, and the
// second-factor step.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/okeefe/latch/client"
	"github.com/okeefe/latch/session"
	"github.com/okeefe/latch/srp"
)

var (
	// ErrInvalidServerAuthentication means the server's SRP proof did not
	// match the locally recomputed one. Security-critical: the "session"
	// such a server offered is never accepted.
	ErrInvalidServerAuthentication = errors.New("auth: invalid server authentication")
	// ErrSecondFactorExhausted means three consecutive second-factor
	// failures invalidated the session. Fatal, not retryable.
	ErrSecondFactorExhausted = errors.New("auth: second factor attempts exhausted")
)

const maxSecondFactorAttempts = 3

// handshakeState tracks login progress, mainly for diagnostics.
type handshakeState int

const (
	stateStart handshakeState = iota
	stateInfoRequested
	stateProofComputed
	stateServerVerified
	stateSecondFactorRequired
	stateSessionEstablished
	stateFailed
)

var handshakeStateNames = map[handshakeState]string{
	stateStart:                "start",
	stateInfoRequested:        "info_requested",
	stateProofComputed:        "proof_computed",
	stateServerVerified:       "server_verified",
	stateSecondFactorRequired: "second_factor_required",
	stateSessionEstablished:   "session_established",
	stateFailed:               "failed",
}

type handshake struct {
	state  handshakeState
	logger *zap.Logger
}

func (h *handshake) to(s handshakeState) {
	h.state = s
	h.logger.Debug("login handshake", zap.String("state", handshakeStateNames[s]))
}

func (h *handshake) fail(err error) error {
	h.to(stateFailed)
	return err
}

// Flow orchestrates logins against one API client and session manager.
type Flow struct {
	api      *client.Client
	sessions *session.Manager
	logger   *zap.Logger

	mu       sync.Mutex
	twoFAMis map[string]int // consecutive second-factor failures per UID
}

// Option configures a Flow.
type Option func(*Flow)

func WithLogger(l *zap.Logger) Option {
	return func(f *Flow) { f.logger = l }
}

func NewFlow(api *client.Client, sessions *session.Manager, opts ...Option) *Flow {
	f := &Flow{
		api:      api,
		sessions: sessions,
		logger:   zap.NewNop(),
		twoFAMis: make(map[string]int),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AuthInfo fetches the login challenge for a username.
func (f *Flow) AuthInfo(ctx context.Context, username string) (Info, error) {
	var resp infoResp
	err := f.api.DoJSON(ctx, "", client.Request{
		Method: http.MethodPost,
		Path:   "/auth/info",
		Body:   infoReq{Username: username},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.SSOChallengeToken != "" {
		return SSOInfo{ChallengeToken: resp.SSOChallengeToken}, nil
	}
	return SRPInfo{
		Version:         resp.Version,
		Modulus:         resp.Modulus,
		ServerEphemeral: resp.ServerEphemeral,
		Salt:            resp.Salt,
		SRPSession:      resp.SRPSession,
		SecondFactor:    secondFactorFromWire(resp.TwoFA),
	}, nil
}

// Login derives a session from the username's credential. Depending on the
// challenge the server issues this runs the SRP proof exchange or the SSO
// token exchange.
func (f *Flow) Login(ctx context.Context, username, password string) (*SessionInfo, error) {
	h := &handshake{state: stateStart, logger: f.logger}

	info, err := f.AuthInfo(ctx, username)
	if err != nil {
		return nil, h.fail(err)
	}
	h.to(stateInfoRequested)

	switch i := info.(type) {
	case SRPInfo:
		return f.loginSRP(ctx, h, username, password, i)
	case SSOInfo:
		return f.exchangeSSO(ctx, h, i.ChallengeToken)
	default:
		return nil, h.fail(fmt.Errorf("auth: unsupported challenge type %T", info))
	}
}

// LoginSSO exchanges an SSO challenge token for a session directly.
func (f *Flow) LoginSSO(ctx context.Context, challengeToken string) (*SessionInfo, error) {
	h := &handshake{state: stateStart, logger: f.logger}
	return f.exchangeSSO(ctx, h, challengeToken)
}

func (f *Flow) loginSRP(ctx context.Context, h *handshake, username, password string, info SRPInfo) (*SessionInfo, error) {
	proofs, err := srp.ComputeProofs(info.Modulus, info.ServerEphemeral, info.Salt, password)
	if err != nil {
		return nil, h.fail(fmt.Errorf("computing SRP proofs: %w", err))
	}
	h.to(stateProofComputed)

	var resp authResp
	err = f.api.DoJSON(ctx, "", client.Request{
		Method: http.MethodPost,
		Path:   "/auth",
		Body: authReq{
			Username:        username,
			ClientEphemeral: proofs.ClientEphemeral,
			ClientProof:     proofs.ClientProof,
			SRPSession:      info.SRPSession,
		},
	}, &resp)
	if err != nil {
		return nil, h.fail(err)
	}

	// The server must prove it knew the verifier. A mismatch is fatal and
	// the returned tokens are discarded unconditionally.
	if err := proofs.VerifyServerProof(resp.ServerProof); err != nil {
		return nil, h.fail(fmt.Errorf("%w: %v", ErrInvalidServerAuthentication, err))
	}
	h.to(stateServerVerified)

	return f.establish(h, resp), nil
}

func (f *Flow) exchangeSSO(ctx context.Context, h *handshake, challengeToken string) (*SessionInfo, error) {
	var resp authResp
	err := f.api.DoJSON(ctx, "", client.Request{
		Method: http.MethodPost,
		Path:   "/auth/sso",
		Body:   ssoAuthReq{SSOChallengeToken: challengeToken},
	}, &resp)
	if err != nil {
		return nil, h.fail(err)
	}
	return f.establish(h, resp), nil
}

func (f *Flow) establish(h *handshake, resp authResp) *SessionInfo {
	sess := session.Session{
		UID:          resp.UID,
		UserID:       resp.UserID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Scopes:       strings.Fields(resp.Scope),
	}
	f.sessions.Put(sess)

	secondFactor := secondFactorFromWire(resp.TwoFA)
	if secondFactor.Enabled {
		h.to(stateSecondFactorRequired)
	} else {
		h.to(stateSessionEstablished)
	}
	return &SessionInfo{
		Session:            sess,
		SecondFactorNeeded: secondFactor.Enabled,
		SecondFactor:       secondFactor,
		TwoPasswordMode:    resp.PasswordMode == 2,
	}
}

// SubmitSecondFactor submits a TOTP/authenticator proof for a session in
// the reduced-scope state. On success it returns the upgraded scopes.
// The third consecutive failure invalidates the session.
func (f *Flow) SubmitSecondFactor(ctx context.Context, uid, code string) ([]string, error) {
	var resp scopeResp
	err := f.api.DoJSON(ctx, uid, client.Request{
		Method: http.MethodPost,
		Path:   "/auth/2fa",
		Body:   secondFactorReq{TwoFactorCode: code},
	}, &resp)
	if err != nil {
		return nil, f.secondFactorFailed(uid, err)
	}

	f.mu.Lock()
	delete(f.twoFAMis, uid)
	f.mu.Unlock()

	scopes := strings.Fields(resp.Scope)
	if s, ok := f.sessions.Get(uid); ok {
		s.Scopes = scopes
		f.sessions.Put(s)
	}
	return scopes, nil
}

func (f *Flow) secondFactorFailed(uid string, cause error) error {
	var httpErr *client.HTTPError
	if !errors.As(cause, &httpErr) || httpErr.Status >= 500 {
		return cause
	}
	f.mu.Lock()
	f.twoFAMis[uid]++
	misses := f.twoFAMis[uid]
	if misses >= maxSecondFactorAttempts {
		delete(f.twoFAMis, uid)
	}
	f.mu.Unlock()

	if misses >= maxSecondFactorAttempts {
		f.logger.Warn("second factor exhausted", zap.String("uid", uid))
		f.sessions.Invalidate(uid)
		return fmt.Errorf("%w: %v", ErrSecondFactorExhausted, cause)
	}
	return cause
}

// Logout revokes the session server-side and drops it locally either way.
func (f *Flow) Logout(ctx context.Context, uid string) error {
	err := f.api.DoJSON(ctx, uid, client.Request{
		Method:       http.MethodDelete,
		Path:         "/auth",
		ForceNoRetry: true,
	}, nil)
	f.sessions.Remove(uid)
	return err
}

// Refresher returns the session.RefreshFunc implementing the standard
// refresh exchange, for wiring into session.NewManager.
func Refresher(api *client.Client) session.RefreshFunc {
	return func(ctx context.Context, current session.Session) (session.RefreshResult, error) {
		var resp refreshResp
		err := api.DoJSON(ctx, "", client.Request{
			Method: http.MethodPost,
			Path:   "/auth/refresh",
			NoAuth: true,
			Body: refreshReq{
				UID:          current.UID,
				RefreshToken: current.RefreshToken,
				ResponseType: "token",
				GrantType:    "refresh_token",
			},
		}, &resp)
		if err != nil {
			return session.RefreshResult{}, err
		}
		return session.RefreshResult{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			Scopes:       strings.Fields(resp.Scope),
		}, nil
	}
}
