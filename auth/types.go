package auth

import "github.com/okeefe/latch/session"

// SecondFactorMethod is a supported second-factor proof type.
type SecondFactorMethod string

const (
	SecondFactorTOTP          SecondFactorMethod = "totp"
	SecondFactorAuthenticator SecondFactorMethod = "authenticator"
)

// SecondFactorInfo reports whether a second factor is required and which
// methods the account supports. Never persisted independently of the
// session.
type SecondFactorInfo struct {
	Enabled bool
	Methods []SecondFactorMethod
}

// Info is the server-issued login challenge: either an SRP challenge or an
// SSO handoff. One per login attempt.
type Info interface {
	isAuthInfo()
}

// SRPInfo is the SRP variant of the login challenge.
type SRPInfo struct {
	Version         int
	Modulus         string
	ServerEphemeral string
	Salt            string
	SRPSession      string
	SecondFactor    SecondFactorInfo
}

func (SRPInfo) isAuthInfo() {}

// SSOInfo is the single-sign-on variant: the password proof is bypassed
// and the challenge token is exchanged for a session directly.
type SSOInfo struct {
	ChallengeToken string
}

func (SSOInfo) isAuthInfo() {}

// SessionInfo is the outcome of a completed login handshake.
type SessionInfo struct {
	Session session.Session
	// SecondFactorNeeded means the session holds reduced scopes until a
	// valid second-factor proof is submitted.
	SecondFactorNeeded bool
	SecondFactor       SecondFactorInfo
	// TwoPasswordMode means an organization-key unlock is still required
	// before full access.
	TwoPasswordMode bool
}

// Wire shapes. The "2FA" key matches the server payloads.

type twoFAWire struct {
	Enabled int `json:"Enabled"`
}

const (
	twoFATOTPBit          = 1
	twoFAAuthenticatorBit = 2
)

func secondFactorFromWire(w twoFAWire) SecondFactorInfo {
	info := SecondFactorInfo{Enabled: w.Enabled != 0}
	if w.Enabled&twoFATOTPBit != 0 {
		info.Methods = append(info.Methods, SecondFactorTOTP)
	}
	if w.Enabled&twoFAAuthenticatorBit != 0 {
		info.Methods = append(info.Methods, SecondFactorAuthenticator)
	}
	return info
}

type infoReq struct {
	Username string `json:"Username"`
}

type infoResp struct {
	Version           int       `json:"Version"`
	Modulus           string    `json:"Modulus"`
	ServerEphemeral   string    `json:"ServerEphemeral"`
	Salt              string    `json:"Salt"`
	SRPSession        string    `json:"SRPSession"`
	TwoFA             twoFAWire `json:"2FA"`
	SSOChallengeToken string    `json:"SSOChallengeToken,omitempty"`
}

type authReq struct {
	Username        string `json:"Username"`
	ClientEphemeral string `json:"ClientEphemeral"`
	ClientProof     string `json:"ClientProof"`
	SRPSession      string `json:"SRPSession"`
}

type ssoAuthReq struct {
	SSOChallengeToken string `json:"SSOChallengeToken"`
}

type authResp struct {
	UserID       string    `json:"UserID"`
	UID          string    `json:"UID"`
	AccessToken  string    `json:"AccessToken"`
	RefreshToken string    `json:"RefreshToken"`
	ServerProof  string    `json:"ServerProof"`
	Scope        string    `json:"Scope"`
	TwoFA        twoFAWire `json:"2FA"`
	PasswordMode int       `json:"PasswordMode"`
}

type secondFactorReq struct {
	TwoFactorCode string `json:"TwoFactorCode"`
}

type scopeResp struct {
	Scope string `json:"Scope"`
}

type refreshReq struct {
	UID          string `json:"UID"`
	RefreshToken string `json:"RefreshToken"`
	ResponseType string `json:"ResponseType"`
	GrantType    string `json:"GrantType"`
}

type refreshResp struct {
	AccessToken  string `json:"AccessToken"`
	RefreshToken string `json:"RefreshToken"`
	Scope        string `json:"Scope"`
}
