// Package verification implements the human-verification challenge flow:
// a failed request is parked while the application obtains a proof
// (SMS/email code, captcha) out of band, then replayed with the proof
// attached. State is tracked per ClientID with at most one pending
// challenge each.
package verification

import "errors"

// State is the per-ClientID challenge state.
type State int

const (
	StateIdle State = iota
	StateNeeded
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNeeded:
		return "needed"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Details is the observable snapshot of a challenge.
type Details struct {
	ClientID     string   `json:"client_id"`
	Methods      []string `json:"methods"`
	State        State    `json:"state"`
	TokenType    string   `json:"token_type,omitempty"`
	TokenCode    string   `json:"token_code,omitempty"`
	CaptchaToken string   `json:"captcha_token,omitempty"`
}

// Token is a completed verification proof.
type Token struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

var (
	// ErrEmptyDestination is a programming error: verification codes need
	// somewhere to go. Never retryable.
	ErrEmptyDestination = errors.New("verification: empty destination")
	// ErrNotPending indicates no challenge is pending for the ClientID.
	ErrNotPending = errors.New("verification: no pending challenge")

	errAbandoned = errors.New("verification: challenge abandoned")
	errFailed    = errors.New("verification: challenge failed")
)
