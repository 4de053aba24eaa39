package fork

import (
	"context"
	"net/http"
	"strings"

	"github.com/okeefe/latch/client"
	"github.com/okeefe/latch/internal/util"
	"github.com/okeefe/latch/session"
)

// API is the server surface the fork protocol consumes. The puller relies
// on errors keeping the pipeline's classification: *client.HTTPError for
// HTTP failures and *client.ConnectionError for transport failures.
type API interface {
	// CreateFork registers a fork attempt for the session and returns the
	// selector the target polls with plus the human-readable user code.
	CreateFork(ctx context.Context, uid, childClientID string) (selector, userCode string, err error)
	// PushPayload uploads the encrypted passphrase payload for a selector.
	PushPayload(ctx context.Context, uid, selector string, payload []byte) error
	// ForkedSession polls a selector. Returns HTTP 422 while unclaimed.
	ForkedSession(ctx context.Context, selector string) (payload []byte, sess session.Session, err error)
}

type apiClient struct {
	c *client.Client
}

// NewAPI adapts a pipeline client to the fork API surface.
func NewAPI(c *client.Client) API {
	return &apiClient{c: c}
}

type createForkReq struct {
	ChildClientID string `json:"ChildClientID"`
}

type createForkResp struct {
	Selector string `json:"Selector"`
	UserCode string `json:"UserCode"`
}

type pushPayloadReq struct {
	Payload string `json:"Payload"`
}

type forkedSessionResp struct {
	Payload      string `json:"Payload"`
	UID          string `json:"UID"`
	UserID       string `json:"UserID"`
	AccessToken  string `json:"AccessToken"`
	RefreshToken string `json:"RefreshToken"`
	Scope        string `json:"Scope"`
}

func (a *apiClient) CreateFork(ctx context.Context, uid, childClientID string) (string, string, error) {
	var resp createForkResp
	err := a.c.DoJSON(ctx, uid, client.Request{
		Method: http.MethodPost,
		Path:   "/auth/forks",
		Body:   createForkReq{ChildClientID: childClientID},
	}, &resp)
	if err != nil {
		return "", "", err
	}
	return resp.Selector, resp.UserCode, nil
}

func (a *apiClient) PushPayload(ctx context.Context, uid, selector string, payload []byte) error {
	return a.c.DoJSON(ctx, uid, client.Request{
		Method: http.MethodPut,
		Path:   "/auth/forks/" + selector,
		Body:   pushPayloadReq{Payload: util.B64Encode(payload)},
	}, nil)
}

// ForkedSession opts out of the pipeline's connection retry: the poll loop
// classifies transport failures itself and keeps polling.
func (a *apiClient) ForkedSession(ctx context.Context, selector string) ([]byte, session.Session, error) {
	var resp forkedSessionResp
	err := a.c.DoJSON(ctx, "", client.Request{
		Method:       http.MethodGet,
		Path:         "/auth/forks/" + selector,
		ForceNoRetry: true,
	}, &resp)
	if err != nil {
		return nil, session.Session{}, err
	}
	payload, err := util.B64Decode(resp.Payload)
	if err != nil {
		return nil, session.Session{}, &client.ParseError{Err: err}
	}
	sess := session.Session{
		UID:          resp.UID,
		UserID:       resp.UserID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
	if resp.Scope != "" {
		sess.Scopes = strings.Fields(resp.Scope)
	}
	return payload, sess, nil
}
