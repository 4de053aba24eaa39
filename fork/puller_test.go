package fork

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okeefe/latch/client"
	"github.com/okeefe/latch/internal/util"
	"github.com/okeefe/latch/session"
)

// scriptedAPI replays a fixed sequence of ForkedSession outcomes.
type scriptedAPI struct {
	t         *testing.T
	selector  string
	responses []func() ([]byte, session.Session, error)
	calls     int
}

func (s *scriptedAPI) CreateFork(ctx context.Context, uid, childClientID string) (string, string, error) {
	return "", "", errors.New("not scripted")
}

func (s *scriptedAPI) PushPayload(ctx context.Context, uid, selector string, payload []byte) error {
	return errors.New("not scripted")
}

func (s *scriptedAPI) ForkedSession(ctx context.Context, selector string) ([]byte, session.Session, error) {
	if selector != s.selector {
		s.t.Errorf("polled selector %q, want %q", selector, s.selector)
	}
	if s.calls >= len(s.responses) {
		s.t.Fatal("poll after terminal response")
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp()
}

func collect(ch <-chan PullState) []PullState {
	var out []PullState
	for s := range ch {
		out = append(out, s)
	}
	return out
}

func TestPullStateSequence(t *testing.T) {
	key, err := util.NewKey()
	require.NoError(t, err)
	payload, err := util.EncryptGCM([]byte("mailbox-passphrase"), key, nil)
	require.NoError(t, err)
	forked := session.Session{UID: "child-uid", AccessToken: "tok", RefreshToken: "ref"}

	api := &scriptedAPI{
		t:        t,
		selector: "selector",
		responses: []func() ([]byte, session.Session, error){
			func() ([]byte, session.Session, error) {
				return nil, session.Session{}, &client.HTTPError{Status: 422, API: &client.APIError{Code: 2028}}
			},
			func() ([]byte, session.Session, error) {
				return nil, session.Session{}, &client.ConnectionError{Err: errors.New("refused")}
			},
			func() ([]byte, session.Session, error) {
				return payload, forked, nil
			},
		},
	}

	p := NewPuller(api)
	p.interval = time.Millisecond

	states := collect(p.Pull(context.Background(), key, "selector"))
	require.Len(t, states, 6)
	assert.IsType(t, Loading{}, states[0])
	assert.IsType(t, Awaiting{}, states[1])
	assert.IsType(t, Loading{}, states[2])
	assert.IsType(t, NoConnection{}, states[3])
	assert.IsType(t, Loading{}, states[4])

	success, ok := states[5].(Success)
	require.True(t, ok, "terminal state %T", states[5])
	assert.Equal(t, "mailbox-passphrase", string(success.Passphrase))
	assert.Equal(t, forked, success.Session)
}

func TestPullStopsOnUnrecoverable(t *testing.T) {
	api := &scriptedAPI{
		t:        t,
		selector: "selector",
		responses: []func() ([]byte, session.Session, error){
			func() ([]byte, session.Session, error) {
				return nil, session.Session{}, &client.HTTPError{Status: 404}
			},
		},
	}
	p := NewPuller(api)
	p.interval = time.Millisecond

	states := collect(p.Pull(context.Background(), nil, "selector"))
	require.Len(t, states, 2)
	assert.IsType(t, Loading{}, states[0])
	unrec, ok := states[1].(Unrecoverable)
	require.True(t, ok)
	var httpErr *client.HTTPError
	require.ErrorAs(t, unrec.Err, &httpErr)
	assert.Equal(t, 404, httpErr.Status)
}

func TestPullUndecryptablePayloadIsUnrecoverable(t *testing.T) {
	key, err := util.NewKey()
	require.NoError(t, err)
	wrongKey, err := util.NewKey()
	require.NoError(t, err)
	payload, err := util.EncryptGCM([]byte("secret"), key, nil)
	require.NoError(t, err)

	api := &scriptedAPI{
		t:        t,
		selector: "selector",
		responses: []func() ([]byte, session.Session, error){
			func() ([]byte, session.Session, error) { return payload, session.Session{}, nil },
		},
	}
	p := NewPuller(api)
	p.interval = time.Millisecond

	states := collect(p.Pull(context.Background(), wrongKey, "selector"))
	require.Len(t, states, 2)
	assert.IsType(t, Unrecoverable{}, states[1])
}

func TestPullCancellationClosesChannel(t *testing.T) {
	api := &scriptedAPI{t: t, selector: "selector"}
	for i := 0; i < 100; i++ {
		api.responses = append(api.responses, func() ([]byte, session.Session, error) {
			return nil, session.Session{}, &client.HTTPError{Status: 422}
		})
	}
	p := NewPuller(api)
	p.interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	ch := p.Pull(ctx, nil, "selector")
	// Read a couple of states, then walk away.
	<-ch
	<-ch
	cancel()

	select {
	case _, open := <-ch:
		if open {
			// One state may already be in flight; the next read must close.
			_, open = <-ch
			assert.False(t, open)
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancellation")
	}
}
