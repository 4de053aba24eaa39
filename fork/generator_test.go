package fork

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okeefe/latch/internal/util"
	"github.com/okeefe/latch/session"
)

// recordingAPI hands out sequential selectors and remembers fork requests.
type recordingAPI struct {
	mu      sync.Mutex
	forks   []string // child client IDs in creation order
	failure error
}

func (r *recordingAPI) CreateFork(ctx context.Context, uid, childClientID string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		err := r.failure
		r.failure = nil
		return "", "", err
	}
	r.forks = append(r.forks, childClientID)
	n := len(r.forks)
	return fmt.Sprintf("selector-%d", n), fmt.Sprintf("USER%d", n), nil
}

func (r *recordingAPI) PushPayload(ctx context.Context, uid, selector string, payload []byte) error {
	return nil
}

func (r *recordingAPI) ForkedSession(ctx context.Context, selector string) ([]byte, session.Session, error) {
	return nil, session.Session{}, errors.New("not recorded")
}

func TestCodesRotate(t *testing.T) {
	api := &recordingAPI{}
	g := NewGenerator(api, "uid-1")
	g.rotation = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	codes := g.Codes(ctx)

	first := <-codes
	second := <-codes
	cancel()

	assert.Equal(t, "selector-1", first.Selector)
	assert.Equal(t, "selector-2", second.Selector)
	assert.NotEqual(t, first.Code, second.Code)

	c1, ok := DecodeEDMCode(first.Code)
	require.True(t, ok)
	c2, ok := DecodeEDMCode(second.Code)
	require.True(t, ok)
	assert.Equal(t, "USER1", c1.UserCode)
	assert.Equal(t, "USER2", c2.UserCode)
	// Every rotation mints a fresh key and child identity.
	assert.NotEqual(t, c1.EncryptionKey, c2.EncryptionKey)
	assert.NotEqual(t, c1.ChildClientID, c2.ChildClientID)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{c1.ChildClientID, c2.ChildClientID}, api.forks)
}

func TestCodesRetryAfterCreateForkError(t *testing.T) {
	api := &recordingAPI{failure: errors.New("server down")}
	g := NewGenerator(api, "uid-1")
	g.rotation = time.Millisecond
	g.retry = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case pair := <-g.Codes(ctx):
		assert.Equal(t, "selector-1", pair.Selector)
	case <-ctx.Done():
		t.Fatal("generator never recovered from a failed rotation")
	}
}

func TestEncryptPayloadUsesCurrentKey(t *testing.T) {
	api := &recordingAPI{}
	g := NewGenerator(api, "uid-1")
	g.rotation = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pair := <-g.Codes(ctx)

	sealed, err := g.EncryptPayload([]byte("mailbox-passphrase"))
	require.NoError(t, err)

	code, ok := DecodeEDMCode(pair.Code)
	require.True(t, ok)
	plain, err := util.DecryptGCM(sealed, code.EncryptionKey, nil)
	require.NoError(t, err)
	assert.Equal(t, "mailbox-passphrase", string(plain))
}

func TestEncryptPayloadBeforeFirstCode(t *testing.T) {
	g := NewGenerator(&recordingAPI{}, "uid-1")
	_, err := g.EncryptPayload([]byte("secret"))
	assert.ErrorIs(t, err, ErrNoActiveCode)
}

func TestCodesCancellationClosesChannel(t *testing.T) {
	api := &recordingAPI{}
	g := NewGenerator(api, "uid-1")
	g.rotation = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	codes := g.Codes(ctx)
	<-codes
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-codes:
			return !open
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}
