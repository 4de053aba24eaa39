package fork

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/okeefe/latch/client"
	"github.com/okeefe/latch/internal/util"
	"github.com/okeefe/latch/session"
)

// PullState is one observed state of the target-device poll loop.
type PullState interface {
	isPullState()
}

// Loading is emitted immediately before each poll attempt, so observers
// can distinguish "about to retry" from "waiting on a previous attempt".
type Loading struct{}

// Awaiting means the selector has not been claimed yet (HTTP 422);
// polling continues.
type Awaiting struct{}

// NoConnection is a transient transport failure; polling continues.
type NoConnection struct {
	Err error
}

// Success carries the decrypted passphrase and the forked session;
// polling stops.
type Success struct {
	Passphrase []byte
	Session    session.Session
}

// Unrecoverable is any other failure; polling stops.
type Unrecoverable struct {
	Err error
}

func (Loading) isPullState()       {}
func (Awaiting) isPullState()      {}
func (NoConnection) isPullState()  {}
func (Success) isPullState()       {}
func (Unrecoverable) isPullState() {}

// Puller runs on the target device, polling a selector decoded from a
// scanned EDM code until the fork is pulled or fails.
type Puller struct {
	api      API
	logger   *zap.Logger
	interval time.Duration
}

// PullerOption configures a Puller.
type PullerOption func(*Puller)

func WithPullerLogger(l *zap.Logger) PullerOption {
	return func(p *Puller) { p.logger = l }
}

func NewPuller(api API, opts ...PullerOption) *Puller {
	p := &Puller{
		api:      api,
		logger:   zap.NewNop(),
		interval: PollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pull polls the selector and streams states in order. The channel closes
// after a terminal state (Success, Unrecoverable) or when ctx is
// cancelled; cancellation leaks no background polling.
func (p *Puller) Pull(ctx context.Context, encryptionKey []byte, selector string) <-chan PullState {
	out := make(chan PullState)
	go func() {
		defer close(out)
		emit := func(s PullState) bool {
			select {
			case out <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			if !emit(Loading{}) {
				return
			}
			payload, sess, err := p.api.ForkedSession(ctx, selector)
			switch {
			case err == nil:
				passphrase, derr := util.DecryptGCM(payload, encryptionKey, nil)
				if derr != nil {
					emit(Unrecoverable{Err: fmt.Errorf("decrypting fork payload: %w", derr)})
					return
				}
				emit(Success{Passphrase: passphrase, Session: sess})
				return
			case isAwaiting(err):
				if !emit(Awaiting{}) {
					return
				}
			case isConnection(err):
				p.logger.Debug("fork poll connection error", zap.Error(err))
				if !emit(NoConnection{Err: err}) {
					return
				}
			default:
				emit(Unrecoverable{Err: err})
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.interval):
			}
		}
	}()
	return out
}

func isAwaiting(err error) bool {
	var httpErr *client.HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == http.StatusUnprocessableEntity
}

func isConnection(err error) bool {
	var connErr *client.ConnectionError
	return errors.As(err, &connErr)
}
