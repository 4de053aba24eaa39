package fork

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/okeefe/latch/internal/util"
)

// ErrNoActiveCode means EncryptPayload was called before the first code
// was generated.
var ErrNoActiveCode = errors.New("fork: no active code")

// CodePair is one rendered code and the selector the server bound it to.
type CodePair struct {
	Code     string
	Selector string
}

// Generator runs on the source device. Each rotation generates a fresh
// 32-byte encryption key and child client identity, registers a fork with
// the server, and emits the rendered code. The current key is kept in a
// memguard enclave until the payload is pushed or the code rotates.
type Generator struct {
	api      API
	uid      string
	logger   *zap.Logger
	rotation time.Duration
	retry    time.Duration

	mu            sync.Mutex
	key           *memguard.Enclave
	childClientID string
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

func WithGeneratorLogger(l *zap.Logger) GeneratorOption {
	return func(g *Generator) { g.logger = l }
}

func NewGenerator(api API, uid string, opts ...GeneratorOption) *Generator {
	g := &Generator{
		api:      api,
		uid:      uid,
		logger:   zap.NewNop(),
		rotation: CodeRotationPeriod,
		retry:    PollInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Codes returns a lazy, infinite stream of rotating code/selector pairs.
// The stream is restartable: each call starts fresh and runs until ctx is
// cancelled, at which point the channel closes and rotation stops.
func (g *Generator) Codes(ctx context.Context) <-chan CodePair {
	out := make(chan CodePair)
	go func() {
		defer close(out)
		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			pair, err := g.rotate(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				g.logger.Warn("generating migration code", zap.Error(err))
				timer.Reset(g.retry)
				continue
			}
			select {
			case out <- pair:
			case <-ctx.Done():
				return
			}
			timer.Reset(g.rotation)
		}
	}()
	return out
}

func (g *Generator) rotate(ctx context.Context) (CodePair, error) {
	key, err := util.NewKey()
	if err != nil {
		return CodePair{}, err
	}
	childClientID := uuid.NewString()

	selector, userCode, err := g.api.CreateFork(ctx, g.uid, childClientID)
	if err != nil {
		util.WipeBytes(key)
		return CodePair{}, err
	}

	code := EDMCode{
		UserCode:      userCode,
		EncryptionKey: key,
		ChildClientID: childClientID,
	}.String()

	g.mu.Lock()
	// NewEnclave wipes the source slice after sealing it.
	g.key = memguard.NewEnclave(key)
	g.childClientID = childClientID
	g.mu.Unlock()

	g.logger.Debug("migration code rotated", zap.String("selector", selector))
	return CodePair{Code: code, Selector: selector}, nil
}

// EncryptPayload seals the passphrase with the current code's key, ready
// for PushPayload.
func (g *Generator) EncryptPayload(passphrase []byte) ([]byte, error) {
	g.mu.Lock()
	enclave := g.key
	g.mu.Unlock()
	if enclave == nil {
		return nil, ErrNoActiveCode
	}
	buf, err := enclave.Open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	return util.EncryptGCM(passphrase, buf.Bytes(), nil)
}
