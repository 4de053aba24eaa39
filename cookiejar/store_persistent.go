package cookiejar

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/okeefe/latch/internal/util"
	"github.com/okeefe/latch/storage"
)

const (
	cookieStoreID    = "__cookies"
	cookieRecordKind = "COOKIE"
	cookieAADPrefix  = "cookie:"
)

// persistentStore holds cookies with an expiry in a storage.Repository,
// sealed with AES-256-GCM. All writes flow through a single writer
// goroutine so concurrent callers cannot interleave partial file writes.
type persistentStore struct {
	repo     storage.Repository
	key      []byte // 32-byte AES-256 sealing key
	writes   chan persistOp
	stopOnce sync.Once
	done     chan struct{}
}

type persistOp struct {
	del   bool
	key   string
	rec   record
	reply chan error
}

func newPersistentStore(repo storage.Repository, sealKey []byte) (*persistentStore, error) {
	if len(sealKey) != util.KeySize {
		return nil, fmt.Errorf("sealing key must be exactly %d bytes, got %d", util.KeySize, len(sealKey))
	}
	s := &persistentStore{
		repo:   repo,
		key:    util.CopyBytes(sealKey),
		writes: make(chan persistOp),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

func (s *persistentStore) close() {
	s.stopOnce.Do(func() {
		close(s.done)
		util.WipeBytes(s.key)
	})
}

func (s *persistentStore) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case op := <-s.writes:
			op.reply <- s.apply(op)
		}
	}
}

func (s *persistentStore) apply(op persistOp) error {
	if op.del {
		return s.repo.Delete(cookieStoreID, cookieRecordKind, op.key)
	}
	data, err := json.Marshal(op.rec)
	if err != nil {
		return err
	}
	env, err := storage.Seal(s.key, data, []byte(cookieAADPrefix+op.key))
	if err != nil {
		return err
	}
	return s.repo.Put(cookieStoreID, cookieRecordKind, op.key, env)
}

func (s *persistentStore) submit(op persistOp) error {
	op.reply = make(chan error, 1)
	select {
	case s.writes <- op:
		return <-op.reply
	case <-s.done:
		return errors.New("cookie store closed")
	}
}

func (s *persistentStore) put(r record) error {
	return s.submit(persistOp{key: r.key(), rec: r})
}

func (s *persistentStore) delete(key string) error {
	return s.submit(persistOp{del: true, key: key})
}

// snapshot reads all persisted cookies. Entries that fail to unseal or
// unmarshal are skipped; they will be overwritten or expired eventually.
func (s *persistentStore) snapshot() []record {
	keys, err := s.repo.List(cookieStoreID, cookieRecordKind)
	if err != nil {
		return nil
	}
	out := make([]record, 0, len(keys))
	for _, k := range keys {
		env, err := s.repo.Get(cookieStoreID, cookieRecordKind, k)
		if err != nil {
			continue
		}
		data, err := storage.Open(s.key, env, []byte(cookieAADPrefix+k))
		if err != nil {
			continue
		}
		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}
