package cookiejar

import (
	"hash/fnv"
	"iter"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/okeefe/latch/storage"
)

const lockStripes = 16

// Jar is a cookie jar partitioned by expiry class: cookies carrying an
// expiry go to persistent storage, cookies without one stay in memory.
// A write may move a cookie between partitions when its class changes.
type Jar struct {
	mem     *memoryStore
	persist *persistentStore // nil for a memory-only jar
	locks   [lockStripes]sync.Mutex
	now     func() time.Time
}

var _ http.CookieJar = (*Jar)(nil)

// Option configures a Jar.
type Option func(*Jar) error

// WithPersistence backs the persistent partition with the given repository.
// Records are sealed at rest with the 32-byte sealKey.
func WithPersistence(repo storage.Repository, sealKey []byte) Option {
	return func(j *Jar) error {
		p, err := newPersistentStore(repo, sealKey)
		if err != nil {
			return err
		}
		j.persist = p
		return nil
	}
}

// New creates a Jar. Without WithPersistence every cookie, regardless of
// expiry, lives in memory only.
func New(opts ...Option) (*Jar, error) {
	j := &Jar{
		mem: newMemoryStore(),
		now: time.Now,
	}
	for _, opt := range opts {
		if err := opt(j); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// Close stops the persistent writer and wipes key material.
func (j *Jar) Close() {
	if j.persist != nil {
		j.persist.close()
	}
}

func (j *Jar) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &j.locks[h.Sum32()%lockStripes]
}

// Set writes one cookie, routing it to the partition matching its expiry
// class and removing any same-key entry from the other partition. A cookie
// whose expiry is not after now acts as an immediate delete from both.
func (j *Jar) Set(c *http.Cookie) error {
	r := record{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   strings.ToLower(strings.TrimPrefix(c.Domain, ".")),
		Path:     c.Path,
		Expires:  c.Expires,
		HostOnly: c.Domain == "",
		Secure:   c.Secure,
	}
	if r.Path == "" {
		r.Path = "/"
	}
	return j.set(r)
}

func (j *Jar) set(r record) error {
	key := r.key()
	mu := j.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	if r.expired(j.now()) {
		j.mem.delete(key)
		if j.persist != nil {
			return j.persist.delete(key)
		}
		return nil
	}
	if !r.persistent() || j.persist == nil {
		j.mem.put(r)
		if j.persist != nil {
			return j.persist.delete(key)
		}
		return nil
	}
	j.mem.delete(key)
	return j.persist.put(r)
}

// SetCookies implements http.CookieJar: it applies Set for each response
// cookie after resolving domain and path defaults from the request URL.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	host := canonicalHost(u)
	now := j.now()
	for _, c := range cookies {
		r := record{
			Name:     c.Name,
			Value:    c.Value,
			Secure:   c.Secure,
			HostOnly: true,
			Domain:   host,
		}
		if d := strings.ToLower(strings.TrimPrefix(c.Domain, ".")); d != "" {
			r.Domain = d
			r.HostOnly = false
		}
		if c.Path == "" || !strings.HasPrefix(c.Path, "/") {
			r.Path = defaultPath(u)
		} else {
			r.Path = c.Path
		}
		switch {
		case c.MaxAge < 0:
			r.Expires = now.Add(-time.Second)
		case c.MaxAge > 0:
			r.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		default:
			r.Expires = c.Expires
		}
		_ = j.set(r)
	}
}

// Cookies implements http.CookieJar: it returns cookies from both
// partitions matching the URL's domain, path, and scheme. Secure cookies
// are only released over encrypted transport.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	host := canonicalHost(u)
	secure := u.Scheme == "https" || u.Scheme == "wss"
	now := j.now()

	var matched []record
	for _, r := range j.records() {
		if r.expired(now) {
			continue
		}
		if r.Secure && !secure {
			continue
		}
		if !r.domainMatch(host) || !r.pathMatch(u.Path) {
			continue
		}
		matched = append(matched, r)
	}
	// Longer paths first, then by name for a stable order.
	sort.Slice(matched, func(i, k int) bool {
		if len(matched[i].Path) != len(matched[k].Path) {
			return len(matched[i].Path) > len(matched[k].Path)
		}
		return matched[i].Name < matched[k].Name
	})
	out := make([]*http.Cookie, 0, len(matched))
	for _, r := range matched {
		out = append(out, &http.Cookie{Name: r.Name, Value: r.Value})
	}
	return out
}

// All returns a restartable sequence merging both partitions. Every range
// over the sequence re-scans current state; expired entries are excluded.
func (j *Jar) All() iter.Seq[*http.Cookie] {
	return func(yield func(*http.Cookie) bool) {
		now := j.now()
		for _, r := range j.records() {
			if r.expired(now) {
				continue
			}
			if !yield(r.cookie()) {
				return
			}
		}
	}
}

func (j *Jar) records() []record {
	recs := j.mem.snapshot()
	if j.persist != nil {
		recs = append(recs, j.persist.snapshot()...)
	}
	return recs
}
