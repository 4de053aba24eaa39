package cookiejar

import (
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okeefe/latch/internal/util"
	bboltstore "github.com/okeefe/latch/storage/bbolt"
	"github.com/okeefe/latch/storage/memory"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func newPersistentJar(t *testing.T) *Jar {
	t.Helper()
	key, err := util.NewKey()
	require.NoError(t, err)
	jar, err := New(WithPersistence(memory.NewRepository(), key))
	require.NoError(t, err)
	t.Cleanup(jar.Close)
	return jar
}

func allCookies(jar *Jar) []*http.Cookie {
	var out []*http.Cookie
	for c := range jar.All() {
		out = append(out, c)
	}
	return out
}

// jarTests runs the common suite against memory-only and persistent jars.
func jarTests(t *testing.T, newJar func(t *testing.T) *Jar) {
	t.Run("SetAndLoad", func(t *testing.T) {
		jar := newJar(t)
		jar.SetCookies(mustURL(t, "https://api.example.com/core/path"), []*http.Cookie{
			{Name: "sid", Value: "abc"},
		})
		got := jar.Cookies(mustURL(t, "https://api.example.com/core/path"))
		require.Len(t, got, 1)
		assert.Equal(t, "sid", got[0].Name)
		assert.Equal(t, "abc", got[0].Value)
	})

	t.Run("ExpiredWriteDeletes", func(t *testing.T) {
		jar := newJar(t)
		u := mustURL(t, "https://api.example.com/")
		jar.SetCookies(u, []*http.Cookie{{Name: "sid", Value: "abc", MaxAge: 3600}})
		require.Len(t, jar.Cookies(u), 1)

		// Writing the same key with a past expiry removes it everywhere.
		jar.SetCookies(u, []*http.Cookie{{Name: "sid", Value: "gone", MaxAge: -1}})
		assert.Empty(t, jar.Cookies(u))
		assert.Empty(t, allCookies(jar))
	})

	t.Run("PastExpiresNeverServed", func(t *testing.T) {
		jar := newJar(t)
		u := mustURL(t, "https://api.example.com/")
		jar.SetCookies(u, []*http.Cookie{
			{Name: "old", Value: "x", Expires: time.Now().Add(-time.Hour)},
		})
		assert.Empty(t, jar.Cookies(u))
		assert.Empty(t, allCookies(jar))
	})

	t.Run("DomainMatching", func(t *testing.T) {
		jar := newJar(t)
		jar.SetCookies(mustURL(t, "https://example.com/"), []*http.Cookie{
			{Name: "wide", Value: "1", Domain: "example.com"},
			{Name: "narrow", Value: "2"},
		})
		sub := jar.Cookies(mustURL(t, "https://api.example.com/"))
		require.Len(t, sub, 1)
		assert.Equal(t, "wide", sub[0].Name)

		exact := jar.Cookies(mustURL(t, "https://example.com/"))
		assert.Len(t, exact, 2)

		assert.Empty(t, jar.Cookies(mustURL(t, "https://example.org/")))
	})

	t.Run("PathMatching", func(t *testing.T) {
		jar := newJar(t)
		u := mustURL(t, "https://example.com/app/settings")
		jar.SetCookies(u, []*http.Cookie{
			{Name: "root", Value: "1", Path: "/"},
			{Name: "app", Value: "2", Path: "/app"},
		})
		got := jar.Cookies(mustURL(t, "https://example.com/app/settings"))
		require.Len(t, got, 2)
		// Longest path first.
		assert.Equal(t, "app", got[0].Name)

		rootOnly := jar.Cookies(mustURL(t, "https://example.com/other"))
		require.Len(t, rootOnly, 1)
		assert.Equal(t, "root", rootOnly[0].Name)

		// "/apple" is not under "/app".
		apple := jar.Cookies(mustURL(t, "https://example.com/apple"))
		require.Len(t, apple, 1)
		assert.Equal(t, "root", apple[0].Name)
	})

	t.Run("SecureOnlyOverTLS", func(t *testing.T) {
		jar := newJar(t)
		jar.SetCookies(mustURL(t, "https://example.com/"), []*http.Cookie{
			{Name: "sec", Value: "1", Secure: true},
		})
		assert.Len(t, jar.Cookies(mustURL(t, "https://example.com/")), 1)
		assert.Empty(t, jar.Cookies(mustURL(t, "http://example.com/")))
	})

	t.Run("SameKeyReplaces", func(t *testing.T) {
		jar := newJar(t)
		u := mustURL(t, "https://example.com/")
		jar.SetCookies(u, []*http.Cookie{{Name: "k", Value: "v1"}})
		jar.SetCookies(u, []*http.Cookie{{Name: "k", Value: "v2"}})
		got := jar.Cookies(u)
		require.Len(t, got, 1)
		assert.Equal(t, "v2", got[0].Value)
	})

	t.Run("AllIsRestartable", func(t *testing.T) {
		jar := newJar(t)
		u := mustURL(t, "https://example.com/")
		jar.SetCookies(u, []*http.Cookie{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}})
		seq := jar.All()
		assert.Len(t, allCookiesFrom(seq), 2)
		// A second range over the same sequence re-scans current state.
		jar.SetCookies(u, []*http.Cookie{{Name: "c", Value: "3"}})
		assert.Len(t, allCookiesFrom(seq), 3)
	})
}

func allCookiesFrom(seq func(func(*http.Cookie) bool)) []*http.Cookie {
	var out []*http.Cookie
	for c := range seq {
		out = append(out, c)
	}
	return out
}

func TestJarMemoryOnly(t *testing.T) {
	jarTests(t, func(t *testing.T) *Jar {
		jar, err := New()
		require.NoError(t, err)
		return jar
	})
}

func TestJarPersistent(t *testing.T) {
	jarTests(t, func(t *testing.T) *Jar { return newPersistentJar(t) })
}

func TestExpiryClassMove(t *testing.T) {
	jar := newPersistentJar(t)
	u := mustURL(t, "https://example.com/")

	// Persistent first, then rewritten as a session cookie: it must leave
	// the persistent partition.
	jar.SetCookies(u, []*http.Cookie{{Name: "k", Value: "v1", MaxAge: 3600}})
	require.Len(t, jar.persist.snapshot(), 1)
	require.Empty(t, jar.mem.snapshot())

	jar.SetCookies(u, []*http.Cookie{{Name: "k", Value: "v2"}})
	require.Empty(t, jar.persist.snapshot())
	require.Len(t, jar.mem.snapshot(), 1)

	// And back again.
	jar.SetCookies(u, []*http.Cookie{{Name: "k", Value: "v3", MaxAge: 3600}})
	require.Len(t, jar.persist.snapshot(), 1)
	require.Empty(t, jar.mem.snapshot())

	got := jar.Cookies(u)
	require.Len(t, got, 1)
	require.Equal(t, "v3", got[0].Value)
}

func TestPersistentCookiesSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.db")
	key, err := util.NewKey()
	require.NoError(t, err)
	u := mustURL(t, "https://example.com/")

	repo1, err := bboltstore.NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	jar1, err := New(WithPersistence(repo1, key))
	require.NoError(t, err)
	jar1.SetCookies(u, []*http.Cookie{
		{Name: "keep", Value: "disk", MaxAge: 3600},
		{Name: "drop", Value: "memory"},
	})
	jar1.Close()
	require.NoError(t, repo1.Close())

	repo2, err := bboltstore.NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer repo2.Close()
	jar2, err := New(WithPersistence(repo2, key))
	require.NoError(t, err)
	defer jar2.Close()

	got := jar2.Cookies(u)
	require.Len(t, got, 1)
	require.Equal(t, "keep", got[0].Name)
	require.Equal(t, "disk", got[0].Value)
}
