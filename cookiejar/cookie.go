// Package cookiejar implements a law-compliant cookie jar split into a
// persistent partition (disk, survives restarts) and a session partition
// (memory, cleared on process end). It satisfies net/http.CookieJar so it
// plugs directly into an http.Client transport.
package cookiejar

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// record is the stored form of a cookie. A cookie lives in the persistent
// partition iff Expires is set; session cookies have a zero Expires.
type record struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitzero"`
	HostOnly bool      `json:"host_only"`
	Secure   bool      `json:"secure"`
}

// key is the uniqueness key (name, domain, path). Cookie names, domains and
// paths cannot contain ';' so it is a safe separator.
func (r record) key() string {
	return r.Domain + ";" + r.Path + ";" + r.Name
}

func (r record) persistent() bool {
	return !r.Expires.IsZero()
}

func (r record) expired(now time.Time) bool {
	return r.persistent() && !r.Expires.After(now)
}

func (r record) cookie() *http.Cookie {
	return &http.Cookie{
		Name:    r.Name,
		Value:   r.Value,
		Domain:  r.Domain,
		Path:    r.Path,
		Expires: r.Expires,
		Secure:  r.Secure,
	}
}

// canonicalHost lowercases the request host and strips any port.
func canonicalHost(u *url.URL) string {
	return strings.ToLower(u.Hostname())
}

func (r record) domainMatch(host string) bool {
	if r.Domain == host {
		return true
	}
	return !r.HostOnly && strings.HasSuffix(host, "."+r.Domain)
}

// pathMatch implements RFC 6265 §5.1.4 path matching.
func (r record) pathMatch(requestPath string) bool {
	if requestPath == "" {
		requestPath = "/"
	}
	if r.Path == requestPath {
		return true
	}
	if !strings.HasPrefix(requestPath, r.Path) {
		return false
	}
	return strings.HasSuffix(r.Path, "/") || requestPath[len(r.Path)] == '/'
}

// defaultPath derives the default cookie path from the request URL,
// per RFC 6265 §5.1.4.
func defaultPath(u *url.URL) string {
	p := u.Path
	if p == "" || !strings.HasPrefix(p, "/") {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}
