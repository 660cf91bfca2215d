package access

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/die-net/socksbridge/internal/metrics"
)

// Credential is a username/password pair checked against Proxy-Authorization.
type Credential struct {
	Username string
	Password string
}

// ParseCredential parses "user:pass". The password may contain colons.
func ParseCredential(s string) (*Credential, error) {
	user, pass, ok := strings.Cut(s, ":")
	if !ok || user == "" {
		return nil, fmt.Errorf("invalid credential %q: want user:pass", s)
	}
	return &Credential{Username: user, Password: pass}, nil
}

// BasicToken returns the base64 token used in a Basic authorization header.
func (c *Credential) BasicToken() string {
	return base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
}

type Config struct {
	// Credential, when set, is required in every request's
	// Proxy-Authorization header.
	Credential *Credential

	// Allowlist, when non-empty, restricts destinations. An entry
	// "example.org" matches only that name; ".example.org" matches
	// example.org and every subdomain of it.
	Allowlist []string

	// Realm is sent in Proxy-Authenticate. Defaults to "proxy".
	Realm string

	Log logrus.FieldLogger
}

// Denial is the response sent in place of proxying a request.
type Denial struct {
	Status int
	Header http.Header
	Body   string

	// Reason is a short machine-readable label for logs and metrics.
	Reason string
}

// Gate is immutable after New and safe for concurrent use.
type Gate struct {
	expected []byte
	realm    string
	exact    map[string]struct{}
	suffixes []string
	restrict bool
	log      logrus.FieldLogger
}

func New(cfg Config) *Gate {
	g := &Gate{
		realm: cfg.Realm,
		log:   cfg.Log,
	}
	if g.realm == "" {
		g.realm = "proxy"
	}
	if g.log == nil {
		g.log = logrus.StandardLogger()
	}

	if cfg.Credential != nil {
		g.expected = []byte("Basic " + cfg.Credential.BasicToken())
	}

	for _, entry := range cfg.Allowlist {
		name := normalizeHost(entry)
		if name == "" || name == "." {
			continue
		}
		g.restrict = true
		if strings.HasPrefix(name, ".") {
			g.suffixes = append(g.suffixes, name)
			continue
		}
		if g.exact == nil {
			g.exact = make(map[string]struct{})
		}
		g.exact[name] = struct{}{}
	}

	return g
}

// Check returns nil if a request carrying header and destined for host may
// proceed. host is empty when the request had no usable authority.
//
// Checks run in order: credentials, then host presence, then allowlist.
func (g *Gate) Check(header http.Header, host string) *Denial {
	if d := g.checkCredential(header); d != nil {
		return g.deny(d, host)
	}

	if host == "" {
		return g.deny(&Denial{
			Status: http.StatusBadRequest,
			Body:   "missing or invalid destination host",
			Reason: "bad_request",
		}, host)
	}

	if !g.Allowed(host) {
		return g.deny(&Denial{
			Status: http.StatusForbidden,
			Body:   fmt.Sprintf("destination %q is not in the allowed domain list", host),
			Reason: "domain_not_allowed",
		}, host)
	}

	return nil
}

func (g *Gate) checkCredential(header http.Header) *Denial {
	if g.expected == nil {
		return nil
	}

	got := header.Values("Proxy-Authorization")
	if len(got) == 0 {
		return &Denial{
			Status: http.StatusProxyAuthRequired,
			Header: http.Header{"Proxy-Authenticate": {`Basic realm="` + g.realm + `"`}},
			Body:   "proxy authentication required",
			Reason: "auth_missing",
		}
	}
	if len(got) > 1 || !g.credentialMatches(got[0]) {
		return &Denial{
			Status: http.StatusUnauthorized,
			Body:   "invalid proxy credentials",
			Reason: "auth_invalid",
		}
	}
	return nil
}

// credentialMatches compares in constant time. The scheme name is
// case-insensitive.
func (g *Gate) credentialMatches(value string) bool {
	scheme, token, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return false
	}
	got := []byte("Basic " + strings.TrimSpace(token))
	return subtle.ConstantTimeCompare(got, g.expected) == 1
}

// Allowed reports whether host passes the allowlist. Without an allowlist
// every host is allowed.
func (g *Gate) Allowed(host string) bool {
	if !g.restrict {
		return true
	}

	name := normalizeHost(host)
	if _, ok := g.exact[name]; ok {
		return true
	}
	for _, suffix := range g.suffixes {
		if name == suffix[1:] || strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func (g *Gate) deny(d *Denial, host string) *Denial {
	g.log.WithFields(logrus.Fields{
		"reason": d.Reason,
		"host":   host,
		"status": d.Status,
	}).Warn("request denied")
	metrics.Denials.WithLabelValues(d.Reason).Inc()
	return d
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if len(host) > 1 {
		host = strings.TrimSuffix(host, ".")
	}
	return host
}
