// Package signer appends time-limited auth_key tokens to custom-domain URLs.
//
// The token is "{expiresAt}-{nonce}-{uid}-{md5hex}" where the digest covers
// "{decoded path}-{expiresAt}-{nonce}-{uid}-{secret}". The edge validates
// against the unescaped path, so the path is always decoded before hashing.
package signer

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// QueryParam is the query parameter carrying the token.
const QueryParam = "auth_key"

// ErrIncomplete is returned when the secret key or uid is missing.
var ErrIncomplete = errors.New("signer: secret key and uid are required")

// officialDomains are provider hosts whose links always accept auth_key.
var officialDomains = []string{
	"vip.123pan.cn",
	"123pan.cn",
	"cjjd19.com",
	"download-cdn.cjjd19.com",
}

// Signer signs URLs for a single secret/uid pair.
type Signer struct {
	secret string
	uid    string
	expire time.Duration
	now    func() time.Time
	nonce  func() int
}

// Option configures a Signer.
type Option func(*Signer)

// WithNow sets the clock used to compute the expiry.
func WithNow(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// WithNonce sets the nonce source. It must return values in [100, 999].
func WithNonce(nonce func() int) Option {
	return func(s *Signer) {
		s.nonce = nonce
	}
}

// New creates a Signer. expire is the validity window of each token.
func New(secret, uid string, expire time.Duration, opts ...Option) *Signer {
	s := &Signer{
		secret: secret,
		uid:    uid,
		expire: expire,
		now:    time.Now,
		nonce:  randomNonce,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func randomNonce() int {
	return 100 + rand.IntN(900)
}

// Sign returns rawURL with an auth_key parameter appended.
func (s *Signer) Sign(rawURL string) (string, error) {
	if s.secret == "" || s.uid == "" {
		return "", ErrIncomplete
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url to sign: %w", err)
	}

	expiresAt := s.now().Unix() + int64(s.expire/time.Second)
	token := Token(u.Path, expiresAt, s.nonce(), s.uid, s.secret)

	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + QueryParam + "=" + token, nil
}

// Token computes the auth_key value for an already decoded path.
func Token(path string, expiresAt int64, nonce int, uid, secret string) string {
	ts := strconv.FormatInt(expiresAt, 10)
	n := strconv.Itoa(nonce)

	sum := md5.Sum([]byte(path + "-" + ts + "-" + n + "-" + uid + "-" + secret))
	return ts + "-" + n + "-" + uid + "-" + hex.EncodeToString(sum[:])
}

// IsProviderURL reports whether rawURL points at an official provider host or
// one of the given custom domains, i.e. whether it should carry an auth_key.
func IsProviderURL(rawURL string, customDomains []string) bool {
	if rawURL == "" {
		return false
	}
	for _, d := range officialDomains {
		if strings.Contains(rawURL, d) {
			return true
		}
	}
	for _, d := range customDomains {
		if d != "" && strings.Contains(rawURL, d) {
			return true
		}
	}
	return false
}

// IsProviderHost reports whether host is an official provider host, one of
// domains, or a subdomain of either. Unlike IsProviderURL it compares whole
// host labels, so a domain appearing in the path or query does not match.
// Schemes, ports and paths in domains are ignored.
func IsProviderHost(host string, domains []string) bool {
	host = hostOnly(host)
	if host == "" {
		return false
	}
	for _, list := range [][]string{officialDomains, domains} {
		for _, d := range list {
			d = hostOnly(d)
			if d != "" && (host == d || strings.HasSuffix(host, "."+d)) {
				return true
			}
		}
	}
	return false
}

func hostOnly(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	return strings.TrimSuffix(strings.Trim(s, "[]"), ".")
}
