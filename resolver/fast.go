package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/idna"

	"github.com/wolfeidau/strm-proxy/cache"
	"github.com/wolfeidau/strm-proxy/config"
	"github.com/wolfeidau/strm-proxy/pathmap"
)

// fastLink builds a signed custom-domain link for a mapped path without any
// provider call. It fails when the mode, signing config or domain health
// rules it out.
func (r *Resolver) fastLink(ctx context.Context, cfg *config.Config, mapped string) (string, error) {
	if cfg.Pan123.DownloadMode != config.ModeDirect {
		return "", stepErr(StepFast, ReasonConfig, errModeNotDirect)
	}

	auth := cfg.Pan123.URLAuth
	if !auth.Enable || len(auth.CustomDomains) == 0 {
		return "", stepErr(StepFast, ReasonConfig, errNoDomain)
	}

	base, host, err := DomainBase(auth.CustomDomains[0])
	if err != nil {
		return "", stepErr(StepFast, ReasonConfig, err)
	}

	candidate := base + EscapePath(pathmap.StripMount(mapped, cfg.Pan123.MountPath))
	signed, err := r.signerFor(cfg).Sign(candidate)
	if err != nil {
		return "", stepErr(StepFast, ReasonConfig, err)
	}

	if !r.domainHealthy(ctx, base, host) {
		return "", stepErr(StepFast, ReasonUnhealthy, fmt.Errorf("domain %s unreachable", host))
	}
	return signed, nil
}

// DomainBase normalizes a configured custom domain into a scheme://host base
// URL with an ASCII host. https is assumed when no scheme is given.
func DomainBase(domain string) (base, host string, err error) {
	domain = strings.TrimRight(strings.TrimSpace(domain), "/")
	if domain == "" {
		return "", "", errors.New("empty custom domain")
	}
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}

	u, err := url.Parse(domain)
	if err != nil {
		return "", "", fmt.Errorf("parsing custom domain: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("unsupported custom domain scheme %q", u.Scheme)
	}

	ascii, err := idna.Lookup.ToASCII(u.Hostname())
	if err != nil {
		return "", "", fmt.Errorf("normalizing custom domain %q: %w", u.Hostname(), err)
	}

	host = ascii
	if port := u.Port(); port != "" {
		host = net.JoinHostPort(ascii, port)
	}
	return u.Scheme + "://" + host, host, nil
}

// EscapePath percent-encodes every byte outside the unreserved set, keeping
// the path separators.
func EscapePath(p string) string {
	const hex = "0123456789ABCDEF"

	var b strings.Builder
	b.Grow(len(p))
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' || isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}

// domainHealthy reports whether the custom domain answered a short probe,
// consulting the health tier first.
func (r *Resolver) domainHealthy(ctx context.Context, base, host string) bool {
	if e, ok := r.tiers.Health.Get(ctx, host); ok {
		return e.Healthy
	}

	// The verdict is shared by every request for the next TTL, so the check
	// runs detached from this caller's cancellation.
	ctx = context.WithoutCancel(ctx)
	healthy := r.probeDomain(ctx, base)
	ttl := healthyTTL
	if !healthy {
		ttl = unhealthyTTL
		r.logger.Warn("custom domain unhealthy", "host", host)
	}
	r.tiers.Health.Set(ctx, host, cache.HealthEntry{Healthy: healthy, CheckedAt: r.now()}, ttl)
	return healthy
}

// probeDomain treats any HTTP response as healthy. Only a transport failure
// marks the domain down.
func (r *Resolver) probeDomain(ctx context.Context, base string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.probeWait)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, base+"/", nil)
	if err != nil {
		return false
	}
	resp, err := r.probe.Do(req)
	if err != nil {
		r.logger.Debug("domain probe failed", "base", base, "error", err)
		return false
	}
	_ = resp.Body.Close()
	return true
}

// verifyLink accepts a provider link that answers a short HEAD with 200, 206
// or a redirect.
func (r *Resolver) verifyLink(ctx context.Context, link string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.verifyWait)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
	if err != nil {
		return false
	}
	resp, err := r.probe.Do(req)
	if err != nil {
		r.logger.Debug("link validation failed", "error", err)
		return false
	}
	_ = resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent, http.StatusMovedPermanently, http.StatusFound:
		return true
	}
	return false
}
