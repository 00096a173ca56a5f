package resolver

import (
	"context"
	"errors"
	"net"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/wolfeidau/strm-proxy/cache"
	"github.com/wolfeidau/strm-proxy/config"
	"github.com/wolfeidau/strm-proxy/provider"
)

// RelayPath is the proxy's own download relay endpoint.
const RelayPath = "/proxy/download"

var fileIDToken = regexp.MustCompile(`\[(\d+)\]`)

// slowLink resolves a mapped path through the provider API and reports
// whether the link must go through the relay. In proxy mode it always does
// and the raw provider link is cached. In direct mode a link that passes a
// short validation is returned as is, otherwise it is relayed. Neither
// direct-mode result is cached.
func (r *Resolver) slowLink(ctx context.Context, cfg *config.Config, mapped string) (string, bool, error) {
	if r.provider == nil {
		return "", false, stepErr(StepProvider, ReasonConfig, errNoProvider)
	}

	mode := cfg.Pan123.DownloadMode
	linkKey := LinkKey(mapped, mode)
	if mode == config.ModeProxy {
		if e, ok := r.tiers.Links.Get(ctx, linkKey); ok && e.URL != "" {
			return e.URL, true, nil
		}
	}

	fileID, err := r.fileID(ctx, path.Base(mapped))
	if err != nil {
		return "", false, err
	}

	raw, err := r.provider.DownloadURL(ctx, fileID)
	if err != nil {
		return "", false, providerErr(err)
	}

	if mode == config.ModeProxy {
		r.tiers.Links.Set(ctx, linkKey, cache.LinkEntry{URL: raw}, linkTTL)
		return raw, true, nil
	}

	if r.verifyLink(ctx, raw) {
		return raw, false, nil
	}
	r.logger.Debug("provider link failed validation, relaying", "path", mapped)
	return raw, true, nil
}

// fileID returns the provider file id for a file name. An explicit [digits]
// token in the name wins over a search.
func (r *Resolver) fileID(ctx context.Context, name string) (int64, error) {
	if m := fileIDToken.FindStringSubmatch(name); m != nil {
		if id, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return id, nil
		}
	}

	if e, ok := r.tiers.Search.Get(ctx, name); ok {
		return e.FileID, nil
	}

	f, err := r.provider.FindFile(ctx, name, searchLimit)
	if err != nil {
		return 0, providerErr(err)
	}

	r.tiers.Search.Set(ctx, name, cache.FileSearchEntry{
		FileID:    f.FileID,
		Size:      f.Size,
		ParentID:  f.ParentFileID,
		CreatedAt: f.CreateAt,
	}, searchTTL)
	return f.FileID, nil
}

func providerErr(err error) error {
	switch {
	case errors.Is(err, provider.ErrNotFound):
		return stepErr(StepProvider, ReasonNotFound, err)
	case errors.Is(err, provider.ErrNoCredentials):
		return stepErr(StepProvider, ReasonConfig, err)
	default:
		return stepErr(StepProvider, ReasonUpstream, err)
	}
}

// LinkKey is the link tier key for a mapped path and download mode. Entries
// hold the raw provider link.
func LinkKey(mapped, mode string) string {
	return "123:" + mapped + ":" + mode + ":v3"
}

// RelayURL wraps raw for the relay endpoint. The configured external URL is
// preferred, otherwise the request host is combined with the proxy port.
func RelayURL(cfg *config.Config, origin Origin, raw string) string {
	return relayBase(cfg, origin) + RelayPath + "?url=" + url.QueryEscape(raw)
}

func relayBase(cfg *config.Config, origin Origin) string {
	if ext := strings.TrimRight(cfg.Service.ExternalURL, "/"); ext != "" {
		return ext
	}

	scheme := origin.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := origin.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		host = "localhost"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(cfg.Emby.Port))
}
