// Package rewrite rewrites media-server PlaybackInfo responses so pointer-file
// sources play directly from a resolved remote link.
package rewrite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/url"
	"strings"

	"github.com/wolfeidau/strm-proxy/resolver"
)

// PointerExt is the extension of pointer files.
const PointerExt = ".strm"

// ErrNoMediaSources is returned when the body has no media sources to rewrite.
var ErrNoMediaSources = errors.New("playback info has no media sources")

var transcodingFields = []string{
	"TranscodingUrl",
	"TranscodingSubProtocol",
	"TranscodingContainer",
	"TranscodingAudioChannels",
	"TranscodingSampleRate",
}

// PathResolver resolves a provider-local path into a playable link.
type PathResolver interface {
	ResolvePath(ctx context.Context, localPath string, origin resolver.Origin) (resolver.Result, error)
}

// Request carries the per-request inputs of a rewrite.
type Request struct {
	// RequestURL is the upstream URL of the PlaybackInfo call.
	RequestURL string
	Origin     resolver.Origin

	// APIKey is appended to rebuilt direct stream URLs when set.
	APIKey           string
	FillMediaStreams bool
}

// Stats counts what a rewrite did to each source.
type Stats struct {
	Pointer   int
	Rewritten int
	Local     int
	Failed    int
	Normal    int
}

// Rewriter rewrites PlaybackInfo bodies.
type Rewriter struct {
	links  PathResolver
	logger *slog.Logger
}

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithLogger sets the logger for the rewriter.
func WithLogger(logger *slog.Logger) Option {
	return func(rw *Rewriter) {
		rw.logger = logger
	}
}

// New creates a Rewriter that resolves pointer sources through links.
func New(links PathResolver, opts ...Option) *Rewriter {
	rw := &Rewriter{
		links:  links,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(rw)
	}
	rw.logger = rw.logger.With("component", "rewrite")
	return rw
}

// Rewrite decodes a PlaybackInfo body, rewrites every media source and
// returns the re-encoded body. Fields it does not touch round-trip
// unchanged. A source that fails to rewrite is left as it was.
func (rw *Rewriter) Rewrite(ctx context.Context, body []byte, req Request) ([]byte, Stats, error) {
	var stats Stats

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, stats, fmt.Errorf("decoding playback info: %w", err)
	}

	sources, ok := doc["MediaSources"].([]any)
	if !ok || len(sources) == 0 {
		return nil, stats, ErrNoMediaSources
	}

	pointerVariant := strings.Contains(req.RequestURL, "original"+PointerExt)
	for i, raw := range sources {
		source, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		if !IsPointerSource(source, pointerVariant) {
			markDirectPlay(source)
			stats.Normal++
			continue
		}

		stats.Pointer++
		next, outcome := rw.rewritePointer(ctx, source, req)
		switch outcome {
		case outcomeRewritten:
			sources[i] = next
			stats.Rewritten++
		case outcomeLocal:
			stats.Local++
		default:
			stats.Failed++
		}
	}

	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, stats, fmt.Errorf("encoding playback info: %w", err)
	}

	rw.logger.Debug("playback info rewritten",
		"sources", len(sources), "pointer", stats.Pointer, "rewritten", stats.Rewritten,
		"local", stats.Local, "failed", stats.Failed)
	return bytes.TrimRight(out.Bytes(), "\n"), stats, nil
}

// IsPointerSource reports whether a media source is backed by a pointer
// file.
func IsPointerSource(source map[string]any, pointerVariant bool) bool {
	if remote, _ := source["IsRemote"].(bool); remote {
		return true
	}
	if p, _ := source["Path"].(string); strings.HasSuffix(p, PointerExt) {
		return true
	}
	if c, _ := source["Container"].(string); strings.EqualFold(c, strings.TrimPrefix(PointerExt, ".")) {
		return true
	}
	return pointerVariant
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeLocal
	outcomeRewritten
)

func (rw *Rewriter) rewritePointer(ctx context.Context, source map[string]any, req Request) (next map[string]any, result outcome) {
	name, _ := source["Name"].(string)
	defer func() {
		if r := recover(); r != nil {
			rw.logger.Error("pointer source rewrite panicked", "name", name, "panic", r)
			next, result = nil, outcomeFailed
		}
	}()

	localPath, _ := source["Path"].(string)
	if localPath == "" {
		rw.logger.Warn("pointer source has no path", "name", name)
		return nil, outcomeFailed
	}

	res, err := rw.links.ResolvePath(ctx, localPath, req.Origin)
	if err != nil {
		rw.logger.Warn("pointer source not resolved, leaving unmodified", "name", name, "error", err)
		return nil, outcomeFailed
	}
	if res.Local {
		rw.logger.Debug("pointer source is local, leaving unmodified", "name", name)
		return nil, outcomeLocal
	}

	container := InferContainer(res.URL)
	if _, ok := containerOf(urlPath(res.URL)); !ok {
		if c, ok := containerOf(res.FileName); ok {
			container = c
		}
	}

	next = maps.Clone(source)
	applyRemote(next, res.URL, container, req)
	rw.logger.Info("pointer source rewritten", "name", name, "container", container)
	return next, outcomeRewritten
}

func applyRemote(source map[string]any, link, container string, req Request) {
	id, _ := source["Id"].(string)

	source["Path"] = link
	source["Protocol"] = "Http"
	source["MediaType"] = "Video"
	source["Container"] = container
	source["SupportsDirectPlay"] = true
	source["SupportsDirectStream"] = true
	source["SupportsTranscoding"] = false
	source["RequiresOpening"] = false
	source["IsRemote"] = true
	source["ETag"] = ETag(link)

	for _, f := range transcodingFields {
		delete(source, f)
	}

	if name, _ := source["Name"].(string); strings.HasSuffix(name, PointerExt) {
		source["Name"] = strings.TrimSuffix(name, PointerExt) + "." + container
	}

	source["DirectStreamUrl"] = DirectStreamURL(id, container, req.APIKey)

	if req.FillMediaStreams {
		streams, _ := source["MediaStreams"].([]any)
		source["MediaStreams"] = append(append([]any(nil), streams...), basicStreams(container)...)
	}
}

func markDirectPlay(source map[string]any) {
	source["SupportsDirectPlay"] = true
	source["SupportsDirectStream"] = true
	source["SupportsTranscoding"] = false
}

// DirectStreamURL is the media-server stream URL clients use for a rewritten
// source. It is routed back to the redirect handler.
func DirectStreamURL(sourceID, container, apiKey string) string {
	q := "Static=true&MediaSourceId=" + url.QueryEscape(sourceID)
	if apiKey != "" {
		q += "&api_key=" + url.QueryEscape(apiKey)
	}
	return "/Videos/" + url.PathEscape(sourceID) + "/stream." + container + "?" + q
}

// basicStreams returns placeholder video and audio streams. Clients probe
// the real values when playback starts.
func basicStreams(container string) []any {
	common := func(kind string) map[string]any {
		return map[string]any{
			"Type":         kind,
			"Index":        -1,
			"IsDefault":    true,
			"IsForced":     false,
			"Interlaced":   false,
			"IsInterlaced": false,
			"Codec":        nil,
			"Language":     nil,
			"Height":       nil,
			"Width":        nil,
			"BitRate":      nil,
			"Channels":     nil,
		}
	}

	video := common("Video")
	video["Codec"] = container
	video["DisplayTitle"] = strings.ToUpper(container) + " - Default"

	audio := common("Audio")
	audio["Language"] = "und"
	audio["Channels"] = 2
	audio["DisplayTitle"] = "Default Audio"

	return []any{video, audio}
}
