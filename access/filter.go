package access

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/wolfeidau/strm-proxy/config"
	"github.com/wolfeidau/strm-proxy/telemetry"
)

// Decision reasons.
const (
	ReasonDisabled = "disabled"
	ReasonPass     = "pass"
	ReasonClient   = "client"
	ReasonDevice   = "device"
	ReasonIP       = "ip"
	ReasonError    = "error"
)

// Decision is the outcome of evaluating an identity.
type Decision struct {
	Allowed bool
	Reason  string
}

// Filter evaluates identities against a rule set. It holds no rule state;
// the rules are passed on every call so edits take effect immediately.
type Filter struct {
	logger *slog.Logger
}

// FilterOption configures a Filter.
type FilterOption func(*Filter)

// WithLogger sets the logger for the filter.
func WithLogger(logger *slog.Logger) FilterOption {
	return func(f *Filter) {
		f.logger = logger
	}
}

// NewFilter creates a Filter.
func NewFilter(opts ...FilterOption) *Filter {
	f := &Filter{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "access")
	return f
}

// Evaluate decides whether id may use the proxy. Evaluation failures allow
// the request and log a warning.
func (f *Filter) Evaluate(ctx context.Context, id Identity, rules config.ClientFilterConfig) (d Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			f.logger.Warn("access evaluation failed, allowing", "error", fmt.Sprint(rec), "client", id.Client)
			d = Decision{Allowed: true, Reason: ReasonError}
		}
		decision := "allow"
		if !d.Allowed {
			decision = "deny"
		}
		telemetry.RecordAccessDecision(ctx, decision, d.Reason)
	}()

	if !rules.Enable {
		return Decision{Allowed: true, Reason: ReasonDisabled}
	}

	switch strings.ToLower(rules.Mode) {
	case config.FilterBlacklist:
		d = f.blacklist(id, rules)
	case config.FilterWhitelist:
		d = f.whitelist(id, rules)
	default:
		f.logger.Warn("unknown access filter mode, allowing", "mode", rules.Mode)
		return Decision{Allowed: true, Reason: ReasonError}
	}

	if !d.Allowed {
		f.logger.Warn("client denied",
			"reason", d.Reason,
			"client", id.Client,
			"device", id.Device,
			"ip", id.IP,
		)
	}
	return d
}

// Allow is Evaluate reduced to its verdict.
func (f *Filter) Allow(ctx context.Context, id Identity, rules config.ClientFilterConfig) bool {
	return f.Evaluate(ctx, id, rules).Allowed
}

func (f *Filter) blacklist(id Identity, rules config.ClientFilterConfig) Decision {
	if id.Client != "" && containsFold(rules.BlockedClients, id.Client) {
		return Decision{Reason: ReasonClient}
	}
	if id.Device != "" && containsFold(rules.BlockedDevices, id.Device) {
		return Decision{Reason: ReasonDevice}
	}
	if id.IP != "" && f.matchIP(rules.BlockedIPs, id.IP) {
		return Decision{Reason: ReasonIP}
	}
	return Decision{Allowed: true, Reason: ReasonPass}
}

// whitelist treats an empty allow-list as no restriction on that dimension.
func (f *Filter) whitelist(id Identity, rules config.ClientFilterConfig) Decision {
	if len(rules.AllowedClients) > 0 && !containsFold(rules.AllowedClients, id.Client) {
		return Decision{Reason: ReasonClient}
	}
	if len(rules.AllowedDevices) > 0 && !containsFold(rules.AllowedDevices, id.Device) {
		return Decision{Reason: ReasonDevice}
	}
	if len(rules.AllowedIPs) > 0 && !f.matchIP(rules.AllowedIPs, id.IP) {
		return Decision{Reason: ReasonIP}
	}
	return Decision{Allowed: true, Reason: ReasonPass}
}

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}

// matchIP compares entries exactly. Entries written in CIDR form match any
// address inside the prefix; unparsable prefixes are skipped with a warning.
func (f *Filter) matchIP(list []string, ip string) bool {
	var addr netip.Addr
	var addrErr error
	parsed := false

	for _, entry := range list {
		entry = strings.TrimSpace(entry)
		if entry == ip {
			return true
		}
		if !strings.Contains(entry, "/") {
			continue
		}
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			f.logger.Warn("ignoring invalid ip prefix in access rules", "entry", entry, "error", err)
			continue
		}
		if !parsed {
			addr, addrErr = netip.ParseAddr(ip)
			parsed = true
		}
		if addrErr == nil && prefix.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}
