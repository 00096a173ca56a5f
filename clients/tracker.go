// Package clients records which media-server clients are using the proxy
// and which devices and addresses each user has been seen from.
package clients

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/wolfeidau/strm-proxy/access"
	"github.com/wolfeidau/strm-proxy/store/metadb"
	"github.com/wolfeidau/strm-proxy/telemetry"
)

const (
	// UnknownUser is recorded when the user cannot be determined.
	UnknownUser = "Unknown User"

	// DefaultTimeout is how long a connection stays active without requests.
	DefaultTimeout = 300 * time.Second

	userNameTTL    = 5 * time.Minute
	userNameSize   = 1024
	lookupDeadline = 3 * time.Second
)

var userPathRe = regexp.MustCompile(`/Users/([a-f0-9]{32})`)

// Store is the subset of metadb the tracker writes to.
type Store interface {
	PutClient(ctx context.Context, c *metadb.ClientConnection) error
	ListClients(ctx context.Context) ([]metadb.ClientConnection, error)
	DeleteStaleClients(ctx context.Context, before time.Time) (int, error)
	RecordUserActivity(ctx context.Context, user string, device metadb.DeviceRecord, ip metadb.IPRecord) error
}

// UserLookup resolves a user id to a display name.
type UserLookup interface {
	GetUserName(ctx context.Context, userID string) (string, error)
}

// UserLookupFunc adapts a function to UserLookup.
type UserLookupFunc func(ctx context.Context, userID string) (string, error)

// GetUserName implements UserLookup.
func (f UserLookupFunc) GetUserName(ctx context.Context, userID string) (string, error) {
	return f(ctx, userID)
}

// Tracker upserts client connections and user activity. Tracking never
// fails a request; errors are logged.
type Tracker struct {
	store   Store
	users   UserLookup
	names   *expirable.LRU[string, string]
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger for the tracker.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithTimeout sets how long a connection stays active.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithNow sets the clock for testing.
func WithNow(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a Tracker. users may be nil, in which case every user
// is recorded as UnknownUser.
func NewTracker(store Store, users UserLookup, opts ...Option) *Tracker {
	t := &Tracker{
		store:   store,
		users:   users,
		names:   expirable.NewLRU[string, string](userNameSize, nil, userNameTTL),
		timeout: DefaultTimeout,
		now:     time.Now,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "clients")
	return t
}

// ShouldTrack reports whether a request identifies an active playback or
// browsing client.
func ShouldTrack(r *http.Request) bool {
	p := r.URL.Path
	if strings.Contains(p, "/PlaybackInfo") || strings.Contains(p, "/Sessions/Playing") {
		return true
	}
	if strings.Contains(p, "/Users/") || strings.Contains(p, "/Items/") {
		return strings.Contains(r.URL.RawQuery, "UserId=")
	}
	return false
}

// UserID returns the user id from the UserId query parameter or a
// /Users/<id> path segment.
func UserID(r *http.Request) string {
	if id := r.URL.Query().Get("UserId"); id != "" {
		return id
	}
	if m := userPathRe.FindStringSubmatch(r.URL.Path); m != nil {
		return m[1]
	}
	return ""
}

// UserName resolves the display name of the request's user, caching
// lookups for five minutes.
func (t *Tracker) UserName(ctx context.Context, r *http.Request) string {
	id := UserID(r)
	if id == "" || t.users == nil {
		return UnknownUser
	}
	if name, ok := t.names.Get(id); ok {
		return name
	}

	ctx, cancel := context.WithTimeout(ctx, lookupDeadline)
	defer cancel()

	name, err := t.users.GetUserName(ctx, id)
	if err != nil || name == "" {
		t.logger.Debug("user lookup failed", "user_id", id, "error", err)
		return UnknownUser
	}
	t.names.Add(id, name)
	return name
}

// Track records the client behind r. Requests without a client name or
// device id are skipped.
func (t *Tracker) Track(ctx context.Context, r *http.Request, id access.Identity) {
	client := strings.TrimSpace(id.Client)
	deviceID := strings.TrimSpace(id.DeviceID)
	if client == "" || deviceID == "" {
		t.logger.Debug("incomplete client identity, not tracking", "client", client, "device_id", deviceID)
		return
	}

	user := t.UserName(ctx, r)
	if user != UnknownUser {
		err := t.store.RecordUserActivity(ctx, user,
			metadb.DeviceRecord{DeviceID: deviceID, Device: orUnknown(id.Device), Client: client},
			metadb.IPRecord{IP: id.IP, UserAgent: id.UserAgent},
		)
		if err != nil {
			t.logger.Warn("recording user activity failed", "user", user, "error", err)
		}
	}

	conn := &metadb.ClientConnection{
		ConnectionID: deviceID,
		UserName:     user,
		DeviceID:     deviceID,
		DeviceName:   orUnknown(id.Device),
		Client:       client,
		Version:      orUnknown(id.Version),
		IP:           orUnknown(id.IP),
		UserAgent:    orUnknown(id.UserAgent),
		LastActivity: t.now(),
	}
	if err := t.store.PutClient(ctx, conn); err != nil {
		t.logger.Warn("recording client connection failed", "device_id", deviceID, "error", err)
		return
	}
	t.logger.Debug("client tracked", "client", client, "device", conn.DeviceName, "user", user)

	t.Cleanup(ctx)
}

// Cleanup removes connections idle longer than the timeout and records the
// remaining active count.
func (t *Tracker) Cleanup(ctx context.Context) int {
	deleted, err := t.store.DeleteStaleClients(ctx, t.now().Add(-t.timeout))
	if err != nil {
		t.logger.Warn("cleaning stale clients failed", "error", err)
		return 0
	}
	if deleted > 0 {
		t.logger.Debug("removed stale clients", "count", deleted)
	}
	if active, err := t.store.ListClients(ctx); err == nil {
		telemetry.RecordActiveClients(ctx, len(active))
	}
	return deleted
}

// Active returns connections seen within the timeout.
func (t *Tracker) Active(ctx context.Context) ([]metadb.ClientConnection, error) {
	all, err := t.store.ListClients(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := t.now().Add(-t.timeout)
	active := all[:0]
	for _, c := range all {
		if !c.LastActivity.Before(cutoff) {
			active = append(active, c)
		}
	}
	return active, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
