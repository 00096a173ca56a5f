// Package access extracts client identity from inbound media-server requests
// and evaluates it against the configured allow and block rules.
package access

import (
	"net"
	"net/http"
	"regexp"
	"strings"
)

// Header and query parameter names used by media-server clients.
const (
	HeaderClient        = "X-Emby-Client"
	HeaderDeviceName    = "X-Emby-Device-Name"
	HeaderDeviceID      = "X-Emby-Device-Id"
	HeaderClientVersion = "X-Emby-Client-Version"
	HeaderToken         = "X-Emby-Token"
	HeaderAuthorization = "X-Emby-Authorization"
)

var (
	authClient   = regexp.MustCompile(`(?i)\bClient\s*=\s*"([^"]*)"`)
	authDevice   = regexp.MustCompile(`(?i)\bDevice\s*=\s*"([^"]*)"`)
	authDeviceID = regexp.MustCompile(`(?i)\bDeviceId\s*=\s*"([^"]*)"`)
	authVersion  = regexp.MustCompile(`(?i)\bVersion\s*=\s*"([^"]*)"`)
	authToken    = regexp.MustCompile(`(?i)\bToken\s*=\s*"([^"]*)"`)
)

// Identity is the client tuple a request presents.
type Identity struct {
	Client    string `json:"client"`
	Device    string `json:"device"`
	DeviceID  string `json:"device_id"`
	Version   string `json:"version"`
	Token     string `json:"-"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
}

// ExtractIdentity reads the client identity from query parameters, then
// headers, then the structured authorization header. Missing fields are
// empty strings.
func ExtractIdentity(r *http.Request) Identity {
	q := r.URL.Query()
	pick := func(name string) string {
		if v := q.Get(name); v != "" {
			return v
		}
		return r.Header.Get(name)
	}

	id := Identity{
		Client:    pick(HeaderClient),
		Device:    pick(HeaderDeviceName),
		DeviceID:  pick(HeaderDeviceID),
		Version:   pick(HeaderClientVersion),
		Token:     pick(HeaderToken),
		IP:        remoteIP(r.RemoteAddr),
		UserAgent: r.UserAgent(),
	}

	if id.Client == "" {
		auth := authorizationValue(r)
		if auth != "" {
			id.Client = submatch(authClient, auth)
			id.Device = firstNonEmpty(submatch(authDevice, auth), id.Device)
			id.DeviceID = firstNonEmpty(submatch(authDeviceID, auth), id.DeviceID)
			id.Version = firstNonEmpty(submatch(authVersion, auth), id.Version)
			id.Token = firstNonEmpty(id.Token, submatch(authToken, auth))
		}
	}

	return id
}

func authorizationValue(r *http.Request) string {
	if v := r.Header.Get(HeaderAuthorization); v != "" {
		return v
	}
	if v := r.URL.Query().Get(HeaderAuthorization); v != "" {
		return v
	}
	// Some clients send the structured form in the standard header.
	v := r.Header.Get("Authorization")
	lower := strings.ToLower(v)
	if strings.HasPrefix(lower, "emby ") || strings.HasPrefix(lower, "mediabrowser ") {
		return v
	}
	return ""
}

func submatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
