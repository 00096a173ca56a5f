// Package metadb provides the bbolt-backed persisted store for the proxy:
// TTL cache entries, the permanent item path map and client activity.
package metadb

import "time"

// Namespaces for TTL entries.
const (
	NamespaceLink         = "link"
	NamespaceDomainHealth = "domain_health"
	NamespaceFileSearch   = "file_search"
	NamespaceLegacy       = "legacy_import"
)

// ExpiryEntry describes a TTL entry for expiration tracking.
type ExpiryEntry struct {
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
	Size      int64     `json:"size"`
}

// ClientConnection is the last observed activity of one client device.
type ClientConnection struct {
	ConnectionID string    `json:"connection_id"`
	UserName     string    `json:"user_name"`
	DeviceID     string    `json:"device_id"`
	DeviceName   string    `json:"device_name"`
	Client       string    `json:"client"`
	Version      string    `json:"version"`
	IP           string    `json:"ip"`
	UserAgent    string    `json:"user_agent"`
	LastActivity time.Time `json:"last_activity"`
}

// UserActivity aggregates the devices and addresses a user was seen with.
type UserActivity struct {
	User     string         `json:"user"`
	Devices  []DeviceRecord `json:"devices"`
	IPs      []IPRecord     `json:"ips"`
	LastSeen time.Time      `json:"last_seen"`
}

// DeviceRecord is one device a user played from.
type DeviceRecord struct {
	DeviceID string    `json:"device_id"`
	Device   string    `json:"device"`
	Client   string    `json:"client"`
	LastSeen time.Time `json:"last_seen,omitzero"`
}

// IPRecord is one address a user connected from.
type IPRecord struct {
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	LastSeen  time.Time `json:"last_seen,omitzero"`
}

// Stats holds entry counts per store area.
type Stats struct {
	Namespaces map[string]int `json:"namespaces"`
	ItemPaths  int            `json:"item_paths"`
	Clients    int            `json:"clients"`
	Users      int            `json:"users"`
}
