// Package legacy imports the JSON files an older deployment kept next to its
// config: the item path map and the per-user device history.
package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/wolfeidau/strm-proxy/store/metadb"
)

// File names read from the legacy directory.
const (
	ItemPathFile    = "item_path_db.json"
	UserHistoryFile = "user_history.json"

	backupSuffix = ".bak"
)

// Store is the subset of metadb the import writes to.
type Store interface {
	GetMeta(ctx context.Context, namespace, key string) ([]byte, error)
	PutMeta(ctx context.Context, namespace, key string, data []byte, ttl time.Duration) error
	PutItemPaths(ctx context.Context, paths map[string]string) (int, error)
	ImportUserActivity(ctx context.Context, activity metadb.UserActivity) error
	Now() time.Time
}

// Result summarizes an import.
type Result struct {
	ItemPaths int
	Users     int

	// Skipped lists files whose fingerprint matched an earlier import.
	Skipped []string
}

// record is stored under metadb.NamespaceLegacy for every imported file.
type record struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Records     int         `json:"records"`
	ImportedAt  time.Time   `json:"imported_at"`
}

type userHistory struct {
	Devices []struct {
		DeviceID string `json:"device_id"`
		Device   string `json:"device"`
		Client   string `json:"client"`
	} `json:"devices"`
	IPs []struct {
		IP        string `json:"ip"`
		UserAgent string `json:"user_agent"`
	} `json:"ips"`
}

// Option configures Import.
type Option func(*importer)

// WithLogger sets the logger for the import.
func WithLogger(logger *slog.Logger) Option {
	return func(im *importer) {
		im.logger = logger
	}
}

type importer struct {
	db     Store
	dir    string
	logger *slog.Logger
}

// Import reads the legacy files in dir, upserts their contents into db and
// renames each imported file to *.bak. Missing files are not an error. A
// file whose BLAKE3 fingerprint matches an earlier import is not applied
// again.
func Import(ctx context.Context, db Store, dir string, opts ...Option) (Result, error) {
	im := &importer{
		db:     db,
		dir:    dir,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(im)
	}
	im.logger = im.logger.With("component", "legacy")

	var res Result

	n, skipped, err := im.importFile(ctx, ItemPathFile, im.applyItemPaths)
	if err != nil {
		return res, err
	}
	res.ItemPaths = n
	if skipped {
		res.Skipped = append(res.Skipped, ItemPathFile)
	}

	n, skipped, err = im.importFile(ctx, UserHistoryFile, im.applyUserHistory)
	if err != nil {
		return res, err
	}
	res.Users = n
	if skipped {
		res.Skipped = append(res.Skipped, UserHistoryFile)
	}

	return res, nil
}

func (im *importer) importFile(ctx context.Context, name string, apply func(context.Context, []byte) (int, error)) (int, bool, error) {
	path := filepath.Join(im.dir, name)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading %s: %w", name, err)
	}

	fp := Sum(data)
	if im.alreadyImported(ctx, name, fp) {
		im.logger.Info("legacy file unchanged since last import, skipping", "file", name, "fingerprint", fp.ShortString())
		return 0, true, im.backup(path)
	}

	n, err := apply(ctx, data)
	if err != nil {
		return 0, false, fmt.Errorf("importing %s: %w", name, err)
	}

	rec, err := json.Marshal(record{Fingerprint: fp, Records: n, ImportedAt: im.db.Now()})
	if err != nil {
		return 0, false, fmt.Errorf("encoding import record: %w", err)
	}
	if err := im.db.PutMeta(ctx, metadb.NamespaceLegacy, name, rec, 0); err != nil {
		return 0, false, fmt.Errorf("recording import of %s: %w", name, err)
	}

	im.logger.Info("legacy file imported", "file", name, "records", n, "fingerprint", fp.ShortString())
	return n, false, im.backup(path)
}

func (im *importer) alreadyImported(ctx context.Context, name string, fp Fingerprint) bool {
	data, err := im.db.GetMeta(ctx, metadb.NamespaceLegacy, name)
	if err != nil {
		return false
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return false
	}
	return rec.Fingerprint == fp
}

func (im *importer) backup(path string) error {
	if err := os.Rename(path, path+backupSuffix); err != nil {
		return fmt.Errorf("backing up %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (im *importer) applyItemPaths(ctx context.Context, data []byte) (int, error) {
	var paths map[string]string
	if err := json.Unmarshal(data, &paths); err != nil {
		return 0, fmt.Errorf("decoding item paths: %w", err)
	}
	return im.db.PutItemPaths(ctx, paths)
}

func (im *importer) applyUserHistory(ctx context.Context, data []byte) (int, error) {
	var history map[string]userHistory
	if err := json.Unmarshal(data, &history); err != nil {
		return 0, fmt.Errorf("decoding user history: %w", err)
	}

	now := im.db.Now()
	users := 0
	for user, h := range history {
		if user == "" {
			continue
		}

		activity := metadb.UserActivity{User: user, LastSeen: now}
		for _, d := range h.Devices {
			activity.Devices = append(activity.Devices, metadb.DeviceRecord{
				DeviceID: orUnknown(d.DeviceID),
				Device:   orUnknown(d.Device),
				Client:   orUnknown(d.Client),
			})
		}
		for _, ip := range h.IPs {
			activity.IPs = append(activity.IPs, metadb.IPRecord{IP: ip.IP, UserAgent: ip.UserAgent})
		}

		if err := im.db.ImportUserActivity(ctx, activity); err != nil {
			return users, fmt.Errorf("importing user %s: %w", user, err)
		}
		users++
	}
	return users, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
