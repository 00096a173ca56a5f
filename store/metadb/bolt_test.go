package metadb

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltDB(t *testing.T, opts ...BoltDBOption) *BoltDB {
	t.Helper()
	db := NewBoltDB(opts...)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, db.Open(dbPath))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBoltDB_MetaOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("PutMeta and GetMeta round-trip", func(t *testing.T) {
		db := newTestBoltDB(t)

		key := "123:/123/movies/a.mkv:proxy:v2"
		data := []byte(`{"url":"https://proxy.example.com/proxy/download?url=x"}`)

		require.NoError(t, db.PutMeta(ctx, NamespaceLink, key, data, time.Hour))

		got, err := db.GetMeta(ctx, NamespaceLink, key)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("GetMeta returns ErrNotFound for missing key", func(t *testing.T) {
		db := newTestBoltDB(t)

		_, err := db.GetMeta(ctx, NamespaceLink, "nonexistent")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("namespaces are isolated", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.PutMeta(ctx, NamespaceLink, "k", []byte("link"), time.Hour))
		require.NoError(t, db.PutMeta(ctx, NamespaceFileSearch, "k", []byte("search"), time.Hour))

		got, err := db.GetMeta(ctx, NamespaceFileSearch, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("search"), got)
	})

	t.Run("DeleteMeta removes entry and index", func(t *testing.T) {
		baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		db := newTestBoltDB(t, WithNow(func() time.Time { return baseTime }))

		require.NoError(t, db.PutMeta(ctx, NamespaceLink, "k", []byte("v"), time.Minute))
		require.NoError(t, db.DeleteMeta(ctx, NamespaceLink, "k"))

		_, err := db.GetMeta(ctx, NamespaceLink, "k")
		require.ErrorIs(t, err, ErrNotFound)

		expired, err := db.GetExpiredMeta(ctx, baseTime.Add(time.Hour), 0)
		require.NoError(t, err)
		assert.Empty(t, expired)
	})

	t.Run("ListMeta returns keys for namespace", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.PutMeta(ctx, NamespaceFileSearch, "a.mkv", []byte("1"), time.Hour))
		require.NoError(t, db.PutMeta(ctx, NamespaceFileSearch, "b.mkv", []byte("2"), time.Hour))
		require.NoError(t, db.PutMeta(ctx, NamespaceLink, "c", []byte("3"), time.Hour))

		keys, err := db.ListMeta(ctx, NamespaceFileSearch)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a.mkv", "b.mkv"}, keys)
	})

	t.Run("ClearMeta empties one namespace", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.PutMeta(ctx, NamespaceLink, "a", []byte("1"), time.Hour))
		require.NoError(t, db.PutMeta(ctx, NamespaceLink, "b", []byte("2"), 0))
		require.NoError(t, db.PutMeta(ctx, NamespaceDomainHealth, "c", []byte("3"), time.Hour))

		n, err := db.ClearMeta(ctx, NamespaceLink)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		keys, err := db.ListMeta(ctx, NamespaceLink)
		require.NoError(t, err)
		assert.Empty(t, keys)

		_, err = db.GetMeta(ctx, NamespaceDomainHealth, "c")
		require.NoError(t, err)
	})
}

func TestBoltDB_TTL(t *testing.T) {
	ctx := context.Background()

	t.Run("one second entry is a hit then a miss after 1.2s", func(t *testing.T) {
		baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		currentTime := baseTime
		db := newTestBoltDB(t, WithNow(func() time.Time { return currentTime }))

		require.NoError(t, db.PutMeta(ctx, NamespaceDomainHealth, "cdn.example.com", []byte(`{"healthy":true}`), time.Second))

		_, err := db.GetMeta(ctx, NamespaceDomainHealth, "cdn.example.com")
		require.NoError(t, err)

		currentTime = baseTime.Add(1200 * time.Millisecond)
		_, err = db.GetMeta(ctx, NamespaceDomainHealth, "cdn.example.com")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("zero ttl never expires", func(t *testing.T) {
		baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		currentTime := baseTime
		db := newTestBoltDB(t, WithNow(func() time.Time { return currentTime }))

		require.NoError(t, db.PutMeta(ctx, NamespaceLegacy, "item_path_db.json", []byte("fp"), 0))

		currentTime = baseTime.Add(24 * 365 * time.Hour)
		_, err := db.GetMeta(ctx, NamespaceLegacy, "item_path_db.json")
		require.NoError(t, err)
	})

	t.Run("overwrite replaces expiry", func(t *testing.T) {
		baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		currentTime := baseTime
		db := newTestBoltDB(t, WithNow(func() time.Time { return currentTime }))

		require.NoError(t, db.PutMeta(ctx, NamespaceDomainHealth, "d", []byte("unhealthy"), 30*time.Second))
		require.NoError(t, db.PutMeta(ctx, NamespaceDomainHealth, "d", []byte("healthy"), 300*time.Second))

		currentTime = baseTime.Add(time.Minute)
		got, err := db.GetMeta(ctx, NamespaceDomainHealth, "d")
		require.NoError(t, err)
		assert.Equal(t, []byte("healthy"), got)

		expired, err := db.GetExpiredMeta(ctx, baseTime.Add(time.Minute), 0)
		require.NoError(t, err)
		assert.Empty(t, expired, "old expiry index entry must be removed on overwrite")
	})
}

func TestBoltDB_ExpiryQueries(t *testing.T) {
	ctx := context.Background()

	t.Run("GetExpiredMeta returns entries past expiry time", func(t *testing.T) {
		baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		db := newTestBoltDB(t, WithNow(func() time.Time { return baseTime }))

		require.NoError(t, db.PutMeta(ctx, NamespaceLink, "expired1", []byte("data"), 10*time.Minute))
		require.NoError(t, db.PutMeta(ctx, NamespaceLink, "expired2", []byte("data"), 20*time.Minute))
		require.NoError(t, db.PutMeta(ctx, NamespaceLink, "valid", []byte("data"), 2*time.Hour))

		expired, err := db.GetExpiredMeta(ctx, baseTime.Add(30*time.Minute), 0)
		require.NoError(t, err)
		require.Len(t, expired, 2)
		assert.Equal(t, "expired1", expired[0].Key)
		assert.Equal(t, "expired2", expired[1].Key)
		assert.Equal(t, NamespaceLink, expired[0].Namespace)
		assert.EqualValues(t, 4, expired[0].Size)
	})

	t.Run("GetExpiredMeta respects limit", func(t *testing.T) {
		baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		db := newTestBoltDB(t, WithNow(func() time.Time { return baseTime }))

		for i := range 5 {
			require.NoError(t, db.PutMeta(ctx, NamespaceLink, fmt.Sprintf("k%d", i), []byte("x"), time.Minute))
		}

		expired, err := db.GetExpiredMeta(ctx, baseTime.Add(time.Hour), 2)
		require.NoError(t, err)
		assert.Len(t, expired, 2)
	})
}

func TestBoltDB_UpdateJSON(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	type counter struct {
		N int `json:"n"`
	}

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var c counter
			err := db.UpdateJSON(ctx, NamespaceLink, "counter", time.Hour, func(v any) error {
				v.(*counter).N++
				return nil
			}, &c)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	idx := NewIndex(db, NamespaceLink, time.Hour)
	var got counter
	require.NoError(t, idx.GetJSON(ctx, "counter", &got))
	assert.Equal(t, 20, got.N)
}

func TestIndex(t *testing.T) {
	ctx := context.Background()
	baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	currentTime := baseTime
	db := newTestBoltDB(t, WithNow(func() time.Time { return currentTime }))

	idx := NewIndex(db, NamespaceFileSearch, time.Hour)
	assert.Equal(t, NamespaceFileSearch, idx.Namespace())

	type entry struct {
		FileID int64 `json:"file_id"`
	}

	require.NoError(t, idx.PutJSON(ctx, "a.mkv", entry{FileID: 7}))
	require.NoError(t, idx.PutJSONWithTTL(ctx, "b.mkv", entry{FileID: 8}, time.Minute))

	var got entry
	require.NoError(t, idx.GetJSON(ctx, "a.mkv", &got))
	assert.EqualValues(t, 7, got.FileID)

	currentTime = baseTime.Add(2 * time.Minute)
	require.ErrorIs(t, idx.GetJSON(ctx, "b.mkv", &got), ErrNotFound)
	require.NoError(t, idx.GetJSON(ctx, "a.mkv", &got))

	require.NoError(t, idx.Delete(ctx, "a.mkv"))
	keys, err := idx.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.mkv"}, keys)

	n, err := idx.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBoltDB_ItemPaths(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	_, err := db.GetItemPath(ctx, "501")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.PutItemPath(ctx, "501", "/media/old.mkv"))
	require.NoError(t, db.PutItemPath(ctx, "501", "/media/movie.mkv"))

	path, err := db.GetItemPath(ctx, "501")
	require.NoError(t, err)
	assert.Equal(t, "/media/movie.mkv", path)

	require.Error(t, db.PutItemPath(ctx, "", "/x"))

	n, err := db.PutItemPaths(ctx, map[string]string{"1": "/a", "2": "/b", "": "/skip"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, db.DeleteItemPath(ctx, "501"))
	_, err = db.GetItemPath(ctx, "501")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltDB_Clients(t *testing.T) {
	ctx := context.Background()
	baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	db := newTestBoltDB(t, WithNow(func() time.Time { return baseTime }))

	require.NoError(t, db.PutClient(ctx, &ClientConnection{ConnectionID: "dev-a", Client: "Emby Web", LastActivity: baseTime}))
	require.NoError(t, db.PutClient(ctx, &ClientConnection{ConnectionID: "dev-b", Client: "Infuse", LastActivity: baseTime.Add(time.Minute)}))
	require.Error(t, db.PutClient(ctx, &ClientConnection{}))

	clients, err := db.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, "dev-b", clients[0].ConnectionID, "most recent first")

	deleted, err := db.DeleteStaleClients(ctx, baseTime.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestBoltDB_UserActivity(t *testing.T) {
	ctx := context.Background()
	baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	db := newTestBoltDB(t, WithNow(func() time.Time { return baseTime }))

	require.NoError(t, db.RecordUserActivity(ctx, "alice",
		DeviceRecord{DeviceID: "d1", Device: "AppleTV", Client: "Infuse"},
		IPRecord{IP: "10.0.0.1", UserAgent: "Infuse/7"}))
	require.NoError(t, db.RecordUserActivity(ctx, "alice",
		DeviceRecord{DeviceID: "d1", Device: "AppleTV", Client: "Infuse 8"},
		IPRecord{IP: "10.0.0.2"}))
	require.NoError(t, db.ImportUserActivity(ctx, UserActivity{
		User:    "bob",
		Devices: []DeviceRecord{{DeviceID: "d9", Device: "Chromecast", Client: "Emby"}},
	}))

	users, err := db.ListUserActivity(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].User)
	require.Len(t, users[0].Devices, 1)
	assert.Equal(t, "Infuse 8", users[0].Devices[0].Client)
	assert.Len(t, users[0].IPs, 2)
	assert.Equal(t, "bob", users[1].User)

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Users)
}

func TestBoltDB_Stats(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	require.NoError(t, db.PutMeta(ctx, NamespaceLink, "a", []byte("1"), time.Hour))
	require.NoError(t, db.PutMeta(ctx, NamespaceLink, "b", []byte("1"), time.Hour))
	require.NoError(t, db.PutMeta(ctx, NamespaceDomainHealth, "c", []byte("1"), time.Hour))
	require.NoError(t, db.PutItemPath(ctx, "501", "/media/a.mkv"))
	require.NoError(t, db.PutClient(ctx, &ClientConnection{ConnectionID: "x"}))

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Namespaces[NamespaceLink])
	assert.Equal(t, 1, stats.Namespaces[NamespaceDomainHealth])
	assert.Equal(t, 1, stats.ItemPaths)
	assert.Equal(t, 1, stats.Clients)
}

func TestBuckets_KeyEncoding(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	k := makeExpiryKey(ts, NamespaceLink, "123:/a:proxy:v2")
	gotTs, ns, key := parseExpiryKey(k)
	assert.True(t, ts.Equal(gotTs))
	assert.Equal(t, NamespaceLink, ns)
	assert.Equal(t, "123:/a:proxy:v2", key)

	ns, key = parseNamespaceKey(makeNamespaceKey("domain_health", "cdn.example.com"))
	assert.Equal(t, "domain_health", ns)
	assert.Equal(t, "cdn.example.com", key)

	earlier := encodeTimestamp(ts)
	later := encodeTimestamp(ts.Add(time.Nanosecond))
	assert.Less(t, string(earlier), string(later))
}
