package clients

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/strm-proxy/access"
	"github.com/wolfeidau/strm-proxy/store/metadb"
)

const aliceID = "608e952ce5fb498592c30d75a2efefd9"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, clock *fakeClock) *metadb.BoltDB {
	t.Helper()
	db := metadb.NewBoltDB(metadb.WithNow(clock.Now), metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func countingLookup(calls *atomic.Int32) UserLookup {
	return UserLookupFunc(func(ctx context.Context, userID string) (string, error) {
		calls.Add(1)
		if userID == aliceID {
			return "alice", nil
		}
		return "", errors.New("not found")
	})
}

func TestShouldTrack(t *testing.T) {
	tests := []struct {
		target string
		want   bool
	}{
		{"/emby/Items/501/PlaybackInfo", true},
		{"/emby/Sessions/Playing/Progress", true},
		{"/emby/Users/" + aliceID + "/Items?UserId=" + aliceID, true},
		{"/emby/Items/501/Images?UserId=abc", true},
		{"/emby/Users/" + aliceID + "/Items", false},
		{"/emby/System/Info", false},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldTrack(httptest.NewRequest("GET", tt.target, nil)))
		})
	}
}

func TestUserID(t *testing.T) {
	assert.Equal(t, "q", UserID(httptest.NewRequest("GET", "/Items?UserId=q", nil)))
	assert.Equal(t, aliceID, UserID(httptest.NewRequest("GET", "/emby/Users/"+aliceID+"/Items", nil)))
	assert.Empty(t, UserID(httptest.NewRequest("GET", "/emby/Users/short/Items", nil)))
}

func TestUserName_CachedLookup(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	var calls atomic.Int32
	tr := NewTracker(newTestStore(t, clock), countingLookup(&calls), WithNow(clock.Now))

	r := httptest.NewRequest("GET", "/emby/Users/"+aliceID+"/Items", nil)
	assert.Equal(t, "alice", tr.UserName(context.Background(), r))
	assert.Equal(t, "alice", tr.UserName(context.Background(), r))
	assert.Equal(t, int32(1), calls.Load())

	unknown := httptest.NewRequest("GET", "/emby/Items?UserId=ffffffffffffffffffffffffffffffff", nil)
	assert.Equal(t, UnknownUser, tr.UserName(context.Background(), unknown))
	assert.Equal(t, UnknownUser, tr.UserName(context.Background(), httptest.NewRequest("GET", "/emby/Items", nil)))
}

func TestUserName_NilLookup(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	tr := NewTracker(newTestStore(t, clock), nil)

	r := httptest.NewRequest("GET", "/emby/Users/"+aliceID+"/Items", nil)
	assert.Equal(t, UnknownUser, tr.UserName(context.Background(), r))
}

func TestTrack_RecordsConnectionAndActivity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	store := newTestStore(t, clock)
	var calls atomic.Int32
	tr := NewTracker(store, countingLookup(&calls), WithNow(clock.Now))

	r := httptest.NewRequest("POST", "/emby/Items/501/PlaybackInfo?UserId="+aliceID, nil)
	id := access.Identity{
		Client:    "Infuse",
		Device:    "Apple TV",
		DeviceID:  "dev-1",
		Version:   "7.7",
		IP:        "192.0.2.5",
		UserAgent: "Infuse/7.7",
	}
	tr.Track(context.Background(), r, id)

	conns, err := tr.Active(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "dev-1", conns[0].ConnectionID)
	assert.Equal(t, "alice", conns[0].UserName)
	assert.Equal(t, "Apple TV", conns[0].DeviceName)
	assert.Equal(t, "192.0.2.5", conns[0].IP)
	assert.True(t, conns[0].LastActivity.Equal(clock.Now()))

	activity, err := store.ListUserActivity(context.Background())
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, "alice", activity[0].User)
	require.Len(t, activity[0].Devices, 1)
	assert.Equal(t, "Infuse", activity[0].Devices[0].Client)
	require.Len(t, activity[0].IPs, 1)
	assert.Equal(t, "192.0.2.5", activity[0].IPs[0].IP)
}

func TestTrack_UnknownUserSkipsActivity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	store := newTestStore(t, clock)
	tr := NewTracker(store, nil, WithNow(clock.Now))

	r := httptest.NewRequest("POST", "/emby/Items/501/PlaybackInfo", nil)
	tr.Track(context.Background(), r, access.Identity{Client: "Web", DeviceID: "d"})

	conns, err := store.ListClients(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, UnknownUser, conns[0].UserName)
	assert.Equal(t, "Unknown", conns[0].DeviceName)

	activity, err := store.ListUserActivity(context.Background())
	require.NoError(t, err)
	assert.Empty(t, activity)
}

func TestTrack_IncompleteIdentitySkipped(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	store := newTestStore(t, clock)
	tr := NewTracker(store, nil, WithNow(clock.Now))

	r := httptest.NewRequest("POST", "/emby/Items/501/PlaybackInfo", nil)
	tr.Track(context.Background(), r, access.Identity{Client: "Web"})
	tr.Track(context.Background(), r, access.Identity{DeviceID: "d"})

	conns, err := store.ListClients(context.Background())
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestCleanup_RemovesStale(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	store := newTestStore(t, clock)
	tr := NewTracker(store, nil, WithNow(clock.Now), WithTimeout(time.Minute))

	r := httptest.NewRequest("POST", "/emby/Items/1/PlaybackInfo", nil)
	tr.Track(context.Background(), r, access.Identity{Client: "Web", DeviceID: "old"})

	clock.Advance(45 * time.Second)
	tr.Track(context.Background(), r, access.Identity{Client: "Web", DeviceID: "new"})

	clock.Advance(30 * time.Second)
	active, err := tr.Active(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "new", active[0].DeviceID)

	assert.Equal(t, 1, tr.Cleanup(context.Background()))
	all, err := store.ListClients(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
}
