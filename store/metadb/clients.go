package metadb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

// PutClient upserts a client connection keyed by its connection id.
func (b *BoltDB) PutClient(_ context.Context, c *ClientConnection) error {
	if c.ConnectionID == "" {
		return fmt.Errorf("metadb: client connection id is required")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling client: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketClients).Put([]byte(c.ConnectionID), data)
	})
}

// ListClients returns all tracked connections, most recently active first.
func (b *BoltDB) ListClients(_ context.Context) ([]ClientConnection, error) {
	var clients []ClientConnection
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketClients).ForEach(func(_, v []byte) error {
			var c ClientConnection
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("unmarshaling client: %w", err)
			}
			clients = append(clients, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].LastActivity.After(clients[j].LastActivity)
	})
	return clients, nil
}

// DeleteStaleClients removes connections whose last activity is before the cutoff.
func (b *BoltDB) DeleteStaleClients(_ context.Context, before time.Time) (int, error) {
	deleted := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketClients)
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var c ClientConnection
			if err := json.Unmarshal(v, &c); err != nil || c.LastActivity.Before(before) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("deleting stale client: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// RecordUserActivity merges a device and an address into the user's history.
// Empty device ids and empty IPs are ignored.
func (b *BoltDB) RecordUserActivity(_ context.Context, user string, device DeviceRecord, ip IPRecord) error {
	if user == "" {
		return fmt.Errorf("metadb: user is required")
	}
	now := b.now()

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketUserActivity)

		activity := UserActivity{User: user}
		if val := bucket.Get([]byte(user)); val != nil {
			if err := json.Unmarshal(val, &activity); err != nil {
				return fmt.Errorf("unmarshaling user activity: %w", err)
			}
		}

		mergeActivity(&activity, device, ip, now)

		data, err := json.Marshal(activity)
		if err != nil {
			return fmt.Errorf("marshaling user activity: %w", err)
		}
		return bucket.Put([]byte(user), data)
	})
}

func mergeActivity(a *UserActivity, device DeviceRecord, ip IPRecord, now time.Time) {
	a.LastSeen = now

	if device.DeviceID != "" {
		device.LastSeen = now
		found := false
		for i := range a.Devices {
			if a.Devices[i].DeviceID == device.DeviceID {
				a.Devices[i] = device
				found = true
				break
			}
		}
		if !found {
			a.Devices = append(a.Devices, device)
		}
	}

	if ip.IP != "" {
		ip.LastSeen = now
		found := false
		for i := range a.IPs {
			if a.IPs[i].IP == ip.IP {
				a.IPs[i] = ip
				found = true
				break
			}
		}
		if !found {
			a.IPs = append(a.IPs, ip)
		}
	}
}

// ImportUserActivity replaces a user's history with the given record, merging
// with anything already stored.
func (b *BoltDB) ImportUserActivity(_ context.Context, activity UserActivity) error {
	if activity.User == "" {
		return fmt.Errorf("metadb: user is required")
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketUserActivity)

		existing := UserActivity{User: activity.User}
		if val := bucket.Get([]byte(activity.User)); val != nil {
			if err := json.Unmarshal(val, &existing); err != nil {
				return fmt.Errorf("unmarshaling user activity: %w", err)
			}
		}
		for _, d := range activity.Devices {
			mergeActivity(&existing, d, IPRecord{}, activity.LastSeen)
		}
		for _, ip := range activity.IPs {
			mergeActivity(&existing, DeviceRecord{}, ip, activity.LastSeen)
		}
		existing.LastSeen = activity.LastSeen

		data, err := json.Marshal(existing)
		if err != nil {
			return fmt.Errorf("marshaling user activity: %w", err)
		}
		return bucket.Put([]byte(activity.User), data)
	})
}

// ListUserActivity returns the activity of every known user, sorted by name.
func (b *BoltDB) ListUserActivity(_ context.Context) ([]UserActivity, error) {
	var users []UserActivity
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUserActivity).ForEach(func(_, v []byte) error {
			var a UserActivity
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("unmarshaling user activity: %w", err)
			}
			users = append(users, a)
			return nil
		})
	})
	sort.Slice(users, func(i, j int) bool { return users[i].User < users[j].User })
	return users, err
}
