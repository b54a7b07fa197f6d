package tracker

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketPending = []byte("pending")
	bucketSynced  = []byte("synced")
)

// Record describes one version's replication state.
type Record struct {
	Tenant      string    `json:"tenant"`
	UID         string    `json:"uid"`
	VersionTS   string    `json:"version_ts"`
	StoragePath string    `json:"storage_path"`
	Size        int64     `json:"size"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	SyncedAt    time.Time `json:"synced_at,omitempty"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
}

// Key returns the record's bucket key.
func (r Record) Key() []byte {
	return key(r.Tenant, r.UID, r.VersionTS)
}

func key(tenant, uid, versionTS string) []byte {
	return []byte(tenant + "/" + uid + "/" + versionTS)
}

// Tracker implements the replication log on bbolt.
type Tracker struct {
	db *bolt.DB
}

// Open creates or reopens the tracker database under dataDir.
func Open(dataDir string) (*Tracker, error) {
	dbPath := filepath.Join(dataDir, "tracker.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracker database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPending, bucketSynced} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Tracker{db: db}, nil
}

// Close closes the database
func (t *Tracker) Close() error {
	return t.db.Close()
}

// MarkPending enqueues a version for replication. Re-marking an already
// synced version is a no-op so replays from a startup scan cannot undo a
// completed sync.
func (t *Tracker) MarkPending(rec Record) error {
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now()
	}
	return t.db.Update(func(tx *bolt.Tx) error {
		k := rec.Key()
		if tx.Bucket(bucketSynced).Get(k) != nil {
			return nil
		}
		pending := tx.Bucket(bucketPending)
		if existing := pending.Get(k); existing != nil {
			// Keep attempt history across restarts.
			var old Record
			if err := json.Unmarshal(existing, &old); err == nil {
				rec.Attempts = old.Attempts
				rec.LastError = old.LastError
				rec.EnqueuedAt = old.EnqueuedAt
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return pending.Put(k, data)
	})
}

// MarkSynced moves a version from pending to synced.
func (t *Tracker) MarkSynced(tenant, uid, versionTS string) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		k := key(tenant, uid, versionTS)
		pending := tx.Bucket(bucketPending)

		rec := Record{Tenant: tenant, UID: uid, VersionTS: versionTS}
		if data := pending.Get(k); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
		}
		rec.SyncedAt = time.Now()
		rec.LastError = ""

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketSynced).Put(k, data); err != nil {
			return err
		}
		return pending.Delete(k)
	})
}

// MarkFailed bumps the attempt counter on a pending version and records
// the error for the next status query.
func (t *Tracker) MarkFailed(tenant, uid, versionTS string, cause error) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		k := key(tenant, uid, versionTS)
		pending := tx.Bucket(bucketPending)
		data := pending.Get(k)
		if data == nil {
			return fmt.Errorf("version not pending: %s", k)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.Attempts++
		if cause != nil {
			rec.LastError = cause.Error()
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return pending.Put(k, data)
	})
}

// IsSynced reports whether a version has been replicated.
func (t *Tracker) IsSynced(tenant, uid, versionTS string) (bool, error) {
	var synced bool
	err := t.db.View(func(tx *bolt.Tx) error {
		synced = tx.Bucket(bucketSynced).Get(key(tenant, uid, versionTS)) != nil
		return nil
	})
	return synced, err
}

// IsPending reports whether a version is queued for replication.
func (t *Tracker) IsPending(tenant, uid, versionTS string) (bool, error) {
	var pending bool
	err := t.db.View(func(tx *bolt.Tx) error {
		pending = tx.Bucket(bucketPending).Get(key(tenant, uid, versionTS)) != nil
		return nil
	})
	return pending, err
}

// Pending returns every queued record, oldest key first.
func (t *Tracker) Pending() ([]Record, error) {
	var records []Record
	err := t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// PendingCount returns the queue depth without decoding records.
func (t *Tracker) PendingCount() (int, error) {
	var n int
	err := t.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketPending).Stats().KeyN
		return nil
	})
	return n, err
}

// Forget drops a version from both buckets. Used when a version row is
// purged from the metadata store.
func (t *Tracker) Forget(tenant, uid, versionTS string) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		k := key(tenant, uid, versionTS)
		if err := tx.Bucket(bucketPending).Delete(k); err != nil {
			return err
		}
		return tx.Bucket(bucketSynced).Delete(k)
	})
}

// ForgetTenant drops every record belonging to one tenant.
func (t *Tracker) ForgetTenant(tenant string) error {
	p := []byte(tenant + "/")
	return t.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPending, bucketSynced} {
			b := tx.Bucket(bucket)
			c := b.Cursor()
			// Deleting while the cursor iterates invalidates it; collect
			// the keys first.
			var keys [][]byte
			for k, _ := c.Seek(p); k != nil && hasPrefix(k, p); k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func hasPrefix(k, p []byte) bool {
	if len(k) < len(p) {
		return false
	}
	for i := range p {
		if k[i] != p[i] {
			return false
		}
	}
	return true
}

// SyncState summarises a version for the status API.
type SyncState string

const (
	StateSynced  SyncState = "synced"
	StatePending SyncState = "pending"
	StateUnknown SyncState = "unknown"
)

// State classifies a version.
func (t *Tracker) State(tenant, uid, versionTS string) (SyncState, error) {
	var state SyncState = StateUnknown
	err := t.db.View(func(tx *bolt.Tx) error {
		k := key(tenant, uid, versionTS)
		switch {
		case tx.Bucket(bucketSynced).Get(k) != nil:
			state = StateSynced
		case tx.Bucket(bucketPending).Get(k) != nil:
			state = StatePending
		}
		return nil
	})
	return state, err
}
