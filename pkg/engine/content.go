package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rational-Boxes/depot/pkg/events"
	"github.com/Rational-Boxes/depot/pkg/log"
	"github.com/Rational-Boxes/depot/pkg/tracker"
	"github.com/Rational-Boxes/depot/pkg/types"
)

// Put writes data as a new current version of an existing regular file.
func (e *Engine) Put(ctx context.Context, caller types.Caller, tenant, uid string, data []byte) (err error) {
	defer e.observe("put", time.Now(), &err)

	f, err := e.meta.GetByUID(ctx, tenant, uid, false)
	if err != nil {
		return err
	}
	if f.Type != types.FileTypeRegular {
		return fmt.Errorf("%s is not a regular file: %w", uid, types.ErrConflict)
	}
	if err = e.check(ctx, caller, tenant, uid, types.PermWrite); err != nil {
		return err
	}
	if _, err = e.writeVersion(ctx, tenant, uid, data); err != nil {
		return err
	}
	return e.meta.UpdateModified(ctx, tenant, uid, time.Now())
}

// writeVersion is the shared put/copy write path: mint a stamp, land the
// payload locally, append the version row and flip the current pointer in
// one transaction, then enqueue replication. Returns the minted stamp.
//
// A stamp collision with a concurrent writer surfaces as ErrConflict from
// the version insert; one retry with a fresh stamp resolves it, a second
// collision bubbles up.
func (e *Engine) writeVersion(ctx context.Context, tenant, uid string, data []byte) (string, error) {
	if e.maxObj > 0 && int64(len(data)) > e.maxObj {
		return "", fmt.Errorf("%d bytes against a %d byte limit: %w", len(data), e.maxObj, types.ErrOversized)
	}

	var storagePath, stamp string
	for attempt := 0; attempt < 2; attempt++ {
		stamp = e.stamper.Next()
		var err error
		if storagePath, err = e.local.Put(ctx, uid, stamp, data, tenant); err != nil {
			return "", fmt.Errorf("writing payload: %w", err)
		}
		err = e.meta.AppendVersionAndSetCurrent(ctx, tenant, types.Version{
			FileUID:     uid,
			VersionTS:   stamp,
			Size:        int64(len(data)),
			StoragePath: storagePath,
			CreatedAt:   time.Now(),
		})
		if err == nil {
			break
		}
		// The orphaned payload is unreachable either way; reclaim it.
		if delErr := e.local.Delete(ctx, storagePath, tenant); delErr != nil {
			log.WithUID(uid).Warn().Err(delErr).Msg("Failed to reclaim orphaned payload")
		}
		if !errors.Is(err, types.ErrConflict) || attempt == 1 {
			return "", err
		}
	}

	if admitErr := e.cache.Put(storagePath, tenant, data); admitErr != nil && !errors.Is(admitErr, types.ErrOversized) {
		return "", admitErr
	}
	e.enqueueSync(tenant, uid, stamp, storagePath, int64(len(data)))
	e.publish(events.EventVersionCreated, tenant, uid, stamp, "Version created")
	return stamp, nil
}

// enqueueSync records a version for replication and nudges the sync worker.
func (e *Engine) enqueueSync(tenant, uid, versionTS, storagePath string, size int64) {
	if e.track == nil || e.remote == nil {
		return
	}
	err := e.track.MarkPending(tracker.Record{
		Tenant:      tenant,
		UID:         uid,
		VersionTS:   versionTS,
		StoragePath: storagePath,
		Size:        size,
	})
	if err != nil {
		log.WithUID(uid).Error().Err(err).Msg("Failed to enqueue version for replication")
		return
	}
	e.publish(events.EventSyncRequested, tenant, uid, versionTS, "Replication requested")
}

// Get returns the current version's content.
func (e *Engine) Get(ctx context.Context, caller types.Caller, tenant, uid string) (data []byte, err error) {
	defer e.observe("get", time.Now(), &err)

	f, err := e.meta.GetByUID(ctx, tenant, uid, false)
	if err != nil {
		return nil, err
	}
	if err = e.check(ctx, caller, tenant, uid, types.PermRead); err != nil {
		return nil, err
	}
	if f.Type != types.FileTypeRegular {
		return nil, fmt.Errorf("%s is not a regular file: %w", uid, types.ErrConflict)
	}
	if f.CurrentVersion == "" {
		return nil, fmt.Errorf("file %s has no content: %w", uid, types.ErrNoVersion)
	}
	data, err = e.fetch(ctx, tenant, uid, f.CurrentVersion)
	if err != nil {
		return nil, err
	}
	e.touchAccess(ctx, uid)
	return data, nil
}

// GetVersion returns a specific back version's content.
func (e *Engine) GetVersion(ctx context.Context, caller types.Caller, tenant, uid, versionTS string) (data []byte, err error) {
	defer e.observe("get_version", time.Now(), &err)

	if _, err = e.meta.GetByUID(ctx, tenant, uid, false); err != nil {
		return nil, err
	}
	if err = e.check(ctx, caller, tenant, uid, types.PermRetrieveBackVersion); err != nil {
		return nil, err
	}
	data, err = e.fetch(ctx, tenant, uid, versionTS)
	if err != nil {
		return nil, err
	}
	e.touchAccess(ctx, uid)
	return data, nil
}

// fetch walks the tiers for one version: cache, local store, object store.
// The version row's storage path is authoritative for the warm tiers; a
// restored version points at its source version's payload, so the path can
// differ from the canonical derivation for its own stamp.
func (e *Engine) fetch(ctx context.Context, tenant, uid, versionTS string) ([]byte, error) {
	storagePath, err := e.meta.GetStoragePath(ctx, tenant, uid, versionTS)
	if err != nil {
		return nil, err
	}

	if storagePath == e.local.PathFor(uid, versionTS, tenant) && e.remote != nil {
		return e.cache.FetchIfMissing(ctx, uid, versionTS, tenant, e.local, e.remote)
	}

	if data, ok := e.cache.Get(storagePath); ok {
		return data, nil
	}
	data, err := e.local.Get(ctx, storagePath, tenant)
	if err == nil {
		if admitErr := e.cache.Put(storagePath, tenant, data); admitErr != nil && !errors.Is(admitErr, types.ErrOversized) {
			return nil, admitErr
		}
		return data, nil
	}
	if !errors.Is(err, types.ErrNotFound) || e.remote == nil {
		return nil, err
	}
	data, err = e.remote.Get(ctx, e.remote.PathFor(uid, versionTS, tenant), tenant)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// touchAccess bumps the host-local access statistic, best effort.
func (e *Engine) touchAccess(ctx context.Context, uid string) {
	if e.host == "" {
		return
	}
	if err := e.meta.TouchAccess(ctx, uid, e.host); err != nil {
		log.WithUID(uid).Warn().Err(err).Msg("Failed to record access statistic")
	}
}

// ListVersions returns the file's version history, newest first.
func (e *Engine) ListVersions(ctx context.Context, caller types.Caller, tenant, uid string) (versions []types.Version, err error) {
	defer e.observe("list_versions", time.Now(), &err)

	if _, err = e.meta.GetByUID(ctx, tenant, uid, false); err != nil {
		return nil, err
	}
	if err = e.check(ctx, caller, tenant, uid, types.PermViewVersions); err != nil {
		return nil, err
	}
	versions, err = e.meta.ListVersions(ctx, tenant, uid)
	return versions, err
}

// RestoreToVersion makes an old version current again by appending a new
// top version that shares the old payload. History is never rewritten.
func (e *Engine) RestoreToVersion(ctx context.Context, caller types.Caller, tenant, uid, versionTS string) (restored types.Version, err error) {
	defer e.observe("restore_to_version", time.Now(), &err)

	if _, err = e.meta.GetByUID(ctx, tenant, uid, false); err != nil {
		return types.Version{}, err
	}
	if err = e.check(ctx, caller, tenant, uid, types.PermRestoreToVersion); err != nil {
		return types.Version{}, err
	}
	newTS := e.stamper.Next()
	restored, err = e.meta.RestoreToVersion(ctx, tenant, uid, versionTS, newTS)
	if err != nil {
		return types.Version{}, err
	}
	if err = e.meta.UpdateModified(ctx, tenant, uid, time.Now()); err != nil {
		return types.Version{}, err
	}
	// The new stamp needs its own object-store key even though the payload
	// already exists under the source version's key.
	e.enqueueSync(tenant, uid, newTS, restored.StoragePath, restored.Size)
	e.publish(events.EventVersionRestored, tenant, uid, newTS, fmt.Sprintf("Restored from %s", versionTS))
	return restored, nil
}

// BackupToObjectStore enqueues every version of a file that is not yet
// replicated. Used by the API's explicit backup operation.
func (e *Engine) BackupToObjectStore(ctx context.Context, caller types.Caller, tenant, uid string) (queued int, err error) {
	defer e.observe("backup", time.Now(), &err)

	if e.track == nil || e.remote == nil {
		return 0, fmt.Errorf("no object store configured: %w", types.ErrInternal)
	}
	if _, err = e.meta.GetByUID(ctx, tenant, uid, false); err != nil {
		return 0, err
	}
	if err = e.check(ctx, caller, tenant, uid, types.PermRead); err != nil {
		return 0, err
	}
	versions, err := e.meta.ListVersions(ctx, tenant, uid)
	if err != nil {
		return 0, err
	}
	for _, v := range versions {
		state, err := e.track.State(tenant, uid, v.VersionTS)
		if err != nil {
			return queued, err
		}
		if state != tracker.StateUnknown {
			continue
		}
		e.enqueueSync(tenant, uid, v.VersionTS, v.StoragePath, v.Size)
		queued++
	}
	return queued, nil
}

// PurgeOldVersions drops version rows and local payloads beyond the newest
// keep versions. Only replicated versions are eligible; the current version
// and any payload still referenced by a surviving version are never touched.
func (e *Engine) PurgeOldVersions(ctx context.Context, caller types.Caller, tenant, uid string, keep int) (purged int, err error) {
	defer e.observe("purge_versions", time.Now(), &err)

	if keep < 1 {
		keep = 1
	}
	f, err := e.meta.GetByUID(ctx, tenant, uid, false)
	if err != nil {
		return 0, err
	}
	if err = e.check(ctx, caller, tenant, uid, types.PermDelete); err != nil {
		return 0, err
	}
	versions, err := e.meta.ListVersions(ctx, tenant, uid)
	if err != nil {
		return 0, err
	}
	if len(versions) <= keep {
		return 0, nil
	}

	// Payloads shared through restores stay while any survivor points at them.
	retained := make(map[string]bool, keep)
	for _, v := range versions[:keep] {
		retained[v.StoragePath] = true
	}

	for _, v := range versions[keep:] {
		if v.VersionTS == f.CurrentVersion {
			continue
		}
		if e.track != nil {
			synced, err := e.track.IsSynced(tenant, uid, v.VersionTS)
			if err != nil {
				return purged, err
			}
			if !synced {
				continue
			}
		}
		if err := e.meta.DeleteVersion(ctx, tenant, uid, v.VersionTS); err != nil {
			return purged, err
		}
		if !retained[v.StoragePath] {
			e.cache.Remove(v.StoragePath)
			if err := e.local.Delete(ctx, v.StoragePath, tenant); err != nil && !errors.Is(err, types.ErrNotFound) {
				log.WithUID(uid).Warn().Err(err).Str("path", v.StoragePath).Msg("Failed to delete purged payload")
			}
		}
		if e.track != nil {
			if err := e.track.Forget(tenant, uid, v.VersionTS); err != nil {
				log.WithUID(uid).Warn().Err(err).Msg("Failed to drop tracker record for purged version")
			}
		}
		purged++
	}
	return purged, nil
}

// SetMetadata attaches a key/value pair to a version. versionTS empty means
// the current version.
func (e *Engine) SetMetadata(ctx context.Context, caller types.Caller, tenant, uid, versionTS, key, value string) (err error) {
	defer e.observe("set_metadata", time.Now(), &err)

	versionTS, err = e.resolveVersion(ctx, tenant, uid, versionTS)
	if err != nil {
		return err
	}
	if err = e.check(ctx, caller, tenant, uid, types.PermWrite); err != nil {
		return err
	}
	return e.meta.SetMetadata(ctx, tenant, types.MetadataEntry{
		FileUID:   uid,
		VersionTS: versionTS,
		Key:       key,
		Value:     value,
	})
}

// GetMetadata reads one key from a version.
func (e *Engine) GetMetadata(ctx context.Context, caller types.Caller, tenant, uid, versionTS, key string) (value string, err error) {
	defer e.observe("get_metadata", time.Now(), &err)

	versionTS, err = e.resolveVersion(ctx, tenant, uid, versionTS)
	if err != nil {
		return "", err
	}
	if err = e.check(ctx, caller, tenant, uid, types.PermRead); err != nil {
		return "", err
	}
	value, err = e.meta.GetMetadata(ctx, tenant, uid, versionTS, key)
	return value, err
}

// GetAllMetadata reads every pair attached to a version.
func (e *Engine) GetAllMetadata(ctx context.Context, caller types.Caller, tenant, uid, versionTS string) (entries []types.MetadataEntry, err error) {
	defer e.observe("get_all_metadata", time.Now(), &err)

	versionTS, err = e.resolveVersion(ctx, tenant, uid, versionTS)
	if err != nil {
		return nil, err
	}
	if err = e.check(ctx, caller, tenant, uid, types.PermRead); err != nil {
		return nil, err
	}
	entries, err = e.meta.GetAllMetadata(ctx, tenant, uid, versionTS)
	return entries, err
}

// DeleteMetadata removes one key from a version.
func (e *Engine) DeleteMetadata(ctx context.Context, caller types.Caller, tenant, uid, versionTS, key string) (err error) {
	defer e.observe("delete_metadata", time.Now(), &err)

	versionTS, err = e.resolveVersion(ctx, tenant, uid, versionTS)
	if err != nil {
		return err
	}
	if err = e.check(ctx, caller, tenant, uid, types.PermWrite); err != nil {
		return err
	}
	return e.meta.DeleteMetadata(ctx, tenant, uid, versionTS, key)
}

// resolveVersion maps an empty stamp onto the file's current version.
func (e *Engine) resolveVersion(ctx context.Context, tenant, uid, versionTS string) (string, error) {
	f, err := e.meta.GetByUID(ctx, tenant, uid, false)
	if err != nil {
		return "", err
	}
	if versionTS != "" {
		return versionTS, nil
	}
	if f.CurrentVersion == "" {
		return "", fmt.Errorf("file %s has no content: %w", uid, types.ErrNoVersion)
	}
	return f.CurrentVersion, nil
}
