package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rational-Boxes/depot/pkg/events"
	"github.com/Rational-Boxes/depot/pkg/id"
	"github.com/Rational-Boxes/depot/pkg/types"
)

// Mkdir creates a directory under parentUID. The new directory copies its
// parent's ACL rows and grants the creator full rights.
func (e *Engine) Mkdir(ctx context.Context, caller types.Caller, tenant, parentUID, name string) (f *types.File, err error) {
	defer e.observe("mkdir", time.Now(), &err)
	f, err = e.create(ctx, caller, tenant, parentUID, name, types.FileTypeDirectory)
	return f, err
}

// Touch creates an empty regular file with no content version. A live
// sibling with the same name is a conflict, same as mkdir.
func (e *Engine) Touch(ctx context.Context, caller types.Caller, tenant, parentUID, name string) (f *types.File, err error) {
	defer e.observe("touch", time.Now(), &err)
	f, err = e.create(ctx, caller, tenant, parentUID, name, types.FileTypeRegular)
	return f, err
}

// create is the shared mkdir/touch path: write check on the parent, insert,
// ACL inheritance, creation event.
func (e *Engine) create(ctx context.Context, caller types.Caller, tenant, parentUID, name string, ftype types.FileType) (*types.File, error) {
	if name == "" {
		return nil, fmt.Errorf("empty name: %w", types.ErrConflict)
	}
	parent, err := e.meta.GetByUID(ctx, tenant, parentUID, false)
	if err != nil {
		return nil, fmt.Errorf("resolving parent: %w", err)
	}
	if parent.Type != types.FileTypeDirectory {
		return nil, fmt.Errorf("parent %s is not a directory: %w", parentUID, types.ErrConflict)
	}
	if err := e.check(ctx, caller, tenant, parentUID, types.PermWrite); err != nil {
		return nil, err
	}

	now := time.Now()
	f := &types.File{
		UID:        id.NewUID(),
		Name:       name,
		ParentUID:  parentUID,
		Type:       ftype,
		Owner:      caller.User,
		ModeBits:   0o644,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if ftype == types.FileTypeDirectory {
		f.ModeBits = 0o755
	}
	if err := e.meta.InsertFile(ctx, tenant, f); err != nil {
		return nil, err
	}
	if err := e.eval.Inherit(ctx, tenant, parentUID, f.UID, caller.User); err != nil {
		return nil, fmt.Errorf("inheriting acls onto %s: %w", f.UID, err)
	}
	e.publish(events.EventFileCreated, tenant, f.UID, "", fmt.Sprintf("%s %q created", ftype, name))
	return f, nil
}

// Stat returns the file row plus its current payload size. Soft-deleted
// entries are hidden, like listdir. Directories report size zero; use
// StorageUsage for recursive totals.
func (e *Engine) Stat(ctx context.Context, caller types.Caller, tenant, uid string) (info *types.FileInfo, err error) {
	defer e.observe("stat", time.Now(), &err)

	f, err := e.meta.GetByUID(ctx, tenant, uid, false)
	if err != nil {
		return nil, err
	}
	if err = e.check(ctx, caller, tenant, uid, types.PermRead); err != nil {
		return nil, err
	}
	info = &types.FileInfo{File: *f}
	if f.Type == types.FileTypeRegular && f.CurrentVersion != "" {
		if info.Size, err = e.meta.GetFileSize(ctx, tenant, uid); err != nil {
			return nil, err
		}
	}
	return info, nil
}

// Exists reports whether a live entry exists. Unauthenticated: the probe
// leaks only presence, never attributes. The root always exists.
func (e *Engine) Exists(ctx context.Context, tenant, uid string) (ok bool, err error) {
	defer e.observe("exists", time.Now(), &err)

	if uid == id.RootUID {
		return true, nil
	}
	_, err = e.meta.GetByUID(ctx, tenant, uid, false)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListDir returns the directory's children. Including soft-deleted entries
// requires the list-deleted bit instead of read.
func (e *Engine) ListDir(ctx context.Context, caller types.Caller, tenant, uid string, includeDeleted bool) (children []*types.File, err error) {
	defer e.observe("listdir", time.Now(), &err)

	dir, err := e.meta.GetByUID(ctx, tenant, uid, false)
	if err != nil {
		return nil, err
	}
	if dir.Type != types.FileTypeDirectory {
		return nil, fmt.Errorf("%s is not a directory: %w", uid, types.ErrConflict)
	}
	required := types.PermRead
	if includeDeleted {
		required = types.PermListDeleted
	}
	if err = e.check(ctx, caller, tenant, uid, required); err != nil {
		return nil, err
	}
	children, err = e.meta.ListChildren(ctx, tenant, uid, includeDeleted)
	return children, err
}

// Rename changes an entry's name in place.
func (e *Engine) Rename(ctx context.Context, caller types.Caller, tenant, uid, newName string) (err error) {
	defer e.observe("rename", time.Now(), &err)

	if uid == id.RootUID {
		return fmt.Errorf("root directory is immutable: %w", types.ErrDenied)
	}
	f, err := e.meta.GetByUID(ctx, tenant, uid, false)
	if err != nil {
		return err
	}
	if err = e.check(ctx, caller, tenant, uid, types.PermWrite); err != nil {
		return err
	}
	if _, err := e.meta.GetByNameAndParent(ctx, tenant, newName, f.ParentUID, false); err == nil {
		return fmt.Errorf("name %q taken under %s: %w", newName, f.ParentUID, types.ErrConflict)
	} else if !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if err = e.meta.UpdateName(ctx, tenant, uid, newName); err != nil {
		return err
	}
	if err = e.meta.UpdateModified(ctx, tenant, uid, time.Now()); err != nil {
		return err
	}
	e.publish(events.EventFileRenamed, tenant, uid, "", fmt.Sprintf("%q renamed to %q", f.Name, newName))
	return nil
}

// Move reparents an entry. Moving a directory under its own subtree is
// rejected with ErrCycle before anything is written.
func (e *Engine) Move(ctx context.Context, caller types.Caller, tenant, uid, newParentUID string) (err error) {
	defer e.observe("move", time.Now(), &err)

	if uid == id.RootUID {
		return fmt.Errorf("root directory is immutable: %w", types.ErrDenied)
	}
	f, err := e.meta.GetByUID(ctx, tenant, uid, false)
	if err != nil {
		return err
	}
	dst, err := e.meta.GetByUID(ctx, tenant, newParentUID, false)
	if err != nil {
		return fmt.Errorf("resolving destination: %w", err)
	}
	if dst.Type != types.FileTypeDirectory {
		return fmt.Errorf("destination %s is not a directory: %w", newParentUID, types.ErrConflict)
	}
	if err = e.check(ctx, caller, tenant, uid, types.PermWrite); err != nil {
		return err
	}
	if err = e.check(ctx, caller, tenant, newParentUID, types.PermWrite); err != nil {
		return err
	}
	cycle, err := e.wouldCycle(ctx, tenant, uid, newParentUID)
	if err != nil {
		return err
	}
	if cycle {
		return fmt.Errorf("moving %s under %s: %w", uid, newParentUID, types.ErrCycle)
	}
	if _, err := e.meta.GetByNameAndParent(ctx, tenant, f.Name, newParentUID, false); err == nil {
		return fmt.Errorf("name %q taken under %s: %w", f.Name, newParentUID, types.ErrConflict)
	} else if !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if err = e.meta.UpdateParent(ctx, tenant, uid, newParentUID); err != nil {
		return err
	}
	if err = e.meta.UpdateModified(ctx, tenant, uid, time.Now()); err != nil {
		return err
	}
	e.publish(events.EventFileMoved, tenant, uid, "", fmt.Sprintf("%q moved under %s", f.Name, newParentUID))
	return nil
}

// wouldCycle walks from candidate toward the root looking for uid.
func (e *Engine) wouldCycle(ctx context.Context, tenant, uid, candidate string) (bool, error) {
	for cur := candidate; cur != id.RootUID; {
		if cur == uid {
			return true, nil
		}
		f, err := e.meta.GetByUID(ctx, tenant, cur, true)
		if err != nil {
			return false, err
		}
		cur = f.ParentUID
	}
	return false, nil
}

// Remove soft-deletes an entry. Directories require recursive, or must be
// empty; children are soft-deleted depth first so a crash mid-way leaves
// only reachable live entries.
func (e *Engine) Remove(ctx context.Context, caller types.Caller, tenant, uid string, recursive bool) (err error) {
	defer e.observe("remove", time.Now(), &err)

	if uid == id.RootUID {
		return fmt.Errorf("root directory is immutable: %w", types.ErrDenied)
	}
	f, err := e.meta.GetByUID(ctx, tenant, uid, false)
	if err != nil {
		return err
	}
	if err = e.check(ctx, caller, tenant, uid, types.PermDelete); err != nil {
		return err
	}
	if f.Type == types.FileTypeDirectory {
		children, err := e.meta.ListChildren(ctx, tenant, uid, false)
		if err != nil {
			return err
		}
		if len(children) > 0 && !recursive {
			return fmt.Errorf("directory %s not empty: %w", uid, types.ErrConflict)
		}
		for _, child := range children {
			if err := e.Remove(ctx, caller, tenant, child.UID, true); err != nil {
				return err
			}
		}
	}
	if err = e.meta.SoftDelete(ctx, tenant, uid); err != nil {
		return err
	}
	e.publish(events.EventFileDeleted, tenant, uid, "", fmt.Sprintf("%q deleted", f.Name))
	return nil
}

// Undelete restores one soft-deleted entry. Children deleted alongside a
// directory stay deleted until restored individually.
func (e *Engine) Undelete(ctx context.Context, caller types.Caller, tenant, uid string) (err error) {
	defer e.observe("undelete", time.Now(), &err)

	f, err := e.meta.GetByUID(ctx, tenant, uid, true)
	if err != nil {
		return err
	}
	if !f.Deleted {
		return nil
	}
	if err = e.check(ctx, caller, tenant, uid, types.PermUndelete); err != nil {
		return err
	}
	if err = e.meta.Undelete(ctx, tenant, uid); err != nil {
		return err
	}
	e.publish(events.EventFileUndeleted, tenant, uid, "", fmt.Sprintf("%q restored", f.Name))
	return nil
}

// Copy duplicates src under dstParentUID with fresh identifiers. Only the
// current version's content travels; the copy's ACL rows come from the
// destination parent, not from src. newName empty means keep src's name.
func (e *Engine) Copy(ctx context.Context, caller types.Caller, tenant, srcUID, dstParentUID, newName string) (f *types.File, err error) {
	defer e.observe("copy", time.Now(), &err)
	f, err = e.copyNode(ctx, caller, tenant, srcUID, dstParentUID, newName)
	return f, err
}

func (e *Engine) copyNode(ctx context.Context, caller types.Caller, tenant, srcUID, dstParentUID, newName string) (*types.File, error) {
	src, err := e.meta.GetByUID(ctx, tenant, srcUID, false)
	if err != nil {
		return nil, err
	}
	if err := e.check(ctx, caller, tenant, srcUID, types.PermRead); err != nil {
		return nil, err
	}
	name := newName
	if name == "" {
		name = src.Name
	}

	dst, err := e.create(ctx, caller, tenant, dstParentUID, name, src.Type)
	if err != nil {
		return nil, err
	}

	switch src.Type {
	case types.FileTypeDirectory:
		children, err := e.meta.ListChildren(ctx, tenant, srcUID, false)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if _, err := e.copyNode(ctx, caller, tenant, child.UID, dst.UID, ""); err != nil {
				return nil, err
			}
		}
	case types.FileTypeRegular:
		if src.CurrentVersion == "" {
			break
		}
		data, err := e.fetch(ctx, tenant, srcUID, src.CurrentVersion)
		if err != nil {
			return nil, fmt.Errorf("reading source content: %w", err)
		}
		stamp, err := e.writeVersion(ctx, tenant, dst.UID, data)
		if err != nil {
			return nil, err
		}
		// The current version's metadata pairs travel with the copy.
		entries, err := e.meta.GetAllMetadata(ctx, tenant, srcUID, src.CurrentVersion)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			entry.FileUID = dst.UID
			entry.VersionTS = stamp
			if err := e.meta.SetMetadata(ctx, tenant, entry); err != nil {
				return nil, err
			}
		}
	}

	e.publish(events.EventFileCopied, tenant, dst.UID, "", fmt.Sprintf("%q copied from %s", name, srcUID))
	return dst, nil
}

// StorageUsage returns a file's current size, or a directory's recursive
// total over current versions.
func (e *Engine) StorageUsage(ctx context.Context, caller types.Caller, tenant, uid string) (size int64, err error) {
	defer e.observe("storage_usage", time.Now(), &err)

	f, err := e.meta.GetByUID(ctx, tenant, uid, false)
	if err != nil {
		return 0, err
	}
	if err = e.check(ctx, caller, tenant, uid, types.PermRead); err != nil {
		return 0, err
	}
	if f.Type == types.FileTypeDirectory {
		size, err = e.meta.GetDirectorySize(ctx, tenant, uid)
		return size, err
	}
	size, err = e.meta.GetFileSize(ctx, tenant, uid)
	return size, err
}
