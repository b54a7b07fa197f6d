package acl

import (
	"context"
	"fmt"

	"github.com/Rational-Boxes/depot/pkg/id"
	"github.com/Rational-Boxes/depot/pkg/types"
)

// Store is the slice of the metadata store the evaluator needs.
type Store interface {
	AddACL(ctx context.Context, tenant string, entry types.ACLEntry) error
	RemoveACL(ctx context.Context, tenant, resourceUID, principal string, ptype types.PrincipalType) error
	GetACLsForResource(ctx context.Context, tenant, resourceUID string) ([]types.ACLEntry, error)
}

// Evaluator computes effective permissions and maintains ACL rows.
type Evaluator struct {
	store Store
}

// NewEvaluator returns an evaluator backed by the given store.
func NewEvaluator(store Store) *Evaluator {
	return &Evaluator{store: store}
}

// Effective folds the resource's ACL rows into one bitmask for the caller.
//
// User rows are additive with matching role/group rows; they never mask them.
// When neither user nor role/group rows match, the "other" rows apply. The
// root directory grants read to every caller regardless of rows.
func Effective(rows []types.ACLEntry, resourceUID, user string, roles []string) types.Permission {
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}

	var userBits, roleBits, otherBits types.Permission
	var haveUser, haveRole bool
	for _, row := range rows {
		switch row.PrincipalType {
		case types.PrincipalUser:
			if row.Principal == user {
				userBits |= row.Permissions
				haveUser = true
			}
		case types.PrincipalRole, types.PrincipalGroup:
			if roleSet[row.Principal] {
				roleBits |= row.Permissions
				haveRole = true
			}
		case types.PrincipalOther:
			otherBits |= row.Permissions
		}
	}

	var effective types.Permission
	switch {
	case haveUser:
		effective = userBits | roleBits
	case haveRole:
		effective = roleBits
	default:
		effective = otherBits
	}

	if resourceUID == id.RootUID {
		effective |= types.PermRead
	}
	return effective
}

// Effective fetches the resource's rows and folds them for the caller.
func (e *Evaluator) Effective(ctx context.Context, tenant, resourceUID, user string, roles []string) (types.Permission, error) {
	rows, err := e.store.GetACLsForResource(ctx, tenant, resourceUID)
	if err != nil {
		return types.PermNone, fmt.Errorf("loading acls for %s: %w", resourceUID, err)
	}
	return Effective(rows, resourceUID, user, roles), nil
}

// Check returns ErrDenied unless the caller holds every bit in required.
func (e *Evaluator) Check(ctx context.Context, tenant, resourceUID, user string, roles []string, required types.Permission) error {
	effective, err := e.Effective(ctx, tenant, resourceUID, user, roles)
	if err != nil {
		return err
	}
	if !effective.Has(required) {
		return fmt.Errorf("%s lacks %#x on %s: %w", user, uint32(required), resourceUID, types.ErrDenied)
	}
	return nil
}

// Grant upserts one row, OR-ing the new bits into any existing ones.
func (e *Evaluator) Grant(ctx context.Context, tenant string, entry types.ACLEntry) error {
	return e.store.AddACL(ctx, tenant, entry)
}

// Revoke clears the given bits from the matching row. A row whose bits reach
// zero is removed entirely.
func (e *Evaluator) Revoke(ctx context.Context, tenant, resourceUID, principal string, ptype types.PrincipalType, bits types.Permission) error {
	rows, err := e.store.GetACLsForResource(ctx, tenant, resourceUID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Principal != principal || row.PrincipalType != ptype {
			continue
		}
		remaining := row.Permissions &^ bits
		if err := e.store.RemoveACL(ctx, tenant, resourceUID, principal, ptype); err != nil {
			return err
		}
		if remaining == types.PermNone {
			return nil
		}
		return e.store.AddACL(ctx, tenant, types.ACLEntry{
			ResourceUID:   resourceUID,
			Principal:     principal,
			PrincipalType: ptype,
			Permissions:   remaining,
		})
	}
	return nil
}

// Inherit copies the parent's rows onto a freshly created child and adds the
// creator's full-rights row plus the default other:read row. Inheritance is
// a copy at creation time; lookups never walk up the tree.
func (e *Evaluator) Inherit(ctx context.Context, tenant, parentUID, childUID, creator string) error {
	rows, err := e.store.GetACLsForResource(ctx, tenant, parentUID)
	if err != nil {
		return fmt.Errorf("loading parent acls: %w", err)
	}
	for _, row := range rows {
		row.ResourceUID = childUID
		if err := e.store.AddACL(ctx, tenant, row); err != nil {
			return err
		}
	}
	if err := e.store.AddACL(ctx, tenant, types.ACLEntry{
		ResourceUID:   childUID,
		Principal:     creator,
		PrincipalType: types.PrincipalUser,
		Permissions:   types.PermAll,
	}); err != nil {
		return err
	}
	return e.store.AddACL(ctx, tenant, types.ACLEntry{
		ResourceUID:   childUID,
		Principal:     "other",
		PrincipalType: types.PrincipalOther,
		Permissions:   types.PermRead,
	})
}
