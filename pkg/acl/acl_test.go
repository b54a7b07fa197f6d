package acl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rational-Boxes/depot/pkg/id"
	"github.com/Rational-Boxes/depot/pkg/types"
)

// memStore is a map-backed acl.Store for evaluator tests.
type memStore struct {
	rows map[string][]types.ACLEntry
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string][]types.ACLEntry)}
}

func (m *memStore) AddACL(_ context.Context, _ string, entry types.ACLEntry) error {
	rows := m.rows[entry.ResourceUID]
	for i, row := range rows {
		if row.Principal == entry.Principal && row.PrincipalType == entry.PrincipalType {
			rows[i].Permissions |= entry.Permissions
			return nil
		}
	}
	m.rows[entry.ResourceUID] = append(rows, entry)
	return nil
}

func (m *memStore) RemoveACL(_ context.Context, _ string, resourceUID, principal string, ptype types.PrincipalType) error {
	rows := m.rows[resourceUID]
	for i, row := range rows {
		if row.Principal == principal && row.PrincipalType == ptype {
			m.rows[resourceUID] = append(rows[:i], rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memStore) GetACLsForResource(_ context.Context, _ string, resourceUID string) ([]types.ACLEntry, error) {
	return append([]types.ACLEntry(nil), m.rows[resourceUID]...), nil
}

func TestEffectiveRoleMatrix(t *testing.T) {
	const resource = "res-1"
	rows := []types.ACLEntry{
		{ResourceUID: resource, Principal: "users", PrincipalType: types.PrincipalRole, Permissions: types.PermRead},
		{ResourceUID: resource, Principal: "contributors", PrincipalType: types.PrincipalRole, Permissions: types.PermRead | types.PermWrite},
		{ResourceUID: resource, Principal: "admins", PrincipalType: types.PrincipalRole, Permissions: types.PermRead | types.PermWrite | types.PermDelete | types.PermExecute},
	}

	tests := []struct {
		name     string
		user     string
		roles    []string
		required types.Permission
		allowed  bool
	}{
		{"reader cannot write", "u1", []string{"users"}, types.PermWrite, false},
		{"reader can read", "u1", []string{"users"}, types.PermRead, true},
		{"contributor can write", "u2", []string{"contributors"}, types.PermWrite, true},
		{"admin can delete", "u3", []string{"admins"}, types.PermDelete, true},
		{"admin can execute", "u3", []string{"admins"}, types.PermExecute, true},
		{"no roles no access", "u4", nil, types.PermRead, false},
		{"multiple roles union", "u5", []string{"users", "contributors"}, types.PermRead | types.PermWrite, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			effective := Effective(rows, resource, tt.user, tt.roles)
			assert.Equal(t, tt.allowed, effective.Has(tt.required))
		})
	}
}

func TestEffectiveUserRowsAdditiveWithRoles(t *testing.T) {
	const resource = "res-2"
	rows := []types.ACLEntry{
		{ResourceUID: resource, Principal: "bob", PrincipalType: types.PrincipalUser, Permissions: types.PermRead},
		{ResourceUID: resource, Principal: "writers", PrincipalType: types.PrincipalRole, Permissions: types.PermWrite},
		{ResourceUID: resource, Principal: "other", PrincipalType: types.PrincipalOther, Permissions: types.PermExecute},
	}

	// A user row must not mask matching role rows.
	effective := Effective(rows, resource, "bob", []string{"writers"})
	assert.True(t, effective.Has(types.PermRead|types.PermWrite))
	// The other row only applies when nothing else matches.
	assert.False(t, effective.Has(types.PermExecute))

	stranger := Effective(rows, resource, "eve", nil)
	assert.Equal(t, types.PermExecute, stranger)
}

func TestRootAlwaysReadable(t *testing.T) {
	assert.True(t, Effective(nil, id.RootUID, "anyone", nil).Has(types.PermRead))

	rows := []types.ACLEntry{
		{ResourceUID: id.RootUID, Principal: "admins", PrincipalType: types.PrincipalRole, Permissions: types.PermAll},
	}
	assert.True(t, Effective(rows, id.RootUID, "anyone", nil).Has(types.PermRead))
	assert.False(t, Effective(rows, id.RootUID, "anyone", nil).Has(types.PermWrite))
}

func TestGrantRevokeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	ev := NewEvaluator(store)

	entry := types.ACLEntry{
		ResourceUID:   "res-3",
		Principal:     "carol",
		PrincipalType: types.PrincipalUser,
		Permissions:   types.PermRead | types.PermWrite,
	}
	require.NoError(t, ev.Grant(ctx, "default", entry))

	effective, err := ev.Effective(ctx, "default", "res-3", "carol", nil)
	require.NoError(t, err)
	assert.True(t, effective.Has(types.PermRead|types.PermWrite))

	// Revoking write leaves read in place.
	require.NoError(t, ev.Revoke(ctx, "default", "res-3", "carol", types.PrincipalUser, types.PermWrite))
	effective, err = ev.Effective(ctx, "default", "res-3", "carol", nil)
	require.NoError(t, err)
	assert.True(t, effective.Has(types.PermRead))
	assert.False(t, effective.Has(types.PermWrite))

	// Revoking the rest drops the row.
	require.NoError(t, ev.Revoke(ctx, "default", "res-3", "carol", types.PrincipalUser, types.PermRead))
	rows, err := store.GetACLsForResource(ctx, "default", "res-3")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestInheritCopiesParentRows(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	ev := NewEvaluator(store)

	require.NoError(t, ev.Grant(ctx, "default", types.ACLEntry{
		ResourceUID:   "parent",
		Principal:     "editors",
		PrincipalType: types.PrincipalRole,
		Permissions:   types.PermRead | types.PermWrite,
	}))

	require.NoError(t, ev.Inherit(ctx, "default", "parent", "child", "dave"))

	// Role row copied from the parent.
	effective, err := ev.Effective(ctx, "default", "child", "x", []string{"editors"})
	require.NoError(t, err)
	assert.True(t, effective.Has(types.PermRead|types.PermWrite))

	// Creator gets everything.
	effective, err = ev.Effective(ctx, "default", "child", "dave", nil)
	require.NoError(t, err)
	assert.True(t, effective.Has(types.PermAll))

	// Everyone else falls through to other:read.
	effective, err = ev.Effective(ctx, "default", "child", "stranger", nil)
	require.NoError(t, err)
	assert.Equal(t, types.PermRead, effective)
}

func TestCheckDenied(t *testing.T) {
	ctx := context.Background()
	ev := NewEvaluator(newMemStore())

	err := ev.Check(ctx, "default", "res-4", "mallory", nil, types.PermRead)
	assert.ErrorIs(t, err, types.ErrDenied)
}
