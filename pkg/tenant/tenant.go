package tenant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Rational-Boxes/depot/pkg/blob"
	"github.com/Rational-Boxes/depot/pkg/events"
	"github.com/Rational-Boxes/depot/pkg/id"
	"github.com/Rational-Boxes/depot/pkg/log"
	"github.com/Rational-Boxes/depot/pkg/metastore"
	"github.com/Rational-Boxes/depot/pkg/metrics"
	"github.com/Rational-Boxes/depot/pkg/types"
)

const maxNameLen = 63

var nameRE = regexp.MustCompile(`^[a-z0-9_]+$`)

// remoteAdmin is the slice of the object store the router needs for
// provisioning checks. The in-memory double implements it too.
type remoteAdmin interface {
	BucketExists(ctx context.Context) (bool, error)
	Initialize(ctx context.Context) error
}

// Router hands out provisioned tenant names.
type Router struct {
	enabled bool
	meta    metastore.Store
	local   *blob.Local
	remote  remoteAdmin
	broker  *events.Broker

	mu    sync.RWMutex
	known map[string]struct{}
}

// NewRouter creates a router. remote may be nil when the deployment has no
// object store; provisioning then skips the bucket check.
func NewRouter(enabled bool, meta metastore.Store, local *blob.Local, remote remoteAdmin, broker *events.Broker) *Router {
	return &Router{
		enabled: enabled,
		meta:    meta,
		local:   local,
		remote:  remote,
		broker:  broker,
		known:   make(map[string]struct{}),
	}
}

// Normalize maps a caller-supplied identifier onto the tenant name charset:
// lowercased, with dashes, dots and spaces folded to underscores.
func Normalize(raw string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name)
	if name == "" || len(name) > maxNameLen || !nameRE.MatchString(name) {
		return "", fmt.Errorf("invalid tenant identifier %q", raw)
	}
	return name, nil
}

// Resolve normalises the identifier and provisions the tenant if this is
// the first time it has been seen. With multi-tenancy disabled every
// identifier resolves to the default tenant.
func (r *Router) Resolve(ctx context.Context, raw string) (string, error) {
	name := types.DefaultTenant
	if r.enabled && raw != "" {
		var err error
		if name, err = Normalize(raw); err != nil {
			return "", err
		}
	}

	r.mu.RLock()
	_, ok := r.known[name]
	r.mu.RUnlock()
	if ok {
		return name, nil
	}
	if err := r.provision(ctx, name); err != nil {
		return "", err
	}
	return name, nil
}

func (r *Router) provision(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.known[name]; ok {
		return nil
	}

	existed, err := r.meta.TenantExists(ctx, name)
	if err != nil {
		return fmt.Errorf("probing tenant %s: %w", name, err)
	}
	if err := r.meta.CreateTenantSchema(ctx, name); err != nil {
		return fmt.Errorf("provisioning tenant %s: %w", name, err)
	}
	if err := r.ensureRoot(ctx, name); err != nil {
		return err
	}
	if err := r.local.EnsureTenant(name); err != nil {
		return fmt.Errorf("provisioning local storage for tenant %s: %w", name, err)
	}
	if r.remote != nil {
		ok, err := r.remote.BucketExists(ctx)
		if err != nil || !ok {
			// Replication degrades, reads and writes do not.
			log.WithTenant(name).Warn().Err(err).
				Msg("Object store bucket unavailable during tenant provisioning")
		}
	}

	r.known[name] = struct{}{}
	metrics.TenantsActive.Set(float64(len(r.known)))

	if !existed && r.broker != nil {
		r.broker.Publish(&events.Event{
			ID:        id.NewUID(),
			Type:      events.EventTenantProvisioned,
			Timestamp: time.Now(),
			Tenant:    name,
			Message:   fmt.Sprintf("Tenant %s provisioned", name),
		})
	}
	log.WithTenant(name).Debug().Bool("existed", existed).Msg("Tenant resolved")
	return nil
}

// ensureRoot inserts the tenant's root directory row if it is missing.
func (r *Router) ensureRoot(ctx context.Context, name string) error {
	_, err := r.meta.GetByUID(ctx, name, id.RootUID, true)
	if err == nil {
		return nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return err
	}
	now := time.Now()
	root := &types.File{
		UID:        id.RootUID,
		Name:       "/",
		ParentUID:  id.RootUID,
		Type:       types.FileTypeDirectory,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if err := r.meta.InsertFile(ctx, name, root); err != nil && !errors.Is(err, types.ErrConflict) {
		return fmt.Errorf("creating root for tenant %s: %w", name, err)
	}
	return nil
}

// Known reports whether the router has already resolved a tenant in this
// process.
func (r *Router) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.known[name]
	return ok
}

// List returns every registered tenant from the metadata store, which may
// include tenants provisioned by other hosts.
func (r *Router) List(ctx context.Context) ([]string, error) {
	return r.meta.ListTenants(ctx)
}

// Remove drops a tenant's metadata tables and local blobs. Object-store
// keys are append-only and deliberately left in place.
func (r *Router) Remove(ctx context.Context, name string) error {
	if name == types.DefaultTenant {
		return fmt.Errorf("refusing to remove the default tenant")
	}
	if err := r.meta.CleanupTenantData(ctx, name); err != nil {
		return fmt.Errorf("removing tenant %s: %w", name, err)
	}
	if err := r.local.RemoveTenant(name); err != nil {
		return fmt.Errorf("removing local storage for tenant %s: %w", name, err)
	}

	r.mu.Lock()
	delete(r.known, name)
	metrics.TenantsActive.Set(float64(len(r.known)))
	r.mu.Unlock()

	log.WithTenant(name).Info().Msg("Tenant removed")
	return nil
}
