package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/Rational-Boxes/depot/pkg/acl"
	"github.com/Rational-Boxes/depot/pkg/blob"
	"github.com/Rational-Boxes/depot/pkg/cache"
	"github.com/Rational-Boxes/depot/pkg/events"
	"github.com/Rational-Boxes/depot/pkg/id"
	"github.com/Rational-Boxes/depot/pkg/log"
	"github.com/Rational-Boxes/depot/pkg/metastore"
	"github.com/Rational-Boxes/depot/pkg/metrics"
	"github.com/Rational-Boxes/depot/pkg/tracker"
	"github.com/Rational-Boxes/depot/pkg/types"
)

// Config wires an engine. Remote and Broker may be nil; a nil Remote means
// reads never fall through to the object store and nothing is enqueued for
// replication.
type Config struct {
	Meta    metastore.Store
	Local   *blob.Local
	Remote  blob.Store
	Cache   *cache.Cache
	Tracker *tracker.Tracker
	Broker  *events.Broker
	Clock   id.Clock
	// Host names this process in the global access statistics.
	Host string
	// MaxObjectBytes rejects oversized puts. Zero means unlimited.
	MaxObjectBytes int64
}

// Engine implements the operation surface.
type Engine struct {
	meta    metastore.Store
	local   *blob.Local
	remote  blob.Store
	cache   *cache.Cache
	track   *tracker.Tracker
	broker  *events.Broker
	eval    *acl.Evaluator
	stamper *id.Stamper
	host    string
	maxObj  int64
}

// New validates the config and returns an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Meta == nil || cfg.Local == nil || cfg.Cache == nil {
		return nil, fmt.Errorf("engine requires a metadata store, a local blob store and a cache")
	}
	return &Engine{
		meta:    cfg.Meta,
		local:   cfg.Local,
		remote:  cfg.Remote,
		cache:   cfg.Cache,
		track:   cfg.Tracker,
		broker:  cfg.Broker,
		eval:    acl.NewEvaluator(cfg.Meta),
		stamper: id.NewStamper(cfg.Clock),
		host:    cfg.Host,
		maxObj:  cfg.MaxObjectBytes,
	}, nil
}

// observe records one operation outcome. Used via defer with a named error.
func (e *Engine) observe(op string, start time.Time, err *error) {
	status := "ok"
	if *err != nil {
		status = "error"
	}
	metrics.OperationsTotal.WithLabelValues(op, status).Inc()
	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (e *Engine) check(ctx context.Context, caller types.Caller, tenant, uid string, required types.Permission) error {
	return e.eval.Check(ctx, tenant, uid, caller.User, caller.Roles, required)
}

func (e *Engine) publish(t events.EventType, tenant, uid, versionTS, msg string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		ID:        id.NewUID(),
		Type:      t,
		Tenant:    tenant,
		UID:       uid,
		VersionTS: versionTS,
		Message:   msg,
	})
}

// CheckAccess reports whether the caller holds the required bits on the
// resource. The API layer uses this for explicit access probes.
func (e *Engine) CheckAccess(ctx context.Context, caller types.Caller, tenant, uid string, required types.Permission) (err error) {
	defer e.observe("check_access", time.Now(), &err)
	err = e.check(ctx, caller, tenant, uid, required)
	return err
}

// Grant adds permission bits for a principal on a resource. The caller must
// hold write on the resource; there is no separate administrator bit.
func (e *Engine) Grant(ctx context.Context, caller types.Caller, tenant string, entry types.ACLEntry) (err error) {
	defer e.observe("grant", time.Now(), &err)
	if err = e.check(ctx, caller, tenant, entry.ResourceUID, types.PermWrite); err != nil {
		return err
	}
	if err = e.eval.Grant(ctx, tenant, entry); err != nil {
		return err
	}
	log.WithTenant(tenant).Debug().
		Str("resource", entry.ResourceUID).
		Str("principal", entry.Principal).
		Msg("Permissions granted")
	return nil
}

// Revoke clears permission bits for a principal on a resource.
func (e *Engine) Revoke(ctx context.Context, caller types.Caller, tenant, resourceUID, principal string, ptype types.PrincipalType, bits types.Permission) (err error) {
	defer e.observe("revoke", time.Now(), &err)
	if err = e.check(ctx, caller, tenant, resourceUID, types.PermWrite); err != nil {
		return err
	}
	return e.eval.Revoke(ctx, tenant, resourceUID, principal, ptype, bits)
}

// EffectivePermissions folds the resource's ACL rows for the caller.
func (e *Engine) EffectivePermissions(ctx context.Context, caller types.Caller, tenant, uid string) (types.Permission, error) {
	return e.eval.Effective(ctx, tenant, uid, caller.User, caller.Roles)
}
