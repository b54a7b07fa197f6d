package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

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

// CullerConfig wires a Culler.
type CullerConfig struct {
	Meta    metastore.Store
	Local   *blob.Local
	Cache   *cache.Cache
	Tracker *tracker.Tracker
	Broker  *events.Broker
	// Host selects this process's rows in the access statistics.
	Host string
	// MaxLocalBytes is the local disk budget. Zero disables culling.
	MaxLocalBytes int64
	// Strategy ranks eviction candidates. Defaults to LRU.
	Strategy types.CullStrategy
	// IdleWindow is the LFU cutoff: only files untouched for this long are
	// candidates. Defaults to 24h.
	IdleWindow time.Duration
	// BatchSize caps evictions per round. Defaults to 50.
	BatchSize int
	// Interval between rounds. Defaults to 5m.
	Interval time.Duration
}

// Culler reclaims local disk by deleting replicated payloads of cold files.
// A payload whose version the tracker has not confirmed in the object store
// is the sole copy and is never touched.
type Culler struct {
	cfg    CullerConfig
	stopCh chan struct{}
}

// NewCuller creates a culler.
func NewCuller(cfg CullerConfig) *Culler {
	if cfg.Strategy == "" {
		cfg.Strategy = types.CullLRU
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Culler{cfg: cfg, stopCh: make(chan struct{})}
}

// Start launches the cull loop.
func (c *Culler) Start() {
	go c.run()
}

// Stop stops the cull loop.
func (c *Culler) Stop() {
	close(c.stopCh)
}

func (c *Culler) run() {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.CullOnce(context.Background()); err != nil {
				log.WithComponent("culler").Error().Err(err).Msg("Cull round failed")
			}
		case <-c.stopCh:
			return
		}
	}
}

// CullOnce runs a single round: inventory the local store, and while usage
// exceeds the budget delete replicated payloads of the coldest files,
// oldest version first, up to the batch cap.
func (c *Culler) CullOnce(ctx context.Context) (culled int, err error) {
	if c.cfg.MaxLocalBytes <= 0 || c.cfg.Tracker == nil {
		return 0, nil
	}

	byUID := make(map[string][]blob.StoredVersion)
	var total int64
	err = c.cfg.Local.Walk(func(sv blob.StoredVersion) error {
		if !id.ValidUID(sv.UID) || !id.ValidStamp(sv.VersionTS) {
			return nil
		}
		byUID[sv.UID] = append(byUID[sv.UID], sv)
		total += sv.Size
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("inventorying local store: %w", err)
	}
	if total <= c.cfg.MaxLocalBytes {
		return 0, nil
	}

	candidates, err := c.rank(ctx)
	if err != nil {
		return 0, err
	}
	// A restored version reuses its source's payload path until it replicates
	// under its own stamp. Any path a pending record still references must
	// stay on disk even when the source stamp itself is synced.
	pendingRecs, err := c.cfg.Tracker.Pending()
	if err != nil {
		return 0, fmt.Errorf("loading pending queue: %w", err)
	}
	busy := make(map[string]bool, len(pendingRecs))
	for _, rec := range pendingRecs {
		busy[rec.StoragePath] = true
	}
	// Files with no statistics were never read through this host; they rank
	// after the known-cold ones, in stable order.
	seen := make(map[string]bool, len(candidates))
	for _, uid := range candidates {
		seen[uid] = true
	}
	rest := make([]string, 0, len(byUID))
	for uid := range byUID {
		if !seen[uid] {
			rest = append(rest, uid)
		}
	}
	sort.Strings(rest)
	candidates = append(candidates, rest...)

	for _, uid := range candidates {
		versions, ok := byUID[uid]
		if !ok {
			continue
		}
		// Oldest stamps go first.
		sort.Slice(versions, func(i, j int) bool { return versions[i].VersionTS < versions[j].VersionTS })
		for _, sv := range versions {
			if total <= c.cfg.MaxLocalBytes || culled >= c.cfg.BatchSize {
				return culled, nil
			}
			synced, err := c.cfg.Tracker.IsSynced(sv.Tenant, sv.UID, sv.VersionTS)
			if err != nil {
				return culled, err
			}
			if !synced || busy[sv.StoragePath] {
				continue
			}
			if c.cfg.Cache != nil {
				c.cfg.Cache.Remove(sv.StoragePath)
			}
			if err := c.cfg.Local.Delete(ctx, sv.StoragePath, sv.Tenant); err != nil {
				if errors.Is(err, types.ErrNotFound) {
					continue
				}
				return culled, err
			}
			total -= sv.Size
			culled++
			metrics.BlobsCulled.Inc()
			if c.cfg.Broker != nil {
				c.cfg.Broker.Publish(&events.Event{
					ID:        id.NewUID(),
					Type:      events.EventBlobCulled,
					Tenant:    sv.Tenant,
					UID:       sv.UID,
					VersionTS: sv.VersionTS,
					Message:   "Local payload reclaimed",
				})
			}
		}
	}
	if culled > 0 {
		log.WithComponent("culler").Info().
			Int("blobs", culled).
			Int64("local_bytes", total).
			Msg("Cull round reclaimed local disk")
	}
	return culled, nil
}

// rank returns candidate file uids with access statistics, coldest first,
// per the strategy.
func (c *Culler) rank(ctx context.Context) ([]string, error) {
	var (
		stats []types.AccessStat
		err   error
	)
	switch c.cfg.Strategy {
	case types.CullLFU:
		stats, err = c.cfg.Meta.InfrequentlyAccessed(ctx, c.cfg.Host, c.cfg.IdleWindow)
	default:
		stats, err = c.cfg.Meta.LeastAccessed(ctx, c.cfg.Host, c.cfg.BatchSize)
	}
	if err != nil {
		return nil, fmt.Errorf("ranking candidates: %w", err)
	}
	uids := make([]string, 0, len(stats))
	for _, st := range stats {
		uids = append(uids, st.FileUID)
	}
	return uids, nil
}
