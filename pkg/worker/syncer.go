package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Rational-Boxes/depot/pkg/blob"
	"github.com/Rational-Boxes/depot/pkg/events"
	"github.com/Rational-Boxes/depot/pkg/id"
	"github.com/Rational-Boxes/depot/pkg/log"
	"github.com/Rational-Boxes/depot/pkg/metrics"
	"github.com/Rational-Boxes/depot/pkg/tracker"
	"github.com/Rational-Boxes/depot/pkg/types"
)

// bucketProber is the optional admin slice of the object store the syncer
// probes before a round, and pokes when the bucket has gone missing.
type bucketProber interface {
	BucketExists(ctx context.Context) (bool, error)
	Initialize(ctx context.Context) error
}

// SyncerConfig wires a Syncer.
type SyncerConfig struct {
	Local   *blob.Local
	Remote  blob.Store
	Tracker *tracker.Tracker
	Broker  *events.Broker
	// Prober short-circuits a round when the bucket is unreachable. Optional.
	Prober bucketProber
	// Interval between periodic rounds. Defaults to 30s.
	Interval time.Duration
	// ScanInterval between reconciliation walks, which compare the local
	// store and the tracker against the remote tier. Defaults to ten times
	// Interval.
	ScanInterval time.Duration
	// ScanOnStart walks the local store once and enqueues any version the
	// tracker has never seen, recovering from a lost tracker database.
	ScanOnStart bool
}

// Syncer drains the tracker's pending queue into the object store.
type Syncer struct {
	local        *blob.Local
	remote       blob.Store
	track        *tracker.Tracker
	broker       *events.Broker
	prober       bucketProber
	interval     time.Duration
	scanInterval time.Duration
	scan         bool

	running atomic.Bool
	wakeCh  chan struct{}
	stopCh  chan struct{}
}

// NewSyncer creates a syncer.
func NewSyncer(cfg SyncerConfig) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 10 * cfg.Interval
	}
	return &Syncer{
		local:        cfg.Local,
		remote:       cfg.Remote,
		track:        cfg.Tracker,
		broker:       cfg.Broker,
		prober:       cfg.Prober,
		interval:     cfg.Interval,
		scanInterval: cfg.ScanInterval,
		scan:         cfg.ScanOnStart,
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the sync loop.
func (s *Syncer) Start() {
	if s.scan {
		if err := s.ScanLocal(); err != nil {
			log.WithComponent("syncer").Error().Err(err).Msg("Startup scan failed")
		}
	}
	if s.broker != nil {
		sub := s.broker.Subscribe()
		go s.watchRequests(sub)
	}
	go s.run()
}

// Stop stops the sync loop.
func (s *Syncer) Stop() {
	close(s.stopCh)
}

// Wake nudges the loop to run a round now instead of at the next tick.
func (s *Syncer) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Syncer) watchRequests(sub events.Subscriber) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Type == events.EventSyncRequested {
				s.Wake()
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Syncer) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	scan := time.NewTicker(s.scanInterval)
	defer scan.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.wakeCh:
		case <-scan.C:
			if _, _, err := s.Reconcile(context.Background()); err != nil {
				log.WithComponent("syncer").Error().Err(err).Msg("Reconcile walk failed")
			}
			continue
		case <-s.stopCh:
			return
		}
		if _, err := s.SyncPending(context.Background()); err != nil && !isBusy(err) {
			log.WithComponent("syncer").Error().Err(err).Msg("Sync round failed")
		}
	}
}

func isBusy(err error) bool {
	return errors.Is(err, types.ErrBusy)
}

// SyncPending uploads every pending version once. A round already in flight
// returns ErrBusy; failed uploads stay queued with their attempt count
// bumped for the next round.
func (s *Syncer) SyncPending(ctx context.Context) (synced int, err error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, fmt.Errorf("sync round already in flight: %w", types.ErrBusy)
	}
	defer s.running.Store(false)

	if s.prober != nil {
		ok, probeErr := s.prober.BucketExists(ctx)
		if probeErr != nil || !ok {
			// A missing bucket may just mean nobody has created it yet.
			if initErr := s.prober.Initialize(ctx); initErr != nil {
				log.WithComponent("syncer").Warn().Err(probeErr).
					Msg("Object store unreachable, deferring sync round")
				return 0, nil
			}
		}
	}

	pending, err := s.track.Pending()
	if err != nil {
		return 0, fmt.Errorf("loading pending queue: %w", err)
	}
	for _, rec := range pending {
		select {
		case <-ctx.Done():
			return synced, ctx.Err()
		case <-s.stopCh:
			return synced, nil
		default:
		}
		if err := s.syncOne(ctx, rec); err != nil {
			metrics.VersionsSyncFailed.Inc()
			log.WithTenant(rec.Tenant).Error().Err(err).
				Str("uid", rec.UID).
				Str("version", rec.VersionTS).
				Int("attempts", rec.Attempts+1).
				Msg("Version upload failed")
			if markErr := s.track.MarkFailed(rec.Tenant, rec.UID, rec.VersionTS, err); markErr != nil {
				log.WithComponent("syncer").Error().Err(markErr).Msg("Failed to record sync failure")
			}
			continue
		}
		synced++
	}
	return synced, nil
}

func (s *Syncer) syncOne(ctx context.Context, rec tracker.Record) error {
	data, err := s.local.Get(ctx, rec.StoragePath, rec.Tenant)
	if err != nil {
		return fmt.Errorf("reading local payload: %w", err)
	}
	if _, err := s.remote.Put(ctx, rec.UID, rec.VersionTS, data, rec.Tenant); err != nil {
		return fmt.Errorf("uploading: %w", err)
	}
	if err := s.track.MarkSynced(rec.Tenant, rec.UID, rec.VersionTS); err != nil {
		return fmt.Errorf("recording sync: %w", err)
	}
	metrics.VersionsSynced.Inc()
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			ID:        id.NewUID(),
			Type:      events.EventSyncCompleted,
			Tenant:    rec.Tenant,
			UID:       rec.UID,
			VersionTS: rec.VersionTS,
			Message:   "Version replicated",
		})
	}
	return nil
}

// ScanLocal walks the local store and enqueues every version the tracker
// does not know about. Entries whose uid or stamp does not parse are stray
// files, not versions, and are skipped.
func (s *Syncer) ScanLocal() error {
	var enqueued int
	err := s.local.Walk(func(sv blob.StoredVersion) error {
		if !id.ValidUID(sv.UID) || !id.ValidStamp(sv.VersionTS) {
			return nil
		}
		state, err := s.track.State(sv.Tenant, sv.UID, sv.VersionTS)
		if err != nil {
			return err
		}
		if state != tracker.StateUnknown {
			return nil
		}
		if err := s.track.MarkPending(tracker.Record{
			Tenant:      sv.Tenant,
			UID:         sv.UID,
			VersionTS:   sv.VersionTS,
			StoragePath: sv.StoragePath,
			Size:        sv.Size,
		}); err != nil {
			return err
		}
		enqueued++
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning local store: %w", err)
	}
	if enqueued > 0 {
		log.WithComponent("syncer").Info().Int("versions", enqueued).
			Msg("Startup scan enqueued untracked versions")
	}
	return nil
}

// Reconcile walks the local store and squares the tracker's view with the
// remote tier. Versions the remote already holds are adopted as synced;
// versions neither the tracker nor the remote knows about are enqueued and
// the loop is woken. Repairs drift from a lost or stale tracker database.
func (s *Syncer) Reconcile(ctx context.Context) (adopted, enqueued int, err error) {
	err = s.local.Walk(func(sv blob.StoredVersion) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !id.ValidUID(sv.UID) || !id.ValidStamp(sv.VersionTS) {
			return nil
		}
		state, err := s.track.State(sv.Tenant, sv.UID, sv.VersionTS)
		if err != nil {
			return err
		}
		if state == tracker.StateSynced {
			return nil
		}
		remoteKey := s.remote.PathFor(sv.UID, sv.VersionTS, sv.Tenant)
		held, err := s.remote.Exists(ctx, remoteKey, sv.Tenant)
		if err != nil {
			return fmt.Errorf("probing remote copy: %w", err)
		}
		if state == tracker.StateUnknown {
			if err := s.track.MarkPending(tracker.Record{
				Tenant:      sv.Tenant,
				UID:         sv.UID,
				VersionTS:   sv.VersionTS,
				StoragePath: sv.StoragePath,
				Size:        sv.Size,
			}); err != nil {
				return err
			}
		}
		if !held {
			enqueued++
			return nil
		}
		if err := s.track.MarkSynced(sv.Tenant, sv.UID, sv.VersionTS); err != nil {
			return err
		}
		adopted++
		return nil
	})
	if err != nil {
		return adopted, enqueued, fmt.Errorf("reconciling local store: %w", err)
	}
	if adopted > 0 || enqueued > 0 {
		log.WithComponent("syncer").Info().
			Int("adopted", adopted).
			Int("enqueued", enqueued).
			Msg("Reconciliation repaired tracker drift")
	}
	if enqueued > 0 {
		s.Wake()
	}
	return adopted, enqueued, nil
}
