package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Rational-Boxes/depot/pkg/metastore"
)

// probeMeta fakes just the health slice of the metadata store.
type probeMeta struct {
	metastore.Store
	up    atomic.Bool
	avail atomic.Bool
}

func newProbeMeta() *probeMeta {
	m := &probeMeta{}
	m.up.Store(true)
	m.avail.Store(true)
	return m
}

func (m *probeMeta) CheckConnection(context.Context) error {
	if !m.up.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func (m *probeMeta) PrimaryAvailable() bool    { return m.avail.Load() }
func (m *probeMeta) SetPrimaryAvailable(v bool) { m.avail.Store(v) }

func TestMonitorFlipsAfterThreshold(t *testing.T) {
	ctx := context.Background()
	meta := newProbeMeta()
	m := NewMonitor(MonitorConfig{Meta: meta, FailThreshold: 3})

	meta.up.Store(false)

	m.Probe(ctx)
	m.Probe(ctx)
	assert.True(t, meta.PrimaryAvailable(), "two failures stay below the threshold")

	m.Probe(ctx)
	assert.False(t, meta.PrimaryAvailable(), "third consecutive failure flips read-only")
}

func TestMonitorRecoversImmediately(t *testing.T) {
	ctx := context.Background()
	meta := newProbeMeta()
	m := NewMonitor(MonitorConfig{Meta: meta, FailThreshold: 1})

	meta.up.Store(false)
	m.Probe(ctx)
	assert.False(t, meta.PrimaryAvailable())

	meta.up.Store(true)
	m.Probe(ctx)
	assert.True(t, meta.PrimaryAvailable(), "one good probe restores writes")
}

func TestMonitorFailureCountResets(t *testing.T) {
	ctx := context.Background()
	meta := newProbeMeta()
	m := NewMonitor(MonitorConfig{Meta: meta, FailThreshold: 2})

	meta.up.Store(false)
	m.Probe(ctx)
	meta.up.Store(true)
	m.Probe(ctx)
	meta.up.Store(false)
	m.Probe(ctx)
	assert.True(t, meta.PrimaryAvailable(), "non-consecutive failures never flip")
}
