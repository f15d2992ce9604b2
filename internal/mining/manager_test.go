package mining

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *JobManager {
	t.Helper()
	jm := &JobManager{
		logger: zap.NewNop(),
		sinks:  make(map[EventSink]struct{}),
	}
	jm.table.Store(&JobTableSnapshot{Table: make(map[string]*Job)})
	jm.netStats.Store(&NetworkStats{})
	return jm
}

func TestGetCurrentJobEmptyTable(t *testing.T) {
	jm := newTestManager(t)
	assert.Nil(t, jm.GetCurrentJob())
}

func TestInstallPushAndFlushReplacesTable(t *testing.T) {
	jm := newTestManager(t)

	jm.install(&Job{ID: "1"}, true, false)
	jm.install(&Job{ID: "2"}, true, false)
	require.Len(t, jm.table.Load().Table, 2)

	jm.install(&Job{ID: "3"}, true, true)
	snap := jm.table.Load()
	assert.Len(t, snap.Table, 1, "flush must clear prior jobs")
	assert.Equal(t, "3", snap.LatestJobID)
}

func TestInstallWithoutPushDoesNotNotify(t *testing.T) {
	jm := newTestManager(t)

	notified := int32(0)
	sink := &stubSink{onWork: func() { atomic.AddInt32(&notified, 1) }}
	jm.RegisterSink(sink)

	jm.install(&Job{ID: "1"}, false, false)
	assert.Equal(t, int32(0), notified)
	assert.Equal(t, "1", jm.GetCurrentJob().ID)
}

func TestFanOutIsolatesPanickingSink(t *testing.T) {
	jm := newTestManager(t)

	panicky := &stubSink{onWork: func() { panic("boom") }}
	good := &stubSink{}
	var calledGood int32
	good.onWork = func() { atomic.AddInt32(&calledGood, 1) }

	jm.RegisterSink(panicky)
	jm.RegisterSink(good)

	assert.NotPanics(t, func() {
		jm.install(&Job{ID: "1"}, true, false)
	})
	assert.Equal(t, int32(1), calledGood)
}

func TestUnregisterSinkStopsNotifications(t *testing.T) {
	jm := newTestManager(t)

	var calls int32
	sink := &stubSink{onWork: func() { atomic.AddInt32(&calls, 1) }}
	jm.RegisterSink(sink)
	jm.UnregisterSink(sink)

	jm.install(&Job{ID: "1"}, true, false)
	assert.Equal(t, int32(0), calls)
}

type stubSink struct {
	onWork  func()
	onBlock func()
}

func (s *stubSink) SignalNewWork() {
	if s.onWork != nil {
		s.onWork()
	}
}

func (s *stubSink) SignalNewBlock() {
	if s.onBlock != nil {
		s.onBlock()
	}
}
