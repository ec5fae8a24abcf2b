package sdbx

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// envMetrics are the counters and histograms of one environment. They live
// in a private set so several environments in one process do not collide.
type envMetrics struct {
	set *metrics.Set

	readBegun      *metrics.Counter
	writeBegun     *metrics.Counter
	readAborted    *metrics.Counter
	writeCommitted *metrics.Counter
	writeAborted   *metrics.Counter
	rolledBack     *metrics.Counter
	evictions      *metrics.Counter
	staleCleaned   *metrics.Counter
	autoSyncs      *metrics.Counter

	preparation *metrics.Histogram
	gc          *metrics.Histogram
	audit       *metrics.Histogram
	write       *metrics.Histogram
	sync        *metrics.Histogram
	ending      *metrics.Histogram
	whole       *metrics.Histogram
}

func newEnvMetrics(e *Env) *envMetrics {
	s := metrics.NewSet()
	phase := func(name string) *metrics.Histogram {
		return s.NewHistogram(fmt.Sprintf(`sdbx_commit_phase_seconds{phase=%q}`, name))
	}
	m := &envMetrics{
		set:            s,
		readBegun:      s.NewCounter(`sdbx_txn_begun_total{mode="read"}`),
		writeBegun:     s.NewCounter(`sdbx_txn_begun_total{mode="write"}`),
		readAborted:    s.NewCounter(`sdbx_txn_aborted_total{mode="read"}`),
		writeCommitted: s.NewCounter(`sdbx_txn_committed_total{mode="write"}`),
		writeAborted:   s.NewCounter(`sdbx_txn_aborted_total{mode="write"}`),
		rolledBack:     s.NewCounter(`sdbx_txn_rolled_back_total`),
		evictions:      s.NewCounter(`sdbx_reader_evictions_total`),
		staleCleaned:   s.NewCounter(`sdbx_reader_stale_cleaned_total`),
		autoSyncs:      s.NewCounter(`sdbx_autosync_total`),
		preparation:    phase("preparation"),
		gc:             phase("gc"),
		audit:          phase("audit"),
		write:          phase("write"),
		sync:           phase("sync"),
		ending:         phase("ending"),
		whole:          phase("whole"),
	}
	s.NewGauge(`sdbx_readers_active`, func() float64 {
		return float64(e.liveReaders.Load())
	})
	s.NewGauge(`sdbx_map_size_bytes`, func() float64 {
		return float64(e.mapSize.Load())
	})
	s.NewGauge(`sdbx_last_txnid`, func() float64 {
		return float64(e.lastTxnID.Load())
	})
	return m
}

func (m *envMetrics) observeCommit(l CommitLatency) {
	m.preparation.Update(l.Preparation.Seconds())
	m.gc.Update(l.GC.Seconds())
	m.audit.Update(l.Audit.Seconds())
	m.write.Update(l.Write.Seconds())
	m.sync.Update(l.Sync.Seconds())
	m.ending.Update(l.Ending.Seconds())
	m.whole.Update(l.Whole.Seconds())
}

// WriteMetrics writes the environment's metrics in Prometheus text format.
func (e *Env) WriteMetrics(w io.Writer) {
	e.metrics.set.WritePrometheus(w)
}
