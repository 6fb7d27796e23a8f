package backup

import (
	"github.com/rcrowley/go-metrics"
)

const (
	statCreateLatency  = "backup.create.latency"
	statRestoreLatency = "backup.restore.latency"
	statCreated        = "backup.created"
	statCreateFailed   = "backup.create.failed"
	statRestored       = "backup.restored"
	statRestoreFailed  = "backup.restore.failed"
	statDeleted        = "backup.deleted"
	statBytesUploaded  = "backup.bytes.uploaded"
	statBytesRestored  = "backup.bytes.restored"
)

type stats struct {
	createLatency  metrics.Timer
	restoreLatency metrics.Timer
	created        metrics.Counter
	createFailed   metrics.Counter
	restored       metrics.Counter
	restoreFailed  metrics.Counter
	deleted        metrics.Counter
	bytesUploaded  metrics.Counter
	bytesRestored  metrics.Counter
}

func newStats(r metrics.Registry) *stats {
	return &stats{
		createLatency:  metrics.GetOrRegisterTimer(statCreateLatency, r),
		restoreLatency: metrics.GetOrRegisterTimer(statRestoreLatency, r),
		created:        metrics.GetOrRegisterCounter(statCreated, r),
		createFailed:   metrics.GetOrRegisterCounter(statCreateFailed, r),
		restored:       metrics.GetOrRegisterCounter(statRestored, r),
		restoreFailed:  metrics.GetOrRegisterCounter(statRestoreFailed, r),
		deleted:        metrics.GetOrRegisterCounter(statDeleted, r),
		bytesUploaded:  metrics.GetOrRegisterCounter(statBytesUploaded, r),
		bytesRestored:  metrics.GetOrRegisterCounter(statBytesRestored, r),
	}
}

// Snapshot flattens a registry into name -> value for display.
func Snapshot(r metrics.Registry) map[string]int64 {
	out := map[string]int64{}
	r.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case metrics.Counter:
			out[name] = m.Count()
		case metrics.Timer:
			t := m.Snapshot()
			out[name+".count"] = t.Count()
			out[name+".max_ms"] = t.Max() / 1e6
		}
	})
	return out
}
