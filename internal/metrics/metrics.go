// Package metrics is the small instrumentation surface the batch engine
// depends on. Backends live in subpackages.
package metrics

// Labels are metric dimensions, rendered as tags by backends.
type Labels map[string]string

type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}

const (
	EventsTotal          = "batchloader_events_total"
	AdmissionsTotal      = "batchloader_admissions_total"
	AppendRetriesTotal   = "batchloader_append_retries_total"
	BatchesFlushedTotal  = "batchloader_batches_flushed_total"
	BatchesClosedTotal   = "batchloader_batches_closed_total"
	TargetLoadsTotal     = "batchloader_target_loads_total"
	TargetLoadSeconds    = "batchloader_target_load_seconds"
	BatchEntriesObserved = "batchloader_batch_entries"
)
