package metrics

import "time"

// Recorder defines the observability hooks the sync orchestrator (C11) calls
// while driving a run. Implementations may forward to Prometheus or do
// nothing. All methods must be safe to call on NoopRecorder (Null Object
// pattern) so callers never need a nil check before recording.
type Recorder interface {
	ObserveRunDuration(action string, d time.Duration)
	IncRunOutcome(action string, success bool)
	AddPackBytes(n int64)
	AddObjectsDecoded(n int)
	AddDeltasResolved(n int)
	ObserveDeltaChainLength(n int)
	AddFilesWritten(n int)
	AddFilesDeleted(n int)
	IncRepairRound()
	SetRepairWantCount(n int)
	ObserveTransportDial(d time.Duration, success bool)
}

// NoopRecorder is a Recorder that does nothing (default when metrics aren't wired).
type NoopRecorder struct{}

func (NoopRecorder) ObserveRunDuration(string, time.Duration) {}
func (NoopRecorder) IncRunOutcome(string, bool)               {}
func (NoopRecorder) AddPackBytes(int64)                       {}
func (NoopRecorder) AddObjectsDecoded(int)                    {}
func (NoopRecorder) AddDeltasResolved(int)                    {}
func (NoopRecorder) ObserveDeltaChainLength(int)              {}
func (NoopRecorder) AddFilesWritten(int)                      {}
func (NoopRecorder) AddFilesDeleted(int)                      {}
func (NoopRecorder) IncRepairRound()                           {}
func (NoopRecorder) SetRepairWantCount(int)                   {}
func (NoopRecorder) ObserveTransportDial(time.Duration, bool) {}
