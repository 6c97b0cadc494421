package metrics

import "time"

// testRecorder is a counting Recorder that needs no Prometheus; the
// assertions at the end of this file check that it and NoopRecorder
// satisfy Recorder.
type testRecorder struct {
	runDurations   map[string]int
	runOutcomes    map[string]map[bool]int
	packBytes      int64
	objectsDecoded int
	deltasResolved int
	deltaChainLens []int
	filesWritten   int
	filesDeleted   int
	repairRounds   int
	repairWant     int
	dialObserved   int
}

func newTestRecorder() *testRecorder {
	return &testRecorder{
		runDurations: map[string]int{},
		runOutcomes:  map[string]map[bool]int{},
	}
}

func (t *testRecorder) ObserveRunDuration(action string, _ time.Duration) {
	t.runDurations[action]++
}

func (t *testRecorder) IncRunOutcome(action string, success bool) {
	m, ok := t.runOutcomes[action]
	if !ok {
		m = map[bool]int{}
		t.runOutcomes[action] = m
	}
	m[success]++
}

func (t *testRecorder) AddPackBytes(n int64)        { t.packBytes += n }
func (t *testRecorder) AddObjectsDecoded(n int)      { t.objectsDecoded += n }
func (t *testRecorder) AddDeltasResolved(n int)      { t.deltasResolved += n }
func (t *testRecorder) ObserveDeltaChainLength(n int) {
	t.deltaChainLens = append(t.deltaChainLens, n)
}
func (t *testRecorder) AddFilesWritten(n int) { t.filesWritten += n }
func (t *testRecorder) AddFilesDeleted(n int) { t.filesDeleted += n }
func (t *testRecorder) IncRepairRound()       { t.repairRounds++ }
func (t *testRecorder) SetRepairWantCount(n int) { t.repairWant = n }
func (t *testRecorder) ObserveTransportDial(_ time.Duration, _ bool) { t.dialObserved++ }

var _ Recorder = (*testRecorder)(nil)
var _ Recorder = NoopRecorder{}
