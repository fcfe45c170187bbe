package control

import "testing"

func TestIncByAccumulatesAcrossCalls(t *testing.T) {
	mr := NewMetricsRegistry()
	mr.IncBy("reads", 3)
	mr.IncBy("reads", 4)
	snap := mr.GetSnapshot()
	if got := snap["reads"]; got != int64(7) {
		t.Fatalf("reads = %v, want 7", got)
	}
}

func TestSetOverwritesRegardlessOfPriorType(t *testing.T) {
	mr := NewMetricsRegistry()
	mr.Set("mode", "fast")
	if got := mr.GetSnapshot()["mode"]; got != "fast" {
		t.Fatalf("mode = %v, want fast", got)
	}
}

func TestGetSnapshotIsACopy(t *testing.T) {
	mr := NewMetricsRegistry()
	mr.Set("k", int64(1))
	snap := mr.GetSnapshot()
	snap["k"] = int64(999)
	if got := mr.GetSnapshot()["k"]; got != int64(1) {
		t.Fatalf("mutating a snapshot leaked into the registry: %v", got)
	}
}
