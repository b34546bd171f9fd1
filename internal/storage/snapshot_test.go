package storage

import (
	"encoding/json"
	"testing"
)

func TestSnapshotManager_SaveAndLoadLatest(t *testing.T) {
	sm := NewSnapshotManager(t.TempDir(), nil)

	if snap, err := sm.LoadLatest(); err != nil || snap != nil {
		t.Fatalf("empty dir: %v, %v", snap, err)
	}

	state1, _ := json.Marshal(map[string]int{"accounts": 3})
	state2, _ := json.Marshal(map[string]int{"accounts": 5})
	if err := sm.Save(&Snapshot{Seq: 10, TsUnix: 1000, State: state1}); err != nil {
		t.Fatalf("save 10: %v", err)
	}
	if err := sm.Save(&Snapshot{Seq: 25, TsUnix: 2000, State: state2}); err != nil {
		t.Fatalf("save 25: %v", err)
	}

	snap, err := sm.LoadLatest()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap == nil || snap.Seq != 25 {
		t.Fatalf("latest = %+v, want seq 25", snap)
	}

	var state map[string]int
	if err := json.Unmarshal(snap.State, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if state["accounts"] != 5 {
		t.Errorf("state = %v, want accounts 5", state)
	}
}

func TestSnapshotManager_Cleanup(t *testing.T) {
	sm := NewSnapshotManager(t.TempDir(), nil)

	for seq := uint64(1); seq <= 5; seq++ {
		snap := &Snapshot{Seq: seq, TsUnix: int64(seq * 100), State: json.RawMessage(`{}`)}
		if err := sm.Save(snap); err != nil {
			t.Fatalf("save %d: %v", seq, err)
		}
	}

	if err := sm.Cleanup(2); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	// The survivor with the highest sequence must still load.
	snap, err := sm.LoadLatest()
	if err != nil || snap == nil {
		t.Fatalf("load after cleanup: %v, %v", snap, err)
	}
	if snap.Seq != 5 {
		t.Errorf("latest after cleanup = %d, want 5", snap.Seq)
	}
}

func TestSnapshotManager_CleanupMissingDir(t *testing.T) {
	sm := NewSnapshotManager(t.TempDir()+"/nope", nil)
	if err := sm.Cleanup(3); err != nil {
		t.Errorf("cleanup on missing dir: %v", err)
	}
}
