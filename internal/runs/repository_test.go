package runs

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ausmarton/agentforge/pkg/runtypes"
)

func TestCreateRunLaysOutDirectories(t *testing.T) {
	repo := NewRepository(t.TempDir())
	runID, runDir, workspacePath, err := repo.CreateRun()
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if runID == "" {
		t.Fatal("expected a non-empty run id")
	}
	if _, err := os.Stat(workspacePath); err != nil {
		t.Fatalf("expected workspace dir to exist: %v", err)
	}
	if filepath.Dir(workspacePath) != runDir {
		t.Fatalf("expected workspace to live under run dir, got %s vs %s", workspacePath, runDir)
	}
}

func TestAppendEventWritesJSONLAndIncrementsSeq(t *testing.T) {
	repo := NewRepository(t.TempDir())
	runID, runDir, _, err := repo.CreateRun()
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	run, err := OpenRun(runID, runDir)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}

	if err := run.AppendEvent(runtypes.EventPackStart, "engineering_step_0", map[string]any{"specialist": "engineering"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := run.AppendEvent(runtypes.EventToolCall, "engineering_step_0", map[string]any{"tool": "shell"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := run.Finish(nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	lines := readRunlogLines(t, filepath.Join(runDir, runlogFileName))
	if len(lines) != 2 {
		t.Fatalf("expected 2 persisted events, got %d", len(lines))
	}
	if lines[0].Seq != 1 || lines[1].Seq != 2 {
		t.Fatalf("expected strictly increasing sequence numbers, got %d, %d", lines[0].Seq, lines[1].Seq)
	}
}

func TestAppendEventRejectsDuplicateRunComplete(t *testing.T) {
	repo := NewRepository(t.TempDir())
	runID, runDir, _, _ := repo.CreateRun()
	run, err := OpenRun(runID, runDir)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	defer run.Finish(nil)

	if err := run.AppendEvent(runtypes.EventRunComplete, "", nil); err != nil {
		t.Fatalf("first run_complete should succeed: %v", err)
	}
	if err := run.AppendEvent(runtypes.EventRunComplete, "", nil); err == nil {
		t.Fatal("expected a second run_complete to be rejected")
	}
}

func TestSubscribeReceivesLiveEventsAndSentinelOnFinish(t *testing.T) {
	repo := NewRepository(t.TempDir())
	runID, runDir, _, _ := repo.CreateRun()
	run, err := OpenRun(runID, runDir)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}

	ch, cancel := run.Subscribe()
	defer cancel()

	if err := run.AppendEvent(runtypes.EventPackStart, "p_step_0", nil); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	first := <-ch
	if first.Kind != runtypes.EventPackStart {
		t.Fatalf("expected pack_start, got %s", first.Kind)
	}

	if err := run.Finish(nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	sentinel, ok := <-ch
	if !ok {
		t.Fatal("expected a sentinel event before channel closes")
	}
	if sentinel.Kind != sentinelDone {
		t.Fatalf("expected done sentinel, got %s", sentinel.Kind)
	}
	if _, open := <-ch; open {
		t.Fatal("expected channel to be closed after sentinel")
	}
}

func TestOpenRunResumesSequenceFromExistingLog(t *testing.T) {
	repo := NewRepository(t.TempDir())
	runID, runDir, _, _ := repo.CreateRun()

	run, err := OpenRun(runID, runDir)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	run.AppendEvent(runtypes.EventPackStart, "p_step_0", nil)
	run.AppendEvent(runtypes.EventToolCall, "p_step_0", nil)
	run.Finish(nil)

	resumed, err := OpenRun(runID, runDir)
	if err != nil {
		t.Fatalf("OpenRun (resume): %v", err)
	}
	defer resumed.Finish(nil)
	if err := resumed.AppendEvent(runtypes.EventToolResult, "p_step_0", nil); err != nil {
		t.Fatalf("AppendEvent after resume: %v", err)
	}

	lines := readRunlogLines(t, filepath.Join(runDir, runlogFileName))
	if len(lines) != 3 {
		t.Fatalf("expected 3 total events across both opens, got %d", len(lines))
	}
	if lines[2].Seq != 3 {
		t.Fatalf("expected resumed sequence to continue at 3, got %d", lines[2].Seq)
	}
}

func TestListRunsSkipsEmptyDirsAndOrdersNewestFirst(t *testing.T) {
	repo := NewRepository(t.TempDir())

	id1, dir1, _, _ := repo.CreateRun()
	run1, err := OpenRun(id1, dir1)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	run1.AppendEvent(runtypes.EventPackStart, "p_step_0", nil)
	run1.Finish(nil)

	id2, dir2, _, _ := repo.CreateRun()
	run2, err := OpenRun(id2, dir2)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	run2.AppendEvent(runtypes.EventPackStart, "p_step_0", nil)
	run2.Finish(nil)

	// A run directory that never got past CreateRun (no runlog written)
	// must not appear in the listing.
	if _, _, _, err := repo.CreateRun(); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	ids, err := repo.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 listed runs, got %v", ids)
	}
	if ids[0] != id2 || ids[1] != id1 {
		t.Fatalf("expected newest-first order [%s %s], got %v", id2, id1, ids)
	}
}

func TestListRunsOnEmptyRootReturnsEmpty(t *testing.T) {
	repo := NewRepository(t.TempDir())
	ids, err := repo.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no runs, got %v", ids)
	}
}

func readRunlogLines(t *testing.T, path string) []runtypes.Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open runlog: %v", err)
	}
	defer f.Close()

	var events []runtypes.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev runtypes.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("decode runlog line: %v", err)
		}
		events = append(events, ev)
	}
	return events
}
