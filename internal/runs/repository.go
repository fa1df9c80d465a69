// Package runs is the run repository: it lays out a run's directory,
// appends its runlog as JSONL (one line per event, fsynced for crash
// safety), and optionally fans events out to live subscribers. It is
// grounded on the teacher's JSONL trace writer, generalized from a
// single growing trace file to a directory per run with a bounded
// streaming fan-out.
package runs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ausmarton/agentforge/internal/errs"
	"github.com/ausmarton/agentforge/pkg/runtypes"
)

// eventQueueCapacity bounds the fan-out buffer per subscriber; once
// full, the oldest buffered event is dropped to make room for the
// newest one rather than blocking the run.
const eventQueueCapacity = 256

// sentinelDone and sentinelError are pushed to subscribers to signal
// stream closure; they are never written to the runlog file.
const (
	sentinelDone  runtypes.EventKind = "_run_done_"
	sentinelError runtypes.EventKind = "_run_error_"
)

const runlogFileName = "runlog.jsonl"

// Repository roots every run under a single workspace directory.
type Repository struct {
	root string
}

// NewRepository builds a Repository rooted at root (config.WorkspaceRoot).
func NewRepository(root string) *Repository {
	return &Repository{root: root}
}

// CreateRun allocates a fresh run id and directory layout:
//
//	<root>/runs/<run_id>/runlog.jsonl
//	<root>/runs/<run_id>/workspace/
//
// and returns the run id, its directory, and its workspace path.
func (repo *Repository) CreateRun() (runID, runDir, workspacePath string, err error) {
	runID = uuid.NewString()
	runDir = filepath.Join(repo.root, "runs", runID)
	workspacePath = filepath.Join(runDir, "workspace")
	if err := os.MkdirAll(workspacePath, 0o755); err != nil {
		return "", "", "", fmt.Errorf("create run workspace: %w", err)
	}
	return runID, runDir, workspacePath, nil
}

// RunDir returns the directory a given run id would live in, without
// creating anything; used by resume to locate an existing run.
func (repo *Repository) RunDir(runID string) string {
	return filepath.Join(repo.root, "runs", runID)
}

// ListRuns returns every run id under the repository's root, newest
// first by runlog.jsonl modification time, for a CLI's status/resume
// listing. A run directory with no runlog.jsonl (a CreateRun that
// never got as far as its first AppendEvent) is skipped.
func (repo *Repository) ListRuns() ([]string, error) {
	runsDir := filepath.Join(repo.root, "runs")
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list runs: %w", err)
	}

	type runStat struct {
		id      string
		modTime time.Time
	}
	var found []runStat
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := os.Stat(filepath.Join(runsDir, e.Name(), runlogFileName))
		if err != nil {
			continue
		}
		found = append(found, runStat{id: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].modTime.After(found[j].modTime) })

	ids := make([]string, len(found))
	for i, f := range found {
		ids[i] = f.id
	}
	return ids, nil
}

// Run is a single run's open runlog, safe for concurrent AppendEvent
// calls from a parallel task force.
type Run struct {
	id  string
	dir string

	mu       sync.Mutex
	file     *os.File
	seq      uint64
	done     bool
	subs     []chan *runtypes.Event
	complete bool
}

// OpenRun opens (creating if absent) the runlog for an existing run
// directory, appending to it rather than truncating, so resume can
// continue a partially-written run.
func OpenRun(runID, runDir string) (*Run, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	path := filepath.Join(runDir, runlogFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open runlog: %w", err)
	}
	seq, err := lastSequence(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Run{id: runID, dir: runDir, file: f, seq: seq}, nil
}

// lastSequence scans an existing runlog for its highest sequence
// number, so a resumed run's new events continue the same counter
// instead of restarting at zero.
func lastSequence(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read runlog: %w", err)
	}
	var max uint64
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var ev runtypes.Event
		if err := dec.Decode(&ev); err != nil {
			break
		}
		if ev.Seq > max {
			max = ev.Seq
		}
	}
	return max, nil
}

// AppendEvent writes one event to the runlog and fans it out to any
// live subscribers. EventRunComplete may only be written once per run;
// subsequent attempts return errs.ErrAlreadyRunning's sibling case
// wrapped as a plain error since this is a caller bug, not a race
// condition worth a typed sentinel.
func (r *Run) AppendEvent(kind runtypes.EventKind, step string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return errs.ErrSessionClosed
	}
	if kind == runtypes.EventRunComplete {
		if r.complete {
			return fmt.Errorf("run %s: run_complete already written", r.id)
		}
		r.complete = true
	}

	r.seq++
	ev := &runtypes.Event{
		Seq:     r.seq,
		TS:      float64(time.Now().UnixNano()) / 1e9,
		Kind:    kind,
		Step:    step,
		Payload: payload,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')
	if _, err := r.file.Write(line); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("sync runlog: %w", err)
	}

	r.fanOutLocked(ev)
	return nil
}

// Subscribe returns a bounded channel of events from this point
// forward. Cancel stops delivery and releases the channel; the
// channel is closed automatically when the run finishes or errors.
func (r *Run) Subscribe() (<-chan *runtypes.Event, func()) {
	ch := make(chan *runtypes.Event, eventQueueCapacity)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s == ch {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// fanOutLocked pushes ev to every subscriber, dropping the oldest
// buffered event on a full channel rather than blocking the run on a
// slow consumer.
func (r *Run) fanOutLocked(ev *runtypes.Event) {
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Finish marks the run done: closes the runlog file and notifies
// subscribers with a sentinel event before closing their channels. err
// is nil for a clean completion.
func (r *Run) Finish(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.done = true

	sentinel := sentinelDone
	if err != nil {
		sentinel = sentinelError
	}
	closing := &runtypes.Event{Seq: r.seq, Kind: sentinel}
	for _, ch := range r.subs {
		select {
		case ch <- closing:
		default:
		}
		close(ch)
	}
	r.subs = nil

	return r.file.Close()
}

// ID returns the run's identifier.
func (r *Run) ID() string { return r.id }
