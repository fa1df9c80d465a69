// Package app wires the orchestration runtime's components into a single
// entry point: build the specialist registry, planner, scheduler, run
// repository, checkpoint store, and run index from one Config, then drive
// a task from submission through completion or resumption. This is the
// composition root a CLI (or any other control surface) drives; it holds
// no cobra/HTTP concerns of its own, mirroring how the teacher's
// cmd/nexus/main.go builds a runtime value and hands it to command
// handlers rather than wiring dependencies inline in each command.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ausmarton/agentforge/internal/checkpoint"
	"github.com/ausmarton/agentforge/internal/config"
	"github.com/ausmarton/agentforge/internal/errs"
	"github.com/ausmarton/agentforge/internal/llm"
	"github.com/ausmarton/agentforge/internal/mcp"
	"github.com/ausmarton/agentforge/internal/metrics"
	"github.com/ausmarton/agentforge/internal/orchestrator"
	"github.com/ausmarton/agentforge/internal/runindex"
	"github.com/ausmarton/agentforge/internal/runs"
	"github.com/ausmarton/agentforge/internal/specialist"
	"github.com/ausmarton/agentforge/internal/taskforce"
	"github.com/ausmarton/agentforge/internal/tools"
	"github.com/ausmarton/agentforge/internal/toolloop"
	"github.com/ausmarton/agentforge/pkg/runtypes"
)

// App is the composition root: one per process, built once from Config.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	repo     *runs.Repository
	index    *runindex.Index
	mux      *mcp.Multiplexer
	registry *specialist.Registry
	planner  *orchestrator.Planner
	loop     *toolloop.Loop
	synth    llm.ChatClient

	mu       sync.Mutex
	openRuns map[string]*runs.Run
}

// Option customizes App construction beyond what Config alone expresses:
// the chat clients and the optional embedder are runtime collaborators
// (spec §6.3), not configuration values, so they are supplied here
// rather than unmarshaled from YAML.
type Option func(*options)

type options struct {
	local    llm.ChatClient
	cloud    llm.ChatClient
	embedder runindex.Embedder
	fetch    func(ctx context.Context, query string) (string, error)
	logger   *slog.Logger
}

// WithLocalChat sets the local (first-tried) chat client for both the
// tool loop and the planner.
func WithLocalChat(c llm.ChatClient) Option { return func(o *options) { o.local = c } }

// WithCloudChat sets the cloud escalation target the FallbackChatWrapper
// calls when the configured policy triggers.
func WithCloudChat(c llm.ChatClient) Option { return func(o *options) { o.cloud = c } }

// WithEmbedder attaches an embedding backend to the run index; omitted,
// the index runs in keyword-only mode (spec §4.10's always-available
// fallback).
func WithEmbedder(e runindex.Embedder) Option { return func(o *options) { o.embedder = e } }

// WithFetch supplies the research pack's web_search/fetch_url backend.
func WithFetch(f func(ctx context.Context, query string) (string, error)) Option {
	return func(o *options) { o.fetch = f }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// New builds an App from cfg. Every long-lived component takes cfg's
// values directly; nothing here re-reads the filesystem except through
// the repository and index, which own their own paths under
// cfg.WorkspaceRoot.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.fetch == nil {
		o.fetch = defaultFetch
	}

	met := metrics.New()

	mux := mcp.NewMultiplexer(cfg.ToMCPConfig(), o.logger)
	mux.SetMetrics(met)
	mux.SetRetryPolicy(cfg.ToBackoffPolicy(), cfg.RetryAttempts())

	sandboxRoot := filepath.Join(cfg.WorkspaceRoot, "runs")
	sandbox := tools.NewSandbox(sandboxRoot, cfg.Sandbox.AllowedCommands)

	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	sqlitePath := ""
	if cfg.RunIndex.TopKDefault > 0 {
		sqlitePath = filepath.Join(cfg.WorkspaceRoot, "run_index.sqlite")
	}
	index, err := runindex.Open(cfg.WorkspaceRoot, o.embedder, sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("open run index: %w", err)
	}

	registry := specialist.NewRegistry(cfg, mux)
	specialist.RegisterBuiltins(registry, sandbox, cfg.Sandbox.ShellTimeout, cfg.Sandbox.OutputByteCap, specialist.BuiltinOptions{
		NetworkAllowed: true, // narrowed per-task below via each run's own sandbox wrapper
		Fetch:          o.fetch,
		Searcher:       index,
	})

	local := o.local
	if local == nil {
		local = noopChatClient{}
	}
	policy := llm.EscalationPolicy(cfg.Fallback.Policy)
	chat := llm.NewFallbackChatWrapper(local, o.cloud, policy, nil)
	mux.SetSamplingHandler(samplingHandlerFor(chat))

	planner := orchestrator.NewPlanner(chat, registry, cfg)

	loop := toolloop.New(chat, toolloop.Config{
		MaxSteps:               cfg.Loop.MaxSteps,
		LLMResponseLogCap:      cfg.Loop.LLMResponseLogCap,
		MaxCorrectiveReprompts: cfg.Loop.MaxCorrectiveReprompts,
	})
	loop.SetMetrics(met)

	return &App{
		cfg:      cfg,
		logger:   o.logger,
		metrics:  met,
		repo:     runs.NewRepository(cfg.WorkspaceRoot),
		index:    index,
		mux:      mux,
		registry: registry,
		planner:  planner,
		loop:     loop,
		synth:    o.cloud,
		openRuns: make(map[string]*runs.Run),
	}, nil
}

// Metrics exposes the Prometheus vectors this App records against, for a
// caller that wants to serve /metrics alongside the orchestration surface.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Submit creates a fresh run directory for task and drives it to
// completion or abort. The returned run id is valid even on error (the
// run directory and partial runlog persist for inspection/resume).
func (a *App) Submit(ctx context.Context, task runtypes.Task) (runID string, outcome *taskforce.Outcome, err error) {
	runID, runDir, workspacePath, err := a.repo.CreateRun()
	if err != nil {
		return "", nil, err
	}
	run, err := runs.OpenRun(runID, runDir)
	if err != nil {
		return runID, nil, err
	}
	a.trackRun(runID, run)
	defer a.untrackRun(runID)

	cpStore := checkpoint.NewStore(runDir)
	outcome, err = a.runTask(ctx, task, runID, workspacePath, run, cpStore, nil)
	return runID, outcome, err
}

// Resume continues a previously interrupted run, skipping any specialist
// already recorded in its checkpoint. It is idempotent: resuming a run
// with nothing left pending simply (re-)emits run_complete.
func (a *App) Resume(ctx context.Context, runID string) (*taskforce.Outcome, error) {
	runDir := a.repo.RunDir(runID)
	cpStore := checkpoint.NewStore(runDir)
	cp, err := cpStore.Load()
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("run %s has no checkpoint to resume from", runID)
	}

	run, err := runs.OpenRun(runID, runDir)
	if err != nil {
		return nil, err
	}
	a.trackRun(runID, run)
	defer a.untrackRun(runID)

	workspacePath := filepath.Join(runDir, "workspace")
	return a.runTask(ctx, cp.Task, runID, workspacePath, run, cpStore, cp)
}

// runTask is the shared body of Submit and Resume: open the MCP
// session pool, plan (unless resuming an already-planned run),
// schedule, persist, and finalize.
func (a *App) runTask(ctx context.Context, task runtypes.Task, runID, workspacePath string, run *runs.Run, cpStore *checkpoint.Store, cp *runtypes.Checkpoint) (*taskforce.Outcome, error) {
	defer func() {
		_ = run.Finish(nil)
	}()

	if err := a.mux.Open(ctx); err != nil {
		_ = run.Finish(err)
		return nil, fmt.Errorf("open mcp servers: %w", err)
	}
	defer a.mux.Close()

	var plan *runtypes.OrchestrationPlan
	if cp != nil {
		plan = &cp.Plan
	} else {
		var err error
		plan, err = a.planner.Plan(ctx, task, run)
		if err != nil {
			_ = run.Finish(err)
			return nil, err
		}
		cp = &runtypes.Checkpoint{RunID: runID, Task: task, Plan: *plan}
		if err := cpStore.Save(cp); err != nil {
			return nil, fmt.Errorf("write initial checkpoint: %w", err)
		}
	}

	scheduler := taskforce.New(a.loop, a.registry, a.synth)
	outcome, err := scheduler.Run(ctx, task, plan, cp, cpStore, run)
	if err != nil {
		_ = run.Finish(err)
		return nil, err
	}

	if err := run.AppendEvent(runtypes.EventRunComplete, "", map[string]any{
		"run_id":          runID,
		"specialist_ids":  specialistIDs(plan.Briefs),
		"task_force_mode": string(outcome.Mode),
	}); err != nil {
		return outcome, err
	}
	if err := cpStore.Delete(); err != nil {
		a.logger.Warn("failed to delete checkpoint after run_complete", "run_id", runID, "error", err)
	}

	entry := runtypes.RunIndexEntry{
		RunID:         runID,
		SpecialistIDs: specialistIDs(plan.Briefs),
		PromptPrefix:  truncatePrompt(task.Prompt, 200),
		FinishSummary: outcome.Summary,
		Timestamp:     time.Now(),
		WorkspacePath: workspacePath,
	}
	if err := a.index.Append(ctx, entry); err != nil {
		a.logger.Warn("failed to append run index entry", "run_id", runID, "error", err)
	}

	return outcome, nil
}

// Status reports one of "completed", "running", or "not_found", derived
// from the runlog's last event rather than any separately tracked state
// (spec §6.4).
func (a *App) Status(runID string) (string, error) {
	runDir := a.repo.RunDir(runID)
	data, err := os.ReadFile(filepath.Join(runDir, "runlog.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return "not_found", nil
		}
		return "", err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		var ev runtypes.Event
		if err := json.Unmarshal([]byte(lines[i]), &ev); err != nil {
			continue
		}
		if ev.Kind == runtypes.EventRunComplete {
			return "completed", nil
		}
		break
	}
	return "running", nil
}

// ListResumable returns every run id with a checkpoint but no
// run_complete event (spec §4.9's resumable-run discovery).
func (a *App) ListResumable() ([]string, error) {
	ids, err := a.repo.ListRuns()
	if err != nil {
		return nil, err
	}
	var resumable []string
	for _, id := range ids {
		runDir := a.repo.RunDir(id)
		if _, err := os.Stat(filepath.Join(runDir, "checkpoint.json")); err != nil {
			continue
		}
		status, err := a.Status(id)
		if err != nil || status == "completed" {
			continue
		}
		resumable = append(resumable, id)
	}
	return resumable, nil
}

// Stream subscribes to a currently in-flight run's events. It returns
// ok=false for a run that is not presently open in this process (already
// finished, or owned by a different process) — streaming is available
// only while a run is live, per spec §4.8.
func (a *App) Stream(runID string) (ch <-chan *runtypes.Event, cancel func(), ok bool) {
	a.mu.Lock()
	run, found := a.openRuns[runID]
	a.mu.Unlock()
	if !found {
		return nil, nil, false
	}
	c, cancelFn := run.Subscribe()
	return c, cancelFn, true
}

// Search queries the cross-run index directly (spec §4.10), for a
// control surface that wants results without going through the
// cross_run_search tool.
func (a *App) Search(ctx context.Context, query string, topK int) ([]runtypes.RunIndexEntry, error) {
	return a.index.Search(ctx, query, topK)
}

func (a *App) trackRun(id string, r *runs.Run) {
	a.mu.Lock()
	a.openRuns[id] = r
	a.mu.Unlock()
}

func (a *App) untrackRun(id string) {
	a.mu.Lock()
	delete(a.openRuns, id)
	a.mu.Unlock()
}

func specialistIDs(briefs []runtypes.SpecialistBrief) []string {
	out := make([]string, len(briefs))
	for i, b := range briefs {
		out[i] = b.SpecialistID
	}
	return out
}

func truncatePrompt(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// defaultFetch is a minimal HTTP GET used by the research pack's
// web_search/fetch_url tools when no richer backend is configured.
// Actual search-engine integration is an external collaborator (spec
// §1's Non-goals); this only fetches whatever URL-shaped string it is
// given.
func defaultFetch(ctx context.Context, query string) (string, error) {
	if !strings.HasPrefix(query, "http://") && !strings.HasPrefix(query, "https://") {
		return "", fmt.Errorf("no search backend configured; only direct URLs are fetchable")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, query, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	buf := make([]byte, 64<<10)
	n, _ := resp.Body.Read(buf)
	return string(buf[:n]), nil
}

// samplingHandlerFor adapts chat into an mcp.SamplingHandler, so an MCP
// server's sampling/createMessage request (e.g. "summarize this huge
// tool result for me before you return it") is answered by this
// process's own chat client instead of going unhandled.
func samplingHandlerFor(chat llm.ChatClient) mcp.SamplingHandler {
	return func(ctx context.Context, req *mcp.SamplingRequest) (*mcp.SamplingResponse, error) {
		messages := make([]runtypes.Message, 0, len(req.Messages))
		for _, m := range req.Messages {
			messages = append(messages, runtypes.Message{Role: m.Role, Content: m.Content.Text})
		}
		resp, err := chat.Chat(ctx, &llm.ChatRequest{
			System:    req.SystemPrompt,
			Messages:  messages,
			Model:     req.Model,
			MaxTokens: req.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		return &mcp.SamplingResponse{
			Role:    "assistant",
			Content: mcp.MessageContent{Type: "text", Text: resp.Content},
			Model:   req.Model,
		}, nil
	}
}

// noopChatClient is the zero-value local chat client when no LLM
// backend is configured: every call fails cleanly instead of a nil
// pointer dereference, so App.New never requires a live provider just
// to construct.
type noopChatClient struct{}

func (noopChatClient) Name() string { return "noop" }
func (noopChatClient) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errs.ErrNoProvider
}
