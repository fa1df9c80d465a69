package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ausmarton/agentforge/internal/config"
	"github.com/ausmarton/agentforge/internal/tools"
)

// BuiltinOptions supplies the research pack's optional network and
// cross-run-search tools. Either field left nil simply omits that tool
// from the pack rather than registering one that always errors.
type BuiltinOptions struct {
	NetworkAllowed bool
	Fetch          func(ctx context.Context, query string) (string, error)
	Searcher       tools.Searcher
}

// RegisterBuiltins binds the two packs every deployment can rely on:
// "engineering" for code-touching tasks and "research" for everything
// else. Callers wanting additional specialists register their own
// builders under other names before calling Registry.Build.
func RegisterBuiltins(r *Registry, sandbox *tools.Sandbox, shellTimeout time.Duration, outputCap int, opts ...BuiltinOptions) {
	var opt BuiltinOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	r.RegisterBuilder("engineering", func(cfg config.SpecialistConfig) (Pack, error) {
		return newEngineeringPack(cfg, sandbox, shellTimeout, outputCap), nil
	})
	r.RegisterBuilder("research", func(cfg config.SpecialistConfig) (Pack, error) {
		return newResearchPack(cfg, sandbox, shellTimeout, outputCap, opt), nil
	})
}

// --- engineering ---

const engineeringSystemPrompt = `You are the engineering specialist. You read and modify code in the
workspace, run the test suite, and report back exactly what changed and
whether it is verified. Never call finish_task until run_tests has been
invoked at least once for the change you are reporting; a finish_task
payload whose tests_verified field is not literally true will be
rejected and you will be asked to run the tests and try again.`

type engineeringPack struct {
	Base
}

func newEngineeringPack(cfg config.SpecialistConfig, sandbox *tools.Sandbox, shellTimeout time.Duration, outputCap int) Pack {
	required := append([]string{"tests_verified", "files_changed"}, cfg.RequiredFinishFields...)
	return &engineeringPack{
		Base: Base{
			IDValue: "engineering",
			Prompt:  engineeringSystemPrompt,
			ToolList: []tools.Tool{
				&tools.ReadFileTool{Sandbox: sandbox},
				&tools.WriteFileTool{Sandbox: sandbox},
				&tools.ListFilesTool{Sandbox: sandbox},
				&tools.ShellTool{Sandbox: sandbox, Timeout: shellTimeout, OutputCap: outputCap},
				&tools.RunTestsTool{Sandbox: sandbox, Timeout: shellTimeout},
			},
			RequiredKeys: dedupe(required),
		},
	}
}

// ValidateFinish rejects a finish_task call that claims completion
// without having run the test suite: tests_verified must be the literal
// boolean true, not merely present.
func (p *engineeringPack) ValidateFinish(ctx context.Context, payload json.RawMessage) error {
	var in struct {
		TestsVerified *bool `json:"tests_verified"`
	}
	if err := json.Unmarshal(payload, &in); err != nil {
		return fmt.Errorf("finish_task payload is not valid JSON: %w", err)
	}
	if in.TestsVerified == nil {
		return fmt.Errorf("finish_task is missing tests_verified")
	}
	if !*in.TestsVerified {
		return fmt.Errorf("finish_task reported tests_verified=false; run_tests must pass before finishing")
	}
	return nil
}

// --- research ---

const researchSystemPrompt = `You are the research specialist. You gather information, read
existing files and prior run summaries, and synthesize findings. You do
not modify files or run code.`

type researchPack struct {
	Base
}

func newResearchPack(cfg config.SpecialistConfig, sandbox *tools.Sandbox, shellTimeout time.Duration, outputCap int, opt BuiltinOptions) Pack {
	required := cfg.RequiredFinishFields
	toolList := []tools.Tool{
		&tools.ReadFileTool{Sandbox: sandbox},
		&tools.ListFilesTool{Sandbox: sandbox},
	}
	if opt.Fetch != nil {
		toolList = append(toolList,
			&tools.NetworkTool{ToolName: "web_search", NetworkAllowed: opt.NetworkAllowed, Fetch: opt.Fetch},
			&tools.NetworkTool{ToolName: "fetch_url", NetworkAllowed: opt.NetworkAllowed, Fetch: opt.Fetch},
		)
	}
	if opt.Searcher != nil {
		toolList = append(toolList, &tools.CrossRunSearchTool{Index: opt.Searcher})
	}
	return &researchPack{
		Base: Base{
			IDValue: "research",
			Prompt:  researchSystemPrompt,
			ToolList: toolList,
			RequiredKeys: dedupe(required),
		},
	}
}
