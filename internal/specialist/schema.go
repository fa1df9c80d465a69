package specialist

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validateToolSchemas compiles every tool's argument schema plus the
// pack's own finish_task schema, catching a malformed schema at
// registry build time instead of the first time a model tries to call
// the tool. jsonschema.Compiler has no notion of "just check this is
// well-formed"; compiling each schema under its own resource name is
// the standard way to get that for free.
func validateToolSchemas(pack Pack) error {
	compiler := jsonschema.NewCompiler()

	add := func(name string, raw []byte) error {
		if len(raw) == 0 {
			return nil
		}
		url := "mem://" + name
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("add schema resource %s: %w", name, err)
		}
		if _, err := compiler.Compile(url); err != nil {
			return fmt.Errorf("compile schema %s: %w", name, err)
		}
		return nil
	}

	for _, t := range pack.Tools() {
		if err := add(pack.ID()+"/"+t.Name(), t.Schema()); err != nil {
			return err
		}
	}
	if err := add(pack.ID()+"/finish_task", FinishSchema(pack.RequiredFinishFields())); err != nil {
		return err
	}
	return nil
}
