package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validateArgs checks tool arguments against the tool's JSON schema.
// Schemas that fail to compile are treated as permissive rather than
// rejecting the call: a misdeclared external tool should still run.
func validateArgs(schema json.RawMessage, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", bytes.NewReader(schema)); err != nil {
		return nil
	}
	compiled, err := compiler.Compile("tool.json")
	if err != nil {
		return nil
	}

	// Round-trip through JSON so numbers arrive as json.Number-compatible
	// values the validator understands.
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}

	if err := compiled.Validate(doc); err != nil {
		return err
	}
	return nil
}
