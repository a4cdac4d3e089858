package negotiate

import (
	"encoding/json"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	appbuilder "github.com/Paranoid-AF/appbuilder"
)

// decodeAction decodes a JSON object into an Action and checks it.
// Unknown fields are allowed; the caller forwards the original bytes.
func decodeAction(data []byte) (appbuilder.Action, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return appbuilder.Action{}, fmt.Errorf("reply is not a JSON object")
	}
	var action appbuilder.Action
	if err := json.Unmarshal(data, &action); err != nil {
		return appbuilder.Action{}, fmt.Errorf("invalid action fields: %w", err)
	}
	if err := action.Validate(); err != nil {
		return appbuilder.Action{}, err
	}
	if action.Kind == appbuilder.ActionWriteFile {
		if _, ok := fields["content"]; !ok {
			return appbuilder.Action{}, fmt.Errorf("write_file requires content")
		}
	}
	if action.Kind == appbuilder.ActionRunCommand {
		if err := checkShell(action.Payload); err != nil {
			return appbuilder.Action{}, err
		}
	}
	return action, nil
}

// checkShell reports whether cmd parses as a bash command.
func checkShell(cmd string) error {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	if _, err := parser.Parse(strings.NewReader(cmd), ""); err != nil {
		return fmt.Errorf("run_command payload is not valid shell: %w", err)
	}
	return nil
}
