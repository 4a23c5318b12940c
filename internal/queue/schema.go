package queue

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// entriesSchema guards rehydration: a persisted payload that does not
// look like a queue is rejected before unmarshal, so partial writes or
// foreign data under the key degrade cleanly.
const entriesSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["task", "needsSync", "queuedAt"],
		"properties": {
			"task": {
				"type": "object",
				"required": ["id", "title"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"title": {"type": "string"},
					"description": {"type": "string"},
					"completed": {"type": "boolean"},
					"owner": {"type": "string"}
				}
			},
			"deleted": {"type": "boolean"},
			"needsSync": {"type": "boolean"},
			"queuedAt": {"type": "string"}
		}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(entriesSchema))
		if err != nil {
			schemaErr = fmt.Errorf("parse queue schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("queue.json", doc); err != nil {
			schemaErr = fmt.Errorf("add queue schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("queue.json")
	})
	return schema, schemaErr
}

// validatePayload checks a raw persisted payload against the queue schema.
func validatePayload(raw string) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode queue payload: %w", err)
	}
	if err := s.Validate(inst); err != nil {
		return fmt.Errorf("queue payload schema: %w", err)
	}
	return nil
}
