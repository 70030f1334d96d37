package plan

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// executionPlanSchema describes the wire shape the coordinator sends for
// GET_ATTEMPT responses, validated before compilation so malformed plans
// fail with a clear message rather than a panic deep in Compile.
const executionPlanSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["id", "jobs"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"start": {"type": "string"},
		"initialState": {},
		"jobs": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["expression"],
				"properties": {
					"id": {"type": "string"},
					"expression": {},
					"state": {"type": "object"},
					"configuration": {"type": "object"},
					"adaptor": {"type": "string"},
					"next": {}
				}
			}
		}
	}
}`

var compiledPlanSchema *jsonschema.Schema

func init() {
	sch, err := jsonschema.CompileString("execution-plan.schema.json", executionPlanSchema)
	if err != nil {
		panic(fmt.Sprintf("plan: execution plan schema failed to compile: %v", err))
	}
	compiledPlanSchema = sch
}

// ValidateWireShape checks raw (as received over the channel, before
// unmarshalling into ExecutionPlan) against the execution plan schema.
func ValidateWireShape(raw json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("plan validate: invalid json: %w", err)
	}
	if err := compiledPlanSchema.Validate(doc); err != nil {
		return fmt.Errorf("plan validate: %w", err)
	}
	return nil
}
