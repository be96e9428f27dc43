package worker

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"github.com/verbrio/sumbridge"
)

// reflectInputSchema derives a tool input schema from a struct prototype.
// Field names come from json tags, descriptions and required flags from
// jsonschema tags.
func reflectInputSchema(prototype interface{}) (sumbridge.ToolInputSchema, error) {
	if prototype == nil {
		return sumbridge.ToolInputSchema{Type: "object"}, nil
	}

	reflector := jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	schema := reflector.Reflect(prototype)

	raw, err := json.Marshal(schema)
	if err != nil {
		return sumbridge.ToolInputSchema{}, errors.Wrap(err, "failed to marshal reflected schema")
	}

	var input sumbridge.ToolInputSchema
	if err := json.Unmarshal(raw, &input); err != nil {
		return sumbridge.ToolInputSchema{}, errors.Wrap(err, "failed to convert reflected schema")
	}
	if input.Type == "" {
		input.Type = "object"
	}
	return input, nil
}
