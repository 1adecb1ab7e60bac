package poll

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"github.com/hvacmon/dashproxy/session"
)

const subscribeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Subscription request",
  "type": "object",
  "required": ["type", "path"],
  "properties": {
    "type": {
      "enum": ["SUBSCRIBE"]
    },
    "path": {
      "type": "string",
      "minLength": 1
    }
  }
}`

// compiled once; the schema is static
var subscribeValidator = mustSchema(subscribeSchema)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(err)
	}
	return schema
}

// parseSubscribe validates a client message and returns the subscription it
// carries.
func parseSubscribe(data []byte) (session.Subscribe, error) {
	var sub session.Subscribe
	result, err := subscribeValidator.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return sub, errors.Wrap(err, "message is not JSON")
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return sub, fmt.Errorf("validation failed: %s", strings.Join(problems, "; "))
	}
	if err := json.Unmarshal(data, &sub); err != nil {
		return sub, errors.Wrap(err, "could not decode subscription")
	}
	return sub, nil
}
