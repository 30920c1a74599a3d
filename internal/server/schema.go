package server

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const batchSchema = `{
  "type": "object",
  "required": ["agent_id", "records"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1},
    "records": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["event", "match"],
        "properties": {
          "event": {
            "type": "object",
            "required": ["event_id", "source", "subtype", "occurred_at"],
            "properties": {
              "event_id": {"type": "string", "minLength": 1},
              "source": {"enum": ["file", "clipboard", "usb", "cloud", "system"]},
              "subtype": {"type": "string", "minLength": 1},
              "occurred_at": {"type": "string", "format": "date-time"},
              "size": {"type": "integer", "minimum": 0}
            }
          },
          "findings": {
            "type": ["array", "null"],
            "items": {
              "type": "object",
              "required": ["data_type", "confidence"],
              "properties": {
                "confidence": {"type": "number", "minimum": 0, "maximum": 1}
              }
            }
          },
          "match": {
            "type": "object",
            "properties": {
              "action": {"enum": ["", "log", "alert", "block", "quarantine"]}
            }
          }
        }
      }
    }
  }
}`

// batchValidator checks submitted event batches before they are decoded.
type batchValidator struct {
	schema *gojsonschema.Schema
}

func newBatchValidator() (*batchValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(batchSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to load batch schema: %w", err)
	}
	return &batchValidator{schema: schema}, nil
}

func (v *batchValidator) validate(body []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
