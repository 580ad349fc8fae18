package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const patchEventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"summary": {"type": "string"},
		"description": {"type": "string"},
		"location": {"type": "string"},
		"start": {"$ref": "#/$defs/eventTime"},
		"end": {"$ref": "#/$defs/eventTime"},
		"attendees": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"email": {"type": "string"},
					"displayName": {"type": "string"},
					"responseStatus": {"type": "string"},
					"optional": {"type": "boolean"}
				}
			}
		},
		"reminders": {
			"type": "object",
			"properties": {
				"useDefault": {"type": "boolean"},
				"overrides": {"type": "array", "items": {"type": "object"}}
			}
		},
		"transparency": {"type": "string", "enum": ["opaque", "transparent"]},
		"visibility": {"type": "string", "enum": ["default", "public", "private", "confidential"]},
		"status": {"type": "string", "enum": ["confirmed", "tentative", "cancelled"]},
		"colorId": {"type": "string"},
		"conferenceData": {"type": "object"},
		"recurrence": {"type": "array", "items": {"type": "string"}}
	},
	"additionalProperties": false,
	"minProperties": 1,
	"$defs": {
		"eventTime": {
			"type": "object",
			"properties": {
				"date": {"type": "string"},
				"dateTime": {"type": "string"},
				"timeZone": {"type": "string"}
			},
			"additionalProperties": false
		}
	}
}`

const bulkUpdateSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"updates": {
			"type": "array",
			"minItems": 1,
			"maxItems": 50,
			"items": {
				"type": "object",
				"properties": {
					"eventId": {"type": "string", "minLength": 1},
					"fields": {"type": "object", "minProperties": 1}
				},
				"required": ["eventId", "fields"],
				"additionalProperties": false
			}
		}
	},
	"required": ["updates"],
	"additionalProperties": false
}`

type requestSchemas struct {
	patchEvent *jsonschema.Schema
	bulkUpdate *jsonschema.Schema
}

func compileRequestSchemas() (*requestSchemas, error) {
	compiler := jsonschema.NewCompiler()
	for name, text := range map[string]string{
		"patch_event.json": patchEventSchemaJSON,
		"bulk_update.json": bulkUpdateSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	patchEvent, err := compiler.Compile("patch_event.json")
	if err != nil {
		return nil, err
	}
	bulkUpdate, err := compiler.Compile("bulk_update.json")
	if err != nil {
		return nil, err
	}
	return &requestSchemas{
		patchEvent: patchEvent,
		bulkUpdate: bulkUpdate,
	}, nil
}

// validateBody checks raw JSON against a compiled schema and returns a
// human-readable reason on failure.
func validateBody(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	if err := schema.Validate(inst); err != nil {
		return err
	}
	return nil
}
