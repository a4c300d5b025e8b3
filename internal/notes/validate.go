package notes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	MaxTitleLength    = 200
	MaxContentLength  = 256 << 10
	MaxCategoryLength = 64

	// MaxPayloadBytes bounds the encoded payload of a single operation.
	MaxPayloadBytes = 2 << 20

	operationOverheadBytes = 4 << 10
)

// MaxBatchBodyBytes is the largest request body a batch of maxBatchSize
// operations with valid payloads can need.
func MaxBatchBodyBytes(maxBatchSize int) int64 {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	return int64(maxBatchSize)*(MaxPayloadBytes+operationOverheadBytes) + operationOverheadBytes
}

const (
	createSchemaURL = "https://notesync.dev/schemas/create.json"
	updateSchemaURL = "https://notesync.dev/schemas/update.json"
)

var createSchemaSource = fmt.Sprintf(`{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["title"],
	"additionalProperties": false,
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": %d},
		"content": {"type": "string", "maxLength": %d},
		"category": {"type": "string", "maxLength": %d}
	}
}`, MaxTitleLength, MaxContentLength, MaxCategoryLength)

var updateSchemaSource = fmt.Sprintf(`{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"minProperties": 1,
	"additionalProperties": false,
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": %d},
		"content": {"type": "string", "maxLength": %d},
		"category": {"type": "string", "maxLength": %d}
	}
}`, MaxTitleLength, MaxContentLength, MaxCategoryLength)

var schemaMessages = message.NewPrinter(language.English)

type payloadValidator struct {
	create *jsonschema.Schema
	update *jsonschema.Schema
}

func newPayloadValidator() (*payloadValidator, error) {
	compiler := jsonschema.NewCompiler()
	for url, src := range map[string]string{
		createSchemaURL: createSchemaSource,
		updateSchemaURL: updateSchemaSource,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", url, err)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", url, err)
		}
	}
	create, err := compiler.Compile(createSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile create schema: %w", err)
	}
	update, err := compiler.Compile(updateSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile update schema: %w", err)
	}
	return &payloadValidator{create: create, update: update}, nil
}

// Fields validates the payload of a create or update and decodes it. Delete
// payloads are ignored.
func (v *payloadValidator) Fields(op Operation) (NoteFields, error) {
	var schema *jsonschema.Schema
	switch op.Type {
	case OpCreate:
		schema = v.create
	case OpUpdate:
		schema = v.update
	default:
		return NoteFields{}, nil
	}
	if len(op.Payload) > MaxPayloadBytes {
		return NoteFields{}, newOpError(KindValidation, op.ID, "payload is %d bytes, limit is %d", len(op.Payload), MaxPayloadBytes)
	}
	payload := bytes.TrimSpace(op.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return NoteFields{}, newOpError(KindValidation, op.ID, "payload is not valid json")
	}
	if err := schema.Validate(inst); err != nil {
		return NoteFields{}, newOpError(KindValidation, op.ID, "invalid %s payload: %s", op.Type, describeSchemaError(err))
	}
	var fields NoteFields
	if err := json.Unmarshal(payload, &fields); err != nil {
		return NoteFields{}, newOpError(KindValidation, op.ID, "invalid %s payload: %v", op.Type, err)
	}
	return fields, nil
}

func describeSchemaError(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	msg := strings.TrimSpace(verr.ErrorKind.LocalizedString(schemaMessages))
	if loc := "/" + strings.Join(verr.InstanceLocation, "/"); loc != "/" {
		return loc + ": " + msg
	}
	return msg
}
