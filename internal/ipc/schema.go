package ipc

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://silentauth.local/schemas/"

// ErrSchemaViolation is returned when a request payload does not match the
// schema registered for its message type.
var ErrSchemaViolation = errors.New("payload does not match schema")

// requestSchemas maps inbound request types to their schema file.
var requestSchemas = map[MessageType]string{
	MsgHandshake:        "handshake.schema.json",
	MsgAuthenticate:     "authenticate.schema.json",
	MsgStatusRequest:    "status.schema.json",
	MsgRegisterKey:      "register_key.schema.json",
	MsgRequestChallenge: "request_challenge.schema.json",
	MsgSubmitResponse:   "submit_response.schema.json",
	MsgChallengeStatus:  "challenge_status.schema.json",
}

var (
	schemasOnce sync.Once
	schemas     map[MessageType]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() (map[MessageType]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		for _, name := range requestSchemas {
			data, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemasErr = fmt.Errorf("read schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(schemaBaseURL+name, bytes.NewReader(data)); err != nil {
				schemasErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
		}

		compiled := make(map[MessageType]*jsonschema.Schema, len(requestSchemas))
		for msgType, name := range requestSchemas {
			s, err := compiler.Compile(schemaBaseURL + name)
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			compiled[msgType] = s
		}
		schemas = compiled
	})
	return schemas, schemasErr
}

// ValidatePayload checks a request payload against the schema for its
// message type. Types without a schema pass unchecked; an empty payload is
// checked as an empty object.
func ValidatePayload(msgType MessageType, payload []byte) error {
	compiled, err := compileSchemas()
	if err != nil {
		return err
	}
	schema, ok := compiled[msgType]
	if !ok {
		return nil
	}

	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return nil
}
