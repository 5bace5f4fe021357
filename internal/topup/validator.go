package topup

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/boleia/backend/internal/payments"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var schemaFiles = map[payments.Method]string{
	payments.MethodMPesa: "mobile.json",
	payments.MethodEMola: "mobile.json",
	payments.MethodCard:  "card.json",
}

// Validator checks raw top-up request bodies against the per-method schemas.
type Validator struct {
	schemas map[payments.Method]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiled := make(map[string]*jsonschema.Schema)
	schemas := make(map[payments.Method]*jsonschema.Schema)
	for method, file := range schemaFiles {
		if s, ok := compiled[file]; ok {
			schemas[method] = s
			continue
		}
		data, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			return nil, fmt.Errorf("read schema %q: %w", file, err)
		}
		s, err := jsonschema.CompileString("https://boleia.co.mz/schemas/topup/"+file, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", file, err)
		}
		compiled[file] = s
		schemas[method] = s
	}
	return &Validator{schemas: schemas}, nil
}

// Validate returns a *ValidationError naming the first offending field.
func (v *Validator) Validate(body []byte) error {
	var head struct {
		Method payments.Method `json:"method"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return &ValidationError{Msg: "body is not valid JSON"}
	}
	if head.Method == "" {
		return &ValidationError{Field: "method", Msg: "required"}
	}
	schema, ok := v.schemas[head.Method]
	if !ok {
		return &ValidationError{Field: "method", Msg: fmt.Sprintf("unsupported method %q", head.Method)}
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return &ValidationError{Msg: "body is not valid JSON"}
	}
	if err := schema.Validate(doc); err != nil {
		return schemaError(err)
	}
	return nil
}

func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &ValidationError{Msg: err.Error()}
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	return &ValidationError{
		Field: strings.TrimPrefix(leaf.InstanceLocation, "/"),
		Msg:   leaf.Message,
	}
}
