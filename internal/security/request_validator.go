package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JSONSchemaValidator rejects request bodies that do not match a schema
// before they reach a handler.
type JSONSchemaValidator struct {
	schema *jsonschema.Schema
}

func NewJSONSchemaValidator(name, schemaJSON string) (*JSONSchemaValidator, error) {
	url := name + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}

	return &JSONSchemaValidator{schema: schema}, nil
}

// MustJSONSchemaValidator panics on an invalid schema. For package-level
// schema constants.
func MustJSONSchemaValidator(name, schemaJSON string) *JSONSchemaValidator {
	v, err := NewJSONSchemaValidator(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return v
}

// ValidateBytes checks a raw JSON document against the schema.
func (v *JSONSchemaValidator) ValidateBytes(body []byte) error {
	var payload interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return err
	}
	return v.schema.Validate(payload)
}

func (v *JSONSchemaValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				WriteJSONError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large")
				return
			}
			WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
			return
		}
		_ = r.Body.Close()

		if err := v.ValidateBytes(body); err != nil {
			var ve *jsonschema.ValidationError
			if errors.As(err, &ve) {
				WriteJSONErrorDetail(w, r, http.StatusBadRequest, "validation_error", describeSchemaError(ve))
				return
			}
			WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// describeSchemaError reports the deepest failing location.
func describeSchemaError(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}
