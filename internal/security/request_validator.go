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

// BodySizeLimit caps request bodies at maxBytes. Reads past the limit fail
// with *http.MaxBytesError.
func BodySizeLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Body != nil {
				if r.ContentLength > maxBytes {
					WriteJSONError(w, r, http.StatusRequestEntityTooLarge, CodePayloadTooLarge)
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type JSONSchemaValidator struct {
	schema *jsonschema.Schema
}

func NewJSONSchemaValidator(name, schemaJSON string) (*JSONSchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(name, strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, err
	}
	return &JSONSchemaValidator{schema: schema}, nil
}

// MustJSONSchemaValidator is NewJSONSchemaValidator for schemas compiled into the binary.
func MustJSONSchemaValidator(name, schemaJSON string) *JSONSchemaValidator {
	v, err := NewJSONSchemaValidator(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return v
}

// ValidateBytes checks a JSON document against the schema.
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
			WriteJSONError(w, r, http.StatusBadRequest, CodeValidationFailed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				WriteJSONError(w, r, http.StatusRequestEntityTooLarge, CodePayloadTooLarge)
				return
			}
			WriteJSONError(w, r, http.StatusBadRequest, CodeValidationFailed)
			return
		}
		_ = r.Body.Close()

		if err := v.ValidateBytes(body); err != nil {
			var verr *jsonschema.ValidationError
			if errors.As(err, &verr) {
				WriteError(w, r, http.StatusBadRequest, CodeValidationFailed, schemaMessage(verr), nil)
				return
			}
			WriteError(w, r, http.StatusBadRequest, CodeValidationFailed, "request body is not valid JSON", nil)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// schemaMessage reports the deepest cause, which names the offending field.
func schemaMessage(verr *jsonschema.ValidationError) string {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	loc := verr.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + verr.Message
}
