// Package schema validates request bodies of the marketplace API against JSON schemas.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-market-go/internal/metrics"
	"github.com/xeipuuv/gojsonschema"
)

// Request body schemas.
const (
	CreateTransaction      = "market.transaction.create"
	CreateTokenTransaction = "market.transaction.createWithToken"
	ListVideo              = "market.video.list"
	VideoRequest           = "market.video.request"
	UploadInit             = "market.video.uploadInit"
)

// Version is reported alongside validation failures.
const Version = "1.0.0"

var schemas = map[string]string{
	CreateTransaction: `{"type":"object","required":["videoId","paymentNonce"],"additionalProperties":false,
		"properties":{"videoId":{"type":"string","minLength":1,"maxLength":128},"paymentNonce":{"type":"string","minLength":1,"maxLength":512}}}`,
	CreateTokenTransaction: `{"type":"object","required":["videoId"],"additionalProperties":false,
		"properties":{"videoId":{"type":"string","minLength":1,"maxLength":128}}}`,
	ListVideo: `{"type":"object","required":["videoId","price"],"additionalProperties":false,
		"properties":{"videoId":{"type":"string","minLength":1,"maxLength":128},"price":{"type":"string","pattern":"^[0-9]+(\\.[0-9]{1,2})?$"}}}`,
	VideoRequest: `{"type":"object","required":["videoId"],"additionalProperties":false,
		"properties":{"videoId":{"type":"string","minLength":1,"maxLength":128}}}`,
	UploadInit: `{"type":"object","required":["title","mimeType","size"],"additionalProperties":false,
		"properties":{"title":{"type":"string","minLength":1,"maxLength":256},"description":{"type":"string","maxLength":4096},
		"mimeType":{"type":"string","minLength":1},"size":{"type":"integer","minimum":1}}}`,
}

// FieldError is one schema violation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every violation of one request body.
type ValidationError struct {
	Schema string       `json:"schema"`
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Schema, strings.Join(parts, "; "))
}

// Validator validates request bodies against the compiled schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
	metrics *metrics.Metrics
}

// NewValidator compiles every request schema. m may be nil.
func NewValidator(m *metrics.Metrics) (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema, len(schemas)),
		metrics: m,
	}
	for name, src := range schemas {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", name, err)
		}
		v.schemas[name] = compiled
	}
	return v, nil
}

// Validate checks body against the named schema. A body that is not valid JSON or
// violates the schema yields a *ValidationError.
func (v *Validator) Validate(name string, body []byte) (err error) {
	start := time.Now()
	defer func() {
		if v.metrics == nil {
			return
		}
		status := metrics.Status(err)
		v.metrics.SchemaValidationTotal.WithLabelValues(name, status).Inc()
		v.metrics.SchemaValidationDuration.WithLabelValues(name, status).Observe(time.Since(start).Seconds())
	}()

	compiled, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("schema not found: %s", name)
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &ValidationError{Schema: name, Fields: []FieldError{{Field: "(root)", Message: "body is not valid JSON"}}}
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{Schema: name}
	for _, desc := range result.Errors() {
		verr.Fields = append(verr.Fields, FieldError{Field: desc.Field(), Message: desc.Description()})
	}
	return verr
}
