package websim

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/xeipuuv/gojsonschema"
)

// defaultUserPromptTemplate is used when a content type does not override
// user_prompt_template. Templates are text/template with sprig functions.
const defaultUserPromptTemplate = `Generate content for path: {{ .path }}

The following materials are context-only. They are **not part of the output**.
Use them only to stay consistent with style or data conventions.

Headers: {{ .headers }}
Reference materials: {{ .reference_materials }}`

// UserPromptBuilder builds the user message sent to the model for a request.
type UserPromptBuilder struct {
	text string
	data map[string]any
}

// UserPromptBuilder returns a builder for the given request path (including
// the query string, if any).
func (ct *ContentTypeConfig) UserPromptBuilder(path string) *UserPromptBuilder {
	text := ct.UserPromptTemplate
	if text == "" {
		text = defaultUserPromptTemplate
	}
	return &UserPromptBuilder{
		text: text,
		data: map[string]any{
			"path":                path,
			"headers":             "none",
			"reference_materials": "none",
		},
	}
}

func (b *UserPromptBuilder) Headers(headers string) *UserPromptBuilder {
	b.data["headers"] = headers
	return b
}

func (b *UserPromptBuilder) ReferenceMaterials(materials string) *UserPromptBuilder {
	b.data["reference_materials"] = materials
	return b
}

// Build renders the prompt template.
func (b *UserPromptBuilder) Build() (string, error) {
	tmpl, err := template.New("user_prompt").Funcs(sprig.TxtFuncMap()).Parse(b.text)
	if err != nil {
		return "", fmt.Errorf("parse user prompt template: %w", err)
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, b.data); err != nil {
		return "", fmt.Errorf("execute user prompt template: %w", err)
	}
	return buf.String(), nil
}

// DataValidateError reports a payload that does not match the configured
// payload_schema.
type DataValidateError struct {
	Result *gojsonschema.Result
}

func (e *DataValidateError) Error() string {
	issues := make([]string, 0, len(e.Result.Errors()))
	for _, desc := range e.Result.Errors() {
		issues = append(issues, desc.String())
	}
	return fmt.Sprintf("payload validation error: %s", strings.Join(issues, "; "))
}

// ValidatePayload checks a POST body against the content type's
// payload_schema. A missing schema accepts any body.
func (ct *ContentTypeConfig) ValidatePayload(body []byte) error {
	if len(ct.PayloadSchema) == 0 {
		return nil
	}
	sl := gojsonschema.NewGoLoader(ct.PayloadSchema)
	dl := gojsonschema.NewBytesLoader(body)
	result, err := gojsonschema.Validate(sl, dl)
	if err != nil {
		return fmt.Errorf("validate payload: %w", err)
	}
	if !result.Valid() {
		return &DataValidateError{Result: result}
	}
	return nil
}
