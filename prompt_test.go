package websim

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func TestUserPromptBuilderDefaults(t *testing.T) {
	ct := &ContentTypeConfig{}
	prompt, err := ct.UserPromptBuilder("/apples").Build()
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/fixtures"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "prompt_defaults", []byte(prompt))
}

func TestUserPromptBuilderWithMaterials(t *testing.T) {
	ct := &ContentTypeConfig{}
	prompt, err := ct.UserPromptBuilder("/apples?color=green").
		Headers("http://localhost:3000/").
		ReferenceMaterials("## Reference materials\n\n### /apples (base page)\n\n<ul><li>Fuji</li></ul>").
		Build()
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/fixtures"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "prompt_with_materials", []byte(prompt))
}

func TestUserPromptBuilderCustomTemplate(t *testing.T) {
	ct := &ContentTypeConfig{
		UserPromptTemplate: "Path: {{ .path | upper }}",
	}
	prompt, err := ct.UserPromptBuilder("/apples").Build()
	require.NoError(t, err)
	require.Equal(t, "Path: /APPLES", prompt)
}

func TestUserPromptBuilderInvalidTemplate(t *testing.T) {
	ct := &ContentTypeConfig{
		UserPromptTemplate: "{{ .path",
	}
	_, err := ct.UserPromptBuilder("/apples").Build()
	require.Error(t, err)
}

func TestValidatePayload(t *testing.T) {
	ct := &ContentTypeConfig{
		PayloadSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
				"text": map[string]any{"type": "string"},
			},
			"required": []any{"name"},
		},
	}

	require.NoError(t, ct.ValidatePayload([]byte(`{"name": "John Doe", "text": "hello"}`)))

	err := ct.ValidatePayload([]byte(`{"text": "hello"}`))
	require.Error(t, err)
	var validateErr *DataValidateError
	require.ErrorAs(t, err, &validateErr)

	require.Error(t, ct.ValidatePayload([]byte(`not json`)))
}

func TestValidatePayloadNoSchema(t *testing.T) {
	ct := &ContentTypeConfig{}
	require.NoError(t, ct.ValidatePayload([]byte(`anything goes`)))
}
