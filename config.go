package websim

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/go-jsonnet"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// MIMETypeJSON is the content type used for all POST requests.
const MIMETypeJSON = "application/json"

// MIMETypeHTML is the content type used for extension-less paths.
const MIMETypeHTML = "text/html"

// Config is the root configuration, usually loaded from websim.config.yml.
// Each entry maps a MIME type to the model and prompts used to synthesize
// content of that type.
type Config struct {
	ContentTypes map[string]*ContentTypeConfig `yaml:"content_types" json:"content_types" jsonschema:"required"`
}

// ContentTypeConfig configures generation for a single MIME type.
type ContentTypeConfig struct {
	Model              string         `yaml:"model" json:"model" jsonschema:"required"`
	Provider           string         `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"default=openrouter"`
	SystemPrompt       string         `yaml:"system_prompt" json:"system_prompt" jsonschema:"required"`
	ContentTypeHeader  string         `yaml:"content_type_header" json:"content_type_header" jsonschema:"required"`
	Extensions         []string       `yaml:"extensions,omitempty" json:"extensions,omitempty"`
	ModelParams        map[string]any `yaml:"model_params,omitempty" json:"model_params,omitempty"`
	PayloadSchema      map[string]any `yaml:"payload_schema,omitempty" json:"payload_schema,omitempty"`
	UserPromptTemplate string         `yaml:"user_prompt_template,omitempty" json:"user_prompt_template,omitempty"`
}

// DefaultModelProviderName is assumed when a content type does not set one.
const DefaultModelProviderName = "openrouter"

var ErrNoContentTypes = errors.New("config has no content types")

// LoadConfig reads and validates a configuration file. The format is chosen
// by extension: .yml/.yaml are parsed as YAML, .jsonnet is evaluated first.
func LoadConfig(path string) (*Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	switch ext := filepath.Ext(path); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(bs, &cfg); err != nil {
			return nil, fmt.Errorf("parse config `%s`: %w", path, err)
		}
	case ".jsonnet", ".json":
		vm := jsonnet.MakeVM()
		jsonStr, err := vm.EvaluateAnonymousSnippet(path, string(bs))
		if err != nil {
			return nil, fmt.Errorf("evaluate config `%s`: %w", path, err)
		}
		if err := json.Unmarshal([]byte(jsonStr), &cfg); err != nil {
			return nil, fmt.Errorf("parse config `%s`: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension `%s`", ext)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config `%s`: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks required fields and fills in defaults.
func (cfg *Config) Validate() error {
	if len(cfg.ContentTypes) == 0 {
		return ErrNoContentTypes
	}
	for mimeType, ct := range cfg.ContentTypes {
		if ct == nil {
			return fmt.Errorf("content type `%s`: empty", mimeType)
		}
		if ct.Model == "" {
			return fmt.Errorf("content type `%s`: model is empty", mimeType)
		}
		if ct.SystemPrompt == "" {
			return fmt.Errorf("content type `%s`: system_prompt is empty", mimeType)
		}
		if ct.ContentTypeHeader == "" {
			return fmt.Errorf("content type `%s`: content_type_header is empty", mimeType)
		}
		if ct.Provider == "" {
			ct.Provider = DefaultModelProviderName
		}
		for i, ext := range ct.Extensions {
			ct.Extensions[i] = strings.ToLower(strings.TrimPrefix(ext, "."))
		}
	}
	return nil
}

// MIMETypes returns the configured MIME types in sorted order. Matching
// iterates in this order so that resolution is deterministic.
func (cfg *Config) MIMETypes() []string {
	types := make([]string, 0, len(cfg.ContentTypes))
	for mimeType := range cfg.ContentTypes {
		types = append(types, mimeType)
	}
	slices.Sort(types)
	return types
}

// ConfigSchema returns the JSON schema of the configuration file.
func ConfigSchema() (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct:             true,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	schema := r.Reflect(&Config{})
	bs, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config schema: %w", err)
	}
	return bs, nil
}
