package personality

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Manifest is the parsed manifest.yaml of one personality pack.
type Manifest struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	SystemPromptFile string         `yaml:"system_prompt_file,omitempty" json:"system_prompt_file,omitempty"`
	Traits           map[string]any `yaml:"traits,omitempty" json:"traits,omitempty"`

	DefaultProvider string `yaml:"default_provider,omitempty" json:"default_provider,omitempty"`
	DefaultModel    string `yaml:"default_model,omitempty" json:"default_model,omitempty"`

	// ToolsModule is the pack-relative path of the tool bindings file.
	ToolsModule string `yaml:"tools_module,omitempty" json:"tools_module,omitempty"`
}

// manifestSchema is the structural contract for manifest.yaml.
const manifestSchema = `{
  "type": "object",
  "required": ["id", "name", "version"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9][a-z0-9_-]*$"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "system_prompt_file": {"type": "string"},
    "traits": {"type": "object"},
    "default_provider": {"type": "string"},
    "default_model": {"type": "string"},
    "tools_module": {"type": "string"}
  },
  "additionalProperties": false
}`

var compiledManifestSchema = jsonschema.MustCompileString("manifest.schema.json", manifestSchema)

// ParseManifest decodes and validates one manifest document.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}

	// Round-trip through JSON so the schema validator sees plain types.
	payload, err := json.Marshal(m)
	if err != nil {
		return Manifest{}, fmt.Errorf("encode manifest: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if err := compiledManifestSchema.Validate(decoded); err != nil {
		return Manifest{}, fmt.Errorf("manifest invalid: %w", err)
	}
	return m, nil
}

// ParamSpec describes one declared tool argument.
type ParamSpec struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// ToolBinding declares one pack tool: a name and description the planner
// sees, and the builtin implementation it resolves to.
type ToolBinding struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	Impl        string      `yaml:"impl"`
	Params      []ParamSpec `yaml:"params,omitempty"`
}

type toolsFile struct {
	Tools []ToolBinding `yaml:"tools"`
}

// loadToolBindings reads and resolves a pack's tool bindings file. An
// unknown impl fails the whole pack so a half-wired personality never
// reaches the registry.
func loadToolBindings(path string, catalog map[string]ToolFunc) (map[string]boundTool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tools file: %w", err)
	}
	var tf toolsFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse tools file: %w", err)
	}

	bound := make(map[string]boundTool, len(tf.Tools))
	for _, b := range tf.Tools {
		if b.Name == "" {
			return nil, fmt.Errorf("tool binding in %s has no name", filepath.Base(path))
		}
		fn, ok := catalog[b.Impl]
		if !ok {
			return nil, fmt.Errorf("tool %q references unknown impl %q", b.Name, b.Impl)
		}
		if _, dup := bound[b.Name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", b.Name)
		}
		bound[b.Name] = boundTool{binding: b, fn: fn}
	}
	return bound, nil
}
