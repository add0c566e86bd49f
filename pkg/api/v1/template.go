package v1

// TemplateKind distinguishes local registry templates from repo-backed ones.
type TemplateKind string

const (
	TemplateKindLocal TemplateKind = "local"
	TemplateKindRepo  TemplateKind = "repo"
)

// CredentialScope says how a credential binding is delivered to the agent.
type CredentialScope string

const (
	CredentialScopeEnv  CredentialScope = "env"
	CredentialScopeFile CredentialScope = "file"
)

// CredentialBinding is a credential requirement declared by a template.
type CredentialBinding struct {
	Name    string          `yaml:"name" json:"name"`
	Scope   CredentialScope `yaml:"scope" json:"scope"`
	Default *string         `yaml:"default,omitempty" json:"default,omitempty"`
}

// SharedFolderSpec declares a folder the template exposes to or consumes
// from other agents.
type SharedFolderSpec struct {
	Expose  []string `yaml:"expose,omitempty" json:"expose,omitempty"`
	Consume []string `yaml:"consume,omitempty" json:"consume,omitempty"`
}

// Manifest is the parsed template manifest.
type Manifest struct {
	Name          string              `yaml:"name" json:"name"`
	DisplayName   string              `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Description   string              `yaml:"description,omitempty" json:"description,omitempty"`
	Resources     *ResourceLimits     `yaml:"resources,omitempty" json:"resources,omitempty"`
	Credentials   []CredentialBinding `yaml:"credentials,omitempty" json:"credentials,omitempty"`
	SharedFolders *SharedFolderSpec   `yaml:"shared_folders,omitempty" json:"shared_folders,omitempty"`
	Skills        []string            `yaml:"skills,omitempty" json:"skills,omitempty"`
	// AssetsDir names a workspace directory for large working files the
	// agent produces; it is kept out of version control.
	AssetsDir string `yaml:"assets_dir,omitempty" json:"assets_dir,omitempty"`
	// Unknown manifest fields are preserved for forward compatibility.
	Extra map[string]any `yaml:",inline" json:"extra,omitempty"`
}

// TemplateInfo summarizes an available template.
type TemplateInfo struct {
	Kind        TemplateKind `json:"kind"`
	Ref         string       `json:"ref"`
	Revision    string       `json:"revision,omitempty"`
	DisplayName string       `json:"display_name,omitempty"`
	Description string       `json:"description,omitempty"`
}

// SystemManifest declares a named set of agents deployed together.
type SystemManifest struct {
	Name   string            `yaml:"name" json:"name"`
	Agents []SystemAgentSpec `yaml:"agents" json:"agents"`
}

// SystemAgentSpec is one agent entry in a system manifest.
type SystemAgentSpec struct {
	Name        string            `yaml:"name" json:"name"`
	TemplateRef string            `yaml:"template" json:"template"`
	Revision    string            `yaml:"revision,omitempty" json:"revision,omitempty"`
	MetaPrompt  string            `yaml:"meta_prompt,omitempty" json:"meta_prompt,omitempty"`
	Resources   *ResourceLimits   `yaml:"resources,omitempty" json:"resources,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	AutoStart   bool              `yaml:"auto_start,omitempty" json:"auto_start,omitempty"`
}

// SystemDeployResult reports the per-agent outcome of a system deploy.
type SystemDeployResult struct {
	Name    string               `json:"name"`
	Results []SystemAgentOutcome `json:"results"`
}

// SystemAgentOutcome is one agent's deploy outcome.
type SystemAgentOutcome struct {
	Agent   string `json:"agent"`
	Action  string `json:"action"` // created, updated, unchanged, failed
	Message string `json:"message,omitempty"`
}
