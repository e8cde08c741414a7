package config

// PipelineFile is the on-disk document listing every pipeline the engine
// serves. It may be YAML or JSON.
type PipelineFile struct {
	Pipelines []PipelineSpec `json:"pipelines" yaml:"pipelines"`
}

// PipelineSpec declares one pipeline.
type PipelineSpec struct {
	ID          string     `json:"id" yaml:"id"`
	WorkspaceID string     `json:"workspace_id" yaml:"workspace_id"`
	Nodes       []NodeSpec `json:"nodes" yaml:"nodes"`
	Edges       []EdgeSpec `json:"edges" yaml:"edges"`
}

// NodeSpec declares one panel. Kind defaults to active when an agent is
// named and passive otherwise.
type NodeSpec struct {
	ID      int         `json:"id" yaml:"id"`
	Kind    string      `json:"kind,omitempty" yaml:"kind,omitempty"`
	Label   string      `json:"label,omitempty" yaml:"label,omitempty"`
	Output  string      `json:"output,omitempty" yaml:"output,omitempty"`
	AgentID string      `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Prompt  string      `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Corpus  *CorpusSpec `json:"corpus,omitempty" yaml:"corpus,omitempty"`
}

// CorpusSpec marks an active node as a folder summarization task.
type CorpusSpec struct {
	Folder      string   `json:"folder" yaml:"folder"`
	WorkspaceID string   `json:"workspace_id,omitempty" yaml:"workspace_id,omitempty"`
	Extensions  []string `json:"extensions,omitempty" yaml:"extensions,omitempty"`
}

// EdgeSpec declares one dependency between panels.
type EdgeSpec struct {
	ID           string  `json:"id,omitempty" yaml:"id,omitempty"`
	Source       int     `json:"source" yaml:"source"`
	Target       int     `json:"target" yaml:"target"`
	AutoChain    bool    `json:"auto_chain,omitempty" yaml:"auto_chain,omitempty"`
	Condition    *string `json:"condition,omitempty" yaml:"condition,omitempty"`
	MaxRetries   *int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryDelayMS *int    `json:"retry_delay_ms,omitempty" yaml:"retry_delay_ms,omitempty"`
}
