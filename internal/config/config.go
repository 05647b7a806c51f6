package config

import "time"

// Config is the root configuration for Quorum.
type Config struct {
	Gateway   GatewayConfig            `json:"gateway"`
	Models    ModelsConfig             `json:"models"`
	Consensus ConsensusConfig          `json:"consensus"`
	Agent     AgentConfig              `json:"agent"`
	Profiles  map[string]ProfileConfig `json:"profiles,omitempty"`
	Dispatch  DispatchConfig           `json:"dispatch"`
	Events    EventsConfig             `json:"events"`
	Skills    SkillsConfig             `json:"skills"`
	Lessons   LessonsConfig            `json:"lessons"`
	Web       WebConfig                `json:"web"`
	Images    ImagesConfig             `json:"images"`
	MCP       MCPConfig                `json:"mcp"`
	Heartbeat HeartbeatConfig          `json:"heartbeat"`
	Log       LogConfig                `json:"log"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ModelsConfig holds model provider configuration. Default lists the
// provider names a fresh agent consults when neither its spawn call nor
// its profile names any.
type ModelsConfig struct {
	Default   []string                  `json:"default"`
	Providers map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Driver        string         `json:"driver"` // "anthropic", "claude", "openai", "gemini", "ollama", "mistral"
	Model         string         `json:"model"`
	BaseURL       string         `json:"base_url,omitempty"`
	Auth          AuthConfig     `json:"auth"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Timeout       Duration       `json:"timeout,omitempty"`
	MaxConcurrent int            `json:"max_concurrent,omitempty"`
	CostPerCall   float64        `json:"cost_per_call,omitempty"`
	Options       map[string]any `json:"options,omitempty"`
}

// AuthConfig configures credential resolution for one provider.
type AuthConfig struct {
	APIKey     string `json:"api_key,omitempty"`    // direct key or ${{ .Env.VAR }} template
	Token      string `json:"token,omitempty"`      // OAuth/Bearer token
	Credential string `json:"credential,omitempty"` // name of a stored credential
}

// ConsensusConfig tunes the multi-model decision rounds.
type ConsensusConfig struct {
	MaxRefinementRounds int               `json:"max_refinement_rounds"` // 0..9
	ProposalTimeout     Duration          `json:"proposal_timeout,omitempty"`
	Temperature         TemperatureConfig `json:"temperature"`
	Embedding           EmbeddingConfig   `json:"embedding"`
}

// TemperatureConfig shapes the per-round sampling schedule: round k of K
// uses max − (max−min)·(k/(K−1))^curve, so later rounds converge.
type TemperatureConfig struct {
	Max   float64 `json:"max"`
	Min   float64 `json:"min"`
	Curve float64 `json:"curve"`
}

// EmbeddingConfig configures the text embedder behind semantic similarity
// merging and lesson retrieval.
type EmbeddingConfig struct {
	Provider   string `json:"provider"` // "openai" or "ollama"
	Model      string `json:"model"`
	BaseURL    string `json:"base_url,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	Dimensions int    `json:"dimensions,omitempty"`
}

// AgentConfig holds settings shared by every agent.
type AgentConfig struct {
	SystemPrompt     string   `json:"system_prompt,omitempty"`
	MaxWaitSeconds   float64  `json:"max_wait_seconds,omitempty"`
	DefaultProfile   string   `json:"default_profile,omitempty"`
	CapabilityGroups []string `json:"capability_groups,omitempty"` // groups granted to root agents
}

// ProfileConfig is a named behavior preset a spawn_child can request.
// MaxRefinementRounds overrides the consensus default when set (0–9).
type ProfileConfig struct {
	SystemPrompt        string   `json:"system_prompt,omitempty"`
	Models              []string `json:"models,omitempty"`
	CapabilityGroups    []string `json:"capability_groups,omitempty"`
	MaxRefinementRounds *int     `json:"max_refinement_rounds,omitempty"`
}

// DispatchConfig tunes the action executor pool.
type DispatchConfig struct {
	PoolSize     int            `json:"pool_size"`
	Shell        ShellConfig    `json:"shell"`
	Fetch        FetchConfig    `json:"fetch"`
	API          APICallConfig  `json:"api"`
	RetryBackoff Duration       `json:"retry_backoff,omitempty"`
	MaxRetries   int            `json:"max_retries,omitempty"`
	Costs        map[string]float64 `json:"costs,omitempty"` // per-kind flat cost overrides
}

// ShellConfig bounds execute_shell commands.
type ShellConfig struct {
	DefaultTimeout Duration `json:"default_timeout,omitempty"`
	Workdir        string   `json:"workdir,omitempty"`
	MaxOutputBytes int      `json:"max_output_bytes,omitempty"`
}

// FetchConfig bounds fetch_web requests.
type FetchConfig struct {
	Timeout  Duration `json:"timeout,omitempty"`
	MaxBytes int      `json:"max_bytes,omitempty"`
}

// APICallConfig bounds call_api requests.
type APICallConfig struct {
	Timeout  Duration `json:"timeout,omitempty"`
	MaxBytes int      `json:"max_bytes,omitempty"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"` // bounds the publish queue, subscriber queues and event history
}

// SkillsConfig configures the skill library.
type SkillsConfig struct {
	Dirs    []string `json:"dirs"`    // skill directories (default: [$QUORUM_PATH/skills])
	Enabled []string `json:"enabled"` // enabled skill names (empty = all)
}

// LessonsConfig configures the lesson memory.
type LessonsConfig struct {
	Dir        string `json:"dir,omitempty"` // vector store directory (default: $QUORUM_PATH/lessons)
	MaxPerTask int    `json:"max_per_task,omitempty"`
	TopK       int    `json:"top_k,omitempty"`
}

// WebConfig selects the answer_engine search provider.
type WebConfig struct {
	Provider       string `json:"provider"` // "duckduckgo", "google", "bing"
	APIKey         string `json:"api_key,omitempty"`
	SearchEngineID string `json:"search_engine_id,omitempty"` // google only
	MaxResults     int    `json:"max_results,omitempty"`
}

// ImagesConfig configures generate_images.
type ImagesConfig struct {
	Model  string `json:"model,omitempty"`
	APIKey string `json:"api_key,omitempty"`
	Dir    string `json:"dir,omitempty"` // output directory (default: $QUORUM_PATH/images)
}

// MCPConfig lists the MCP servers call_mcp may reach.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `json:"servers,omitempty"`
}

// MCPServerConfig describes one MCP server connection.
type MCPServerConfig struct {
	Transport    string            `json:"transport"` // "stdio", "http", "sse"
	Command      string            `json:"command,omitempty"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	URL          string            `json:"url,omitempty"`
	BearerSecret string            `json:"bearer_secret,omitempty"` // vault secret holding the token
	InitTimeout  Duration          `json:"init_timeout,omitempty"`
}

// HeartbeatConfig tunes the liveness file.
type HeartbeatConfig struct {
	Interval Duration `json:"interval,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `json:"level"` // "debug", "info", "warn", "error"
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
