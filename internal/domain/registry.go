package domain

import (
	"time"
)

// Credential is a named chat-network token. The token value is write-only
// through the control plane; API responses carry the ref and metadata only.
type Credential struct {
	Ref       string    `json:"ref"`
	Network   string    `json:"network"`
	Token     string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Template is a reusable personality bundle: tone rules plus default runtime
// settings applied beneath an instance's own runtime config.
type Template struct {
	Ref           string            `json:"ref"`
	Name          string            `json:"name"`
	ToneRules     string            `json:"tone_rules,omitempty"`
	DefaultConfig map[string]string `json:"default_config,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
