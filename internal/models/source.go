package models

import (
	"encoding/json"
	"time"
)

// Provider type constants
const (
	ProviderLocalDir = "local_dir"
	ProviderGitHub   = "github"
	ProviderWeb      = "web"
	ProviderIMAP     = "imap"
)

// SourceLifecycle is the coarse job-driven state of a source
type SourceLifecycle string

const (
	SourceIdle         SourceLifecycle = "idle"
	SourceInitializing SourceLifecycle = "initializing"
	SourceUpdating     SourceLifecycle = "updating"
)

// Source is a configured content origin. Jobs mutate Lifecycle, Initialized
// and State at job boundaries; everything else is owned by the admin layer.
type Source struct {
	ID           string          `json:"id" validate:"required"`
	Name         string          `json:"name" validate:"required,max=200"`
	ProviderType string          `json:"provider_type" validate:"required,oneof=local_dir github web imap"`
	Connection   json.RawMessage `json:"connection,omitempty"` // Provider credentials
	Entrypoint   json.RawMessage `json:"entrypoint,omitempty"` // Provider-specific root pointer
	State        json.RawMessage `json:"state,omitempty"`      // Provider-opaque cursor/watermark
	Lifecycle    SourceLifecycle `json:"lifecycle" validate:"omitempty,oneof=idle initializing updating"`
	Connected    bool            `json:"connected"`
	Initialized  bool            `json:"initialized"`
	Schedule     string          `json:"schedule,omitempty"` // Cron expression for auto-reindex (empty = manual)
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DecodeConnection unmarshals the connection blob into v
func (s *Source) DecodeConnection(v interface{}) error {
	if len(s.Connection) == 0 {
		return nil
	}
	return json.Unmarshal(s.Connection, v)
}

// DecodeEntrypoint unmarshals the entrypoint blob into v
func (s *Source) DecodeEntrypoint(v interface{}) error {
	if len(s.Entrypoint) == 0 {
		return nil
	}
	return json.Unmarshal(s.Entrypoint, v)
}

// DecodeState unmarshals the provider state blob into v
func (s *Source) DecodeState(v interface{}) error {
	if len(s.State) == 0 {
		return nil
	}
	return json.Unmarshal(s.State, v)
}
