package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// OnFailure decides what a failed step does to the rest of the run
type OnFailure string

const (
	OnFailureContinue OnFailure = "continue"
	OnFailureStop     OnFailure = "stop"
)

// Binding kinds
const (
	BindingLiteral  = "literal"
	BindingComputed = "computed"
)

// Binding is either a literal value used verbatim or a computed expression
type Binding struct {
	Kind     string      `json:"kind"`
	Literal  interface{} `json:"literal,omitempty"`
	Computed string      `json:"computed,omitempty"`
}

// IsComputed reports whether the binding must be evaluated
func (b Binding) IsComputed() bool {
	return b.Kind == BindingComputed
}

// UnmarshalYAML accepts `{computed: expr}`, `{literal: value}` or a bare value (literal)
func (b *Binding) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode && len(node.Content) == 2 {
		key := node.Content[0].Value
		switch key {
		case BindingComputed:
			var expr string
			if err := node.Content[1].Decode(&expr); err != nil {
				return fmt.Errorf("computed binding must be a string: %w", err)
			}
			b.Kind = BindingComputed
			b.Computed = expr
			return nil
		case BindingLiteral:
			var value interface{}
			if err := node.Content[1].Decode(&value); err != nil {
				return err
			}
			b.Kind = BindingLiteral
			b.Literal = value
			return nil
		}
	}

	var value interface{}
	if err := node.Decode(&value); err != nil {
		return err
	}
	b.Kind = BindingLiteral
	b.Literal = value
	return nil
}

// NamedBinding is one entry of an ordered binding map
type NamedBinding struct {
	Name    string  `json:"name"`
	Binding Binding `json:"binding"`
}

// NamedBindings keeps declaration order, which decides evaluation order
type NamedBindings []NamedBinding

// UnmarshalYAML decodes a YAML mapping preserving key order
func (n *NamedBindings) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping of bindings", node.Line)
	}
	out := make(NamedBindings, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var binding Binding
		if err := node.Content[i+1].Decode(&binding); err != nil {
			return fmt.Errorf("binding %q: %w", node.Content[i].Value, err)
		}
		out = append(out, NamedBinding{Name: node.Content[i].Value, Binding: binding})
	}
	*n = out
	return nil
}

// StepAction names the enhancer a step invokes and its argument bindings
type StepAction struct {
	Name string        `yaml:"name" json:"name" validate:"required"`
	Args NamedBindings `yaml:"args,omitempty" json:"args,omitempty"`
}

// PipelineStep is one configured enhancer invocation
type PipelineStep struct {
	Name      string        `yaml:"name" json:"name" validate:"required"`
	Action    StepAction    `yaml:"action" json:"action"`
	Output    NamedBindings `yaml:"output,omitempty" json:"output,omitempty"`
	If        string        `yaml:"if,omitempty" json:"if,omitempty"`
	OnFailure OnFailure     `yaml:"on_failure,omitempty" json:"on_failure,omitempty" validate:"omitempty,oneof=continue stop"`
}

// FailurePolicy returns the effective policy (stop when unset)
func (s PipelineStep) FailurePolicy() OnFailure {
	if s.OnFailure == "" {
		return OnFailureStop
	}
	return s.OnFailure
}

// PipelineDefinition is static, immutable configuration looked up by collection
type PipelineDefinition struct {
	Name       string         `yaml:"name" json:"name" validate:"required"`
	Collection string         `yaml:"collection" json:"collection" validate:"required"`
	If         string         `yaml:"if,omitempty" json:"if,omitempty"`
	Vars       NamedBindings  `yaml:"vars,omitempty" json:"vars,omitempty"`
	Steps      []PipelineStep `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}

// StepState is one step's durable lifecycle:
// not-run -> prepared -> started -> (pending <-> resumed) -> finished|failed|skipped
type StepState struct {
	Name          string                 `json:"name"`
	Args          map[string]interface{} `json:"args,omitempty"`
	Output        map[string]interface{} `json:"output,omitempty"`
	RawResult     interface{}            `json:"raw_result,omitempty"`
	PendingTaskID string                 `json:"pending_task_id,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Logs          []string               `json:"logs,omitempty"`
	PreparedAt    *time.Time             `json:"prepared_at,omitempty"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	PendingAt     *time.Time             `json:"pending_at,omitempty"`
	ResumedAt     *time.Time             `json:"resumed_at,omitempty"`
	FinishedAt    *time.Time             `json:"finished_at,omitempty"`
	FailedAt      *time.Time             `json:"failed_at,omitempty"`
	SkippedAt     *time.Time             `json:"skipped_at,omitempty"`
}

// Step status values
const (
	StepNotRun   = "not-run"
	StepPrepared = "prepared"
	StepStarted  = "started"
	StepPending  = "pending"
	StepFinished = "finished"
	StepFailed   = "failed"
	StepSkipped  = "skipped"
)

// Prepare resets the step for a new run. Output survives so dependent
// expressions still see last-known values until the new run overwrites them.
func (s *StepState) Prepare(now time.Time) {
	s.Args = nil
	s.RawResult = nil
	s.PendingTaskID = ""
	s.Error = ""
	s.Logs = nil
	s.PreparedAt = &now
	s.StartedAt = nil
	s.PendingAt = nil
	s.ResumedAt = nil
	s.FinishedAt = nil
	s.FailedAt = nil
	s.SkippedAt = nil
}

// Status derives the lifecycle position from the timestamps
func (s *StepState) Status() string {
	switch {
	case s == nil || s.PreparedAt == nil:
		return StepNotRun
	case s.FinishedAt != nil:
		return StepFinished
	case s.FailedAt != nil:
		return StepFailed
	case s.SkippedAt != nil:
		return StepSkipped
	case s.PendingTaskID != "":
		return StepPending
	case s.StartedAt != nil:
		return StepStarted
	}
	return StepPrepared
}

// Log appends a line to the step log
func (s *StepState) Log(format string, args ...interface{}) {
	s.Logs = append(s.Logs, fmt.Sprintf(format, args...))
}

// PipelineState is the durable record of one (pipeline x object) run
type PipelineState struct {
	ID            string                 `json:"id"`
	JobID         string                 `json:"job_id"`
	SourceID      string                 `json:"source_id"`
	ObjectID      string                 `json:"object_id"`
	Collection    string                 `json:"collection"`
	Job           map[string]interface{} `json:"job"`
	Source        map[string]interface{} `json:"source"`
	Record        map[string]interface{} `json:"record"`
	Pipeline      *PipelineDefinition    `json:"pipeline"`
	Vars          map[string]interface{} `json:"vars"`
	Steps         map[string]*StepState  `json:"steps"`
	Result        interface{}            `json:"result,omitempty"`
	InitializedAt *time.Time             `json:"initialized_at,omitempty"`
	FinishedAt    *time.Time             `json:"finished_at,omitempty"`
	FailedAt      *time.Time             `json:"failed_at,omitempty"`
	SkippedAt     *time.Time             `json:"skipped_at,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Pipeline run status values
const (
	PipelineRunning  = "running"
	PipelinePending  = "pending"
	PipelineFinished = "finished"
	PipelineFailed   = "failed"
	PipelineSkipped  = "skipped"
)

// IsTerminal reports whether the run is finished, failed or skipped
func (p *PipelineState) IsTerminal() bool {
	return p.FinishedAt != nil || p.FailedAt != nil || p.SkippedAt != nil
}

// Status derives the run status
func (p *PipelineState) Status() string {
	switch {
	case p.SkippedAt != nil:
		return PipelineSkipped
	case p.FailedAt != nil:
		return PipelineFailed
	case p.FinishedAt != nil:
		return PipelineFinished
	}
	for _, step := range p.Steps {
		if step.PendingTaskID != "" {
			return PipelinePending
		}
	}
	return PipelineRunning
}

// PendingStep returns the step waiting on an async task, if any
func (p *PipelineState) PendingStep() *StepState {
	if p.Pipeline == nil {
		return nil
	}
	for _, def := range p.Pipeline.Steps {
		if step := p.Steps[def.Name]; step != nil && step.PendingTaskID != "" {
			return step
		}
	}
	return nil
}

// ToJSON serialises the state with RFC3339 timestamps
func (p *PipelineState) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// PipelineStateFromJSON rehydrates a serialised state
func PipelineStateFromJSON(data []byte) (*PipelineState, error) {
	var state PipelineState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline state: %w", err)
	}
	if state.Steps == nil {
		state.Steps = map[string]*StepState{}
	}
	if state.Vars == nil {
		state.Vars = map[string]interface{}{}
	}
	return &state, nil
}

// PipelineStateRecord is the persisted envelope of a pipeline state
type PipelineStateRecord struct {
	ID        string          `json:"id"`
	SourceID  string          `json:"source_id" badgerhold:"index"`
	JobID     string          `json:"job_id" badgerhold:"index"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}
