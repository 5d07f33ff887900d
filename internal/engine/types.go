// Package engine implements deterministic feature-flag decisions: stable
// FNV-1a bucketing, rollout gating and the flag decision procedure. A
// decision is a pure function of (flag, segments, input, now); the engine
// holds no per-request state, so the same identity always lands on the same
// side of an experiment.
package engine

import "encoding/json"

// FlagType discriminates what a flag yields when it fires.
type FlagType string

const (
	// FlagBoolean yields true when the flag fires.
	FlagBoolean FlagType = "boolean"
	// FlagPayload yields the flag's payload verbatim.
	FlagPayload FlagType = "payload"
	// FlagVariant yields one weighted variation chosen by bucket.
	FlagVariant FlagType = "variant"
)

// Flag is one flag definition inside a tenant document.
type Flag struct {
	ID          string   `json:"id"`
	Type        FlagType `json:"type"`
	Enabled     bool     `json:"enabled"`
	Label       string   `json:"label,omitempty"`
	Description string   `json:"description,omitempty"`

	// Rules are expression sources that must ALL be truthy for the flag to
	// fire. A rule that fails to parse or errors at runtime counts as false.
	Rules []string `json:"rules,omitempty"`

	// Segments reference shared segment rules by id. Without rollout steps
	// they act as an OR gate; with rollout steps they are ignored here and
	// consulted per step instead.
	Segments []string `json:"segments,omitempty"`

	// Rollout is the flat percentage gate in 0..100. nil means 100.
	Rollout *int `json:"rollout,omitempty"`

	// Rollouts is the progressive-release schedule. When non-empty it
	// replaces both the flat Rollout and the standalone Segments gate.
	Rollouts []RolloutStep `json:"rollouts,omitempty"`

	// Payload is returned verbatim for payload flags.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Variations are the weighted outcomes of a variant flag, walked in
	// declared order.
	Variations []Variation `json:"variations,omitempty"`

	IsTrackable bool `json:"isTrackable,omitempty"`
}

// RolloutStep is one stage of a progressive release. A step applies once now
// has passed Start; Segment and Percentage are additional conditions and
// every one that is set must hold. A step with neither set is invalid and
// never passes.
type RolloutStep struct {
	Start      string  `json:"start"`
	Percentage *int    `json:"percentage,omitempty"`
	Segment    *string `json:"segment,omitempty"`
}

// Variation is one weighted outcome of a variant flag.
type Variation struct {
	ID      string          `json:"id"`
	Weight  int             `json:"weight"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Label   string          `json:"label,omitempty"`
}

// Input is the caller context one decision runs against. The core never
// synthesizes an identity: ID wins, BackupID is the caller-held fallback,
// and with neither set every percentage gate uses the empty identity.
type Input struct {
	ID       string
	BackupID string
	User     map[string]any
	Page     map[string]any
	Geo      map[string]any
	Headers  map[string]any
}

// Result is the outcome of deciding one flag. IsEval reports whether the
// flag fired; a non-firing flag still yields its type's default result.
type Result struct {
	Type   FlagType `json:"type"`
	Result any      `json:"result"`
	IsEval bool     `json:"isEval"`
}
