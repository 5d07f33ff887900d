// Package store persists tenant flag and segment definitions. All flags and
// all segments of a tenant live in one document: reads are a single fetch and
// cross-flag integrity (segment references, cascade deletes) stays atomic.
// Mutations are pure functions on the document applied through a
// compare-and-set loop, so concurrent writers on the same tenant serialize
// instead of losing updates.
package store

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/skuld-io/skuld/internal/engine"
	"github.com/skuld-io/skuld/internal/expr"
)

// Document is the complete definition set of one tenant.
type Document struct {
	Flags    map[string]engine.Flag `json:"flags"`
	Segments map[string]string      `json:"segments"`

	// UpdatedAt is stamped on every successful write.
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewDocument returns an empty document with usable maps.
func NewDocument() Document {
	return Document{
		Flags:    map[string]engine.Flag{},
		Segments: map[string]string{},
	}
}

// ensureMaps makes a freshly unmarshalled document safe to mutate. JSON
// sources may omit either map entirely.
func (d *Document) ensureMaps() {
	if d.Flags == nil {
		d.Flags = map[string]engine.Flag{}
	}
	if d.Segments == nil {
		d.Segments = map[string]string{}
	}
}

// Clone returns a deep copy that shares no mutable state with d.
func (d Document) Clone() Document {
	out := Document{
		Flags:     make(map[string]engine.Flag, len(d.Flags)),
		Segments:  make(map[string]string, len(d.Segments)),
		UpdatedAt: d.UpdatedAt,
	}
	for id, f := range d.Flags {
		out.Flags[id] = cloneFlag(f)
	}
	for id, rule := range d.Segments {
		out.Segments[id] = rule
	}
	return out
}

func cloneFlag(f engine.Flag) engine.Flag {
	f.Rules = slices.Clone(f.Rules)
	f.Segments = slices.Clone(f.Segments)
	f.Rollout = clonePtr(f.Rollout)
	f.Payload = slices.Clone(f.Payload)
	if f.Rollouts != nil {
		steps := make([]engine.RolloutStep, len(f.Rollouts))
		for i, st := range f.Rollouts {
			st.Percentage = clonePtr(st.Percentage)
			st.Segment = clonePtr(st.Segment)
			steps[i] = st
		}
		f.Rollouts = steps
	}
	if f.Variations != nil {
		variations := make([]engine.Variation, len(f.Variations))
		for i, v := range f.Variations {
			v.Payload = slices.Clone(v.Payload)
			variations[i] = v
		}
		f.Variations = variations
	}
	return f
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// PutFlag validates f and upserts it. Validation failures leave the document
// untouched. The returned warnings flag definitions that are legal but
// probably not what the operator meant, such as rules that do not compile.
func (d *Document) PutFlag(f engine.Flag) ([]string, error) {
	warnings, err := validateFlag(f, d.Segments)
	if err != nil {
		return nil, err
	}
	d.Flags[f.ID] = cloneFlag(f)
	return warnings, nil
}

// FlagPatch is a partial flag update. Nil fields keep the stored value;
// setting a field to its empty value (an empty rules array, enabled false)
// is a real change.
type FlagPatch struct {
	Type        *engine.FlagType      `json:"type,omitempty"`
	Enabled     *bool                 `json:"enabled,omitempty"`
	Label       *string               `json:"label,omitempty"`
	Description *string               `json:"description,omitempty"`
	Rules       *[]string             `json:"rules,omitempty"`
	Segments    *[]string             `json:"segments,omitempty"`
	Rollout     *int                  `json:"rollout,omitempty"`
	Rollouts    *[]engine.RolloutStep `json:"rollouts,omitempty"`
	Payload     json.RawMessage       `json:"payload,omitempty"`
	Variations  *[]engine.Variation   `json:"variations,omitempty"`
	IsTrackable *bool                 `json:"isTrackable,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p FlagPatch) IsEmpty() bool {
	return p.Type == nil && p.Enabled == nil && p.Label == nil &&
		p.Description == nil && p.Rules == nil && p.Segments == nil &&
		p.Rollout == nil && p.Rollouts == nil && len(p.Payload) == 0 &&
		p.Variations == nil && p.IsTrackable == nil
}

// UpdateFlag merges p into the stored flag and re-validates the result.
// The merged flag replaces the stored one only if validation passes.
func (d *Document) UpdateFlag(id string, p FlagPatch) (engine.Flag, []string, error) {
	if p.IsEmpty() {
		return engine.Flag{}, nil, fmt.Errorf("%w: flag %q", ErrEmptyPatch, id)
	}
	f, ok := d.Flags[id]
	if !ok {
		return engine.Flag{}, nil, fmt.Errorf("%w: flag %q", ErrNotFound, id)
	}

	f = cloneFlag(f)
	if p.Type != nil {
		f.Type = *p.Type
	}
	if p.Enabled != nil {
		f.Enabled = *p.Enabled
	}
	if p.Label != nil {
		f.Label = *p.Label
	}
	if p.Description != nil {
		f.Description = *p.Description
	}
	if p.Rules != nil {
		f.Rules = slices.Clone(*p.Rules)
	}
	if p.Segments != nil {
		f.Segments = slices.Clone(*p.Segments)
	}
	if p.Rollout != nil {
		f.Rollout = clonePtr(p.Rollout)
	}
	if p.Rollouts != nil {
		f.Rollouts = slices.Clone(*p.Rollouts)
	}
	if len(p.Payload) > 0 {
		f.Payload = slices.Clone(p.Payload)
	}
	if p.Variations != nil {
		f.Variations = slices.Clone(*p.Variations)
	}
	if p.IsTrackable != nil {
		f.IsTrackable = *p.IsTrackable
	}

	warnings, err := validateFlag(f, d.Segments)
	if err != nil {
		return engine.Flag{}, nil, err
	}
	d.Flags[id] = f
	return f, warnings, nil
}

// DeleteFlag removes the flag.
func (d *Document) DeleteFlag(id string) error {
	if _, ok := d.Flags[id]; !ok {
		return fmt.Errorf("%w: flag %q", ErrNotFound, id)
	}
	delete(d.Flags, id)
	return nil
}

// PutSegment upserts a segment rule. Segments stand alone, so there are no
// referential checks; a rule that does not compile is stored but warned
// about, and evaluates as not matching.
func (d *Document) PutSegment(id, rule string) ([]string, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: segment id must not be empty", ErrInvalidDefinition)
	}
	var warnings []string
	if _, err := expr.Compile(rule); err != nil {
		warnings = append(warnings, fmt.Sprintf("segment rule does not compile: %v", err))
	}
	d.Segments[id] = rule
	return warnings, nil
}

// DeleteSegment removes the segment and strips it from every flag's segment
// set, so flags never reference a segment that is gone.
func (d *Document) DeleteSegment(id string) error {
	if _, ok := d.Segments[id]; !ok {
		return fmt.Errorf("%w: segment %q", ErrNotFound, id)
	}
	delete(d.Segments, id)
	for fid, f := range d.Flags {
		if !slices.Contains(f.Segments, id) {
			continue
		}
		f = cloneFlag(f)
		f.Segments = slices.DeleteFunc(f.Segments, func(s string) bool { return s == id })
		if len(f.Segments) == 0 {
			f.Segments = nil
		}
		d.Flags[fid] = f
	}
	return nil
}

// Normalize strips segment references that no longer resolve and returns how
// many were removed. Mutators keep references intact, but documents can also
// arrive from hand-edited files, so the read path re-checks before the
// engine sees them.
func (d *Document) Normalize() int {
	removed := 0
	for fid, f := range d.Flags {
		dangling := false
		for _, sid := range f.Segments {
			if _, ok := d.Segments[sid]; !ok {
				dangling = true
				break
			}
		}
		if !dangling {
			continue
		}
		f = cloneFlag(f)
		f.Segments = slices.DeleteFunc(f.Segments, func(sid string) bool {
			_, ok := d.Segments[sid]
			if !ok {
				removed++
			}
			return !ok
		})
		if len(f.Segments) == 0 {
			f.Segments = nil
		}
		d.Flags[fid] = f
	}
	return removed
}

// SyncReport counts what a sync copied into the target environment.
type SyncReport struct {
	Flags    int `json:"flags"`
	Segments int `json:"segments"`
}

// SyncEnv copies every flag and every segment from src into d. It merges:
// keys only present in d are retained. Unless overwrite is set, every copied
// flag lands disabled so a sync never turns a feature on in the target
// environment by itself.
func (d *Document) SyncEnv(src Document, overwrite bool) SyncReport {
	for id, rule := range src.Segments {
		d.Segments[id] = rule
	}
	for id, f := range src.Flags {
		f = cloneFlag(f)
		if !overwrite {
			f.Enabled = false
		}
		d.Flags[id] = f
	}
	return SyncReport{Flags: len(src.Flags), Segments: len(src.Segments)}
}

// SyncFlag copies one flag from src into d, along with only the segments the
// flag's segment set references. The overwrite semantics match SyncEnv.
func (d *Document) SyncFlag(id string, src Document, overwrite bool) (SyncReport, error) {
	f, ok := src.Flags[id]
	if !ok {
		return SyncReport{}, fmt.Errorf("%w: flag %q", ErrNotFound, id)
	}

	report := SyncReport{Flags: 1}
	for _, sid := range f.Segments {
		if rule, ok := src.Segments[sid]; ok {
			d.Segments[sid] = rule
			report.Segments++
		}
	}

	f = cloneFlag(f)
	if !overwrite {
		f.Enabled = false
	}
	d.Flags[id] = f
	return report, nil
}

// validateFlag enforces the definition contract: a known type, ranges on
// percentages and weights, payloads only on payload flags, variations only
// on variant flags (at least two), and every referenced segment present.
// Warnings cover definitions that will not behave as the operator likely
// expects but are still legal.
func validateFlag(f engine.Flag, segments map[string]string) ([]string, error) {
	if f.ID == "" {
		return nil, fmt.Errorf("%w: flag id must not be empty", ErrInvalidDefinition)
	}

	switch f.Type {
	case engine.FlagBoolean, engine.FlagPayload, engine.FlagVariant:
	default:
		return nil, fmt.Errorf("%w: flag %q has unknown type %q", ErrInvalidDefinition, f.ID, f.Type)
	}

	if f.Rollout != nil && (*f.Rollout < 0 || *f.Rollout > 100) {
		return nil, fmt.Errorf("%w: flag %q rollout %d is outside 0..100", ErrInvalidDefinition, f.ID, *f.Rollout)
	}

	for i, st := range f.Rollouts {
		if st.Start == "" {
			return nil, fmt.Errorf("%w: flag %q rollout step %d has no start", ErrInvalidDefinition, f.ID, i)
		}
		if st.Percentage == nil && st.Segment == nil {
			return nil, fmt.Errorf("%w: flag %q rollout step %d needs a percentage or a segment", ErrInvalidDefinition, f.ID, i)
		}
		if st.Percentage != nil && (*st.Percentage < 0 || *st.Percentage > 100) {
			return nil, fmt.Errorf("%w: flag %q rollout step %d percentage %d is outside 0..100", ErrInvalidDefinition, f.ID, i, *st.Percentage)
		}
		if st.Segment != nil && *st.Segment == "" {
			return nil, fmt.Errorf("%w: flag %q rollout step %d has an empty segment id", ErrInvalidDefinition, f.ID, i)
		}
	}

	switch f.Type {
	case engine.FlagPayload:
		if len(f.Payload) == 0 {
			return nil, fmt.Errorf("%w: payload flag %q has no payload (an explicit null is fine)", ErrInvalidDefinition, f.ID)
		}
		if len(f.Variations) > 0 {
			return nil, fmt.Errorf("%w: payload flag %q must not carry variations", ErrInvalidDefinition, f.ID)
		}
	case engine.FlagVariant:
		if len(f.Variations) < 2 {
			return nil, fmt.Errorf("%w: variant flag %q needs at least two variations", ErrInvalidDefinition, f.ID)
		}
		if len(f.Payload) > 0 {
			return nil, fmt.Errorf("%w: variant flag %q must not carry a top-level payload", ErrInvalidDefinition, f.ID)
		}
		for i, v := range f.Variations {
			if v.ID == "" {
				return nil, fmt.Errorf("%w: variant flag %q variation %d has no id", ErrInvalidDefinition, f.ID, i)
			}
			if v.Weight < 0 || v.Weight > 100 {
				return nil, fmt.Errorf("%w: variant flag %q variation %q weight %d is outside 0..100", ErrInvalidDefinition, f.ID, v.ID, v.Weight)
			}
		}
	default:
		if len(f.Payload) > 0 {
			return nil, fmt.Errorf("%w: boolean flag %q must not carry a payload", ErrInvalidDefinition, f.ID)
		}
		if len(f.Variations) > 0 {
			return nil, fmt.Errorf("%w: boolean flag %q must not carry variations", ErrInvalidDefinition, f.ID)
		}
	}

	var missing []string
	for _, sid := range f.Segments {
		if _, ok := segments[sid]; !ok {
			missing = append(missing, sid)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: flag %q references unknown segments: %s", ErrInvalidReference, f.ID, strings.Join(missing, ", "))
	}

	return flagWarnings(f, segments), nil
}

func flagWarnings(f engine.Flag, segments map[string]string) []string {
	var warnings []string

	for i, rule := range f.Rules {
		if _, err := expr.Compile(rule); err != nil {
			warnings = append(warnings, fmt.Sprintf("rule %d does not compile and will never match: %v", i, err))
		}
	}

	if len(f.Segments) > 0 && len(f.Rollouts) > 0 {
		warnings = append(warnings, "rollout steps replace the standalone segment gate; segments are only consulted inside steps that name them")
	}

	for i, st := range f.Rollouts {
		if _, err := expr.ParseTime(st.Start); err != nil {
			warnings = append(warnings, fmt.Sprintf("rollout step %d start %q does not parse; the step never applies", i, st.Start))
		}
		if st.Segment != nil {
			if _, ok := segments[*st.Segment]; !ok {
				warnings = append(warnings, fmt.Sprintf("rollout step %d references unknown segment %q and will not pass until it exists", i, *st.Segment))
			}
		}
	}

	if f.Type == engine.FlagVariant {
		total := 0
		for _, v := range f.Variations {
			total += v.Weight
		}
		if total < 100 {
			warnings = append(warnings, fmt.Sprintf("variation weights sum to %d; identities in buckets %d..100 fall back to the default result", total, total+1))
		} else if total > 100 {
			warnings = append(warnings, fmt.Sprintf("variation weights sum to %d; weight beyond 100 is unreachable", total))
		}
	}

	return warnings
}
