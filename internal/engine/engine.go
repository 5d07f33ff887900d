package engine

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/skuld-io/skuld/internal/expr"
	"github.com/skuld-io/skuld/internal/validation"
)

// Engine decides flags against caller contexts. It is safe for concurrent
// use; compiled rule expressions are shared through the expression cache.
type Engine struct {
	logger *slog.Logger
	exprs  *expr.Cache
}

// New creates a decision engine. If logger is nil it defaults to
// slog.Default(); the expression cache is mandatory.
func New(logger *slog.Logger, exprs *expr.Cache) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	validation.AssertNotNil(exprs, "engine: expression cache")

	return &Engine{logger: logger, exprs: exprs}
}

// Decide evaluates one flag against the input and returns its typed result.
// segments is the tenant's segment map (id to rule source). now is frozen
// for the whole decision; a zero now is replaced by the wall clock once.
func (e *Engine) Decide(f Flag, segments map[string]string, in Input, now time.Time) Result {
	if now.IsZero() {
		now = time.Now()
	}

	identity := in.ID
	if identity == "" {
		identity = in.BackupID
	}
	env := expr.Env{Record: buildRecord(in, identity), Now: now}

	def := defaultResult(f)

	if !f.Enabled {
		return def
	}

	// Every rule must hold. Broken expressions count as false: a bad rule
	// must never widen a release.
	for _, rule := range f.Rules {
		if !e.ruleTruthy(f.ID, rule, env) {
			return def
		}
	}

	// Standalone segments act as an OR gate, but only when no rollout steps
	// exist; steps carry their own segment conditions.
	if len(f.Rollouts) == 0 && len(f.Segments) > 0 && !e.anySegmentTruthy(f, segments, env) {
		return def
	}

	if len(f.Rollouts) > 0 {
		if !e.evalSteps(f, segments, env, identity, now) {
			return def
		}
	} else if !InRollout(identity, f.ID, flatRollout(f)) {
		return def
	}

	return e.firedResult(f, identity, def)
}

// DecideAll evaluates every flag in the tenant against one shared input and
// frozen now. Individual flags never fail the batch.
func (e *Engine) DecideAll(flags map[string]Flag, segments map[string]string, in Input, now time.Time) map[string]Result {
	if now.IsZero() {
		now = time.Now()
	}

	results := make(map[string]Result, len(flags))
	for id, f := range flags {
		results[id] = e.Decide(f, segments, in, now)
	}
	return results
}

// ruleTruthy compiles and evaluates one rule expression. Compile and runtime
// failures are contained and count as not matching.
func (e *Engine) ruleTruthy(flagID, src string, env expr.Env) bool {
	prog, err := e.exprs.Compile(src)
	if err != nil {
		e.logger.Debug("rule expression failed to compile",
			"flag_id", flagID,
			"error", err,
		)
		return false
	}

	truthy, err := prog.EvalTruthy(env)
	if err != nil {
		e.logger.Debug("rule expression failed at runtime",
			"flag_id", flagID,
			"error", err,
		)
		return false
	}
	return truthy
}

// anySegmentTruthy implements the standalone segment OR gate. A reference to
// a segment that is absent from the tenant map contributes false.
func (e *Engine) anySegmentTruthy(f Flag, segments map[string]string, env expr.Env) bool {
	for _, segID := range f.Segments {
		src, ok := segments[segID]
		if !ok {
			continue
		}
		if e.ruleTruthy(f.ID, src, env) {
			return true
		}
	}
	return false
}

// evalSteps walks the rollout schedule in declared order and reports whether
// any step admits the caller. The first passing step wins.
func (e *Engine) evalSteps(f Flag, segments map[string]string, env expr.Env, identity string, now time.Time) bool {
	for _, step := range f.Rollouts {
		if e.stepFires(f, step, segments, env, identity, now) {
			return true
		}
	}
	return false
}

func (e *Engine) stepFires(f Flag, step RolloutStep, segments map[string]string, env expr.Env, identity string, now time.Time) bool {
	start, err := expr.ParseTime(step.Start)
	if err != nil {
		e.logger.Debug("rollout step has unparseable start",
			"flag_id", f.ID,
			"start", step.Start,
		)
		return false
	}
	if now.Before(start) {
		return false
	}

	// A step must constrain something beyond its start time.
	if step.Segment == nil && step.Percentage == nil {
		return false
	}

	if step.Segment != nil {
		src, ok := segments[*step.Segment]
		if !ok || !e.ruleTruthy(f.ID, src, env) {
			return false
		}
	}

	if step.Percentage != nil && !InRollout(identity, f.ID, *step.Percentage) {
		return false
	}

	return true
}

// firedResult produces the typed result for a firing flag. Variant flags may
// still fall back to the default when the weights underflow the bucket.
func (e *Engine) firedResult(f Flag, identity string, def Result) Result {
	switch f.Type {
	case FlagBoolean:
		return Result{Type: FlagBoolean, Result: true, IsEval: true}

	case FlagPayload:
		return Result{Type: FlagPayload, Result: rawValue(f.Payload), IsEval: true}

	case FlagVariant:
		v := ChooseVariant(identity, f.ID, f.Variations)
		if v == nil {
			return def
		}
		return Result{Type: FlagVariant, Result: variationValue(*v), IsEval: true}
	}

	// Unknown types never fire; the schema rejects them at write time.
	return def
}

// defaultResult is what a flag yields when it does not fire.
func defaultResult(f Flag) Result {
	switch f.Type {
	case FlagPayload:
		return Result{Type: FlagPayload, Result: nil, IsEval: false}
	case FlagVariant:
		var result any
		if len(f.Variations) > 0 {
			result = variationValue(f.Variations[0])
		}
		return Result{Type: FlagVariant, Result: result, IsEval: false}
	default:
		return Result{Type: FlagBoolean, Result: false, IsEval: false}
	}
}

func flatRollout(f Flag) int {
	if f.Rollout == nil {
		return 100
	}
	return *f.Rollout
}

// variationValue yields a variation's payload, or its id when it carries
// no payload.
func variationValue(v Variation) any {
	if payloadPresent(v.Payload) {
		return v.Payload
	}
	return v.ID
}

// rawValue normalizes an absent raw payload to nil so it marshals as null.
func rawValue(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func payloadPresent(m json.RawMessage) bool {
	return len(m) > 0 && string(m) != "null"
}

// buildRecord assembles the expression record {id, user, page, geo, request}
// for one decision. Absent sections stay missing so rules observe null
// rather than empty objects.
func buildRecord(in Input, identity string) map[string]any {
	rec := make(map[string]any, 5)
	if identity != "" {
		rec["id"] = identity
	}
	if in.User != nil {
		rec["user"] = in.User
	}
	if in.Page != nil {
		rec["page"] = in.Page
	}
	if in.Geo != nil {
		rec["geo"] = in.Geo
	}
	if in.Headers != nil {
		rec["request"] = map[string]any{"headers": in.Headers}
	}
	return rec
}
