// Package router decides per event whether it is anchored immediately or
// joins a batch, and checks that the caller's tier is entitled to that mode.
package router

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/anchor/pkg/config"
	"github.com/Mindburn-Labs/anchor/pkg/contracts"
)

const op = "router.decide"

// Priorities that select immediate anchoring when the caller does not name a mode.
var immediatePriorities = map[string]bool{"high": true, "urgent": true, "critical": true}

// Router is stateless between calls apart from the tier table it was built
// with and the compiled rules cached from it.
type Router struct {
	tiers *config.TierTable
	env   *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
	schemas  map[string]*jsonschema.Schema
}

// New builds a router over tiers. Every tier rule and payload schema is
// compiled up front so a broken tier file fails at startup.
func New(tiers *config.TierTable) (*Router, error) {
	if tiers == nil {
		tiers = config.DefaultTiers()
	}
	env, err := cel.NewEnv(
		cel.Variable("event", cel.DynType),
		cel.Variable("mode", cel.StringType),
		cel.Variable("tier", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	r := &Router{
		tiers:    tiers,
		env:      env,
		programs: make(map[string]cel.Program),
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, t := range tiers.Tiers {
		if t.Rule != "" {
			if _, err := r.program(t.Rule); err != nil {
				return nil, fmt.Errorf("tier %q rule: %w", t.Name, err)
			}
		}
		if t.PayloadSchema != "" {
			if err := r.compileSchema(t); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// SelectMode picks a mode from the requested one, falling back to the event priority.
func SelectMode(requested contracts.AnchoringMode, priority string) contracts.AnchoringMode {
	if requested != "" {
		return requested
	}
	if immediatePriorities[strings.ToLower(priority)] {
		return contracts.ModeImmediate
	}
	return contracts.ModeBatch
}

// Decide routes ev for the given tier and requested mode. Entitlement and rule
// failures come back as a declined decision, never as an error; malformed
// input (unknown tier, bad mode, payload failing the tier schema) is a
// validation error.
func (r *Router) Decide(ev contracts.Event, tierName string, requested contracts.AnchoringMode) (contracts.AnchoringDecision, error) {
	mode := SelectMode(requested, ev.Priority)
	if !mode.Valid() {
		return contracts.AnchoringDecision{}, contracts.Errorf(contracts.KindValidation, op, "unknown anchoring mode %q", mode)
	}
	tier, ok := r.tiers.Lookup(tierName)
	if !ok {
		return contracts.AnchoringDecision{}, contracts.Errorf(contracts.KindValidation, op, "unknown tier %q", tierName)
	}
	name := strings.ToLower(tier.Name)

	if !tier.Allows(mode) {
		return contracts.Declined(mode, name, fmt.Sprintf("tier %s is not entitled to %s anchoring", name, mode)), nil
	}

	var payload any
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return contracts.AnchoringDecision{}, contracts.Errorf(contracts.KindValidation, op, "payload is not valid JSON: %v", err)
		}
	}

	if tier.PayloadSchema != "" {
		r.mu.RLock()
		schema := r.schemas[name]
		r.mu.RUnlock()
		if schema != nil {
			if err := schema.Validate(payload); err != nil {
				return contracts.AnchoringDecision{}, contracts.Errorf(contracts.KindValidation, op, "payload rejected by tier %s schema: %v", name, err)
			}
		}
	}

	if tier.Rule != "" {
		allowed, err := r.evaluate(tier.Rule, map[string]any{
			"event": map[string]any{
				"id":           ev.ID,
				"tenant_id":    ev.TenantID,
				"priority":     ev.Priority,
				"payload":      payload,
				"submitted_at": ev.SubmittedAt.Unix(),
			},
			"mode": string(mode),
			"tier": name,
		})
		if err != nil {
			return contracts.Declined(mode, name, fmt.Sprintf("tier %s rule could not be evaluated: %v", name, err)), nil
		}
		if !allowed {
			return contracts.Declined(mode, name, fmt.Sprintf("tier %s rule denied %s anchoring", name, mode)), nil
		}
	}

	return contracts.AnchoringDecision{Accepted: true, Mode: mode, Tier: name}, nil
}

func (r *Router) compileSchema(t config.TierEntitlement) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://anchor.schemas.local/tiers/%s.schema.json", strings.ToLower(t.Name))
	if err := c.AddResource(url, strings.NewReader(t.PayloadSchema)); err != nil {
		return fmt.Errorf("tier %q schema load failed: %w", t.Name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("tier %q schema compile failed: %w", t.Name, err)
	}
	r.mu.Lock()
	r.schemas[strings.ToLower(t.Name)] = compiled
	r.mu.Unlock()
	return nil
}

func (r *Router) program(expr string) (cel.Program, error) {
	r.mu.RLock()
	prg, hit := r.programs[expr]
	r.mu.RUnlock()
	if hit {
		return prg, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prg, hit = r.programs[expr]; hit {
		return prg, nil
	}
	ast, issues := r.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	p, err := r.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	r.programs[expr] = p
	return p, nil
}

func (r *Router) evaluate(expr string, input map[string]any) (bool, error) {
	prg, err := r.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
