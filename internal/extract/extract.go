// Package extract turns parsed ledger records into typed sub-events using
// a registry of per-(program, kind) rules.
package extract

import (
	"errors"
	"fmt"

	"ledger-signals/internal/ledger"
	"ledger-signals/internal/metrics"
)

// ErrDuplicateRule is returned by New when two rules claim the same pair.
var ErrDuplicateRule = errors.New("extract: duplicate rule")

// Projection builds a sub-event from one instruction. It reports false when
// the instruction lacks what the rule needs.
type Projection func(ins ledger.Instruction, rec *ledger.ParsedRecord) (ledger.SubEvent, bool)

// Rule binds a projection to one program and operation kind.
type Rule struct {
	Program string
	Kind    string
	Project Projection
}

type ruleKey struct {
	program string
	kind    string
}

// Extractor is immutable after New and safe for concurrent use.
type Extractor struct {
	rules map[ruleKey]Rule
	order []ruleKey
}

// New validates and indexes rules.
func New(rules ...Rule) (*Extractor, error) {
	e := &Extractor{rules: make(map[ruleKey]Rule, len(rules))}
	for _, r := range rules {
		if r.Project == nil {
			return nil, fmt.Errorf("rule %s/%s has no projection", r.Program, r.Kind)
		}
		key := ruleKey{program: r.Program, kind: r.Kind}
		if _, exists := e.rules[key]; exists {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateRule, r.Program, r.Kind)
		}
		e.rules[key] = r
		e.order = append(e.order, key)
	}
	return e, nil
}

// Default builds an Extractor from DefaultRules.
func Default() *Extractor {
	e, err := New(DefaultRules()...)
	if err != nil {
		panic("extract: default rules: " + err.Error())
	}
	return e
}

// Rules lists the registered rules in registration order.
func (e *Extractor) Rules() []Rule {
	out := make([]Rule, 0, len(e.order))
	for _, key := range e.order {
		out = append(out, e.rules[key])
	}
	return out
}

// Extract visits every instruction of rec once, in order. Failed records
// and instructions without a rule produce nothing; a projection that
// rejects its input or panics is skipped without affecting its siblings.
func (e *Extractor) Extract(rec *ledger.ParsedRecord) []ledger.SubEvent {
	if rec == nil || !rec.Succeeded {
		return nil
	}

	var out []ledger.SubEvent
	for _, ins := range rec.Instructions {
		rule, ok := e.rules[ruleKey{program: ins.Program, kind: ins.Kind}]
		if !ok {
			continue
		}
		ev, ok := apply(rule, ins, rec)
		if !ok {
			metrics.ExtractorSkipped.Inc()
			continue
		}
		out = append(out, ev)
	}
	return out
}

func apply(rule Rule, ins ledger.Instruction, rec *ledger.ParsedRecord) (ev ledger.SubEvent, ok bool) {
	defer func() {
		if recover() != nil {
			ev, ok = ledger.SubEvent{}, false
		}
	}()

	ev, ok = rule.Project(ins, rec)
	if !ok || ev.Amount.IsNegative() || ev.AmountOut.IsNegative() {
		return ledger.SubEvent{}, false
	}
	if ev.Kind == "" {
		ev.Kind = rule.Kind
	}
	ev.Program = ins.Program
	ev.ID = rec.ID
	ev.Index = ins.Index
	ev.ObservedAt = rec.ObservedAt
	return ev, true
}
