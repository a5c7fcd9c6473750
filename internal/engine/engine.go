// Package engine implements the trade action engine: the declarative bridge
// from an expert's recommendation to concrete trade actions. Event-actions of
// the bound ruleset are evaluated in order; the first full trigger match
// contributes its actions, and evaluation continues only when that
// event-action says so.
package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/modules/analysis"
	"github.com/akrivos/helmsman/internal/modules/rules"
)

// Context is everything a ruleset evaluation may look at.
type Context struct {
	Recommendation analysis.Recommendation

	// Position context for this expert on this symbol.
	HasPosition      bool
	PositionOpenedAt *time.Time
	ProfitLossPct    *float64

	// HasPositionAccountWide covers any expert's position on the symbol.
	HasPositionAccountWide bool
}

// Result is one entry of an evaluation's output: either the actions of a
// matched event-action, or an evaluation error.
type Result struct {
	EventActionID int64          `json:"event_action_id,omitempty"`
	Actions       []rules.Action `json:"actions,omitempty"`
	Err           string         `json:"error,omitempty"`
}

// Engine evaluates rulesets. It never returns an error: every failure is
// materialised as a Result entry so callers handle one shape.
type Engine struct {
	rules *rules.Repository
	log   zerolog.Logger
}

// New creates an engine over the rules repository.
func New(rulesRepo *rules.Repository, log zerolog.Logger) *Engine {
	return &Engine{
		rules: rulesRepo,
		log:   log.With().Str("component", "trade_engine").Logger(),
	}
}

// Evaluate runs a ruleset against the context. An empty ruleset yields an
// empty result list; a missing ruleset yields one error entry.
func (e *Engine) Evaluate(rulesetID int64, ctx *Context) []Result {
	eventActions, err := e.rules.OrderedEventActions(rulesetID)
	if err != nil {
		return []Result{{Err: fmt.Sprintf("failed to load ruleset %d: %v", rulesetID, err)}}
	}
	if len(eventActions) == 0 {
		if _, err := e.rules.GetRuleset(rulesetID); err != nil {
			return []Result{{Err: fmt.Sprintf("ruleset %d not found", rulesetID)}}
		}
		return nil
	}

	var results []Result
	for _, ea := range eventActions {
		matched, err := e.matches(ea, ctx)
		if err != nil {
			results = append(results, Result{
				EventActionID: ea.ID,
				Err:           fmt.Sprintf("event action %d: %v", ea.ID, err),
			})
			continue
		}
		if !matched {
			continue
		}

		e.log.Debug().
			Int64("event_action_id", ea.ID).
			Str("symbol", ctx.Recommendation.Symbol).
			Int("actions", len(ea.Actions)).
			Msg("Event action matched")
		results = append(results, Result{EventActionID: ea.ID, Actions: ea.Actions})

		if !ea.ContinueProcessing {
			break
		}
	}
	return results
}

// matches evaluates an event-action's trigger set as a logical AND.
func (e *Engine) matches(ea rules.EventAction, ctx *Context) (bool, error) {
	if len(ea.Triggers) == 0 {
		return false, nil
	}
	for _, cond := range ea.Triggers {
		ok, err := evalCondition(cond, ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
