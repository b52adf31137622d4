package core

import "rostercore/pkg/domain"

// RulesEngine re-exports the domain engine for callers wiring the service.
type RulesEngine = domain.RulesEngine

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds an engine carrying the built-in policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(StatusTransitionRule())
	engine.Register(GroupTreeRule())
	return engine
}
