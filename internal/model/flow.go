package model

import (
	"encoding/json"
	"time"
)

// Flow is the unit of configuration identity: a named grouping of inputs
// and outputs under shared AI settings. Inputs and outputs are meaningless
// without an existing, active flow.
type Flow struct {
	ID               int64
	Name             string
	AIEnabled        bool
	SummaryPrompt    *string
	TaskPrompt       *string
	AvailableDomains []string
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FlowInput binds one source (type + routing metadata) to a flow.
// Multiple inputs may feed one flow.
type FlowInput struct {
	ID         int64
	FlowID     int64
	SourceType string
	TeamID     string
	Config     json.RawMessage
	CreatedAt  time.Time
}

// FlowOutput binds one destination to a flow. DomainFilter is the set of
// domain labels this output accepts; IsDefault marks it as the catch-all.
// At most one output per flow should be the default; the router copes
// deterministically when that invariant is violated.
type FlowOutput struct {
	ID           int64
	FlowID       int64
	OutputType   string
	DomainFilter []string
	IsDefault    bool
	Config       json.RawMessage
	CreatedAt    time.Time
}

// AcceptsDomain reports whether the output's domain filter contains d.
func (o *FlowOutput) AcceptsDomain(d string) bool {
	for _, f := range o.DomainFilter {
		if f == d {
			return true
		}
	}
	return false
}
