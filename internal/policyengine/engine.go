// Package policyengine decides whether a run may execute a given tool
// command: allow, deny, or require a human approval first. It wraps
// internal/tools/policy's group/profile resolver with the third state the
// tool registry's contract calls for.
package policyengine

import (
	"encoding/json"

	"github.com/haasonsaas/conductor/internal/tools/policy"
)

// Decision is the outcome of evaluating one tool command against a run's
// policy.
type Decision struct {
	Allowed          bool
	RequiresApproval bool
	Reason           string
	ApprovalID       string
}

// Request describes one command a run is about to execute, enough to
// decide allow/deny/approve against.
type Request struct {
	TenantID    string
	AgentID     string
	RunID       string
	ToolName    string
	CommandName string
	Args        json.RawMessage
	Policy      *policy.Policy
}

// Engine evaluates tool access for runs. One Engine is shared across all
// tenants; policies and approval state are looked up per call.
type Engine struct {
	resolver  *policy.Resolver
	approvals *ApprovalManager
}

// New builds an Engine over a resolver (allow/deny/group expansion) and an
// approval manager (the third, human-in-the-loop state). Pass nil for
// approvals to disable the approval step entirely — everything the
// resolver allows is then immediately Allowed.
func New(resolver *policy.Resolver, approvals *ApprovalManager) *Engine {
	if resolver == nil {
		resolver = policy.NewResolver()
	}
	return &Engine{resolver: resolver, approvals: approvals}
}

// Resolver returns the underlying policy resolver, for callers (like the
// run engine, which passes it to the tool registry's Execute) that need
// raw allow/deny expansion without going through a full Decide.
func (e *Engine) Resolver() *policy.Resolver {
	return e.resolver
}

// Decide evaluates one command. Deny wins over approval: a tool the
// resolver denies is never eligible for approval regardless of the
// approval policy's patterns.
func (e *Engine) Decide(req Request) Decision {
	toolDecision := e.resolver.Decide(req.Policy, req.ToolName)
	if !toolDecision.Allowed {
		return Decision{Allowed: false, Reason: toolDecision.Reason}
	}

	if e.approvals == nil {
		return Decision{Allowed: true, Reason: toolDecision.Reason}
	}

	pending, needsApproval, err := e.approvals.RequestApproval(req.TenantID, req.AgentID, req.RunID, req.ToolName, req.CommandName, req.Args)
	if err != nil {
		return Decision{Allowed: false, Reason: err.Error()}
	}
	if !needsApproval {
		return Decision{Allowed: true, Reason: "auto-approved"}
	}
	return Decision{Allowed: false, RequiresApproval: true, Reason: "awaiting approval", ApprovalID: pending.ID}
}
