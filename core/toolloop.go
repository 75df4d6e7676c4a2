package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cosmos/core/provider"
	"cosmos/engine/manifest"
	"cosmos/engine/policy"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultToolIterations bounds how many tool-call/result round trips a
// single participant turn may make; when the bound is reached the turn
// emits a recoverable tool_iteration_limit error and closes the
// participant's response with the content gathered so far.
const DefaultToolIterations = 10

// DefaultToolDeadline bounds a single tool execution.
const DefaultToolDeadline = 30 * time.Second

// DefaultPermissionTimeout bounds how long a PermissionRequestEvent waits
// for a user response before resolving to DefaultAllow.
const DefaultPermissionTimeout = 60 * time.Second

// PermissionGate decides whether a tool call may run, and whether it
// needs user confirmation first. It adapts engine/policy's Evaluator to
// the per-participant shape the Tool Loop needs.
type PermissionGate struct {
	Evaluator *policy.Evaluator
	Rules     []manifest.PermissionRule
}

// Decide evaluates one tool call's permission key against the policy.
func (g *PermissionGate) Decide(agentName string, key manifest.PermissionKey) policy.Decision {
	if g.Evaluator == nil {
		return policy.Decision{Effect: policy.EffectAllow}
	}
	return g.Evaluator.Evaluate(agentName, key, g.Rules)
}

// ToolLoop drives the tool-call/execute/result cycle for one participant
// turn: it validates each requested call's arguments against the tool's
// JSON Schema, gates execution behind permission evaluation (prompting
// the user for CAUTIOUS/DANGEROUS calls), executes via ToolExecutor, and
// emits the participant-scoped tool events.
type ToolLoop struct {
	Executor   ToolExecutor
	Gate       *PermissionGate
	Notifier   Notifier
	Audit      *policy.AuditLogger
	Iterations int           // not read by ToolLoop; TurnExecutor.Iterations bounds round trips
	Deadline   time.Duration // 0 = DefaultToolDeadline
	PermTTL    time.Duration // 0 = DefaultPermissionTimeout

	schemas map[string]*jsonschema.Schema
}

// NewToolLoop builds a ToolLoop and precompiles every tool's input schema
// so a malformed manifest fails loudly at startup rather than per-call.
func NewToolLoop(executor ToolExecutor, gate *PermissionGate, notifier Notifier, audit *policy.AuditLogger, tools []provider.ToolDefinition) (*ToolLoop, error) {
	tl := &ToolLoop{
		Executor: executor,
		Gate:     gate,
		Notifier: notifier,
		Audit:    audit,
		schemas:  make(map[string]*jsonschema.Schema, len(tools)),
	}
	for _, t := range tools {
		if t.InputSchema == nil {
			continue
		}
		c := jsonschema.NewCompiler()
		resource := t.Name + ".schema.json"
		if err := c.AddResource(resource, t.InputSchema); err != nil {
			return nil, fmt.Errorf("toolloop: add schema for %s: %w", t.Name, err)
		}
		schema, err := c.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("toolloop: compile schema for %s: %w", t.Name, err)
		}
		tl.schemas[t.Name] = schema
	}
	return tl, nil
}

// Run executes every tool call in calls in order, returning one
// provider.ToolResult per call (always, even on validation, permission,
// or execution failure, so the conversation can continue). participantID
// scopes the emitted events.
func (tl *ToolLoop) Run(ctx context.Context, participantID string, calls []provider.ToolCall) []provider.ToolResult {
	results := make([]provider.ToolResult, 0, len(calls))
	for _, tc := range calls {
		results = append(results, tl.runOne(ctx, participantID, tc))
	}
	return results
}

func (tl *ToolLoop) runOne(ctx context.Context, participantID string, tc provider.ToolCall) provider.ToolResult {
	inputJSON, _ := json.Marshal(tc.Input)
	tl.emit(ParticipantToolCallEvent{
		ParticipantID: participantID,
		ToolCallID:    tc.ID,
		ToolName:      tc.Name,
		Input:         string(inputJSON),
	})

	if schema, ok := tl.schemas[tc.Name]; ok {
		if err := schema.Validate(normalizeForValidation(tc.Input)); err != nil {
			return tl.fail(participantID, tc, fmt.Sprintf("invalid arguments: %v", err), "validation")
		}
	}

	level, allowed := tl.authorize(ctx, participantID, tc)
	if !allowed {
		return tl.fail(participantID, tc, fmt.Sprintf("permission denied (%s)", level), "denied")
	}

	tl.emit(ToolExecutingEvent{ParticipantID: participantID, ToolCallID: tc.ID, ToolName: tc.Name})

	deadline := tl.Deadline
	if deadline == 0 {
		deadline = DefaultToolDeadline
	}
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	output, err := tl.Executor.Execute(execCtx, tc.Name, tc.Input)
	if err != nil {
		return tl.fail(participantID, tc, err.Error(), "error")
	}

	tl.emit(ParticipantToolResultEvent{
		ParticipantID: participantID,
		ToolCallID:    tc.ID,
		ToolName:      tc.Name,
		Result:        output,
	})
	tl.logAudit(participantID, tc, "allowed", output, false)
	return provider.ToolResult{ToolUseID: tc.ID, Content: output}
}

// authorize resolves a tool call's permission key, evaluates it, and for
// CAUTIOUS/DANGEROUS effects blocks on a PermissionRequestEvent until the
// user responds or PermTTL elapses (resolving to the decision's default).
func (tl *ToolLoop) authorize(ctx context.Context, participantID string, tc provider.ToolCall) (policy.Level, bool) {
	if tl.Gate == nil {
		return policy.Safe, true
	}

	key, err := manifest.ParsePermissionKey(permissionKeyFor(tc))
	if err != nil {
		return policy.Blocked, false
	}

	decision := tl.Gate.Decide(participantID, key)
	level := policy.LevelFromEffect(decision.Effect)
	if !level.Allowed() {
		return level, false
	}
	if !level.RequiresPrompt() {
		return level, true
	}

	ttl := tl.PermTTL
	if ttl == 0 {
		ttl = DefaultPermissionTimeout
	}

	respCh := make(chan PermissionResponse, 1)
	defaultAllow := level == policy.Cautious
	tl.emit(PermissionRequestEvent{
		ToolCallID:   tc.ID,
		ToolName:     tc.Name,
		AgentName:    participantID,
		Permission:   key.Raw,
		Description:  fmt.Sprintf("%s requests %s", participantID, key.Raw),
		Timeout:      ttl,
		DefaultAllow: defaultAllow,
		ResponseChan: respCh,
	})

	timer := time.NewTimer(ttl)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		if resp.Remember && tl.Gate.Evaluator != nil {
			ruleKey := key.Raw
			if decision.MatchedRule != nil {
				ruleKey = decision.MatchedRule.Key.Raw
			}
			_ = tl.Gate.Evaluator.RecordOnceDecision(participantID, ruleKey, resp.Allowed)
		}
		return level, resp.Allowed
	case <-timer.C:
		tl.emit(PermissionTimeoutEvent{ToolCallID: tc.ID, Allowed: defaultAllow})
		return level, defaultAllow
	case <-ctx.Done():
		return level, false
	}
}

func (tl *ToolLoop) fail(participantID string, tc provider.ToolCall, message, auditDecision string) provider.ToolResult {
	tl.emit(ParticipantToolResultEvent{
		ParticipantID: participantID,
		ToolCallID:    tc.ID,
		ToolName:      tc.Name,
		Result:        message,
		IsError:       true,
	})
	tl.logAudit(participantID, tc, auditDecision, message, true)
	return provider.ToolResult{ToolUseID: tc.ID, Content: message, IsError: true}
}

func (tl *ToolLoop) logAudit(participantID string, tc provider.ToolCall, decision, output string, isError bool) {
	if tl.Audit == nil {
		return
	}
	entry := policy.AuditEntry{
		Agent:      participantID,
		Tool:       tc.Name,
		Permission: permissionKeyFor(tc),
		Decision:   decision,
		Source:     "manifest",
		Arguments:  tc.Input,
		ToolCallID: tc.ID,
	}
	if isError {
		entry.Error = output
	}
	_ = tl.Audit.Log(entry)
}

func (tl *ToolLoop) emit(event any) {
	if tl.Notifier != nil {
		tl.Notifier.Send(event)
	}
}

// permissionKeyFor derives a manifest permission key from a tool call:
// "tool:call:<tool name>", with the tool name as the key's target, so
// every call maps to a well-formed key regardless of its arguments.
func permissionKeyFor(tc provider.ToolCall) string {
	return fmt.Sprintf("tool:call:%s", tc.Name)
}

// normalizeForValidation round-trips a map through JSON so jsonschema
// sees the same numeric/type representation it would from a wire payload.
func normalizeForValidation(input map[string]any) any {
	raw, err := json.Marshal(input)
	if err != nil {
		return input
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return input
	}
	return v
}
