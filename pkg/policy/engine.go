package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/plugind/pkg/engine"
)

var (
	limitsPath    = storage.Path{"plugind", "limits"}
	blocklistPath = storage.Path{"plugind", "blocklist"}
)

// Engine evaluates admission policies with OPA. Policies read operator data
// (limits and the plugin blocklist) from an in-memory store that can be
// updated without recompiling.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	loader   *Loader
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.With().Str("component", "policy-engine").Logger()
	}
}

// NewEngine creates a policy engine with the built-in policies, the given
// limits and an initial blocklist.
func NewEngine(ctx context.Context, limits Limits, blocklist []string, opts ...Option) (*Engine, error) {
	limitsDoc, err := toDocument(limits)
	if err != nil {
		return nil, fmt.Errorf("failed to encode limits: %w", err)
	}
	blocked := make(map[string]interface{}, len(blocklist))
	for _, id := range blocklist {
		blocked[id] = true
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store: inmem.NewFromObject(map[string]interface{}{
			"plugind": map[string]interface{}{
				"limits":    limitsDoc,
				"blocklist": blocked,
			},
		}),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.loader = NewLoader(e.logger)

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return e, nil
}

// InputFor builds the admission input for a request. timeout is the
// effective timeout the request will run with.
func InputFor(req *engine.ExecutionRequest, timeout time.Duration, now time.Time) Input {
	paramsBytes := 0
	if len(req.Params) > 0 {
		if data, err := json.Marshal(req.Params); err == nil {
			paramsBytes = len(data)
		}
	}
	secretNames := make([]string, 0, len(req.Secrets))
	for name := range req.Secrets {
		secretNames = append(secretNames, name)
	}
	sort.Strings(secretNames)

	return Input{
		Request: RequestInput{
			PluginID:      req.PluginID,
			PluginVersion: req.PluginVersion,
			Action:        req.ActionName,
			TenantID:      req.TenantID,
			ActorID:       req.ActorID,
			Tier:          string(req.Tier),
			TimeoutMs:     timeout.Milliseconds(),
			ParamsBytes:   paramsBytes,
			SecretNames:   secretNames,
		},
		Context: ContextInput{
			Timestamp: now,
			Operation: "execute",
		},
	}
}

// Admit evaluates input and returns a PolicyDeniedError when any blocking
// violation is found.
func (e *Engine) Admit(ctx context.Context, input Input) error {
	decision, err := e.Evaluate(ctx, input)
	if err != nil {
		return engine.NewInternalError("policy evaluation failed", err)
	}
	if decision.Allowed {
		return nil
	}

	messages := make([]string, 0, len(decision.Violations))
	policies := make([]string, 0, len(decision.Violations))
	for _, v := range decision.Violations {
		messages = append(messages, v.Message)
		policies = append(policies, v.Policy)
	}
	return engine.NewPolicyDeniedError(strings.Join(messages, "; ")).
		WithPlugin(input.Request.PluginID).
		WithDetail("policies", policies)
}

// Evaluate runs every enabled policy against input. A policy that fails to
// evaluate is reported as a warning and does not block.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	startTime := time.Now()

	value, err := ast.InterfaceToValue(input)
	if err != nil {
		return nil, fmt.Errorf("failed to convert input: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &Decision{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, value)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("plugin_id", input.Request.PluginID).
				Msg("Policy evaluation failed")
			decision.Warnings = append(decision.Warnings, Violation{
				Policy:   name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}
	decision.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("plugin_id", input.Request.PluginID).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Dur("duration", decision.Duration).
		Msg("Admission policy evaluation completed")

	return decision, nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input ast.Value) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalParsedInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// createViolation creates a Violation from a deny set element. Elements are
// either plain messages or objects with message, severity and details.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if details, ok := v["details"].(map[string]interface{}); ok {
			violation.Details = details
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	if violation.Message == "" {
		violation.Message = "denied by policy " + policy.Name
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it. The caller holds
// e.mu or has exclusive access.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return nil
}

// LoadPolicies loads policy files and adds them to the engine. Loaded
// policies replace any previously loaded ones; built-ins are kept.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replaceLoaded(ctx, policies)
}

// Watch reloads policies from paths whenever they change, until ctx is
// done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replaceLoaded(ctx, policies)
	})
}

func (e *Engine) replaceLoaded(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	e.policies = make(map[string]*compiledPolicy, len(previous)+len(policies))
	for name, cp := range previous {
		if cp.policy.Builtin {
			e.policies[name] = cp
		}
	}

	for i := range policies {
		if existing, ok := e.policies[policies[i].Name]; ok && existing.policy.Builtin {
			e.policies = previous
			return fmt.Errorf("policy %s conflicts with a built-in policy", policies[i].Name)
		}
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.policies = previous
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// SetLimits replaces the limits document.
func (e *Engine) SetLimits(ctx context.Context, limits Limits) error {
	doc, err := toDocument(limits)
	if err != nil {
		return fmt.Errorf("failed to encode limits: %w", err)
	}
	return storage.WriteOne(ctx, e.store, storage.ReplaceOp, limitsPath, doc)
}

// Block adds pluginID to the blocklist.
func (e *Engine) Block(ctx context.Context, pluginID string) error {
	path := append(append(storage.Path{}, blocklistPath...), pluginID)
	if err := storage.WriteOne(ctx, e.store, storage.AddOp, path, true); err != nil {
		return fmt.Errorf("failed to block plugin %s: %w", pluginID, err)
	}
	e.logger.Info().Str("plugin_id", pluginID).Msg("Plugin blocked")
	return nil
}

// Unblock removes pluginID from the blocklist. Unblocking a plugin that is
// not blocked is a no-op.
func (e *Engine) Unblock(ctx context.Context, pluginID string) error {
	path := append(append(storage.Path{}, blocklistPath...), pluginID)
	err := storage.WriteOne(ctx, e.store, storage.RemoveOp, path, nil)
	if err != nil && !storage.IsNotFound(err) {
		return fmt.Errorf("failed to unblock plugin %s: %w", pluginID, err)
	}
	e.logger.Info().Str("plugin_id", pluginID).Msg("Plugin unblocked")
	return nil
}

// Blocklist returns the blocked plugin IDs in order.
func (e *Engine) Blocklist(ctx context.Context) ([]string, error) {
	value, err := storage.ReadOne(ctx, e.store, blocklistPath)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	doc, _ := value.(map[string]interface{})
	ids := make([]string, 0, len(doc))
	for id := range doc {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// toDocument converts v to the JSON shape the store holds.
func toDocument(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
