package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/calderalabs/actionexec/catalog"
	"github.com/calderalabs/actionexec/core"
	"github.com/calderalabs/actionexec/dedup"
	"github.com/calderalabs/actionexec/httpexec"
	"github.com/calderalabs/actionexec/oauth"
	"github.com/calderalabs/actionexec/resolve"
	"github.com/calderalabs/actionexec/schema"
	"github.com/calderalabs/actionexec/storage"
)

// OutputCollection is the storage collection action outputs are saved under.
const OutputCollection = "action-outputs"

// Event names emitted on terminal states, at most once per execution.
const (
	EventCompleted = "action.execution.completed"
	EventFailed    = "action.execution.failed"
)

// Config wires the executor's collaborators. Registry and Client are
// required; everything else has a working default.
type Config struct {
	Registry *Registry
	Client   *httpexec.Client

	Validator *schema.Validator
	Resolver  *resolve.Resolver
	OAuth     *oauth.Manager
	Dedup     *dedup.Cache
	Storage   storage.Provider
	Catalog   catalog.ApiCatalog
	Events    core.EventSink
	Logger    core.Logger
	Clock     core.Clock

	// DefaultRetryPolicy applies to actions without their own policy.
	DefaultRetryPolicy *httpexec.Policy
}

// Executor runs planned actions through the phase pipeline.
type Executor struct {
	registry  *Registry
	client    *httpexec.Client
	validator *schema.Validator
	resolver  *resolve.Resolver
	oauth     *oauth.Manager
	dedup     *dedup.Cache
	storage   storage.Provider
	catalog   catalog.ApiCatalog
	events    core.EventSink
	logger    core.Logger
	clock     core.Clock

	// ephemeral receives outputs whose real save failed.
	ephemeral *storage.MemoryProvider

	defaultPolicy *httpexec.Policy
}

// New creates an executor.
func New(cfg *Config) (*Executor, error) {
	if cfg == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required: %w", core.ErrMissingConfiguration)
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("http client is required: %w", core.ErrMissingConfiguration)
	}

	e := &Executor{
		registry:      cfg.Registry,
		client:        cfg.Client,
		validator:     cfg.Validator,
		resolver:      cfg.Resolver,
		oauth:         cfg.OAuth,
		dedup:         cfg.Dedup,
		storage:       cfg.Storage,
		catalog:       cfg.Catalog,
		events:        cfg.Events,
		logger:        cfg.Logger,
		clock:         cfg.Clock,
		ephemeral:     storage.NewMemoryProvider(),
		defaultPolicy: cfg.DefaultRetryPolicy,
	}
	if e.logger == nil {
		e.logger = &core.NoOpLogger{}
	}
	if e.validator == nil {
		e.validator = schema.NewValidator(e.logger)
	}
	if e.resolver == nil {
		e.resolver = resolve.NewResolver(e.logger)
	}
	if e.oauth == nil {
		e.oauth = oauth.NewManager(&oauth.ManagerConfig{Logger: e.logger})
	}
	if e.dedup == nil {
		e.dedup = dedup.NewCache(&dedup.CacheConfig{Logger: e.logger})
	}
	if e.storage == nil {
		e.storage = storage.NewMemoryProvider()
	}
	if e.catalog == nil {
		e.catalog = catalog.Empty()
	}
	if e.events == nil {
		e.events = &core.NoOpEventSink{}
	}
	if e.clock == nil {
		e.clock = core.SystemClock{}
	}
	if e.defaultPolicy == nil {
		e.defaultPolicy = httpexec.DefaultPolicy()
	}
	return e, nil
}

// Execute runs one planned action. Identical concurrent executions coalesce:
// the leader runs the pipeline and followers receive its result. The returned
// state is terminal (completed or failed); the error mirrors Result.Error for
// failed states.
func (e *Executor) Execute(ctx context.Context, planned *PlannedAction, execCtx *ExecutionContext) (*ActionExecutionState, error) {
	if planned == nil {
		return nil, core.ValidationError("planned action is nil")
	}
	if execCtx == nil {
		execCtx = &ExecutionContext{}
	}

	key, keyErr := dedup.GenerateKey(planned.ActionDefinitionID, planned.Inputs, planned.Dependencies)
	if keyErr != nil {
		return nil, core.ValidationError(keyErr.Error())
	}

	check, checkErr := e.dedup.Check(ctx, key)
	if checkErr != nil {
		// A broken dedup store degrades to uncoordinated execution.
		e.logger.Warn("Dedup check failed, executing without coalescing", map[string]interface{}{
			"operation": "execute",
			"action_id": planned.ID,
			"error":     checkErr.Error(),
		})
		return e.finalize(ctx, e.runPipeline(ctx, planned, execCtx), planned, "")
	}

	switch check.Outcome {
	case dedup.DuplicateCompleted:
		if state, ok := decodeState(check.Result); ok {
			state.Deduplicated = true
			return state, nil
		}
		// Corrupt cached state: fall through to a fresh execution.

	case dedup.DuplicatePending:
		return e.follow(ctx, planned, execCtx, key)

	case dedup.Proceed:
		claimed, err := e.dedup.MarkStarted(ctx, key)
		if err == nil && !claimed {
			// Lost the race between Check and MarkStarted.
			return e.follow(ctx, planned, execCtx, key)
		}
		if err != nil {
			e.logger.Warn("Dedup claim failed, executing without coalescing", map[string]interface{}{
				"operation": "execute",
				"action_id": planned.ID,
				"error":     err.Error(),
			})
			key = ""
		}
	}

	return e.finalize(ctx, e.runPipeline(ctx, planned, execCtx), planned, key)
}

// follow waits for the leader's result. A nil result (leader failed or the
// wait timed out) falls back to a fresh, uncoordinated execution.
func (e *Executor) follow(ctx context.Context, planned *PlannedAction, execCtx *ExecutionContext, key string) (*ActionExecutionState, error) {
	result, err := e.dedup.WaitForResult(ctx, key)
	if err != nil {
		return nil, core.EnsureErrorDetail(err)
	}
	if result != nil {
		if state, ok := decodeState(result); ok {
			state.Deduplicated = true
			return state, nil
		}
	}

	e.logger.Warn("Duplicate execution yielded no result, re-executing", map[string]interface{}{
		"operation": "execute",
		"action_id": planned.ID,
		"dedup_key": key,
	})
	return e.finalize(ctx, e.runPipeline(ctx, planned, execCtx), planned, "")
}

// finalize records the terminal state in the dedup cache (when key is set)
// and emits the completion or failure event at most once. A failed state is
// returned without an error when the planned action opts into ContinueOnError.
func (e *Executor) finalize(ctx context.Context, state *ActionExecutionState, planned *PlannedAction, key string) (*ActionExecutionState, error) {
	if key != "" {
		if state.Status == StatusCompleted {
			if encoded, err := json.Marshal(state); err == nil {
				if err := e.dedup.MarkCompleted(ctx, key, encoded); err != nil {
					e.logger.Warn("Failed to record completed execution in dedup cache",
						map[string]interface{}{"operation": "execute", "error": err.Error()})
				}
			}
		} else {
			if err := e.dedup.MarkFailed(ctx, key); err != nil {
				e.logger.Warn("Failed to record failed execution in dedup cache",
					map[string]interface{}{"operation": "execute", "error": err.Error()})
			}
		}
	}

	eventName := EventCompleted
	if state.Status != StatusCompleted {
		eventName = EventFailed
	}
	if err := e.events.Send(ctx, eventName, state); err != nil {
		e.logger.Warn("Event emission failed", map[string]interface{}{
			"operation": "execute",
			"event":     eventName,
			"error":     err.Error(),
		})
	}

	if state.Status == StatusCompleted {
		return state, nil
	}
	if planned.ErrorHandling != nil && planned.ErrorHandling.ContinueOnError {
		return state, nil
	}
	return state, state.Result.Error
}

// runPipeline executes phases P1 through P8 and returns a terminal state.
func (e *Executor) runPipeline(ctx context.Context, planned *PlannedAction, execCtx *ExecutionContext) *ActionExecutionState {
	executionID := execCtx.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	state := &ActionExecutionState{
		ExecutionID: executionID,
		ActionID:    planned.ID,
		Status:      StatusRunning,
		StartedAt:   e.clock.Now(),
	}

	// P1: resolve the action definition.
	def, err := e.registry.Get(planned.ActionDefinitionID)
	if err != nil {
		return e.fail(state, core.ValidationError(err.Error()), nil)
	}

	// P2: resolve input references against previous results.
	resolved, resolveErr := e.resolver.ResolveInputs(resolve.Action{
		ID:           planned.ID,
		Inputs:       planned.Inputs,
		Dependencies: planned.Dependencies,
	}, execCtx.PreviousResults)
	if resolveErr != nil {
		return e.fail(state, core.EnsureErrorDetail(resolveErr), nil)
	}

	// P3: validate inputs.
	if def.InputSchema != nil {
		if vErr := e.validate(def.InputSchema, resolved, "input"); vErr != nil {
			return e.fail(state, vErr, nil)
		}
	}

	// P4: prepare the request.
	req, prepErr := e.prepareRequest(ctx, def, resolved, execCtx)
	if prepErr != nil {
		return e.fail(state, prepErr, nil)
	}

	// P5: execute with retries under the circuit breaker.
	policy := def.RetryPolicy
	if policy == nil {
		policy = e.defaultPolicy
	}
	outcome, execErr := e.client.Do(ctx, req, policy)
	state.Attempts = outcome.Attempts
	state.HTTPTrace = outcome.Trace
	if execErr != nil {
		return e.fail(state, execErr, outcome.Response)
	}

	// P6: process the response by content type.
	var catEntry *catalog.Entry
	if host, hostErr := httpexec.Host(req.URL); hostErr == nil {
		catEntry = e.catalog.GetEntry(host)
	}
	output, parseErr := parseResponse(outcome.Response, catEntry)
	if parseErr != nil {
		return e.fail(state, parseErr, outcome.Response)
	}

	// P7: validate output.
	if def.OutputSchema != nil {
		if vErr := e.validate(def.OutputSchema, output, "output"); vErr != nil {
			return e.fail(state, vErr, outcome.Response)
		}
	}

	// P8: persist. Storage failure never invalidates the successful call.
	location := e.persist(ctx, planned, executionID, output)

	now := e.clock.Now()
	state.Status = StatusCompleted
	state.CompletedAt = now
	state.Duration = now.Sub(state.StartedAt)
	state.Result = &Result{Output: output, OutputLocation: location}
	return state
}

func (e *Executor) prepareRequest(ctx context.Context, def *ActionDefinition, resolved map[string]interface{}, execCtx *ExecutionContext) (*httpexec.Request, *core.ErrorDetail) {
	reqURL, urlErr := buildURL(def.Endpoint.URLTemplate, resolved)
	if urlErr != nil {
		return nil, urlErr
	}
	body, bodyErr := buildBody(def.Endpoint.Method, resolved)
	if bodyErr != nil {
		return nil, bodyErr
	}

	headers := make(map[string]string, len(def.Endpoint.Headers)+2)
	for name, value := range def.Endpoint.Headers {
		headers[name] = value
	}
	if len(body) > 0 && headers["Content-Type"] == "" {
		headers["Content-Type"] = "application/json"
	}

	authHeader, authValue, authErr := e.applyAuthentication(ctx, def.Authentication, execCtx)
	if authErr != nil {
		return nil, authErr
	}
	if authHeader != "" {
		headers[authHeader] = authValue
	}

	return &httpexec.Request{
		Method:  def.Endpoint.Method,
		URL:     reqURL,
		Headers: headers,
		Body:    body,
		Timeout: def.Endpoint.Timeout,
	}, nil
}

// validate runs the schema validator and folds both dialect errors and
// validation failures into a validation_failed detail.
func (e *Executor) validate(rawSchema map[string]interface{}, value interface{}, kind string) *core.ErrorDetail {
	result, err := e.validator.Validate(rawSchema, value)
	if err != nil {
		d := core.ValidationError(fmt.Sprintf("%s schema is not valid: %v", kind, err))
		return d
	}
	if !result.Valid {
		d := core.ValidationError(fmt.Sprintf("%s validation failed", kind))
		fields := make([]map[string]string, 0, len(result.Errors))
		for _, fe := range result.Errors {
			fields = append(fields, map[string]string{"path": fe.Path, "message": fe.Message})
		}
		d.Context["validationErrors"] = fields
		return d
	}
	return nil
}

// persist saves the output and returns its location. When the provider fails
// the output is parked in the ephemeral store and the execution still counts
// as completed.
func (e *Executor) persist(ctx context.Context, planned *PlannedAction, executionID string, output interface{}) *OutputLocation {
	data, err := json.Marshal(output)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", output))
	}
	objectID := fmt.Sprintf("%s-%s", planned.ID, executionID)

	info, saveErr := e.storage.Save(ctx, OutputCollection, objectID, data)
	if saveErr == nil {
		return &OutputLocation{
			Provider: e.storage.Name(),
			Path:     info.Path,
			Size:     info.Size,
			Checksum: info.Checksum,
		}
	}

	classified := storage.ClassifyError(saveErr)
	e.logger.Warn("Output storage failed, falling back to ephemeral location", map[string]interface{}{
		"operation": "persist_output",
		"action_id": planned.ID,
		"object_id": objectID,
		"category":  string(classified.Category),
		"retryable": classified.Retryable,
		"error":     saveErr.Error(),
	})

	// Best effort: keep the output reachable in process memory.
	if _, ephErr := e.ephemeral.Save(context.WithoutCancel(ctx), OutputCollection, objectID, data); ephErr != nil {
		e.logger.Error("Ephemeral fallback save failed", map[string]interface{}{
			"operation": "persist_output",
			"object_id": objectID,
			"error":     ephErr.Error(),
		})
	}

	return &OutputLocation{
		Provider:              "ephemeral",
		Path:                  "memory://transient",
		StorageFailure:        true,
		StorageErrorRetryable: classified.Retryable,
	}
}

// fail finalizes the state as failed, keeping partial output when a response
// body was captured.
func (e *Executor) fail(state *ActionExecutionState, detail *core.ErrorDetail, resp *httpexec.Response) *ActionExecutionState {
	now := e.clock.Now()
	state.Status = StatusFailed
	state.CompletedAt = now
	state.Duration = now.Sub(state.StartedAt)
	state.Result = &Result{Error: detail}
	if partial := bestEffortPartialOutput(resp); partial != nil {
		state.Result.PartialOutput = partial
	}

	e.logger.Error("Action execution failed", map[string]interface{}{
		"operation": "execute",
		"action_id": state.ActionID,
		"category":  string(detail.Category),
		"retryable": detail.Retryable,
		"attempts":  state.Attempts,
		"error":     detail.Message,
	})
	return state
}

func decodeState(raw json.RawMessage) (*ActionExecutionState, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var state ActionExecutionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, false
	}
	return &state, true
}
