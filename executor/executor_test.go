package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderalabs/actionexec/core"
	"github.com/calderalabs/actionexec/httpexec"
	"github.com/calderalabs/actionexec/storage"
)

// countingProvider wraps the memory provider and counts saves.
type countingProvider struct {
	*storage.MemoryProvider
	saves int32
}

func (p *countingProvider) Save(ctx context.Context, collection, id string, data []byte) (*storage.ObjectInfo, error) {
	atomic.AddInt32(&p.saves, 1)
	return p.MemoryProvider.Save(ctx, collection, id, data)
}

// failingProvider always fails saves with the given error.
type failingProvider struct {
	err error
}

func (p *failingProvider) Name() string { return "failing" }
func (p *failingProvider) Save(ctx context.Context, collection, id string, data []byte) (*storage.ObjectInfo, error) {
	return nil, p.err
}
func (p *failingProvider) Load(ctx context.Context, collection, id string) (*storage.Object, error) {
	return nil, storage.ErrObjectNotFound
}

type testEnv struct {
	executor *Executor
	registry *Registry
	provider *countingProvider
	events   *core.MemoryEventSink
}

func newTestEnv(t *testing.T, opts func(*Config)) *testEnv {
	t.Helper()

	registry := NewRegistry()
	client, err := httpexec.NewClient(&httpexec.ClientConfig{Engine: httpexec.NewEngine(nil)})
	require.NoError(t, err)

	provider := &countingProvider{MemoryProvider: storage.NewMemoryProvider()}
	events := &core.MemoryEventSink{}
	cfg := &Config{
		Registry: registry,
		Client:   client,
		Storage:  provider,
		Events:   events,
	}
	if opts != nil {
		opts(cfg)
	}

	exec, err := New(cfg)
	require.NoError(t, err)
	return &testEnv{executor: exec, registry: registry, provider: provider, events: events}
}

func fastPolicy(maxAttempts int) *httpexec.Policy {
	p := httpexec.DefaultPolicy()
	p.MaxAttempts = maxAttempts
	p.InitialDelay = time.Millisecond
	p.Jitter = false
	return p
}

func TestRegistryRejectsDuplicatesAndMutation(t *testing.T) {
	registry := NewRegistry()
	def := &ActionDefinition{
		ID:       "get-user",
		Endpoint: Endpoint{URLTemplate: "https://api.example.com/users/{id}", Method: "GET"},
	}
	require.NoError(t, registry.Register(def))

	err := registry.Register(def)
	assert.ErrorIs(t, err, core.ErrAlreadyRegistered)

	registry.Freeze()
	err = registry.Register(&ActionDefinition{
		ID:       "other",
		Endpoint: Endpoint{URLTemplate: "https://api.example.com/x", Method: "GET"},
	})
	assert.ErrorIs(t, err, core.ErrAlreadyRegistered)

	// A mutated copy of the returned definition does not affect the registry.
	got, err := registry.Get("get-user")
	require.NoError(t, err)
	got.Endpoint.Method = "DELETE"
	again, err := registry.Get("get-user")
	require.NoError(t, err)
	assert.Equal(t, "GET", again.Endpoint.Method)
}

func TestExecuteResolvesReferencesAndStoresOutput(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		assert.Equal(t, "/users/123", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"123","name":"John"}`))
	}))
	defer server.Close()

	env := newTestEnv(t, nil)
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:       "get-user",
		Endpoint: Endpoint{URLTemplate: server.URL + "/users/{userId}", Method: "GET"},
	}))

	planned := &PlannedAction{
		ID:                 "a2",
		ActionDefinitionID: "get-user",
		Inputs:             map[string]interface{}{"userId": "${a1.output.id}"},
		Dependencies:       []string{"a1"},
	}
	execCtx := &ExecutionContext{
		ExecutionID:     "exec-1",
		PreviousResults: map[string]string{"a1": `{"output":{"id":"123","name":"John"}}`},
	}

	state, err := env.executor.Execute(context.Background(), planned, execCtx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, 1, state.Attempts)
	assert.Len(t, state.HTTPTrace, state.Attempts)

	output, ok := state.Result.Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "123", output["id"])

	require.NotNil(t, state.Result.OutputLocation)
	assert.Equal(t, "memory", state.Result.OutputLocation.Provider)
	assert.Contains(t, state.Result.OutputLocation.Path, "a2-exec-1")

	events := env.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventCompleted, events[0].Name)
}

func TestExecuteInputValidationFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:       "create-user",
		Endpoint: Endpoint{URLTemplate: "https://api.example.com/users", Method: "POST"},
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"email"},
			"properties": map[string]interface{}{
				"email": map[string]interface{}{"type": "string", "format": "email"},
			},
		},
	}))

	planned := &PlannedAction{
		ID:                 "a1",
		ActionDefinitionID: "create-user",
		Inputs:             map[string]interface{}{"name": "John"},
	}

	state, err := env.executor.Execute(context.Background(), planned, &ExecutionContext{})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, core.CategoryValidationFailed, state.Result.Error.Category)
	// No HTTP call happens before validation passes.
	assert.Zero(t, state.Attempts)

	events := env.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Name)
}

func TestExecuteUnknownDefinition(t *testing.T) {
	env := newTestEnv(t, nil)
	planned := &PlannedAction{ID: "a1", ActionDefinitionID: "missing"}

	state, err := env.executor.Execute(context.Background(), planned, &ExecutionContext{})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, core.CategoryValidationFailed, state.Result.Error.Category)
}

func TestExecuteAppliesBearerAuth(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	env := newTestEnv(t, nil)
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:       "secure",
		Endpoint: Endpoint{URLTemplate: server.URL + "/secure", Method: "GET"},
		Authentication: &Authentication{
			Type:           AuthBearer,
			CredentialName: "api-token",
		},
	}))

	planned := &PlannedAction{ID: "a1", ActionDefinitionID: "secure"}
	execCtx := &ExecutionContext{Credentials: map[string]string{"api-token": "tok-123"}}

	state, err := env.executor.Execute(context.Background(), planned, execCtx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, "Bearer tok-123", gotAuth)

	// The credential never appears in the sanitized trace.
	require.Len(t, state.HTTPTrace, 1)
	assert.NotContains(t, state.HTTPTrace[0].Request.Headers["Authorization"], "tok-123")
}

func TestExecuteMissingCredentialFailsAuthInvalid(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:       "secure",
		Endpoint: Endpoint{URLTemplate: "https://api.example.com/secure", Method: "GET"},
		Authentication: &Authentication{
			Type:           AuthBearer,
			CredentialName: "api-token",
		},
	}))

	planned := &PlannedAction{ID: "a1", ActionDefinitionID: "secure"}
	state, err := env.executor.Execute(context.Background(), planned, &ExecutionContext{})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, core.CategoryAuthInvalid, state.Result.Error.Category)
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	env := newTestEnv(t, nil)
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:          "flaky",
		Endpoint:    Endpoint{URLTemplate: server.URL + "/flaky", Method: "GET"},
		RetryPolicy: fastPolicy(3),
	}))

	planned := &PlannedAction{ID: "a1", ActionDefinitionID: "flaky"}
	state, err := env.executor.Execute(context.Background(), planned, &ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, 2, state.Attempts)
	assert.Len(t, state.HTTPTrace, 2)
}

func TestExecuteKeepsPartialOutputOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"missing field","field":"email"}`))
	}))
	defer server.Close()

	env := newTestEnv(t, nil)
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:          "strict",
		Endpoint:    Endpoint{URLTemplate: server.URL + "/strict", Method: "GET"},
		RetryPolicy: fastPolicy(1),
	}))

	planned := &PlannedAction{ID: "a1", ActionDefinitionID: "strict"}
	state, err := env.executor.Execute(context.Background(), planned, &ExecutionContext{})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, core.CategoryValidationFailed, state.Result.Error.Category)

	partial, ok := state.Result.PartialOutput.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "missing field", partial["error"])
}

func TestExecuteOutputSchemaFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":42}`))
	}))
	defer server.Close()

	env := newTestEnv(t, nil)
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:       "typed",
		Endpoint: Endpoint{URLTemplate: server.URL + "/typed", Method: "GET"},
		OutputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"id": map[string]interface{}{"type": "string"},
			},
		},
	}))

	planned := &PlannedAction{ID: "a1", ActionDefinitionID: "typed"}
	state, err := env.executor.Execute(context.Background(), planned, &ExecutionContext{})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, core.CategoryValidationFailed, state.Result.Error.Category)
}

func TestEphemeralFallbackKeepsExecutionCompleted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	env := newTestEnv(t, func(cfg *Config) {
		cfg.Storage = &failingProvider{err: fmt.Errorf("connection refused by storage backend")}
	})
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:       "stored",
		Endpoint: Endpoint{URLTemplate: server.URL + "/stored", Method: "GET"},
	}))

	planned := &PlannedAction{ID: "a1", ActionDefinitionID: "stored"}
	state, err := env.executor.Execute(context.Background(), planned, &ExecutionContext{})
	require.NoError(t, err, "storage failure must not invalidate a successful call")
	assert.Equal(t, StatusCompleted, state.Status)

	loc := state.Result.OutputLocation
	require.NotNil(t, loc)
	assert.Equal(t, "ephemeral", loc.Provider)
	assert.Equal(t, "memory://transient", loc.Path)
	assert.True(t, loc.StorageFailure)
	assert.True(t, loc.StorageErrorRetryable)

	events := env.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventCompleted, events[0].Name)
}

func TestEphemeralFallbackNonRetryableStorageError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	env := newTestEnv(t, func(cfg *Config) {
		cfg.Storage = &failingProvider{err: fmt.Errorf("access denied for collection")}
	})
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:       "stored",
		Endpoint: Endpoint{URLTemplate: server.URL + "/stored", Method: "GET"},
	}))

	planned := &PlannedAction{ID: "a1", ActionDefinitionID: "stored"}
	state, err := env.executor.Execute(context.Background(), planned, &ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.True(t, state.Result.OutputLocation.StorageFailure)
	assert.False(t, state.Result.OutputLocation.StorageErrorRetryable)
}

func TestDeduplicationCoalescesConcurrentExecutions(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"123"}`))
	}))
	defer server.Close()

	env := newTestEnv(t, nil)
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:       "get-user",
		Endpoint: Endpoint{URLTemplate: server.URL + "/users/123", Method: "GET"},
	}))

	planned := &PlannedAction{
		ID:                 "a1",
		ActionDefinitionID: "get-user",
		Inputs:             map[string]interface{}{"userId": "123"},
	}

	var wg sync.WaitGroup
	states := make([]*ActionExecutionState, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			states[n], errs[n] = env.executor.Execute(context.Background(), planned,
				&ExecutionContext{ExecutionID: fmt.Sprintf("exec-%d", n)})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests), "exactly one HTTP request")
	assert.Equal(t, int32(1), atomic.LoadInt32(&env.provider.saves), "exactly one storage save")

	for i, state := range states {
		require.NotNil(t, state, "caller %d", i)
		output, ok := state.Result.Output.(map[string]interface{})
		require.True(t, ok, "caller %d", i)
		assert.Equal(t, "123", output["id"], "caller %d", i)
	}
}

func TestCompletedResultServedFromCache(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"123"}`))
	}))
	defer server.Close()

	env := newTestEnv(t, nil)
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:       "get-user",
		Endpoint: Endpoint{URLTemplate: server.URL + "/users/123", Method: "GET"},
	}))

	planned := &PlannedAction{ID: "a1", ActionDefinitionID: "get-user"}

	first, err := env.executor.Execute(context.Background(), planned, &ExecutionContext{})
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)

	second, err := env.executor.Execute(context.Background(), planned, &ExecutionContext{})
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests), "cached result makes no new HTTP request")
}

func TestTextResponseProcessedAsString(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("plain result"))
	}))
	defer server.Close()

	env := newTestEnv(t, nil)
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:       "text",
		Endpoint: Endpoint{URLTemplate: server.URL + "/text", Method: "GET"},
	}))

	state, err := env.executor.Execute(context.Background(),
		&PlannedAction{ID: "a1", ActionDefinitionID: "text"}, &ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, "plain result", state.Result.Output)
}

func TestBinaryResponseWrappedAsBase64(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte{0x01, 0x02, 0x03})
	}))
	defer server.Close()

	env := newTestEnv(t, nil)
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:       "binary",
		Endpoint: Endpoint{URLTemplate: server.URL + "/bin", Method: "GET"},
	}))

	state, err := env.executor.Execute(context.Background(),
		&PlannedAction{ID: "a1", ActionDefinitionID: "binary"}, &ExecutionContext{})
	require.NoError(t, err)

	wrapped, ok := state.Result.Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "application/octet-stream", wrapped["contentType"])
	assert.Equal(t, "base64", wrapped["encoding"])
	assert.Equal(t, "AQID", wrapped["data"])
}

func TestMalformedJSONResponseFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": truncated`))
	}))
	defer server.Close()

	env := newTestEnv(t, nil)
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:       "broken",
		Endpoint: Endpoint{URLTemplate: server.URL + "/broken", Method: "GET"},
	}))

	state, err := env.executor.Execute(context.Background(),
		&PlannedAction{ID: "a1", ActionDefinitionID: "broken"}, &ExecutionContext{})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, core.CategoryAPIResponseMalformed, state.Result.Error.Category)
}

func TestPostBodyIsJSONOfResolvedInputs(t *testing.T) {
	var gotBody string
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	env := newTestEnv(t, nil)
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:       "create",
		Endpoint: Endpoint{URLTemplate: server.URL + "/create", Method: "POST"},
	}))

	planned := &PlannedAction{
		ID:                 "a1",
		ActionDefinitionID: "create",
		Inputs:             map[string]interface{}{"name": "John"},
	}
	_, err := env.executor.Execute(context.Background(), planned, &ExecutionContext{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"John"}`, gotBody)
	assert.Equal(t, "application/json", gotContentType)
}

func TestContinueOnErrorReturnsFailedStateWithoutError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	env := newTestEnv(t, nil)
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:          "tolerated",
		Endpoint:    Endpoint{URLTemplate: server.URL + "/tolerated", Method: "GET"},
		RetryPolicy: fastPolicy(1),
	}))

	planned := &PlannedAction{
		ID:                 "a1",
		ActionDefinitionID: "tolerated",
		ErrorHandling:      &ErrorHandling{ContinueOnError: true},
	}
	state, err := env.executor.Execute(context.Background(), planned, &ExecutionContext{})
	require.NoError(t, err, "ContinueOnError suppresses the returned error")
	assert.Equal(t, StatusFailed, state.Status)
	require.NotNil(t, state.Result.Error)
	assert.Equal(t, core.CategoryValidationFailed, state.Result.Error.Category)

	events := env.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Name, "failure event still emitted")
}

func TestContinueOnErrorUnsetStillReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	env := newTestEnv(t, nil)
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:          "strict-err",
		Endpoint:    Endpoint{URLTemplate: server.URL + "/strict-err", Method: "GET"},
		RetryPolicy: fastPolicy(1),
	}))

	planned := &PlannedAction{
		ID:                 "a1",
		ActionDefinitionID: "strict-err",
		ErrorHandling:      &ErrorHandling{},
	}
	_, err := env.executor.Execute(context.Background(), planned, &ExecutionContext{})
	require.Error(t, err)
}

func TestEndpointTimeoutAppliedPerAttempt(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	env := newTestEnv(t, nil)
	require.NoError(t, env.registry.Register(&ActionDefinition{
		ID:          "hanging",
		Endpoint:    Endpoint{URLTemplate: server.URL + "/hanging", Method: "GET", Timeout: 50 * time.Millisecond},
		RetryPolicy: fastPolicy(1),
	}))

	start := time.Now()
	state, err := env.executor.Execute(context.Background(),
		&PlannedAction{ID: "a1", ActionDefinitionID: "hanging"}, &ExecutionContext{})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, core.CategoryNetworkTimeout, state.Result.Error.Category)
	assert.Less(t, elapsed, time.Second, "a hanging server must not stall past the endpoint timeout")
	assert.Equal(t, 1, state.Attempts)
	assert.Len(t, state.HTTPTrace, 1)
}
