// Package executor runs declarative HTTP actions through a phased pipeline:
// resolve references, validate inputs, prepare and execute the request with
// retries, process and validate the response, and persist the output.
// Identical concurrent executions are coalesced through the dedup cache.
package executor

import (
	"time"

	"github.com/calderalabs/actionexec/core"
	"github.com/calderalabs/actionexec/httpexec"
	"github.com/calderalabs/actionexec/trace"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// AuthType enumerates the supported authentication kinds.
type AuthType string

const (
	AuthNone   AuthType = ""
	AuthAPIKey AuthType = "api_key"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthOAuth2 AuthType = "oauth2"
)

// Authentication describes how to authenticate requests for an action.
// Secret material is never stored here; credential names are resolved against
// the ExecutionContext at run time.
type Authentication struct {
	Type AuthType `yaml:"type" json:"type"`

	// HeaderName carries the api_key header name (default "X-API-Key").
	HeaderName string `yaml:"headerName,omitempty" json:"headerName,omitempty"`

	// CredentialName selects the credential for api_key and bearer auth, and
	// the "user:password" credential for basic auth.
	CredentialName string `yaml:"credentialName,omitempty" json:"credentialName,omitempty"`

	// OAuth2 settings; credential names select the client secret and refresh
	// token from the execution context.
	TokenURL               string   `yaml:"tokenUrl,omitempty" json:"tokenUrl,omitempty"`
	ClientID               string   `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	ClientSecretCredential string   `yaml:"clientSecretCredential,omitempty" json:"clientSecretCredential,omitempty"`
	RefreshTokenCredential string   `yaml:"refreshTokenCredential,omitempty" json:"refreshTokenCredential,omitempty"`
	Scope                  []string `yaml:"scope,omitempty" json:"scope,omitempty"`
}

// Endpoint describes where and how an action calls out.
type Endpoint struct {
	// URLTemplate may contain {inputName} placeholders substituted from the
	// resolved inputs with URL escaping.
	URLTemplate string            `yaml:"url" json:"url"`
	Method      string            `yaml:"method" json:"method"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ActionDefinition is the static description of an action, registered at
// startup and immutable afterward.
type ActionDefinition struct {
	ID             string                 `yaml:"id" json:"id"`
	Endpoint       Endpoint               `yaml:"endpoint" json:"endpoint"`
	Authentication *Authentication        `yaml:"authentication,omitempty" json:"authentication,omitempty"`
	InputSchema    map[string]interface{} `yaml:"inputSchema,omitempty" json:"inputSchema,omitempty"`
	OutputSchema   map[string]interface{} `yaml:"outputSchema,omitempty" json:"outputSchema,omitempty"`
	RetryPolicy    *httpexec.Policy       `yaml:"retryPolicy,omitempty" json:"retryPolicy,omitempty"`
}

// Validate checks the definition at registration time.
func (d *ActionDefinition) Validate() error {
	if d.ID == "" {
		return core.ValidationError("action definition id is required")
	}
	if d.Endpoint.URLTemplate == "" {
		return core.ValidationError("endpoint url is required for " + d.ID)
	}
	if d.Endpoint.Method == "" {
		return core.ValidationError("endpoint method is required for " + d.ID)
	}
	if d.RetryPolicy != nil {
		if err := d.RetryPolicy.Validate(); err != nil {
			return core.ValidationError(err.Error())
		}
	}
	if a := d.Authentication; a != nil {
		switch a.Type {
		case AuthNone:
		case AuthAPIKey, AuthBearer, AuthBasic:
			if a.CredentialName == "" {
				return core.ValidationError("credentialName is required for " + string(a.Type) + " auth")
			}
		case AuthOAuth2:
			if a.TokenURL == "" || a.ClientID == "" || a.RefreshTokenCredential == "" {
				return core.ValidationError("oauth2 auth requires tokenUrl, clientId, and refreshTokenCredential")
			}
		default:
			return core.ValidationError("unknown authentication type " + string(a.Type))
		}
	}
	return nil
}

// PlannedAction is one invocation of a registered action.
type PlannedAction struct {
	ID                 string                 `json:"id"`
	ActionDefinitionID string                 `json:"actionDefinitionId"`
	Inputs             map[string]interface{} `json:"inputs"`
	Dependencies       []string               `json:"dependencies,omitempty"`
	ErrorHandling      *ErrorHandling         `json:"errorHandling,omitempty"`
}

// ErrorHandling carries per-invocation failure handling. With ContinueOnError
// set, Execute returns a failed state without an error so upstream engines can
// keep going; the state still records the failure and the failure event is
// still emitted.
type ErrorHandling struct {
	ContinueOnError bool `json:"continueOnError,omitempty"`
}

// ExecutionContext is the runtime environment of one execution.
type ExecutionContext struct {
	ExecutionID     string            `json:"executionId"`
	Credentials     map[string]string `json:"-"`
	PreviousResults map[string]string `json:"previousResults,omitempty"`
}

// OutputLocation records where the output was persisted.
type OutputLocation struct {
	Provider              string `json:"provider"`
	Path                  string `json:"path"`
	Size                  int64  `json:"size,omitempty"`
	Checksum              string `json:"checksum,omitempty"`
	StorageFailure        bool   `json:"storageFailure,omitempty"`
	StorageErrorRetryable bool   `json:"storageErrorRetryable,omitempty"`
}

// Result is the terminal outcome of an execution: either Output (+ location)
// or Error (+ optional partial output).
type Result struct {
	Output         interface{}       `json:"output,omitempty"`
	OutputLocation *OutputLocation   `json:"outputLocation,omitempty"`
	Error          *core.ErrorDetail `json:"error,omitempty"`
	PartialOutput  interface{}       `json:"partialOutput,omitempty"`
}

// ActionExecutionState is owned exclusively by the executor until it reaches
// a terminal status.
type ActionExecutionState struct {
	ExecutionID string        `json:"executionId"`
	ActionID    string        `json:"actionId"`
	Status      Status        `json:"status"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt time.Time     `json:"completedAt,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Attempts    int           `json:"attempts"`
	HTTPTrace   []trace.Entry `json:"httpTrace,omitempty"`
	Result      *Result       `json:"result,omitempty"`

	// Deduplicated marks a state served from the dedup cache or a leader's
	// coalesced result rather than a fresh pipeline run.
	Deduplicated bool `json:"deduplicated,omitempty"`
}
