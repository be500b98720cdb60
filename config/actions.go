package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calderalabs/actionexec/core"
	"github.com/calderalabs/actionexec/executor"
	"github.com/calderalabs/actionexec/httpexec"
)

// actionsFile is the YAML shape of an action definitions file.
type actionsFile struct {
	Actions []actionDoc `yaml:"actions"`
}

type actionDoc struct {
	ID             string                   `yaml:"id"`
	Endpoint       endpointDoc              `yaml:"endpoint"`
	Authentication *executor.Authentication `yaml:"authentication"`
	InputSchema    map[string]interface{}   `yaml:"inputSchema"`
	OutputSchema   map[string]interface{}   `yaml:"outputSchema"`
	RetryPolicy    *retryDoc                `yaml:"retryPolicy"`
}

type endpointDoc struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Timeout Duration          `yaml:"timeout"`
}

type retryDoc struct {
	MaxAttempts       int      `yaml:"maxAttempts"`
	InitialDelay      Duration `yaml:"initialDelay"`
	MaxDelay          Duration `yaml:"maxDelay"`
	BackoffMultiplier float64  `yaml:"backoffMultiplier"`
	RetryableErrors   []string `yaml:"retryableErrors"`
	Jitter            *bool    `yaml:"jitter"`
}

// LoadActionDefinitions reads action definitions from a YAML file.
func LoadActionDefinitions(path string) ([]*executor.ActionDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading action definitions: %w", err)
	}
	return ParseActionDefinitions(data)
}

// ParseActionDefinitions parses action definitions from YAML bytes and
// validates each one.
func ParseActionDefinitions(data []byte) ([]*executor.ActionDefinition, error) {
	var file actionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing action definitions: %w", err)
	}

	defs := make([]*executor.ActionDefinition, 0, len(file.Actions))
	for i, doc := range file.Actions {
		def, err := doc.toDefinition()
		if err != nil {
			return nil, fmt.Errorf("action %d (%s): %w", i, doc.ID, err)
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("action %d (%s): %w", i, doc.ID, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (doc actionDoc) toDefinition() (*executor.ActionDefinition, error) {
	def := &executor.ActionDefinition{
		ID: doc.ID,
		Endpoint: executor.Endpoint{
			URLTemplate: doc.Endpoint.URL,
			Method:      doc.Endpoint.Method,
			Headers:     doc.Endpoint.Headers,
			Timeout:     time.Duration(doc.Endpoint.Timeout),
		},
		Authentication: doc.Authentication,
		InputSchema:    doc.InputSchema,
		OutputSchema:   doc.OutputSchema,
	}

	if doc.RetryPolicy != nil {
		policy := httpexec.DefaultPolicy()
		if doc.RetryPolicy.MaxAttempts > 0 {
			policy.MaxAttempts = doc.RetryPolicy.MaxAttempts
		}
		if doc.RetryPolicy.InitialDelay > 0 {
			policy.InitialDelay = time.Duration(doc.RetryPolicy.InitialDelay)
		}
		if doc.RetryPolicy.MaxDelay > 0 {
			policy.MaxDelay = time.Duration(doc.RetryPolicy.MaxDelay)
		}
		if doc.RetryPolicy.BackoffMultiplier > 0 {
			policy.BackoffMultiplier = doc.RetryPolicy.BackoffMultiplier
		}
		if doc.RetryPolicy.Jitter != nil {
			policy.Jitter = *doc.RetryPolicy.Jitter
		}
		if len(doc.RetryPolicy.RetryableErrors) > 0 {
			categories := make([]core.Category, 0, len(doc.RetryPolicy.RetryableErrors))
			for _, name := range doc.RetryPolicy.RetryableErrors {
				category := core.Category(name)
				if !core.IsKnownCategory(category) {
					return nil, fmt.Errorf("unknown error category %q: %w", name, core.ErrInvalidConfiguration)
				}
				categories = append(categories, category)
			}
			policy.RetryableErrors = categories
		}
		def.RetryPolicy = policy
	}

	return def, nil
}
