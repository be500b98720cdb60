package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/calderalabs/actionexec/core"
	"github.com/calderalabs/actionexec/oauth"
)

var urlPlaceholderRe = regexp.MustCompile(`\{([A-Za-z0-9_-]+)\}`)

// buildURL substitutes {inputName} placeholders in the endpoint template with
// URL-escaped resolved input values.
func buildURL(template string, inputs map[string]interface{}) (string, *core.ErrorDetail) {
	var missing []string
	out := urlPlaceholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		value, ok := inputs[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return url.PathEscape(scalarString(value))
	})
	if len(missing) > 0 {
		return "", core.ValidationError(fmt.Sprintf(
			"url template references missing inputs: %s", strings.Join(missing, ", ")))
	}
	return out, nil
}

func scalarString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

// buildBody produces the request body for methods that carry one: the literal
// "body" input when present, otherwise the JSON encoding of all resolved
// inputs.
func buildBody(method string, inputs map[string]interface{}) ([]byte, *core.ErrorDetail) {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH":
	default:
		return nil, nil
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	if literal, ok := inputs["body"]; ok {
		if s, isString := literal.(string); isString {
			return []byte(s), nil
		}
		encoded, err := json.Marshal(literal)
		if err != nil {
			return nil, core.ValidationError(fmt.Sprintf("cannot encode body input: %v", err))
		}
		return encoded, nil
	}

	encoded, err := json.Marshal(inputs)
	if err != nil {
		return nil, core.ValidationError(fmt.Sprintf("cannot encode inputs as body: %v", err))
	}
	return encoded, nil
}

// applyAuthentication returns the auth header to add for the action, or
// ("", "") when the action is unauthenticated. All failures here carry
// category auth_invalid.
func (e *Executor) applyAuthentication(ctx context.Context, auth *Authentication, execCtx *ExecutionContext) (string, string, *core.ErrorDetail) {
	if auth == nil || auth.Type == AuthNone {
		return "", "", nil
	}

	credential := func(name string) (string, *core.ErrorDetail) {
		value, ok := execCtx.Credentials[name]
		if !ok || value == "" {
			d := core.NewErrorDetail(core.CategoryAuthInvalid,
				fmt.Sprintf("credential %q is not available", name), false)
			d.Suggestion = "provide the credential in the execution context"
			return "", d
		}
		return value, nil
	}

	switch auth.Type {
	case AuthAPIKey:
		value, err := credential(auth.CredentialName)
		if err != nil {
			return "", "", err
		}
		header := auth.HeaderName
		if header == "" {
			header = "X-API-Key"
		}
		return header, value, nil

	case AuthBearer:
		value, err := credential(auth.CredentialName)
		if err != nil {
			return "", "", err
		}
		return "Authorization", "Bearer " + value, nil

	case AuthBasic:
		value, err := credential(auth.CredentialName)
		if err != nil {
			return "", "", err
		}
		encoded := base64.StdEncoding.EncodeToString([]byte(value))
		return "Authorization", "Basic " + encoded, nil

	case AuthOAuth2:
		refreshToken, err := credential(auth.RefreshTokenCredential)
		if err != nil {
			return "", "", err
		}
		clientSecret := ""
		if auth.ClientSecretCredential != "" {
			clientSecret, err = credential(auth.ClientSecretCredential)
			if err != nil {
				return "", "", err
			}
		}
		token, tokenErr := e.oauth.AccessToken(ctx, &oauth.Credentials{
			ClientID:     auth.ClientID,
			ClientSecret: clientSecret,
			TokenURL:     auth.TokenURL,
			RefreshToken: refreshToken,
			Scope:        auth.Scope,
		})
		if tokenErr != nil {
			return "", "", tokenErr
		}
		return "Authorization", "Bearer " + token, nil

	default:
		return "", "", core.NewErrorDetail(core.CategoryAuthInvalid,
			fmt.Sprintf("unknown authentication type %q", auth.Type), false)
	}
}
