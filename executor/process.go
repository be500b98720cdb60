package executor

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/calderalabs/actionexec/catalog"
	"github.com/calderalabs/actionexec/core"
	"github.com/calderalabs/actionexec/httpexec"
)

// parseResponse converts a response body to output by Content-Type: JSON
// (including vendor non-standard JSON types), text, or base64-wrapped binary.
func parseResponse(resp *httpexec.Response, catEntry *catalog.Entry) (interface{}, *core.ErrorDetail) {
	if len(resp.Body) == 0 {
		return nil, nil
	}

	ct := normalizeContentType(resp.Headers.Get("Content-Type"))
	switch {
	case isJSONContentType(ct, catEntry):
		var output interface{}
		if err := json.Unmarshal(resp.Body, &output); err != nil {
			return nil, httpexec.MalformedResponseError(err)
		}
		return output, nil

	case strings.HasPrefix(ct, "text/"):
		return string(resp.Body), nil

	default:
		return map[string]interface{}{
			"contentType": ct,
			"encoding":    "base64",
			"data":        base64.StdEncoding.EncodeToString(resp.Body),
		}, nil
	}
}

func isJSONContentType(ct string, catEntry *catalog.Entry) bool {
	if ct == "application/json" || strings.HasSuffix(ct, "+json") {
		return true
	}
	// A missing content type on a JSON-looking body is treated as JSON only
	// when the vendor declares it.
	return catEntry != nil && catEntry.IsJSONContentType(ct)
}

func normalizeContentType(ct string) string {
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// bestEffortPartialOutput parses a failed response body for diagnostics
// without failing the pipeline.
func bestEffortPartialOutput(resp *httpexec.Response) interface{} {
	if resp == nil || len(resp.Body) == 0 {
		return nil
	}
	var parsed interface{}
	if err := json.Unmarshal(resp.Body, &parsed); err == nil {
		return parsed
	}
	return string(resp.Body)
}
