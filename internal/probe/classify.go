package probe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Mopra/exit1.dev-sub001/internal/model"
)

// classifyStatus applies the classification rulebook to the final
// response status. An explicit expected-status set overrides the
// rulebook entirely.
func classifyStatus(code int, expected []int) (model.Status, model.DetailedStatus, string) {
	if len(expected) > 0 {
		for _, want := range expected {
			if code == want {
				return model.StatusOnline, model.DetailedUp, ""
			}
		}
		return model.StatusOffline, model.DetailedDown,
			fmt.Sprintf("status code %d not in expected set", code)
	}

	switch {
	case code >= 200 && code <= 299:
		return model.StatusOnline, model.DetailedUp, ""
	case code >= 300 && code <= 399:
		return model.StatusOnline, model.DetailedRedirect, ""
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return model.StatusOnline, model.DetailedUp, ""
	case code >= 400 && code <= 599:
		return model.StatusOffline, model.DetailedDown,
			fmt.Sprintf("HTTP error %d", code)
	default:
		return model.StatusOffline, model.DetailedDown,
			fmt.Sprintf("unexpected status code %d", code)
	}
}

// validateBody checks the response snippet against the configured
// validator. Returns an error description, or "" when valid.
func validateBody(snippet string, v *model.BodyValidator) string {
	lower := strings.ToLower(snippet)
	for _, want := range v.ContainsText {
		if want == "" {
			continue
		}
		if !strings.Contains(lower, strings.ToLower(want)) {
			return fmt.Sprintf("Response validation failed: body does not contain %q", want)
		}
	}

	if v.JSONPath != "" {
		var parsed any
		if err := json.Unmarshal([]byte(snippet), &parsed); err != nil {
			return fmt.Sprintf("Response validation failed: body is not valid JSON: %v", err)
		}
		// TODO: evaluate v.JSONPath against parsed and compare with
		// v.ExpectedValue once the path semantics are specified.
	}
	return ""
}
