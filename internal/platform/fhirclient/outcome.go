package fhirclient

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OperationOutcome is the FHIR error resource returned with non-2xx responses.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// StatusError is returned when the FHIR server answers with a non-2xx status.
// Outcome is set when the body was an OperationOutcome.
type StatusError struct {
	URL        string
	StatusCode int
	Outcome    *OperationOutcome
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
	if e.Outcome == nil || len(e.Outcome.Issue) == 0 {
		return msg
	}
	parts := make([]string, 0, len(e.Outcome.Issue))
	for _, iss := range e.Outcome.Issue {
		p := iss.Severity + "/" + iss.Code
		if iss.Diagnostics != "" {
			p += ": " + iss.Diagnostics
		}
		parts = append(parts, p)
	}
	return msg + " (" + strings.Join(parts, "; ") + ")"
}

func newStatusError(url string, status int, body []byte) *StatusError {
	e := &StatusError{URL: url, StatusCode: status}
	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err == nil && oo.ResourceType == "OperationOutcome" {
		e.Outcome = &oo
	}
	return e
}
