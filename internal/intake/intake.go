// Package intake implements webhook signature verification, payload
// normalization, and relevance filtering, behind one core function
// consumed by the long-lived HTTP handler.
package intake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashmere/renovateagent/internal/dedup"
)

// Outcome classifies how HandleEvent disposed of a delivery, mapped to an
// HTTP status by the driving adapter.
type Outcome string

const (
	OutcomeAccepted          Outcome = "accepted"
	OutcomeIgnoredIrrelevant Outcome = "ignored_irrelevant"
	OutcomeBadSignature      Outcome = "bad_signature"
	OutcomeMalformed         Outcome = "malformed"
)

// SignatureError is returned when signature verification fails.
type SignatureError struct{ Reason string }

func (e *SignatureError) Error() string { return "intake: invalid signature: " + e.Reason }

// MalformedError is returned when the body cannot be parsed into a
// recognized event shape.
type MalformedError struct{ Reason string }

func (e *MalformedError) Error() string { return "intake: malformed payload: " + e.Reason }

// pullRequestPayload is the subset of a pull_request event this intake
// cares about — validated at the boundary into a typed record rather than
// threading a dynamic JSON tree through the pipeline.
type pullRequestPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number int `json:"number"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type checkEventPayload struct {
	Action   string `json:"action"`
	CheckRun struct {
		Status       string `json:"status"`
		PullRequests []struct {
			Number int `json:"number"`
		} `json:"pull_requests"`
	} `json:"check_run"`
	CheckSuite struct {
		Status       string `json:"status"`
		PullRequests []struct {
			Number int `json:"number"`
		} `json:"pull_requests"`
	} `json:"check_suite"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// relevantPRActions are the pull_request event actions this intake cares
// about.
var relevantPRActions = map[string]struct{}{
	"opened":           {},
	"synchronize":      {},
	"reopened":         {},
	"ready_for_review": {},
	"closed":           {},
}

// VerifySignature checks the X-Hub-Signature-256 header against an
// HMAC-SHA256 digest of body using secret, with a constant-time compare.
func VerifySignature(secret []byte, header string, body []byte) error {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return &SignatureError{Reason: "missing sha256= prefix"}
	}
	given, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return &SignatureError{Reason: "non-hex digest"}
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	if !hmac.Equal(given, expected) {
		return &SignatureError{Reason: "digest mismatch"}
	}
	return nil
}

// HandleEvent is the core the long-lived HTTP handler wraps.
// requireSignature and secret come from config; when requireSignature is
// true and secret is empty the caller must have already failed startup.
// HandleEvent verifies the signature only when requireSignature is true;
// when it is false the delivery is accepted unverified, even if a secret is
// configured.
func HandleEvent(dd *dedup.Deduplicator, requireSignature bool, secret []byte, eventType, signatureHeader string, body []byte) (Outcome, error) {
	if requireSignature {
		if err := VerifySignature(secret, signatureHeader, body); err != nil {
			return OutcomeBadSignature, err
		}
	}

	switch eventType {
	case "pull_request":
		return handlePullRequest(dd, body)
	case "check_run", "check_suite":
		return handleCheckEvent(dd, body)
	default:
		return OutcomeIgnoredIrrelevant, nil
	}
}

func handlePullRequest(dd *dedup.Deduplicator, body []byte) (Outcome, error) {
	var p pullRequestPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return OutcomeMalformed, &MalformedError{Reason: err.Error()}
	}
	if p.Repository.FullName == "" || p.PullRequest.Number == 0 {
		return OutcomeMalformed, &MalformedError{Reason: "missing repository or pull_request number"}
	}
	if _, relevant := relevantPRActions[p.Action]; !relevant {
		return OutcomeIgnoredIrrelevant, nil
	}

	dd.Submit(dedup.Key{RepoFullName: p.Repository.FullName, Number: p.PullRequest.Number}, dedup.SourceEvent)
	return OutcomeAccepted, nil
}

func handleCheckEvent(dd *dedup.Deduplicator, body []byte) (Outcome, error) {
	var p checkEventPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return OutcomeMalformed, &MalformedError{Reason: err.Error()}
	}
	if p.Repository.FullName == "" {
		return OutcomeMalformed, &MalformedError{Reason: "missing repository"}
	}

	status := p.CheckRun.Status
	prs := p.CheckRun.PullRequests
	if p.CheckSuite.Status != "" {
		status = p.CheckSuite.Status
		prs = p.CheckSuite.PullRequests
	}
	if status != "completed" {
		return OutcomeIgnoredIrrelevant, nil
	}
	if len(prs) == 0 {
		return OutcomeIgnoredIrrelevant, nil
	}

	for _, pr := range prs {
		dd.Submit(dedup.Key{RepoFullName: p.Repository.FullName, Number: pr.Number}, dedup.SourceEvent)
	}
	return OutcomeAccepted, nil
}

// ComputeSignature is a test/ops helper that produces the header value a
// genuine sender would send for body under secret.
func ComputeSignature(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
}
