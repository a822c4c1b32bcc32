package intake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashmere/renovateagent/internal/dedup"
)

const testSecret = "super-secret"

func TestVerifySignature_AcceptsGenuineDigest(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sig := ComputeSignature([]byte(testSecret), body)
	assert.NoError(t, VerifySignature([]byte(testSecret), sig, body))
}

func TestVerifySignature_RejectsMutatedBody(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sig := ComputeSignature([]byte(testSecret), body)
	mutated := []byte(`{"hello":"world!"}`)
	assert.Error(t, VerifySignature([]byte(testSecret), sig, mutated))
}

func TestVerifySignature_RejectsMissingPrefix(t *testing.T) {
	err := VerifySignature([]byte(testSecret), "deadbeef", []byte("x"))
	require.Error(t, err)
	var sigErr *SignatureError
	assert.ErrorAs(t, err, &sigErr)
}

func TestHandleEvent_RejectsBadSignatureWhenRequired(t *testing.T) {
	dd := dedup.New(8)
	body := []byte(`{"action":"opened","number":1}`)
	outcome, err := HandleEvent(dd, true, []byte(testSecret), "pull_request", "sha256=deadbeef", body)
	assert.Equal(t, OutcomeBadSignature, outcome)
	assert.Error(t, err)
	assert.Equal(t, 0, dd.Stats().QueueLen)
}

func TestHandleEvent_AcceptsRelevantPullRequestEvent(t *testing.T) {
	dd := dedup.New(8)
	body := []byte(`{"action":"synchronize","pull_request":{"number":42},"repository":{"full_name":"acme/web"}}`)
	sig := ComputeSignature([]byte(testSecret), body)
	outcome, err := HandleEvent(dd, true, []byte(testSecret), "pull_request", sig, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Equal(t, 1, dd.Stats().QueueLen)
}

func TestHandleEvent_IgnoresIrrelevantPullRequestAction(t *testing.T) {
	dd := dedup.New(8)
	body := []byte(`{"action":"labeled","pull_request":{"number":42},"repository":{"full_name":"acme/web"}}`)
	sig := ComputeSignature([]byte(testSecret), body)
	outcome, err := HandleEvent(dd, true, []byte(testSecret), "pull_request", sig, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnoredIrrelevant, outcome)
	assert.Equal(t, 0, dd.Stats().QueueLen)
}

func TestHandleEvent_MalformedPayloadIsRejected(t *testing.T) {
	dd := dedup.New(8)
	body := []byte(`not json`)
	sig := ComputeSignature([]byte(testSecret), body)
	outcome, err := HandleEvent(dd, true, []byte(testSecret), "pull_request", sig, body)
	assert.Equal(t, OutcomeMalformed, outcome)
	assert.Error(t, err)
}

func TestHandleEvent_CompletedCheckSuiteEnqueuesLinkedPRs(t *testing.T) {
	dd := dedup.New(8)
	body := []byte(`{"action":"completed","check_suite":{"status":"completed","pull_requests":[{"number":5},{"number":6}]},"repository":{"full_name":"acme/web"}}`)
	sig := ComputeSignature([]byte(testSecret), body)
	outcome, err := HandleEvent(dd, true, []byte(testSecret), "check_suite", sig, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Equal(t, 2, dd.Stats().QueueLen)
}

func TestHandleEvent_UnknownEventTypeIsIgnored(t *testing.T) {
	dd := dedup.New(8)
	body := []byte(`{}`)
	sig := ComputeSignature([]byte(testSecret), body)
	outcome, err := HandleEvent(dd, true, []byte(testSecret), "installation", sig, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnoredIrrelevant, outcome)
}

func TestHandleEvent_SkipsVerificationWhenNotRequired(t *testing.T) {
	dd := dedup.New(8)
	body := []byte(`{"action":"opened","pull_request":{"number":9},"repository":{"full_name":"acme/web"}}`)
	outcome, err := HandleEvent(dd, false, nil, "pull_request", "", body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
}
