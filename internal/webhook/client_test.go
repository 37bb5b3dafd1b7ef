package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayboard/botqueue/internal/domain"
	"github.com/relayboard/botqueue/internal/webhook"
)

// ── fakes ───────────────────────────────────────────────────────────────────

type fakeDeliveryLog struct {
	mu      sync.Mutex
	records []*domain.WebhookDelivery
	touched []string
}

func (f *fakeDeliveryLog) Record(_ context.Context, d *domain.WebhookDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, d)
	return nil
}

func (f *fakeDeliveryLog) TouchEndpoint(_ context.Context, webhookID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, webhookID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTask() *domain.Task {
	return &domain.Task{
		ID:            "task-1",
		ProjectID:     "proj-1",
		ParticipantID: "bot-1",
		Type:          domain.TaskVoteRequested,
		ReferenceType: domain.RefProposal,
		ReferenceID:   "prop-9",
		Status:        domain.StatusProcessing,
		Payload:       json.RawMessage(`{"proposal_id":"prop-9"}`),
		Attempts:      1,
		MaxAttempts:   3,
	}
}

func testEndpoint(url string) *domain.Endpoint {
	return &domain.Endpoint{
		ID:          "hook-1",
		WorkspaceID: "ws-1",
		BotUserID:   "bot-1",
		URL:         url,
		Secret:      "shh",
	}
}

// ── tests ───────────────────────────────────────────────────────────────────

func TestClient_Deliver_WireContract(t *testing.T) {
	var (
		gotBody    []byte
		gotHeaders http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	log := &fakeDeliveryLog{}
	client := webhook.NewClient(5*time.Second, log, testLogger())

	record, err := client.Deliver(context.Background(), testEndpoint(srv.URL), testTask())
	require.NoError(t, err)
	assert.True(t, record.Success)
	assert.Equal(t, http.StatusOK, record.ResponseStatus)

	var body map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &body))
	assert.Equal(t, "task-1", body["task_id"])
	assert.Equal(t, "proj-1", body["project_id"])
	assert.Equal(t, "bot-1", body["ai_participant_id"])
	assert.Equal(t, "vote_requested", body["task_type"])
	assert.Equal(t, "proposal", body["reference_type"])
	assert.Equal(t, "prop-9", body["reference_id"])
	assert.Equal(t, map[string]any{"proposal_id": "prop-9"}, body["payload"])
	assert.Equal(t, float64(1), body["attempts"])
	assert.Equal(t, float64(3), body["max_attempts"])

	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "Relayboard-Webhook/1.0", gotHeaders.Get("User-Agent"))
	assert.Equal(t, "vote_requested", gotHeaders.Get("X-Webhook-Event"))
	assert.NotEmpty(t, gotHeaders.Get("X-Webhook-Delivery"))

	// Signature must verify against the exact bytes that were sent.
	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, gotHeaders.Get("X-Webhook-Signature"))
}

func TestClient_Deliver_NoSecretNoSignature(t *testing.T) {
	var gotSignature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ep := testEndpoint(srv.URL)
	ep.Secret = ""
	client := webhook.NewClient(5*time.Second, &fakeDeliveryLog{}, testLogger())

	record, err := client.Deliver(context.Background(), ep, testTask())
	require.NoError(t, err)
	assert.True(t, record.Success)
	assert.Empty(t, gotSignature)
}

func TestClient_Deliver_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	log := &fakeDeliveryLog{}
	client := webhook.NewClient(5*time.Second, log, testLogger())

	record, err := client.Deliver(context.Background(), testEndpoint(srv.URL), testTask())
	require.Error(t, err)

	var failed *domain.DeliveryFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, http.StatusBadGateway, failed.Status)
	assert.Contains(t, failed.Body, "upstream exploded")

	assert.False(t, record.Success)
	assert.Equal(t, http.StatusBadGateway, record.ResponseStatus)
	assert.Contains(t, record.ErrorMessage, "502")
}

func TestClient_Deliver_TimeoutIsFailure(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	client := webhook.NewClient(50*time.Millisecond, &fakeDeliveryLog{}, testLogger())

	record, err := client.Deliver(context.Background(), testEndpoint(srv.URL), testTask())
	require.Error(t, err)
	require.NotNil(t, record)
	assert.False(t, record.Success)
	assert.NotEmpty(t, record.ErrorMessage)
	assert.Zero(t, record.ResponseStatus)
}

func TestClient_Deliver_AuditsEveryAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	log := &fakeDeliveryLog{}
	client := webhook.NewClient(5*time.Second, log, testLogger())

	_, err := client.Deliver(context.Background(), testEndpoint(srv.URL), testTask())
	require.Error(t, err)

	require.Len(t, log.records, 1)
	rec := log.records[0]
	assert.Equal(t, "hook-1", rec.WebhookID)
	assert.Equal(t, "task-1", rec.TaskID)
	assert.Equal(t, "vote_requested", rec.Event)
	assert.False(t, rec.Success)
	assert.Equal(t, []string{"hook-1"}, log.touched)
}
