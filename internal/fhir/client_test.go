package fhir

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vk/fhirloom/internal/config"
)

func newTestClient(url string) *Client {
	return NewClient(config.Conversion{URL: url, Timeout: 5 * time.Second})
}

func TestConvert_BundleIsValidAndRewritten(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/convert", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "the narrative", req["text"])
		w.Write([]byte(`{"resourceType": "Bundle", "entry": [
			{"resource": {"resourceType": "Patient", "id": "p1"}}
		]}`))
	}))
	defer server.Close()

	// --- Act ---
	outcome, err := newTestClient(server.URL).Convert(context.Background(), "the narrative")

	// --- Assert ---
	require.NoError(t, err)
	require.True(t, outcome.Valid)
	require.Empty(t, outcome.Diagnostics)

	var bundle map[string]any
	require.NoError(t, json.Unmarshal(outcome.Document, &bundle))
	// The identity rewrite ran: the patient id is no longer "p1".
	resource := bundle["entry"].([]any)[0].(map[string]any)["resource"].(map[string]any)
	require.NotEqual(t, "p1", resource["id"])
}

func TestConvert_OperationOutcomeIsAValidationFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"resourceType": "OperationOutcome", "issue": [
			{"severity": "error", "diagnostics": "Patient.birthDate is invalid"},
			{"severity": "warning", "details": {"text": "Observation has no unit"}}
		]}`))
	}))
	defer server.Close()

	outcome, err := newTestClient(server.URL).Convert(context.Background(), "n")

	require.NoError(t, err)
	require.False(t, outcome.Valid)
	require.Equal(t, []string{
		"error: Patient.birthDate is invalid",
		"warning: Observation has no unit",
	}, outcome.Diagnostics)
}

func TestConvert_UndecodableBodyIsATransportError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Convert(context.Background(), "n")
	require.Error(t, err)
}

func TestConvert_UnexpectedResourceTypeIsATransportError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resourceType": "Parameters"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Convert(context.Background(), "n")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Parameters")
}

func TestConvert_ToleratesBundleWithMalformedEntryList(t *testing.T) {
	t.Parallel()

	// The rewrite skips entries it cannot interpret rather than failing the
	// whole document.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resourceType": "Bundle", "entry": "not-a-list"}`))
	}))
	defer server.Close()

	outcome, err := newTestClient(server.URL).Convert(context.Background(), "n")
	require.NoError(t, err)
	require.True(t, outcome.Valid)
}
