package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// GenerationCall describes one request received by the fake generation
// server. Seq is the 1-based arrival order across the whole server.
type GenerationCall struct {
	Seq    int
	System string
	User   string
}

// GenerationServer is an httptest-backed fake of the chat-completions
// capability. The respond callback scripts each reply; the server tracks
// arrival order, received prompts, and peak request concurrency.
type GenerationServer struct {
	srv     *httptest.Server
	respond func(call GenerationCall) (status int, body string)

	seq      atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64

	mu       sync.Mutex
	received []GenerationCall
}

// NewGenerationServer starts a fake generation capability. The server is
// shut down automatically when the test finishes.
func NewGenerationServer(t *testing.T, respond func(call GenerationCall) (status int, body string)) *GenerationServer {
	t.Helper()

	s := &GenerationServer{respond: respond}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
		for {
			peak := s.peak.Load()
			if cur <= peak || s.peak.CompareAndSwap(peak, cur) {
				break
			}
		}

		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		call := GenerationCall{Seq: int(s.seq.Add(1))}
		for _, m := range req.Messages {
			switch m.Role {
			case "system":
				call.System = m.Content
			case "user":
				call.User = m.Content
			}
		}
		s.mu.Lock()
		s.received = append(s.received, call)
		s.mu.Unlock()

		status, body := s.respond(call)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the server's base URL.
func (s *GenerationServer) URL() string {
	return s.srv.URL
}

// Close shuts the server down early, before the test's cleanup runs.
func (s *GenerationServer) Close() {
	s.srv.Close()
}

// Calls returns how many requests the server has received.
func (s *GenerationServer) Calls() int {
	return int(s.seq.Load())
}

// PeakConcurrency returns the highest number of simultaneously in-flight
// requests observed.
func (s *GenerationServer) PeakConcurrency() int {
	return int(s.peak.Load())
}

// Received returns a copy of every call the server has seen, in arrival
// order.
func (s *GenerationServer) Received() []GenerationCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]GenerationCall, len(s.received))
	copy(out, s.received)
	return out
}

// ChatCompletion builds a 200 chat-completions reply carrying content.
func ChatCompletion(content string) (int, string) {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
	return http.StatusOK, string(body)
}

// ConversionCall describes one request received by the fake conversion
// server.
type ConversionCall struct {
	Seq  int
	Text string
}

// ConversionServer is an httptest-backed fake of the conversion/validation
// capability.
type ConversionServer struct {
	srv     *httptest.Server
	respond func(call ConversionCall) (status int, body string)

	seq      atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewConversionServer starts a fake conversion capability. The server is
// shut down automatically when the test finishes.
func NewConversionServer(t *testing.T, respond func(call ConversionCall) (status int, body string)) *ConversionServer {
	t.Helper()

	s := &ConversionServer{respond: respond}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
		for {
			peak := s.peak.Load()
			if cur <= peak || s.peak.CompareAndSwap(peak, cur) {
				break
			}
		}

		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		status, body := s.respond(ConversionCall{Seq: int(s.seq.Add(1)), Text: req.Text})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the server's base URL.
func (s *ConversionServer) URL() string {
	return s.srv.URL
}

// Close shuts the server down early, before the test's cleanup runs.
func (s *ConversionServer) Close() {
	s.srv.Close()
}

// Calls returns how many requests the server has received.
func (s *ConversionServer) Calls() int {
	return int(s.seq.Load())
}

// PeakConcurrency returns the highest number of simultaneously in-flight
// requests observed.
func (s *ConversionServer) PeakConcurrency() int {
	return int(s.peak.Load())
}

// ValidBundle builds a 200 reply carrying a minimal FHIR Bundle with one
// Patient entry.
func ValidBundle() (int, string) {
	return http.StatusOK, `{
		"resourceType": "Bundle",
		"type": "document",
		"entry": [
			{"fullUrl": "Patient/p1", "resource": {"resourceType": "Patient", "id": "p1"}}
		]
	}`
}

// InvalidOutcome builds an OperationOutcome reply carrying the given
// diagnostics as error issues.
func InvalidOutcome(diags ...string) (int, string) {
	issues := make([]map[string]any, 0, len(diags))
	for _, d := range diags {
		issues = append(issues, map[string]any{"severity": "error", "diagnostics": d})
	}
	body, _ := json.Marshal(map[string]any{
		"resourceType": "OperationOutcome",
		"issue":        issues,
	})
	return http.StatusUnprocessableEntity, string(body)
}

// JSONLRows renders each vignette as one JSONL row under the given column.
func JSONLRows(column string, vignettes ...string) string {
	var sb strings.Builder
	for _, v := range vignettes {
		line, _ := json.Marshal(map[string]string{column: v})
		sb.Write(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}
