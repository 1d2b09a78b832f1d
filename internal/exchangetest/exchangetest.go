// Package exchangetest provides an in-process mock of the exchange info
// endpoint for tests. Each test gets an isolated server with request capture
// so assertions can inspect exactly what was asked of the exchange.
package exchangetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/traderank/traderank/hl"
)

// InfoRequest is a decoded POST /info body captured by the server.
type InfoRequest struct {
	Type      string `json:"type"`
	User      string `json:"user"`
	StartTime int64  `json:"startTime"`
	EndTime   *int64 `json:"endTime"`
}

// Server mocks the exchange info endpoint with paging semantics matching the
// real one: fills come back oldest first, at most pageSize per request,
// startTime and endTime both inclusive.
type Server struct {
	httpServer *httptest.Server

	mu        sync.Mutex
	fills     map[string][]hl.Fill
	pageSize  int
	throttles int
	requests  []InfoRequest
}

// New starts a mock exchange that shuts down when the test finishes.
func New(t *testing.T) *Server {
	s := &Server{
		fills:    make(map[string][]hl.Fill),
		pageSize: hl.MaxFillsPerRequest,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/info", s.handleInfo)
	s.httpServer = httptest.NewServer(mux)

	t.Cleanup(s.httpServer.Close)
	return s
}

// URL returns the base URL tests point their clients at.
func (s *Server) URL() string {
	return s.httpServer.URL
}

// SetFills replaces the fills served for a user. They are sorted by time so
// paging behaves like the real endpoint regardless of input order.
func (s *Server) SetFills(user string, fills []hl.Fill) {
	sorted := append([]hl.Fill(nil), fills...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Time != sorted[j].Time {
			return sorted[i].Time < sorted[j].Time
		}
		return sorted[i].Tid < sorted[j].Tid
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills[strings.ToLower(user)] = sorted
}

// SetPageSize lowers the page cap so tests can exercise pagination without
// thousands of fixtures.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// InjectThrottles makes the next n info requests fail with 429.
func (s *Server) InjectThrottles(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throttles = n
}

// InfoRequests returns a copy of all captured info requests.
func (s *Server) InfoRequests() []InfoRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]InfoRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestCount returns how many info requests the server has received.
func (s *Server) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req InfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)

	if s.throttles > 0 {
		s.throttles--
		s.mu.Unlock()
		w.Header().Set("Retry-After", "0")
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	if req.Type != "userFillsByTime" {
		s.mu.Unlock()
		http.Error(w, "unsupported info type", http.StatusBadRequest)
		return
	}

	page := make([]hl.Fill, 0, s.pageSize)
	for _, f := range s.fills[strings.ToLower(req.User)] {
		if f.Time < req.StartTime {
			continue
		}
		if req.EndTime != nil && f.Time > *req.EndTime {
			continue
		}
		page = append(page, f)
		if len(page) >= s.pageSize {
			break
		}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(page)
}
