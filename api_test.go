package privaxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerClient(t, stubFetchClient(http.StatusOK, "||ads.example^\n", nil))
}

func newTestServerClient(t *testing.T, client *http.Client) *Server {
	t.Helper()

	path := filepath.Join(t.TempDir(), "privaxy.yaml")
	m, err := NewConfigurationManager(path, client)
	if err != nil {
		t.Fatalf("NewConfigurationManager: %v", err)
	}

	certPEM, _, err := GenerateCA("Privaxy Test", 1)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}

	s := NewServer(m, NewBlockingStore(), NewBroadcaster[Event](), NewBroadcaster[Statistics](), certPEM)
	s.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	m.SetLogger(s.Logger)
	return s
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return v
}

// ---------------------------------------------------------------------------
// /filters
// ---------------------------------------------------------------------------

func TestGetFilters(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/filters", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	filters := decodeJSON[[]Filter](t, rec)
	if len(filters) == 0 {
		t.Error("want default filters in response")
	}
}

func TestAddFilterEndpoint(t *testing.T) {
	s := newTestServer(t)
	base := len(s.Manager.Snapshot().Filters)

	rec := doRequest(t, s, http.MethodPost, "/filters", AddFilterRequest{
		Name:      "EasyList Test",
		Group:     "ads",
		SourceURL: "https://example.com/easylist.txt",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("want 201, got %d: %s", rec.Code, rec.Body.String())
	}

	filters := decodeJSON[[]Filter](t, rec)
	if len(filters) != base+1 {
		t.Fatalf("want %d filters, got %d", base+1, len(filters))
	}
	added := filters[len(filters)-1]
	if !added.Enabled {
		t.Error("want new filter enabled")
	}

	// Repeating the same POST must conflict and leave the set unchanged.
	rec = doRequest(t, s, http.MethodPost, "/filters", AddFilterRequest{
		Name:      "EasyList Test",
		Group:     "ads",
		SourceURL: "https://example.com/easylist.txt",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("want 409 on duplicate, got %d", rec.Code)
	}
	resp := decodeJSON[ErrorResponse](t, rec)
	if resp.Error == "" {
		t.Error("want error envelope with message")
	}
	if got := len(s.Manager.Snapshot().Filters); got != base+1 {
		t.Errorf("want filter set still %d, got %d", base+1, got)
	}
}

func TestAddFilterEndpointUpstreamFailure(t *testing.T) {
	s := newTestServerClient(t, stubFetchClient(http.StatusInternalServerError, "", nil))

	rec := doRequest(t, s, http.MethodPost, "/filters", AddFilterRequest{
		Name:      "Broken",
		Group:     "ads",
		SourceURL: "https://example.com/broken.txt",
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("want 502, got %d", rec.Code)
	}
}

func TestAddFilterEndpointInvalidJSON(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/filters", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rec.Code)
	}
}

func TestDeleteFilterEndpoint(t *testing.T) {
	s := newTestServer(t)
	url := s.Manager.Snapshot().Filters[0].URL
	base := len(s.Manager.Snapshot().Filters)

	rec := doRequest(t, s, http.MethodDelete, "/filters", AddFilterRequest{SourceURL: url})
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if got := len(s.Manager.Snapshot().Filters); got != base-1 {
		t.Errorf("want %d filters, got %d", base-1, got)
	}

	rec = doRequest(t, s, http.MethodDelete, "/filters", AddFilterRequest{SourceURL: url})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("want 404 on second delete, got %d", rec.Code)
	}
}

func TestChangeFilterStatusEndpoint(t *testing.T) {
	s := newTestServer(t)
	url := s.Manager.Snapshot().Filters[0].URL

	rec := doRequest(t, s, http.MethodPut, "/filters", FilterStatusRequest{Identifier: url, Enabled: false})
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if s.Manager.Snapshot().Filters[0].Enabled {
		t.Error("want filter disabled")
	}
}

func TestChangeFilterStatusUnknown(t *testing.T) {
	s := newTestServer(t)
	before := s.Manager.Snapshot()

	rec := doRequest(t, s, http.MethodPut, "/filters", FilterStatusRequest{
		Identifier: "https://example.com/unknown.txt",
		Enabled:    false,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", rec.Code)
	}

	after := s.Manager.Snapshot()
	for i := range before.Filters {
		if before.Filters[i] != after.Filters[i] {
			t.Errorf("filter %d changed: %+v != %+v", i, before.Filters[i], after.Filters[i])
		}
	}
}

// ---------------------------------------------------------------------------
// /custom-filters, /exclusions
// ---------------------------------------------------------------------------

func TestCustomFiltersEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/custom-filters", CustomFiltersBody{Text: "||custom.example^"})
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/custom-filters", nil)
	body := decodeJSON[CustomFiltersBody](t, rec)
	if body.Text != "||custom.example^" {
		t.Errorf("want custom filter text round-tripped, got %q", body.Text)
	}
}

func TestExclusionsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/exclusions", ExclusionsBody{Entries: []string{"a.example", "b.example"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/exclusions", nil)
	body := decodeJSON[ExclusionsBody](t, rec)
	if len(body.Entries) != 2 {
		t.Errorf("want 2 exclusions, got %v", body.Entries)
	}

	if !s.Manager.Exclusions().Contains("a.example") {
		t.Error("want shared exclusion store updated")
	}
}

// ---------------------------------------------------------------------------
// /blocking-enabled
// ---------------------------------------------------------------------------

func TestBlockingEnabledEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/blocking-enabled", nil)
	if got := decodeJSON[BlockingEnabledBody](t, rec); !got.Enabled {
		t.Error("want blocking enabled by default")
	}

	rec = doRequest(t, s, http.MethodPut, "/blocking-enabled", BlockingEnabledBody{Enabled: false})
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/blocking-enabled", nil)
	if got := decodeJSON[BlockingEnabledBody](t, rec); got.Enabled {
		t.Error("want blocking disabled after PUT")
	}
}

func TestBlockingEnabledConcurrentReaders(t *testing.T) {
	s := newTestServer(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		doRequest(t, s, http.MethodPut, "/blocking-enabled", BlockingEnabledBody{Enabled: false})
	}()

	// Concurrent readers must always observe a total value, never garbage.
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := doRequest(t, s, http.MethodGet, "/blocking-enabled", nil)
			if rec.Code != http.StatusOK {
				t.Errorf("want 200, got %d", rec.Code)
			}
			_ = decodeJSON[BlockingEnabledBody](t, rec)
		}()
	}
	wg.Wait()

	rec := doRequest(t, s, http.MethodGet, "/blocking-enabled", nil)
	if got := decodeJSON[BlockingEnabledBody](t, rec); got.Enabled {
		t.Error("want final state disabled")
	}
}

// ---------------------------------------------------------------------------
// CA certificate, CORS, errors
// ---------------------------------------------------------------------------

func TestCACertificateEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/privaxy_ca_certificate.pem", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	if got := rec.Header().Get("Content-Disposition"); got != "attachment; filename=privaxy_ca_certificate.pem;" {
		t.Errorf("want fixed attachment disposition, got %q", got)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("BEGIN CERTIFICATE")) {
		t.Error("want PEM certificate bytes in body")
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/filters", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("want any origin allowed, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPost) {
		t.Errorf("want POST allowed, got %q", got)
	}
}

func TestBareOptionsRequest(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/anything", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fmt.Errorf("%w: bad group", ErrInvalidFilter), http.StatusBadRequest},
		{"conflict", fmt.Errorf("%w: url", ErrFilterExists), http.StatusConflict},
		{"not found", fmt.Errorf("%w: url", ErrFilterNotFound), http.StatusNotFound},
		{"upstream", &UpstreamFetchError{URL: "https://example.com/x.txt", Err: errors.New("refused")}, http.StatusBadGateway},
		{"persistence", &PersistenceError{Err: errors.New("disk full")}, http.StatusInternalServerError},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.writeError(rec, tt.err)
			if rec.Code != tt.want {
				t.Errorf("want %d, got %d", tt.want, rec.Code)
			}
			resp := decodeJSON[ErrorResponse](t, rec)
			if resp.Error == "" {
				t.Error("want error envelope with message")
			}
		})
	}
}

func TestMutationsAppearInSubsequentReads(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/filters", AddFilterRequest{
		Name:      "Ordering",
		Group:     "privacy",
		SourceURL: "https://example.com/ordering.txt",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("want 201, got %d", rec.Code)
	}

	// A read issued after the mutation's response must observe it.
	rec = doRequest(t, s, http.MethodGet, "/filters", nil)
	filters := decodeJSON[[]Filter](t, rec)
	found := false
	for _, f := range filters {
		if f.URL == "https://example.com/ordering.txt" {
			found = true
		}
	}
	if !found {
		t.Error("want mutation visible to subsequent read")
	}
}
