package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if crawlerInFlight == nil || crawlerAdmissionWaitSeconds == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestEngineCollectors(t *testing.T) {
	SetInFlight(3)
	if val := testutil.ToFloat64(crawlerInFlight); val != 3 {
		t.Errorf("expected in-flight gauge 3, got %f", val)
	}
	SetPending(7)
	if val := testutil.ToFloat64(crawlerPendingTasks); val != 7 {
		t.Errorf("expected pending gauge 7, got %f", val)
	}

	ObserveAdmissionWait(10 * time.Millisecond)
	if n := testutil.CollectAndCount(crawlerAdmissionWaitSeconds); n != 1 {
		t.Errorf("expected admission wait histogram to be collected, got %d", n)
	}

	retries := testutil.ToFloat64(crawlerRetriesTotal)
	IncRetry()
	if val := testutil.ToFloat64(crawlerRetriesTotal); val != retries+1 {
		t.Errorf("expected retries to grow by 1, got %f -> %f", retries, val)
	}

	skips := testutil.ToFloat64(crawlerAdmissionSkipsTotal)
	IncAdmissionSkip()
	if val := testutil.ToFloat64(crawlerAdmissionSkipsTotal); val != skips+1 {
		t.Errorf("expected skips to grow by 1, got %f -> %f", skips, val)
	}

	dropped := testutil.ToFloat64(crawlerProgressDroppedTotal)
	AddProgressDropped(3)
	if val := testutil.ToFloat64(crawlerProgressDroppedTotal); val != dropped+3 {
		t.Errorf("expected dropped progress events to grow by 3, got %f -> %f", dropped, val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
