package metrics

import (
	"errors"
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
		{"host with port", "example.com:8080", "example.com"},
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

func TestObserveFetchCountsBySiteAndOutcome(t *testing.T) {
	before := testutil.ToFloat64(fetchTotal.WithLabelValues("metrics-test.example", "failure"))
	ObserveFetch("https://metrics-test.example/x", "failure", 10*time.Millisecond)
	ObserveFetch("https://METRICS-TEST.example/y", "failure", 20*time.Millisecond)
	after := testutil.ToFloat64(fetchTotal.WithLabelValues("metrics-test.example", "failure"))
	if after-before != 2 {
		t.Fatalf("expected 2 new fetch observations, got %v", after-before)
	}
}

func TestObserveSettleLabelsErrors(t *testing.T) {
	okBefore := testutil.ToFloat64(acksTotal.WithLabelValues("nack", "ok"))
	errBefore := testutil.ToFloat64(acksTotal.WithLabelValues("nack", "error"))

	ObserveSettle("nack", nil)
	ObserveSettle("nack", errors.New("channel closed"))

	if got := testutil.ToFloat64(acksTotal.WithLabelValues("nack", "ok")) - okBefore; got != 1 {
		t.Fatalf("expected one ok nack, got %v", got)
	}
	if got := testutil.ToFloat64(acksTotal.WithLabelValues("nack", "error")) - errBefore; got != 1 {
		t.Fatalf("expected one failed nack, got %v", got)
	}
}

func TestSetFetchesInFlight(t *testing.T) {
	SetFetchesInFlight(4)
	if got := testutil.ToFloat64(fetchesInFlight); got != 4 {
		t.Fatalf("expected gauge 4, got %v", got)
	}
	SetFetchesInFlight(0)
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
