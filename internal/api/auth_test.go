package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractAPIKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "bearer", header: "Bearer run-token", want: "run-token"},
		{name: "bearer padded", header: "Bearer  run-token ", want: "run-token"},
		{name: "missing", wantErr: true},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", wantErr: true},
		{name: "empty token", header: "Bearer   ", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			got, err := ExtractAPIKey(req)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ExtractAPIKey() = %q, want error", got)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("ExtractAPIKey() = %q, %v; want %q", got, err, tc.want)
			}
		})
	}
}

func TestValidateAPIKey(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		provided, configured string
		want                 bool
	}{
		{"run-token", "run-token", true},
		{"run-token", "run-tokem", false},
		{"short", "run-token", false},
		{"", "run-token", false},
		{"run-token", "", false},
	} {
		if got := ValidateAPIKey(tc.provided, tc.configured); got != tc.want {
			t.Fatalf("ValidateAPIKey(%q, %q) = %v, want %v", tc.provided, tc.configured, got, tc.want)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

	cases := []struct {
		name   string
		key    string
		header string
		want   int
	}{
		{name: "open without key", want: http.StatusTeapot},
		{name: "open ignores header", header: "Bearer anything", want: http.StatusTeapot},
		{name: "missing header", key: "secret", want: http.StatusUnauthorized},
		{name: "wrong key", key: "secret", header: "Bearer guess", want: http.StatusUnauthorized},
		{name: "right key", key: "secret", header: "Bearer secret", want: http.StatusTeapot},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestServer(t, Config{APIKey: tc.key})
			req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			s.authMiddleware(ok).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
