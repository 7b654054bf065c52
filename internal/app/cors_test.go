package app

import "testing"

func TestExtractOriginHost(t *testing.T) {
	cases := []struct {
		origin string
		want   string
	}{
		{"https://canada.ca", "canada.ca"},
		{"https://Apps.Canada.CA:8443", "apps.canada.ca:8443"},
		{"not-a-url", "not-a-url"},
		{"LOCALHOST:3000", "localhost:3000"},
	}
	for _, tc := range cases {
		if got := extractOriginHost(tc.origin); got != tc.want {
			t.Errorf("extractOriginHost(%q) = %q, want %q", tc.origin, got, tc.want)
		}
	}
}

func TestMatchOriginPattern(t *testing.T) {
	cases := []struct {
		pattern string
		host    string
		want    bool
	}{
		{"canada.ca", "canada.ca", true},
		{"*.canada.ca", "apps.canada.ca", true},
		{"*.canada.ca", "canada.org", false},
		{"localhost:*", "localhost:3000", true},
		{"localhost:*", "example.com:3000", false},
		// Config patterns are hand-typed; hostname matching stays
		// case-insensitive.
		{"Canada.CA", "canada.ca", true},
		{"*.Canada.CA", "apps.canada.ca", true},
		{"canada.ca", "other.ca", false},
	}
	for _, tc := range cases {
		if got := matchOriginPattern(tc.pattern, tc.host); got != tc.want {
			t.Errorf("matchOriginPattern(%q, %q) = %v, want %v", tc.pattern, tc.host, got, tc.want)
		}
	}
}
