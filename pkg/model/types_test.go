package model

import (
	"testing"

	"reqsploit/pkg/traffic"
)

func req(method, url string) *traffic.Request {
	return &traffic.Request{Method: method, URL: url}
}

func TestFiltersEmptyMatchesEverything(t *testing.T) {
	f := RequestFilters{}
	if !f.Match(req("GET", "http://example.com/a")) {
		t.Fatal("empty filters must match any request")
	}
	if !f.MatchStatus(500) {
		t.Fatal("empty status filter must match any status")
	}
}

func TestFiltersMethodMatching(t *testing.T) {
	f := RequestFilters{Methods: []string{"POST", "put"}}
	if !f.Match(req("POST", "http://a.com/")) {
		t.Fatal("POST must match")
	}
	if !f.Match(req("PUT", "http://a.com/")) {
		t.Fatal("method matching must be case-insensitive")
	}
	if f.Match(req("GET", "http://a.com/")) {
		t.Fatal("GET must not match")
	}
}

func TestFiltersDomainMatching(t *testing.T) {
	f := RequestFilters{Domains: []string{"example.com"}}
	cases := []struct {
		url  string
		want bool
	}{
		{"http://example.com/path", true},
		{"https://example.com:8443/path?q=1", true},
		{"http://EXAMPLE.com/", true},
		{"http://api.example.com/", false},
		{"http://other.com/", false},
	}
	for _, c := range cases {
		if got := f.Match(req("GET", c.url)); got != c.want {
			t.Errorf("Match(%s) = %v, want %v", c.url, got, c.want)
		}
	}
}

func TestFiltersWildcardDomain(t *testing.T) {
	f := RequestFilters{Domains: []string{"*.example.com"}}
	if !f.Match(req("GET", "http://api.example.com/")) {
		t.Fatal("subdomain must match wildcard")
	}
	if !f.Match(req("GET", "http://example.com/")) {
		t.Fatal("bare domain must match wildcard")
	}
	if f.Match(req("GET", "http://badexample.com/")) {
		t.Fatal("suffix overlap without dot boundary must not match")
	}
}

func TestFiltersCombineWithAnd(t *testing.T) {
	f := RequestFilters{Methods: []string{"POST"}, Domains: []string{"example.com"}}
	if !f.Match(req("POST", "http://example.com/")) {
		t.Fatal("both criteria satisfied must match")
	}
	if f.Match(req("POST", "http://other.com/")) {
		t.Fatal("wrong domain must not match even with right method")
	}
	if f.Match(req("GET", "http://example.com/")) {
		t.Fatal("wrong method must not match even with right domain")
	}
}

func TestMatchStatus(t *testing.T) {
	f := RequestFilters{StatusCodes: []int{404, 500}}
	if !f.MatchStatus(404) || !f.MatchStatus(500) {
		t.Fatal("listed codes must match")
	}
	if f.MatchStatus(200) {
		t.Fatal("unlisted code must not match")
	}
}

func TestQueueStateTerminal(t *testing.T) {
	for _, s := range []QueueState{StateForwarded, StateDropped} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
	for _, s := range []QueueState{StateCaptured, StateHeld, StateModified} {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}
