package matcher

import (
	"testing"

	"github.com/devproxy/devproxy/internal/models"
)

func TestMatchesKinds(t *testing.T) {
	cases := []struct {
		name string
		spec models.MatchSpec
		url  string
		want bool
	}{
		{"exact hit", models.MatchSpec{URLKind: models.MatchExact, URLValue: "/api/ping"}, "/api/ping", true},
		{"exact miss", models.MatchSpec{URLKind: models.MatchExact, URLValue: "/api/ping"}, "/api/ping2", false},
		{"contains", models.MatchSpec{URLKind: models.MatchContains, URLValue: "ping"}, "/api/ping/1", true},
		{"prefix", models.MatchSpec{URLKind: models.MatchStartsWith, URLValue: "/api"}, "/api/ping", true},
		{"suffix", models.MatchSpec{URLKind: models.MatchEndsWith, URLValue: "ping"}, "/api/ping", true},
		{"regex full match", models.MatchSpec{URLKind: models.MatchRegex, URLValue: `/users/\d+`}, "/users/42", true},
		{"regex partial rejected", models.MatchSpec{URLKind: models.MatchRegex, URLValue: `/users/\d+`}, "/users/42/extra", false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m, err := Compile(c.spec)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if got := m.Matches("GET", c.url); got != c.want {
				t.Errorf("Matches(%q) = %v, want %v", c.url, got, c.want)
			}
		})
	}
}

func TestMethodFilterIsCaseInsensitive(t *testing.T) {
	m, err := Compile(models.MatchSpec{Method: "get", URLKind: models.MatchExact, URLValue: "/x"})
	if err != nil {
		t.Fatal(err)
	}
	if !m.Matches("GET", "/x") {
		t.Error("expected GET to match method filter 'get'")
	}
	if m.Matches("POST", "/x") {
		t.Error("expected POST not to match method filter 'get'")
	}
}

func TestInvalidRegexRejected(t *testing.T) {
	_, err := Compile(models.MatchSpec{URLKind: models.MatchRegex, URLValue: "("})
	if err == nil {
		t.Fatal("expected an error for an unbalanced regex")
	}
}

func TestMatchesWithStatusAllowList(t *testing.T) {
	m, err := Compile(models.MatchSpec{URLKind: models.MatchExact, URLValue: "/x"})
	if err != nil {
		t.Fatal(err)
	}
	if !MatchesWithStatus(m, "GET", "/x", 500, []int{500, 502}) {
		t.Error("expected status 500 to be allowed")
	}
	if MatchesWithStatus(m, "GET", "/x", 200, []int{500, 502}) {
		t.Error("expected status 200 to be rejected by the allow-list")
	}
	if !MatchesWithStatus(m, "GET", "/x", 200, nil) {
		t.Error("expected an empty allow-list to accept any status")
	}
}
