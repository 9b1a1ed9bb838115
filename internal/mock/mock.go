// Package mock implements short-circuit response synthesis: the first
// enabled rule matching a request's method and URL wins outright, and
// upstream is never contacted.
package mock

import (
	"context"
	"time"

	"github.com/devproxy/devproxy/internal/matcher"
	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/rulestore"
	"github.com/devproxy/devproxy/internal/util"
)

// Mock finds and synthesizes responses for MockRules.
type Mock struct {
	store *rulestore.Store[*models.MockRule]
}

// New creates a Mock backed by store.
func New(store *rulestore.Store[*models.MockRule]) *Mock {
	return &Mock{store: store}
}

// FirstMatch scans rules in priority order and returns the first
// enabled match, or nil if none match.
func (mk *Mock) FirstMatch(method, url string) *models.MockRule {
	for _, m := range mk.store.ListSorted() {
		if m.Matcher.Matches(method, url) {
			return m.Rule
		}
	}
	return nil
}

// Synthesize applies the rule's fixed pre-response delay (if any,
// cancellable via ctx) and returns the configured synthetic response.
func (mk *Mock) Synthesize(ctx context.Context, rule *models.MockRule) (models.MockResponse, error) {
	if rule.DelayMS > 0 {
		if err := util.SleepContext(ctx, time.Duration(rule.DelayMS)*time.Millisecond); err != nil {
			return models.MockResponse{}, err
		}
	}
	return rule.Response, nil
}

// Compile and Validate are the rulestore.Store[*MockRule] hooks.
func Compile(rule *models.MockRule) (*matcher.Matcher, error) {
	return matcher.Compile(rule.Match)
}

func Validate(rule *models.MockRule) error {
	if rule.Response.Status == 0 {
		return util.NewError(util.ValidationFailed, "mock response status must be set", rule.Response.Status)
	}
	return nil
}
