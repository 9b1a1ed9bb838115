// Package modifier applies the ordered response-transformation pipeline:
// body rewriting, header add/remove, status override, in-place delay
// injection, and JSON field setting. Rules are gathered and ordered
// once per response; modifications within a rule run in declaration
// order, and a later rule always sees the status/body a prior rule left
// behind.
package modifier

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/devproxy/devproxy/internal/matcher"
	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/rulestore"
	"github.com/devproxy/devproxy/internal/util"
	"github.com/tidwall/sjson"
)

// Response is the mutable response shape the Modifier transforms.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Modifier applies modifier rules to a response.
type Modifier struct {
	store *rulestore.Store[*models.ModifierRule]

	mu            sync.Mutex
	skippedPanics int64
}

// New creates a Modifier backed by store.
func New(store *rulestore.Store[*models.ModifierRule]) *Modifier {
	return &Modifier{store: store}
}

// Apply runs every enabled, matching modifier rule against resp, in
// descending priority / ascending insertion order, and returns the
// transformed response. ctx gates inject-delay suspensions.
func (mod *Modifier) Apply(ctx context.Context, method, url string, resp *Response) *Response {
	for _, m := range mod.store.ListSorted() {
		rule := m.Rule
		if !matcher.MatchesWithStatus(m.Matcher, method, url, resp.Status, rule.StatusFilter) {
			continue
		}
		for _, modification := range rule.Modifications {
			mod.applyOne(ctx, modification, resp)
		}
	}
	return resp
}

// applyOne runs a single modification, recovering from any panic in
// user-supplied rule data (a pathological regex, a malformed JSON
// value) so one bad rule cannot crash the pipeline.
func (mod *Modifier) applyOne(ctx context.Context, m models.Modification, resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			mod.mu.Lock()
			mod.skippedPanics++
			mod.mu.Unlock()
		}
	}()

	switch m.Kind {
	case models.ModReplaceBody:
		mod.replaceBody(m.ReplaceBody, resp)
	case models.ModAddHeader:
		if resp.Headers == nil {
			resp.Headers = make(map[string]string)
		}
		resp.Headers[m.AddHeader.Name] = m.AddHeader.Value
	case models.ModRemoveHeader:
		for name := range resp.Headers {
			if strings.EqualFold(name, m.RemoveHeader.Name) {
				delete(resp.Headers, name)
			}
		}
	case models.ModChangeStatus:
		resp.Status = m.ChangeStatus.Status
	case models.ModInjectDelay:
		_ = util.SleepContext(ctx, time.Duration(m.InjectDelay.DelayMS)*time.Millisecond)
	case models.ModModifyJSON:
		mod.modifyJSON(m.ModifyJSON, resp)
	}
}

func (mod *Modifier) replaceBody(spec *models.ReplaceBodySpec, resp *Response) {
	if !utf8.Valid(resp.Body) {
		return
	}
	body := string(resp.Body)
	if spec.UseRegex {
		re, err := spec.CompiledRegex()
		if err != nil {
			return
		}
		resp.Body = []byte(re.ReplaceAllString(body, spec.Replacement))
		return
	}
	resp.Body = []byte(strings.ReplaceAll(body, spec.Pattern, spec.Replacement))
}

func (mod *Modifier) modifyJSON(spec *models.ModifyJSONSpec, resp *Response) {
	if !json.Valid(resp.Body) {
		return
	}
	var value interface{}
	if err := json.Unmarshal(spec.Value, &value); err != nil {
		return
	}
	updated, err := sjson.Set(string(resp.Body), spec.Path, value)
	if err != nil {
		return
	}
	resp.Body = []byte(updated)
}

// SkippedPanics returns the count of modifications skipped because the
// underlying rule data caused a panic at apply time.
func (mod *Modifier) SkippedPanics() int64 {
	mod.mu.Lock()
	defer mod.mu.Unlock()
	return mod.skippedPanics
}

// Compile and Validate are the rulestore.Store[*ModifierRule] hooks.
func Compile(rule *models.ModifierRule) (*matcher.Matcher, error) {
	m, err := matcher.Compile(rule.Match)
	if err != nil {
		return nil, err
	}
	for _, modification := range rule.Modifications {
		if modification.Kind == models.ModReplaceBody && modification.ReplaceBody.UseRegex {
			if _, err := modification.ReplaceBody.CompiledRegex(); err != nil {
				return nil, util.NewError(util.InvalidPattern, "invalid replace-body regex", modification.ReplaceBody.Pattern)
			}
		}
	}
	return m, nil
}

func Validate(rule *models.ModifierRule) error {
	for _, modification := range rule.Modifications {
		switch modification.Kind {
		case models.ModReplaceBody, models.ModAddHeader, models.ModRemoveHeader,
			models.ModChangeStatus, models.ModInjectDelay, models.ModModifyJSON:
			continue
		default:
			return util.NewError(util.ValidationFailed, "unknown modification kind", modification.Kind)
		}
	}
	return nil
}
