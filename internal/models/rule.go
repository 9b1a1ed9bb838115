// Package models holds the wire-level data shapes shared by every rule
// family and by the recorder: identities, match specifications, tagged
// unions, and the captured exchange.
package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// MatchKind is the discriminator for a MatchSpec's URL comparison.
type MatchKind string

const (
	MatchExact      MatchKind = "exact"
	MatchContains   MatchKind = "contains"
	MatchStartsWith MatchKind = "startswith"
	MatchEndsWith   MatchKind = "endswith"
	MatchRegex      MatchKind = "regex"
)

// MatchSpec is the predicate shared by every rule family: an optional
// method filter plus a URL pattern and the kind of comparison to run.
type MatchSpec struct {
	Method    string    `json:"method,omitempty"`
	URLKind   MatchKind `json:"url_match_type"`
	URLValue  string    `json:"url_pattern"`
}

// RuleMeta is the identity every rule family embeds: stable id, display
// name, enabled flag, priority (higher runs earlier), and insertion
// bookkeeping used to break priority ties.
type RuleMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Enabled   bool      `json:"enabled"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	Seq       uint64    `json:"-"`
}

func (m *RuleMeta) Meta() *RuleMeta { return m }

// Identified is satisfied by every rule family so rulestore.Store[T] can
// operate on them generically.
type Identified interface {
	Meta() *RuleMeta
}

// ---- MockRule ----

type MockResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}

type MockRule struct {
	RuleMeta
	Match      MatchSpec    `json:"match"`
	Response   MockResponse `json:"response"`
	DelayMS    int          `json:"delay_ms,omitempty"`
}

// ---- ModifierRule ----

type ModKind string

const (
	ModReplaceBody  ModKind = "replace-body"
	ModAddHeader    ModKind = "add-header"
	ModRemoveHeader ModKind = "remove-header"
	ModChangeStatus ModKind = "change-status"
	ModInjectDelay  ModKind = "inject-delay"
	ModModifyJSON   ModKind = "modify-json"
)

// Modification is a tagged union. Exactly one of the typed fields is
// populated depending on Kind; Marshal/Unmarshal render it on the wire
// as an object keyed by the kind ({"replace-body":{...}}).
type Modification struct {
	Kind ModKind

	ReplaceBody  *ReplaceBodySpec
	AddHeader    *AddHeaderSpec
	RemoveHeader *RemoveHeaderSpec
	ChangeStatus *ChangeStatusSpec
	InjectDelay  *InjectDelaySpec
	ModifyJSON   *ModifyJSONSpec
}

type ReplaceBodySpec struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	UseRegex    bool   `json:"use_regex"`

	// compiled caches Pattern's compiled form once UseRegex is validated
	// at insert time, so replaceBody never recompiles it per request.
	compiled *regexp.Regexp
}

// CompiledRegex returns the cached compiled pattern, compiling and
// caching it on first use if Compile was never called on this spec.
func (s *ReplaceBodySpec) CompiledRegex() (*regexp.Regexp, error) {
	if s.compiled != nil {
		return s.compiled, nil
	}
	re, err := regexp.Compile(s.Pattern)
	if err != nil {
		return nil, err
	}
	s.compiled = re
	return re, nil
}

type AddHeaderSpec struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type RemoveHeaderSpec struct {
	Name string `json:"name"`
}

type ChangeStatusSpec struct {
	Status int `json:"status"`
}

type InjectDelaySpec struct {
	DelayMS int `json:"delay_ms"`
}

type ModifyJSONSpec struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

func (m Modification) MarshalJSON() ([]byte, error) {
	wrap := func(v interface{}) ([]byte, error) {
		return json.Marshal(map[string]interface{}{string(m.Kind): v})
	}
	switch m.Kind {
	case ModReplaceBody:
		return wrap(m.ReplaceBody)
	case ModAddHeader:
		return wrap(m.AddHeader)
	case ModRemoveHeader:
		return wrap(m.RemoveHeader)
	case ModChangeStatus:
		return wrap(m.ChangeStatus)
	case ModInjectDelay:
		return wrap(m.InjectDelay)
	case ModModifyJSON:
		return wrap(m.ModifyJSON)
	default:
		return nil, fmt.Errorf("modifier: unknown modification kind %q", m.Kind)
	}
}

func (m *Modification) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 1 {
		return fmt.Errorf("modifier: modification object must have exactly one key, got %d", len(raw))
	}
	for k, v := range raw {
		m.Kind = ModKind(k)
		switch m.Kind {
		case ModReplaceBody:
			m.ReplaceBody = &ReplaceBodySpec{}
			return json.Unmarshal(v, m.ReplaceBody)
		case ModAddHeader:
			m.AddHeader = &AddHeaderSpec{}
			return json.Unmarshal(v, m.AddHeader)
		case ModRemoveHeader:
			m.RemoveHeader = &RemoveHeaderSpec{}
			return json.Unmarshal(v, m.RemoveHeader)
		case ModChangeStatus:
			m.ChangeStatus = &ChangeStatusSpec{}
			return json.Unmarshal(v, m.ChangeStatus)
		case ModInjectDelay:
			m.InjectDelay = &InjectDelaySpec{}
			return json.Unmarshal(v, m.InjectDelay)
		case ModModifyJSON:
			m.ModifyJSON = &ModifyJSONSpec{}
			return json.Unmarshal(v, m.ModifyJSON)
		default:
			return fmt.Errorf("modifier: unknown modification kind %q", k)
		}
	}
	return nil
}

type ModifierRule struct {
	RuleMeta
	Match         MatchSpec      `json:"match"`
	StatusFilter  []int          `json:"status_filter,omitempty"`
	Modifications []Modification `json:"modifications"`
}

// ---- RateLimitRule ----

type KeyKind string

const (
	KeyGlobal  KeyKind = "global"
	KeyIP      KeyKind = "ipaddress"
	KeyHeader  KeyKind = "header"
	KeyCustom  KeyKind = "custom"
)

// KeyType is a tagged union over the bare string forms ("global",
// "ipaddress") and the object forms ({"header":{"name":"..."}}) per the
// wire-compatibility requirement.
type KeyType struct {
	Kind       KeyKind
	HeaderName string
	Pattern    string
}

func (k KeyType) MarshalJSON() ([]byte, error) {
	switch k.Kind {
	case KeyGlobal:
		return json.Marshal("global")
	case KeyIP:
		return json.Marshal("ipaddress")
	case KeyHeader:
		return json.Marshal(map[string]interface{}{
			"header": map[string]string{"name": k.HeaderName},
		})
	case KeyCustom:
		return json.Marshal(map[string]interface{}{
			"custom": map[string]string{"pattern": k.Pattern},
		})
	default:
		return nil, fmt.Errorf("ratelimit: unknown key kind %q", k.Kind)
	}
}

func (k *KeyType) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		switch asString {
		case "global":
			k.Kind = KeyGlobal
			return nil
		case "ipaddress":
			k.Kind = KeyIP
			return nil
		default:
			return fmt.Errorf("ratelimit: unknown key_type literal %q", asString)
		}
	}

	var asObject struct {
		Header *struct {
			Name string `json:"name"`
		} `json:"header"`
		Custom *struct {
			Pattern string `json:"pattern"`
		} `json:"custom"`
	}
	if err := json.Unmarshal(data, &asObject); err != nil {
		return err
	}
	switch {
	case asObject.Header != nil:
		k.Kind = KeyHeader
		k.HeaderName = asObject.Header.Name
	case asObject.Custom != nil:
		k.Kind = KeyCustom
		k.Pattern = asObject.Custom.Pattern
	default:
		return fmt.Errorf("ratelimit: key_type object has neither header nor custom")
	}
	return nil
}

type Limit struct {
	MaxRequests   int `json:"max_requests"`
	WindowSeconds int `json:"window_seconds"`
	BurstSize     int `json:"burst_size,omitempty"`
}

type DeniedResponseTemplate struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	DelayMS int               `json:"delay_ms,omitempty"`
}

type RateLimitRule struct {
	RuleMeta
	Match    MatchSpec               `json:"match"`
	KeyType  KeyType                 `json:"key_type"`
	Limit    Limit                   `json:"limit"`
	Response DeniedResponseTemplate  `json:"response"`
}

// ---- LatencyRule ----

type ApplyTo string

const (
	ApplyRequest  ApplyTo = "request"
	ApplyResponse ApplyTo = "response"
	ApplyBoth     ApplyTo = "both"
)

func (a ApplyTo) Covers(direction ApplyTo) bool {
	return a == ApplyBoth || a == direction
}

type DelayKind string

const (
	DelayFixed  DelayKind = "fixed"
	DelayRandom DelayKind = "random"
	DelayNormal DelayKind = "normal"
	DelaySpike  DelayKind = "spike"
)

// DelayConfig is a tagged union discriminated by an explicit "type"
// field, per the wire design for closed unions with numeric payloads.
type DelayConfig struct {
	Kind DelayKind

	FixedMS int

	MinMS int
	MaxMS int

	MeanMS   float64
	StdDevMS float64

	BaseMS      int
	SpikeMS     int
	Probability float64
}

func (d DelayConfig) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{"type": string(d.Kind)}
	switch d.Kind {
	case DelayFixed:
		m["delay_ms"] = d.FixedMS
	case DelayRandom:
		m["min_ms"] = d.MinMS
		m["max_ms"] = d.MaxMS
	case DelayNormal:
		m["mean_ms"] = d.MeanMS
		m["std_dev_ms"] = d.StdDevMS
	case DelaySpike:
		m["base_ms"] = d.BaseMS
		m["spike_ms"] = d.SpikeMS
		m["probability"] = d.Probability
	default:
		return nil, fmt.Errorf("latency: unknown delay kind %q", d.Kind)
	}
	return json.Marshal(m)
}

func (d *DelayConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type        string  `json:"type"`
		DelayMS     int     `json:"delay_ms"`
		MinMS       int     `json:"min_ms"`
		MaxMS       int     `json:"max_ms"`
		MeanMS      float64 `json:"mean_ms"`
		StdDevMS    float64 `json:"std_dev_ms"`
		BaseMS      int     `json:"base_ms"`
		SpikeMS     int     `json:"spike_ms"`
		Probability float64 `json:"probability"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Kind = DelayKind(raw.Type)
	switch d.Kind {
	case DelayFixed:
		d.FixedMS = raw.DelayMS
	case DelayRandom:
		d.MinMS = raw.MinMS
		d.MaxMS = raw.MaxMS
	case DelayNormal:
		d.MeanMS = raw.MeanMS
		d.StdDevMS = raw.StdDevMS
	case DelaySpike:
		d.BaseMS = raw.BaseMS
		d.SpikeMS = raw.SpikeMS
		d.Probability = raw.Probability
	default:
		return fmt.Errorf("latency: unknown delay type %q", raw.Type)
	}
	return nil
}

type LatencyRule struct {
	RuleMeta
	Match   MatchSpec   `json:"match"`
	ApplyTo ApplyTo     `json:"apply_to"`
	Delay   DelayConfig `json:"delay"`
}
