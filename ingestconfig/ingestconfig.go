// Package ingestconfig loads a subscription batch and reconnect policy
// override from YAML. The surface is deliberately small: a subscription
// set and a backoff override are the only configuration this module takes;
// everything else is hard-coded per connector.
package ingestconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/meltfeed/event"
	"github.com/coachpo/meltfeed/reconnect"
	"github.com/coachpo/meltfeed/subscription"
)

// InstrumentSpec is the YAML shape of one instrument: base/quote plus the
// fields an Option or Future additionally requires.
type InstrumentSpec struct {
	Base   string `yaml:"base"`
	Quote  string `yaml:"quote"`
	Kind   string `yaml:"kind"` // spot | perpetual | future | option
	Expiry string `yaml:"expiry,omitempty"`
	Strike string `yaml:"strike,omitempty"`
	Option string `yaml:"option,omitempty"` // call | put
}

// SubscriptionSpec is the YAML shape of one (exchange, instrument, channel)
// entry.
type SubscriptionSpec struct {
	Exchange   string         `yaml:"exchange"`
	Instrument InstrumentSpec `yaml:"instrument"`
	Channel    string         `yaml:"channel"`
}

// PolicySpec is the YAML shape of a reconnect.Policy override. Any zero
// field falls back to reconnect.DefaultPolicy()'s corresponding field.
type PolicySpec struct {
	InitialMS  int64   `yaml:"initial_ms"`
	Multiplier float64 `yaml:"multiplier"`
	MaxMS      int64   `yaml:"max_ms"`
	JitterMS   int64   `yaml:"jitter_ms"`
}

// Doc is the top-level YAML document: a flat list of subscriptions plus an
// optional policy override.
type Doc struct {
	Subscriptions []SubscriptionSpec `yaml:"subscriptions"`
	Reconnect     *PolicySpec        `yaml:"reconnect,omitempty"`
}

// Batch is what Load resolves Doc into: normalised subscriptions grouped by
// exchange (the shape multiplex.Builder.Subscribe expects one group per
// call to build from) plus the effective reconnect policy.
type Batch struct {
	ByExchange map[event.ExchangeID][]subscription.Subscription
	Policy     reconnect.Policy
}

// Load reads and parses the YAML subscription batch at path.
func Load(path string) (Batch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Batch{}, fmt.Errorf("ingestconfig: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes raw YAML bytes into a Batch, validating every subscription
// along the way.
func Parse(raw []byte) (Batch, error) {
	var doc Doc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Batch{}, fmt.Errorf("ingestconfig: parse yaml: %w", err)
	}

	byExchange := make(map[event.ExchangeID][]subscription.Subscription)
	for i, spec := range doc.Subscriptions {
		sub, err := spec.resolve()
		if err != nil {
			return Batch{}, fmt.Errorf("ingestconfig: subscriptions[%d]: %w", i, err)
		}
		if err := sub.Validate(); err != nil {
			return Batch{}, fmt.Errorf("ingestconfig: subscriptions[%d]: %w", i, err)
		}
		byExchange[sub.Exchange] = append(byExchange[sub.Exchange], sub)
	}

	policy := reconnect.DefaultPolicy()
	if doc.Reconnect != nil {
		policy = doc.Reconnect.resolve(policy)
	}

	return Batch{ByExchange: byExchange, Policy: policy}, nil
}

func (s SubscriptionSpec) resolve() (subscription.Subscription, error) {
	instr, err := s.Instrument.resolve()
	if err != nil {
		return subscription.Subscription{}, err
	}
	return subscription.Subscription{
		Exchange:   event.ExchangeID(s.Exchange),
		Instrument: instr,
		Kind:       subscription.Kind(s.Channel),
	}, nil
}

func (i InstrumentSpec) resolve() (event.Instrument, error) {
	instr := event.Instrument{
		Base:  i.Base,
		Quote: i.Quote,
		Kind:  event.InstrumentKind(i.Kind),
	}
	if i.Expiry != "" {
		t, err := time.Parse("2006-01-02", i.Expiry)
		if err != nil {
			return event.Instrument{}, fmt.Errorf("parse expiry %q: %w", i.Expiry, err)
		}
		instr.Expiry = t
	}
	instr.Strike = i.Strike
	switch i.Option {
	case "call":
		instr.Option = event.OptionCall
	case "put":
		instr.Option = event.OptionPut
	}
	return instr, nil
}

func (p PolicySpec) resolve(base reconnect.Policy) reconnect.Policy {
	policy := base
	if p.InitialMS > 0 {
		policy.Initial = time.Duration(p.InitialMS) * time.Millisecond
	}
	if p.Multiplier > 0 {
		policy.Multiplier = p.Multiplier
	}
	if p.MaxMS > 0 {
		policy.Max = time.Duration(p.MaxMS) * time.Millisecond
	}
	if p.JitterMS > 0 {
		policy.Jitter = time.Duration(p.JitterMS) * time.Millisecond
	}
	return policy
}
