package lifecycle

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/vantage/internal/signal"
)

// Transition is an ordered pair of lifecycle states.
type Transition struct {
	From signal.LifecycleState `yaml:"from"`
	To   signal.LifecycleState `yaml:"to"`
}

func (t Transition) String() string { return string(t.From) + "->" + string(t.To) }

// TransitionPolicy lists, per transition, which signal types become stale
// and must be suppressed. Transitions not listed suppress nothing.
type TransitionPolicy struct {
	Version  string
	suppress map[Transition][]signal.SignalType
}

// DefaultPolicy is the built-in policy: moving forward retires the signals
// that described the earlier stage. Backward moves suppress nothing.
func DefaultPolicy() *TransitionPolicy {
	activation := []signal.SignalType{signal.TypeAccountActivation, signal.TypeNoEngagement}
	engagement := []signal.SignalType{signal.TypeFirstEngagement, signal.TypeDiscoveryStalled, signal.TypeStakeholderGap}
	return &TransitionPolicy{
		Version: "lifecycle-policy-v1",
		suppress: map[Transition][]signal.SignalType{
			{signal.LifecycleProspect, signal.LifecycleSuspect}:  activation,
			{signal.LifecycleSuspect, signal.LifecycleCustomer}:  engagement,
			{signal.LifecycleProspect, signal.LifecycleCustomer}: slices.Concat(activation, engagement),
		},
	}
}

// SuppressedTypes returns the signal types to suppress on from -> to.
func (p *TransitionPolicy) SuppressedTypes(from, to signal.LifecycleState) []signal.SignalType {
	if from == to {
		return nil
	}
	return slices.Clone(p.suppress[Transition{from, to}])
}

// Transitions lists the configured transitions in a stable order.
func (p *TransitionPolicy) Transitions() []Transition {
	out := make([]Transition, 0, len(p.suppress))
	for t := range p.suppress {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Transition) int {
		if c := cmp.Compare(a.From, b.From); c != 0 {
			return c
		}
		return cmp.Compare(a.To, b.To)
	})
	return out
}

type policyFile struct {
	Version     string `yaml:"version"`
	Transitions []struct {
		Transition `yaml:",inline"`
		Suppress   []signal.SignalType `yaml:"suppress"`
	} `yaml:"transitions"`
}

// ParsePolicy reads a YAML policy:
//
//	version: lifecycle-policy-v2
//	transitions:
//	  - from: PROSPECT
//	    to: SUSPECT
//	    suppress: [ACCOUNT_ACTIVATION_DETECTED]
func ParsePolicy(data []byte) (*TransitionPolicy, error) {
	var f policyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse lifecycle policy: %w", err)
	}

	var errs []error
	if f.Version == "" {
		errs = append(errs, errors.New("policy version is required"))
	}
	p := &TransitionPolicy{Version: f.Version, suppress: make(map[Transition][]signal.SignalType)}
	for _, tr := range f.Transitions {
		if !tr.From.Valid() || !tr.To.Valid() {
			errs = append(errs, fmt.Errorf("transition %s: unknown lifecycle state", tr.Transition))
			continue
		}
		if tr.From == tr.To {
			errs = append(errs, fmt.Errorf("transition %s: from and to are equal", tr.Transition))
			continue
		}
		if _, dup := p.suppress[tr.Transition]; dup {
			errs = append(errs, fmt.Errorf("transition %s listed twice", tr.Transition))
			continue
		}
		for _, st := range tr.Suppress {
			if !st.Valid() {
				errs = append(errs, fmt.Errorf("transition %s: unknown signal type %q", tr.Transition, st))
			}
		}
		p.suppress[tr.Transition] = slices.Clone(tr.Suppress)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return p, nil
}
