// Package signal turns per-lead waveforms into the single ordered signal
// vector consumed by the projection, and normalizes it to a 1xN row.
package signal

import (
	"fmt"
	"math"

	"ecg-diagnosis/internal/common"
)

// LeadSignal is one lead's digitized amplitude over time.
type LeadSignal struct {
	Name    string    `json:"name"`
	Samples []float64 `json:"samples"`
}

// Len returns the number of samples in the lead.
func (l LeadSignal) Len() int { return len(l.Samples) }

// Vector is the concatenation of all leads of one sample, in canonical order.
type Vector []float64

// Builder concatenates lead signals in a fixed lead order.
type Builder struct {
	leads []string
	index map[string]int
}

// NewBuilder returns a builder requiring exactly the given leads, in order.
// With no leads it requires the twelve standard leads.
func NewBuilder(leads ...string) *Builder {
	if len(leads) == 0 {
		leads = common.StandardLeads()
	}
	b := &Builder{
		leads: append([]string(nil), leads...),
		index: make(map[string]int, len(leads)),
	}
	for i, name := range b.leads {
		b.index[name] = i
	}
	return b
}

// NewStandardBuilder returns a builder for the twelve standard leads, plus
// the long rhythm lead when includeLong is set.
func NewStandardBuilder(includeLong bool) *Builder {
	if includeLong {
		return NewBuilder(common.AllLeads()...)
	}
	return NewBuilder(common.StandardLeads()...)
}

// Leads returns the required lead names in canonical order.
func (b *Builder) Leads() []string {
	return append([]string(nil), b.leads...)
}

// Build validates leads and concatenates them in canonical order. Leads may
// arrive in any order; unnamed leads are taken positionally, but only when
// every lead is unnamed.
func (b *Builder) Build(leads []LeadSignal) (Vector, error) {
	if len(leads) == 0 {
		return nil, &EmptyInputError{Reason: "no leads supplied"}
	}

	ordered, err := b.order(leads)
	if err != nil {
		return nil, err
	}

	total := 0
	for i, l := range ordered {
		if l.Len() == 0 {
			return nil, &EmptyInputError{Lead: b.leads[i], Reason: "no samples"}
		}
		total += l.Len()
	}

	out := make(Vector, 0, total)
	for i, l := range ordered {
		for j, v := range l.Samples {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &NonNumericDataError{Lead: b.leads[i], Index: j, Value: v}
			}
		}
		out = append(out, l.Samples...)
	}
	return out, nil
}

func (b *Builder) order(leads []LeadSignal) ([]LeadSignal, error) {
	unnamed := 0
	for _, l := range leads {
		if l.Name == "" {
			unnamed++
		}
	}

	if unnamed == len(leads) {
		if len(leads) < len(b.leads) {
			return nil, &EmptyInputError{Lead: b.leads[len(leads)], Reason: "required lead missing"}
		}
		if len(leads) > len(b.leads) {
			return nil, &InvalidShapeError{Rows: len(leads), Reason: fmt.Sprintf("expected %d leads", len(b.leads))}
		}
		return leads, nil
	}
	if unnamed > 0 {
		return nil, &InvalidShapeError{Rows: len(leads), Reason: "mix of named and unnamed leads"}
	}

	ordered := make([]LeadSignal, len(b.leads))
	seen := make([]bool, len(b.leads))
	for _, l := range leads {
		i, ok := b.index[l.Name]
		if !ok {
			return nil, &InvalidShapeError{Rows: len(leads), Reason: fmt.Sprintf("unexpected lead %q", l.Name)}
		}
		if seen[i] {
			return nil, &InvalidShapeError{Rows: len(leads), Reason: fmt.Sprintf("duplicate lead %q", l.Name)}
		}
		seen[i] = true
		ordered[i] = l
	}
	for i, ok := range seen {
		if !ok {
			return nil, &EmptyInputError{Lead: b.leads[i], Reason: "required lead missing"}
		}
	}
	return ordered, nil
}
