package pipeline

import (
	"fmt"
	"time"
)

// Timeouts bounds each kind of step. Zero fields mean "use the default".
type Timeouts struct {
	Clone    time.Duration `json:"clone" yaml:"clone"`
	Fetch    time.Duration `json:"fetch" yaml:"fetch"`
	Checkout time.Duration `json:"checkout" yaml:"checkout"`
	Reset    time.Duration `json:"reset" yaml:"reset"`
	Patch    time.Duration `json:"patch" yaml:"patch"`
	Install  time.Duration `json:"install" yaml:"install"`
	Build    time.Duration `json:"build" yaml:"build"`
	Test     time.Duration `json:"test" yaml:"test"`
	Smoke    time.Duration `json:"smoke" yaml:"smoke"`
}

// DefaultTimeouts returns the built-in per-phase limits.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Clone:    600 * time.Second,
		Fetch:    600 * time.Second,
		Checkout: 120 * time.Second,
		Reset:    60 * time.Second,
		Patch:    60 * time.Second,
		Install:  1200 * time.Second,
		Build:    1200 * time.Second,
		Test:     900 * time.Second,
		Smoke:    300 * time.Second,
	}
}

// Merge returns t with every non-zero field of o applied on top.
func (t Timeouts) Merge(o Timeouts) Timeouts {
	pick := func(base, over time.Duration) time.Duration {
		if over > 0 {
			return over
		}
		return base
	}
	return Timeouts{
		Clone:    pick(t.Clone, o.Clone),
		Fetch:    pick(t.Fetch, o.Fetch),
		Checkout: pick(t.Checkout, o.Checkout),
		Reset:    pick(t.Reset, o.Reset),
		Patch:    pick(t.Patch, o.Patch),
		Install:  pick(t.Install, o.Install),
		Build:    pick(t.Build, o.Build),
		Test:     pick(t.Test, o.Test),
		Smoke:    pick(t.Smoke, o.Smoke),
	}
}

// ParseOverrides converts {"install": 1800, ...} (seconds) into Timeouts.
// Unknown phases and non-positive values are rejected.
func ParseOverrides(seconds map[string]int) (Timeouts, error) {
	var t Timeouts
	for phase, s := range seconds {
		if s <= 0 {
			return Timeouts{}, fmt.Errorf("timeout for %q must be positive, got %d", phase, s)
		}
		d := time.Duration(s) * time.Second
		switch phase {
		case "clone":
			t.Clone = d
		case "fetch":
			t.Fetch = d
		case "checkout":
			t.Checkout = d
		case "reset":
			t.Reset = d
		case "patch":
			t.Patch = d
		case "install":
			t.Install = d
		case "build":
			t.Build = d
		case "test":
			t.Test = d
		case "smoke":
			t.Smoke = d
		default:
			return Timeouts{}, fmt.Errorf("unknown timeout phase %q", phase)
		}
	}
	return t, nil
}
