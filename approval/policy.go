package approval

import (
	"time"

	"github.com/richinex/theseus/model"
)

// Policy decides how long a request may stay pending. Critical requests
// default to a shorter window so they escalate sooner.
type Policy struct {
	Default  time.Duration                    `yaml:"default" json:"default"`
	Timeouts map[model.RiskTier]time.Duration `yaml:"timeouts" json:"timeouts"`
}

// DefaultPolicy returns the built-in timeouts.
func DefaultPolicy() Policy {
	return Policy{
		Default: 5 * time.Minute,
		Timeouts: map[model.RiskTier]time.Duration{
			model.RiskCritical: 2 * time.Minute,
		},
	}
}

// TimeoutFor returns the window for a tier.
func (p Policy) TimeoutFor(tier model.RiskTier) time.Duration {
	if d, ok := p.Timeouts[tier]; ok && d > 0 {
		return d
	}
	if p.Default > 0 {
		return p.Default
	}
	return DefaultPolicy().Default
}
