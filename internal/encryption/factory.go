package encryption

import (
	"efv-go/internal/config"
)

// NewEngineFromConfig creates an Engine from the [kdf] config section.
// Zero fields fall back to DefaultKDFPolicy.
func NewEngineFromConfig(cfg config.KDFConfig) (*Engine, error) {
	p := DefaultKDFPolicy()
	if cfg.RandomKeyWorkFactor != 0 {
		p.RandomKeyWorkFactor = cfg.RandomKeyWorkFactor
	}
	if cfg.PasswordWorkFactor != 0 {
		p.PasswordWorkFactor = cfg.PasswordWorkFactor
	}
	if cfg.MaxWorkFactor != 0 {
		p.MaxWorkFactor = cfg.MaxWorkFactor
	}
	if cfg.LegacyIterations != 0 {
		p.LegacyIterations = cfg.LegacyIterations
	}
	return NewEngine(p)
}
