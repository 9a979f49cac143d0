package encryption

import "fmt"

// KDFPolicy sets how much key-stretching each credential kind gets.
// Random keys carry full entropy and get the minimum; human passwords get
// a brute-force resistant factor. Work factors are scrypt log2(N).
type KDFPolicy struct {
	RandomKeyWorkFactor int
	PasswordWorkFactor  int
	// MaxWorkFactor bounds what Decrypt accepts from a container header.
	MaxWorkFactor int
	// LegacyIterations is the PBKDF2 count used by SealLegacy.
	LegacyIterations int
}

// DefaultKDFPolicy returns the policy used when nothing is configured.
func DefaultKDFPolicy() KDFPolicy {
	return KDFPolicy{
		RandomKeyWorkFactor: 1,
		PasswordWorkFactor:  18,
		MaxWorkFactor:       22,
		LegacyIterations:    600_000,
	}
}

// Validate rejects policies that would weaken password protection or that
// age cannot apply.
func (p KDFPolicy) Validate() error {
	for name, v := range map[string]int{
		"random key work factor": p.RandomKeyWorkFactor,
		"password work factor":   p.PasswordWorkFactor,
		"max work factor":        p.MaxWorkFactor,
	} {
		if v < 1 || v > 30 {
			return fmt.Errorf("%s must be between 1 and 30, got %d", name, v)
		}
	}
	if p.PasswordWorkFactor <= p.RandomKeyWorkFactor {
		return fmt.Errorf("password work factor (%d) must exceed random key work factor (%d)",
			p.PasswordWorkFactor, p.RandomKeyWorkFactor)
	}
	if p.MaxWorkFactor < p.PasswordWorkFactor {
		return fmt.Errorf("max work factor (%d) is below password work factor (%d)",
			p.MaxWorkFactor, p.PasswordWorkFactor)
	}
	if p.LegacyIterations < 1 || p.LegacyIterations > maxLegacyIterations {
		return fmt.Errorf("legacy iterations must be between 1 and %d, got %d", maxLegacyIterations, p.LegacyIterations)
	}
	return nil
}
