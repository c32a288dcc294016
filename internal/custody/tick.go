package custody

import (
	"fmt"

	"github.com/custodia-labs/rangekeeper/internal/domain"
)

// ValidateTickRange checks a requested range against the pool's tick
// spacing and the global tick bounds. Pure; callers decide what to do with
// the failure.
func ValidateTickRange(lower, upper, spacing int32) error {
	if spacing <= 0 {
		return fmt.Errorf("custody: tick spacing %d: %w", spacing, domain.ErrInvalidTickRange)
	}
	if lower >= upper {
		return fmt.Errorf("custody: lower %d >= upper %d: %w", lower, upper, domain.ErrInvalidTickRange)
	}
	if lower < domain.MinTick || upper > domain.MaxTick {
		return fmt.Errorf("custody: range [%d, %d] outside [%d, %d]: %w",
			lower, upper, domain.MinTick, domain.MaxTick, domain.ErrInvalidTickRange)
	}
	if lower%spacing != 0 || upper%spacing != 0 {
		return fmt.Errorf("custody: range [%d, %d] not aligned to spacing %d: %w",
			lower, upper, spacing, domain.ErrInvalidTickRange)
	}
	return nil
}
