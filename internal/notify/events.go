package notify

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-labs/rangekeeper/internal/domain"
)

// Event types recognised by the notifier filter. These match the values
// accepted in the notify.events config list.
const (
	EventBreakerTripped = "breaker_tripped"
	EventBreakerCleared = "breaker_cleared"
	EventInsolvency     = "insolvency"
	EventReposition     = "reposition"
)

// BreakerEventType maps an audit record kind to a notifier event type.
// Rejected and accepted records are routine and have no alert mapping.
func BreakerEventType(kind domain.BreakerEventKind) (string, bool) {
	switch kind {
	case domain.BreakerEventTripped:
		return EventBreakerTripped, true
	case domain.BreakerEventCleared:
		return EventBreakerCleared, true
	default:
		return "", false
	}
}

// FormatBreakerEvent renders a breaker audit record as an alert title and
// message body.
func FormatBreakerEvent(event domain.BreakerEvent) (title, message string) {
	switch event.Kind {
	case domain.BreakerEventTripped:
		title = "Circuit breaker tripped"
	case domain.BreakerEventCleared:
		title = "Circuit breaker cleared"
	default:
		title = fmt.Sprintf("Breaker %s", event.Kind)
	}
	message = fmt.Sprintf("risk level %d", event.RiskLevel)
	if event.Reason != "" {
		message += ": " + event.Reason
	}
	if event.Owner != (common.Address{}) {
		message += fmt.Sprintf(" (owner %s)", event.Owner.Hex())
	}
	return title, message
}

// FormatInsolvency renders an insolvency abort as an alert.
func FormatInsolvency(owner string, err error) (title, message string) {
	return "Settlement aborted: insolvent", fmt.Sprintf("owner %s: %v", owner, err)
}

// FormatReposition renders a completed controller reposition as an alert.
func FormatReposition(owner string, tickLower, tickUpper int32) (title, message string) {
	return "Position migrated", fmt.Sprintf("owner %s moved to range [%d, %d)", owner, tickLower, tickUpper)
}
