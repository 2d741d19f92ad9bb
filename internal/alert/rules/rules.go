// Package rules defines configured alert rules and decides whether a rule
// fires for a given distance to the due date.
package rules

// RuleType is the closed set of supported alert rule kinds.
type RuleType string

const (
	// TypeDueReminder fires N days before the due date.
	TypeDueReminder RuleType = "due_reminder"
	// TypeOverdueEscalation fires N days after the due date.
	TypeOverdueEscalation RuleType = "overdue_escalation"
)

// Rule is a configured alert rule. Rules are created by an external admin
// surface and are read-only here.
type Rule struct {
	ID        string   `json:"id"`
	RuleType  RuleType `json:"ruleType"`
	DayOffset int      `json:"dayOffset"` // negative = days before due, positive = days after
	IsActive  bool     `json:"isActive"`
}

// Matches reports whether rule fires for an expense whose due date is
// daysToDue days from today (negative daysToDue = already past due).
//
// Each rule fires on exactly one day-delta, so a rule can never double-fire
// for the same expense within one evaluation.
func Matches(rule Rule, daysToDue int) bool {
	if !rule.IsActive {
		return false
	}

	switch rule.RuleType {
	case TypeDueReminder:
		// Reminder offsets are conventionally negative; match on magnitude
		// so a misconfigured positive offset still means "N days before".
		return daysToDue == abs(rule.DayOffset)
	case TypeOverdueEscalation:
		return daysToDue < 0 && abs(daysToDue) == rule.DayOffset
	default:
		// Unknown rule types never match.
		return false
	}
}

// ActiveOnly filters rules down to the active subset, preserving order.
func ActiveOnly(all []Rule) []Rule {
	active := make([]Rule, 0, len(all))
	for _, r := range all {
		if r.IsActive {
			active = append(active, r)
		}
	}
	return active
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
