// Package evaluate is the pure alert evaluation engine: it maps (today,
// expenses, rules) to a deterministic, deduplicated candidate list. It does
// no I/O; the orchestrator owns loading, dedup against history and dispatch.
package evaluate

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"expense-alerts/internal/alert/localday"
	"expense-alerts/internal/alert/rules"
)

// ExpenseStatus is the closed set of expense payment states.
type ExpenseStatus string

const (
	StatusPending ExpenseStatus = "pending"
	StatusOverdue ExpenseStatus = "overdue"
	StatusPaid    ExpenseStatus = "paid"
)

// Expense is the projection of a financial obligation fed into evaluation.
type Expense struct {
	ID               string          `json:"id"`
	BranchID         string          `json:"branchId"`
	ExpenseType      string          `json:"expenseType"`
	Period           string          `json:"period"`
	DueDate          time.Time       `json:"dueDate"`
	Amount           decimal.Decimal `json:"amount"`
	Status           ExpenseStatus   `json:"status"`
	BalanceRemaining decimal.Decimal `json:"balanceRemaining"`
}

// Candidate is one alert the engine decided should go out today. AlertKey is
// the system-wide deduplication identity.
type Candidate struct {
	AlertKey         string          `json:"alertKey"`
	ExpenseID        string          `json:"expenseId"`
	BranchID         string          `json:"branchId"`
	ExpenseType      string          `json:"expenseType"`
	Period           string          `json:"period"`
	DueDate          time.Time       `json:"dueDate"`
	BalanceRemaining decimal.Decimal `json:"balanceRemaining"`
	RuleID           string          `json:"ruleId"`
	RuleType         rules.RuleType  `json:"ruleType"`
	DayOffset        int             `json:"dayOffset"`
	TriggerDate      string          `json:"triggerDate"` // YYYY-MM-DD
	DaysToDue        int             `json:"daysToDue"`
}

// Result is the output of one evaluation call.
type Result struct {
	EvaluationDate string      `json:"evaluationDate"`
	Candidates     []Candidate `json:"candidates"`
	TotalEvaluated int         `json:"totalEvaluated"`
	EligibleCount  int         `json:"eligibleCount"`
}

// Eligible reports whether an expense can produce alerts at all: unpaid,
// positive remaining balance, valid due date. The data-loading boundary
// filters the same way; this re-check keeps the engine safe against loaders
// that don't.
func Eligible(e Expense) bool {
	if e.Status == StatusPaid {
		return false
	}
	if !e.BalanceRemaining.IsPositive() {
		return false
	}
	if e.DueDate.IsZero() {
		return false
	}
	return true
}

// AlertKey builds the dedup identity for one (expense, rule, day) event.
func AlertKey(expenseID, ruleID, triggerDate string) string {
	return fmt.Sprintf("%s:%s:%s", expenseID, ruleID, triggerDate)
}

// Evaluate produces today's candidate list. Pure and deterministic:
// candidates come out in expense input order, then rule input order, so
// identical inputs always yield an identical list. Ordering only affects log
// insertion order downstream.
func Evaluate(today time.Time, expenses []Expense, allRules []rules.Rule) Result {
	triggerDate := localday.Format(today)
	active := rules.ActiveOnly(allRules)

	result := Result{
		EvaluationDate: triggerDate,
		Candidates:     []Candidate{},
		TotalEvaluated: len(expenses),
	}

	for _, e := range expenses {
		if !Eligible(e) {
			continue
		}
		result.EligibleCount++

		daysToDue := localday.DaysBetween(today, e.DueDate)

		for _, r := range active {
			if !rules.Matches(r, daysToDue) {
				continue
			}
			result.Candidates = append(result.Candidates, Candidate{
				AlertKey:         AlertKey(e.ID, r.ID, triggerDate),
				ExpenseID:        e.ID,
				BranchID:         e.BranchID,
				ExpenseType:      e.ExpenseType,
				Period:           e.Period,
				DueDate:          e.DueDate,
				BalanceRemaining: e.BalanceRemaining,
				RuleID:           r.ID,
				RuleType:         r.RuleType,
				DayOffset:        r.DayOffset,
				TriggerDate:      triggerDate,
				DaysToDue:        daysToDue,
			})
		}
	}

	return result
}
