package evaluate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expense-alerts/internal/alert/rules"
)

var today = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testExpense(id string, due time.Time) Expense {
	return Expense{
		ID:               id,
		BranchID:         "branch-01",
		ExpenseType:      "rent",
		Period:           "2025-03",
		DueDate:          due,
		Amount:           decimal.NewFromInt(1200),
		Status:           StatusPending,
		BalanceRemaining: decimal.NewFromInt(1200),
	}
}

func TestEligible(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Expense)
		want   bool
	}{
		{"pending with balance", func(e *Expense) {}, true},
		{"overdue with balance", func(e *Expense) { e.Status = StatusOverdue }, true},
		{"paid is never eligible", func(e *Expense) { e.Status = StatusPaid }, false},
		{"zero balance", func(e *Expense) { e.BalanceRemaining = decimal.Zero }, false},
		{"negative balance", func(e *Expense) { e.BalanceRemaining = decimal.NewFromInt(-5) }, false},
		{"zero due date", func(e *Expense) { e.DueDate = time.Time{} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testExpense("e1", today)
			tt.mutate(&e)
			assert.Equal(t, tt.want, Eligible(e))
		})
	}
}

func TestEvaluate_DueReminderFiresOnExactDay(t *testing.T) {
	rule := rules.Rule{ID: "r1", RuleType: rules.TypeDueReminder, DayOffset: -7, IsActive: true}

	tests := []struct {
		name    string
		dueDate time.Time
		wantHit bool
	}{
		{"due in 7 days", day(2025, 3, 17), true},
		{"due in 6 days", day(2025, 3, 16), false},
		{"due in 8 days", day(2025, 3, 18), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Evaluate(today, []Expense{testExpense("e1", tt.dueDate)}, []rules.Rule{rule})
			if tt.wantHit {
				require.Len(t, result.Candidates, 1)
				c := result.Candidates[0]
				assert.Equal(t, "e1:r1:2025-03-10", c.AlertKey)
				assert.Equal(t, 7, c.DaysToDue)
				assert.Equal(t, rules.TypeDueReminder, c.RuleType)
			} else {
				assert.Empty(t, result.Candidates)
			}
		})
	}
}

func TestEvaluate_OverdueEscalationFiresOnExactDay(t *testing.T) {
	rule := rules.Rule{ID: "r2", RuleType: rules.TypeOverdueEscalation, DayOffset: 3, IsActive: true}

	tests := []struct {
		name    string
		dueDate time.Time
		wantHit bool
	}{
		{"due 3 days ago", day(2025, 3, 7), true},
		{"due 2 days ago", day(2025, 3, 8), false},
		{"due 4 days ago", day(2025, 3, 6), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Evaluate(today, []Expense{testExpense("e1", tt.dueDate)}, []rules.Rule{rule})
			if tt.wantHit {
				require.Len(t, result.Candidates, 1)
				assert.Equal(t, -3, result.Candidates[0].DaysToDue)
			} else {
				assert.Empty(t, result.Candidates)
			}
		})
	}
}

func TestEvaluate_IneligibleExpensesNeverProduceCandidates(t *testing.T) {
	rule := rules.Rule{ID: "r1", RuleType: rules.TypeDueReminder, DayOffset: -7, IsActive: true}

	paid := testExpense("paid", day(2025, 3, 17))
	paid.Status = StatusPaid

	settled := testExpense("settled", day(2025, 3, 17))
	settled.BalanceRemaining = decimal.Zero

	result := Evaluate(today, []Expense{paid, settled}, []rules.Rule{rule})
	assert.Empty(t, result.Candidates)
	assert.Equal(t, 2, result.TotalEvaluated)
	assert.Equal(t, 0, result.EligibleCount)
}

func TestEvaluate_Deterministic(t *testing.T) {
	ruleSet := []rules.Rule{
		{ID: "r1", RuleType: rules.TypeDueReminder, DayOffset: -7, IsActive: true},
		{ID: "r2", RuleType: rules.TypeDueReminder, DayOffset: -3, IsActive: true},
		{ID: "r3", RuleType: rules.TypeOverdueEscalation, DayOffset: 1, IsActive: true},
	}
	expenses := []Expense{
		testExpense("e1", day(2025, 3, 17)),
		testExpense("e2", day(2025, 3, 13)),
		testExpense("e3", day(2025, 3, 9)),
	}

	first := Evaluate(today, expenses, ruleSet)
	second := Evaluate(today, expenses, ruleSet)
	assert.Equal(t, first, second)

	// Order follows expense input order, then rule input order.
	require.Len(t, first.Candidates, 3)
	assert.Equal(t, "e1", first.Candidates[0].ExpenseID)
	assert.Equal(t, "e2", first.Candidates[1].ExpenseID)
	assert.Equal(t, "e3", first.Candidates[2].ExpenseID)
}

func TestEvaluate_AlertKeysUnique(t *testing.T) {
	ruleSet := []rules.Rule{
		{ID: "r1", RuleType: rules.TypeDueReminder, DayOffset: -7, IsActive: true},
		{ID: "r2", RuleType: rules.TypeDueReminder, DayOffset: 7, IsActive: true},
		{ID: "r3", RuleType: rules.TypeOverdueEscalation, DayOffset: 2, IsActive: true},
	}
	expenses := []Expense{
		testExpense("e1", day(2025, 3, 17)),
		testExpense("e2", day(2025, 3, 17)),
		testExpense("e3", day(2025, 3, 8)),
	}

	result := Evaluate(today, expenses, ruleSet)
	require.NotEmpty(t, result.Candidates)

	seen := map[string]bool{}
	for _, c := range result.Candidates {
		assert.False(t, seen[c.AlertKey], "duplicate alertKey %s", c.AlertKey)
		seen[c.AlertKey] = true
	}
}

func TestEvaluate_InactiveRulesIgnored(t *testing.T) {
	rule := rules.Rule{ID: "r1", RuleType: rules.TypeDueReminder, DayOffset: -7, IsActive: false}
	result := Evaluate(today, []Expense{testExpense("e1", day(2025, 3, 17))}, []rules.Rule{rule})
	assert.Empty(t, result.Candidates)
	assert.Equal(t, 1, result.EligibleCount)
}

func TestEvaluate_EmptyInputs(t *testing.T) {
	result := Evaluate(today, nil, nil)
	assert.Equal(t, "2025-03-10", result.EvaluationDate)
	assert.Empty(t, result.Candidates)
	assert.Equal(t, 0, result.TotalEvaluated)
}
