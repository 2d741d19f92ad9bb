// internal/alert/job/postgres.go
package job

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"expense-alerts/internal/alert/evaluate"
	"expense-alerts/internal/alert/localday"
	"expense-alerts/internal/alert/rules"
	stderrors "expense-alerts/internal/common/errors"
)

// PostgresRepository implements the persistence port against the shared
// database. Result ordering is fixed (rules by id, expenses by due_date then
// id, recipients by address) so candidate and log insertion order is stable
// across runs.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const loadRulesQuery = `
SELECT id, rule_type, day_offset, is_active
FROM alert_rules
WHERE is_active = true
ORDER BY id`

func (r *PostgresRepository) LoadActiveRules(ctx context.Context) ([]rules.Rule, error) {
	rows, err := r.db.QueryContext(ctx, loadRulesQuery)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("load_active_rules", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var rule rules.Rule
		var ruleType string
		if err := rows.Scan(&rule.ID, &ruleType, &rule.DayOffset, &rule.IsActive); err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}
		rule.RuleType = rules.RuleType(ruleType)
		out = append(out, rule)
	}
	return out, rows.Err()
}

const loadExpensesQuery = `
SELECT id, branch_id, expense_type, period, due_date, amount, status, balance_remaining
FROM expenses
WHERE status <> 'paid'
  AND balance_remaining > 0
  AND due_date BETWEEN $1::date - $2::int AND $1::date + $2::int
ORDER BY due_date, id`

// LoadEligibleExpenses pre-filters at the database: unpaid, positive
// balance, due date within +/- windowDays of today. The pure evaluator
// re-validates eligibility regardless.
func (r *PostgresRepository) LoadEligibleExpenses(ctx context.Context, today time.Time, windowDays int) ([]evaluate.Expense, error) {
	rows, err := r.db.QueryContext(ctx, loadExpensesQuery, localday.Format(today), windowDays)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("load_eligible_expenses", err)
	}
	defer rows.Close()

	var out []evaluate.Expense
	for rows.Next() {
		var e evaluate.Expense
		var status string
		if err := rows.Scan(&e.ID, &e.BranchID, &e.ExpenseType, &e.Period, &e.DueDate, &e.Amount, &status, &e.BalanceRemaining); err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		e.Status = evaluate.ExpenseStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

const countSentQuery = `
SELECT COUNT(1)
FROM alert_logs
WHERE expense_id = $1 AND rule_id = $2 AND trigger_local_date = $3 AND status = 'sent'`

func (r *PostgresRepository) CountSentLog(ctx context.Context, expenseID, ruleID, triggerLocalDate string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, countSentQuery, expenseID, ruleID, triggerLocalDate).Scan(&count)
	if err != nil {
		return 0, stderrors.NewQueryExecutionFailedError("count_sent_log", err)
	}
	return count, nil
}

const insertLogQuery = `
INSERT INTO alert_logs (id, expense_id, rule_id, rule_type, day_offset, trigger_local_date, sent_to, status, error_message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`

func (r *PostgresRepository) InsertLog(ctx context.Context, entry AlertLog) error {
	_, err := r.db.ExecContext(ctx, insertLogQuery,
		entry.ID,
		entry.ExpenseID,
		entry.RuleID,
		string(entry.RuleType),
		entry.DayOffset,
		entry.TriggerLocalDate,
		entry.SentTo,
		string(entry.Status),
		nullable(entry.ErrorMessage),
	)
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("insert_alert_log", err)
	}
	return nil
}

const activeRecipientsQuery = `
SELECT email
FROM branch_recipients
WHERE branch_id = $1 AND is_active = true AND email <> ''
ORDER BY email`

func (r *PostgresRepository) ActiveRecipients(ctx context.Context, branchID string) ([]string, error) {
	return r.queryStrings(ctx, activeRecipientsQuery, branchID, "active_recipients")
}

const activePhonesQuery = `
SELECT phone
FROM branch_recipients
WHERE branch_id = $1 AND is_active = true AND phone <> ''
ORDER BY phone`

func (r *PostgresRepository) ActivePhoneRecipients(ctx context.Context, branchID string) ([]string, error) {
	return r.queryStrings(ctx, activePhonesQuery, branchID, "active_phone_recipients")
}

func (r *PostgresRepository) queryStrings(ctx context.Context, query, branchID, queryType string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, branchID)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError(queryType, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan %s: %w", queryType, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
