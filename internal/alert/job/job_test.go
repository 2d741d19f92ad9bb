package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expense-alerts/internal/alert/evaluate"
	"expense-alerts/internal/alert/lease"
	"expense-alerts/internal/alert/rules"
	"expense-alerts/internal/common/config"
	"expense-alerts/internal/common/logger"
)

// ==========================
// Fakes
// ==========================

type fakeRepo struct {
	mu       sync.Mutex
	rules    []rules.Rule
	expenses []evaluate.Expense
	logs     []AlertLog

	recipients map[string][]string
	phones     map[string][]string

	rulesErr      error
	expensesErr   error
	recipientsErr error
	insertErr     error
}

func (f *fakeRepo) LoadActiveRules(context.Context) ([]rules.Rule, error) {
	if f.rulesErr != nil {
		return nil, f.rulesErr
	}
	return f.rules, nil
}

func (f *fakeRepo) LoadEligibleExpenses(context.Context, time.Time, int) ([]evaluate.Expense, error) {
	if f.expensesErr != nil {
		return nil, f.expensesErr
	}
	return f.expenses, nil
}

func (f *fakeRepo) CountSentLog(_ context.Context, expenseID, ruleID, triggerLocalDate string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, l := range f.logs {
		if l.ExpenseID == expenseID && l.RuleID == ruleID && l.TriggerLocalDate == triggerLocalDate && l.Status == LogStatusSent {
			count++
		}
	}
	return count, nil
}

func (f *fakeRepo) InsertLog(_ context.Context, entry AlertLog) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeRepo) ActiveRecipients(_ context.Context, branchID string) ([]string, error) {
	if f.recipientsErr != nil {
		return nil, f.recipientsErr
	}
	return f.recipients[branchID], nil
}

func (f *fakeRepo) ActivePhoneRecipients(_ context.Context, branchID string) ([]string, error) {
	return f.phones[branchID], nil
}

func (f *fakeRepo) logsByStatus(status LogStatus) []AlertLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []AlertLog
	for _, l := range f.logs {
		if l.Status == status {
			out = append(out, l)
		}
	}
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	sent   []string
	failTo map[string]error
}

func (f *fakeNotifier) Send(_ context.Context, to, subject, text, html string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failTo[to]; ok {
		return "", err
	}
	f.sent = append(f.sent, to)
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

type fakeSMS struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSMS) SendSMS(_ context.Context, phone, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, phone)
	return "sms-1", nil
}

// ==========================
// Helpers
// ==========================

var fixedNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func testConfig() config.AlertsConfig {
	return config.AlertsConfig{
		JobName:         "expense-due-alerts",
		OffsetMinutes:   0,
		WindowDays:      60,
		LeaseDurationMs: 60000,
	}
}

func dueIn(days int) time.Time {
	return time.Date(2025, 3, 10+days, 0, 0, 0, 0, time.UTC)
}

func pendingExpense(id, branch string, due time.Time) evaluate.Expense {
	return evaluate.Expense{
		ID:               id,
		BranchID:         branch,
		ExpenseType:      "royalty",
		Period:           "2025-03",
		DueDate:          due,
		Amount:           decimal.NewFromInt(500),
		Status:           evaluate.StatusPending,
		BalanceRemaining: decimal.NewFromInt(500),
	}
}

func reminderRule() rules.Rule {
	return rules.Rule{ID: "r1", RuleType: rules.TypeDueReminder, DayOffset: -7, IsActive: true}
}

func newOrchestrator(t *testing.T, repo *fakeRepo, n Notifier, sms SMSNotifier, store lease.Store) *Orchestrator {
	t.Helper()
	log := logger.NewTestLogger(t)
	return New(Dependencies{
		Repo:     repo,
		Notifier: n,
		SMS:      sms,
		Lease:    lease.NewManager(store, log),
		Logger:   log,
		Now:      func() time.Time { return fixedNow },
	}, testConfig())
}

// memoryLeaseStore is a minimal in-memory lease.Store for locked-run tests.
type memoryLeaseStore struct {
	mu        sync.Mutex
	holder    string
	expiresAt time.Time
}

func (m *memoryLeaseStore) TryAcquire(_ context.Context, _, identity string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder != "" && m.expiresAt.After(time.Now()) {
		return false, nil
	}
	m.holder = identity
	m.expiresAt = time.Now().Add(ttl)
	return true, nil
}

func (m *memoryLeaseStore) Renew(_ context.Context, _, identity string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder != identity || !m.expiresAt.After(time.Now()) {
		return false, nil
	}
	m.expiresAt = time.Now().Add(ttl)
	return true, nil
}

func (m *memoryLeaseStore) Release(_ context.Context, _, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder == identity {
		m.expiresAt = time.Now().Add(-time.Second)
	}
	return nil
}

// ==========================
// RunOnce
// ==========================

func TestRunOnce_SendsAndLogs(t *testing.T) {
	repo := &fakeRepo{
		rules:      []rules.Rule{reminderRule()},
		expenses:   []evaluate.Expense{pendingExpense("e1", "b1", dueIn(7))},
		recipients: map[string][]string{"b1": {"manager@branch1.example"}},
	}
	notifier := &fakeNotifier{}
	o := newOrchestrator(t, repo, notifier, nil, &memoryLeaseStore{})

	result, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "2025-03-10", result.EvaluationDate)
	assert.Equal(t, 1, result.TotalCandidates)
	assert.Equal(t, 1, result.SentCount)
	assert.Equal(t, 0, result.FailedCount)
	assert.Empty(t, result.Errors)

	sentLogs := repo.logsByStatus(LogStatusSent)
	require.Len(t, sentLogs, 1)
	assert.Equal(t, "e1", sentLogs[0].ExpenseID)
	assert.Equal(t, "r1", sentLogs[0].RuleID)
	assert.Equal(t, "2025-03-10", sentLogs[0].TriggerLocalDate)
	assert.Equal(t, "manager@branch1.example", sentLogs[0].SentTo)
}

func TestRunOnce_DedupIdempotence(t *testing.T) {
	repo := &fakeRepo{
		rules:      []rules.Rule{reminderRule()},
		expenses:   []evaluate.Expense{pendingExpense("e1", "b1", dueIn(7))},
		recipients: map[string][]string{"b1": {"manager@branch1.example"}},
	}
	notifier := &fakeNotifier{}
	o := newOrchestrator(t, repo, notifier, nil, &memoryLeaseStore{})
	ctx := context.Background()

	first, err := o.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.SentCount)

	second, err := o.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.SentCount)
	assert.Equal(t, 1, second.SkippedAlreadySent)
	assert.Len(t, repo.logsByStatus(LogStatusSent), 1, "second run must not add Sent rows")
}

func TestRunOnce_PartialFailureIsolation(t *testing.T) {
	repo := &fakeRepo{
		rules: []rules.Rule{reminderRule()},
		expenses: []evaluate.Expense{
			pendingExpense("e1", "b1", dueIn(7)),
			pendingExpense("e2", "b2", dueIn(7)),
			pendingExpense("e3", "b3", dueIn(7)),
		},
		recipients: map[string][]string{
			"b1": {"one@example.com"},
			"b2": {"two@example.com"},
			"b3": {"three@example.com"},
		},
	}
	notifier := &fakeNotifier{failTo: map[string]error{
		"two@example.com": errors.New("mailbox unavailable"),
	}}
	o := newOrchestrator(t, repo, notifier, nil, &memoryLeaseStore{})

	result, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.TotalCandidates)
	assert.Equal(t, 2, result.SentCount)
	assert.Equal(t, 1, result.FailedCount)

	// All three attempts leave a log row.
	repo.mu.Lock()
	total := len(repo.logs)
	repo.mu.Unlock()
	assert.Equal(t, 3, total)

	failed := repo.logsByStatus(LogStatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "two@example.com", failed[0].SentTo)
	assert.Contains(t, failed[0].ErrorMessage, "mailbox unavailable")
}

func TestRunOnce_FailedAttemptDoesNotBlockRetry(t *testing.T) {
	repo := &fakeRepo{
		rules:      []rules.Rule{reminderRule()},
		expenses:   []evaluate.Expense{pendingExpense("e1", "b1", dueIn(7))},
		recipients: map[string][]string{"b1": {"manager@branch1.example"}},
	}
	notifier := &fakeNotifier{failTo: map[string]error{
		"manager@branch1.example": errors.New("smtp timeout"),
	}}
	o := newOrchestrator(t, repo, notifier, nil, &memoryLeaseStore{})
	ctx := context.Background()

	first, err := o.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.FailedCount)

	// Transport recovers: the same key sends because dedup only counts Sent.
	notifier.failTo = nil
	second, err := o.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.SkippedAlreadySent)
	assert.Equal(t, 1, second.SentCount)
}

func TestRunOnce_NoRecipientsWritesSkippedLog(t *testing.T) {
	repo := &fakeRepo{
		rules:      []rules.Rule{reminderRule()},
		expenses:   []evaluate.Expense{pendingExpense("e1", "b1", dueIn(7))},
		recipients: map[string][]string{},
	}
	o := newOrchestrator(t, repo, &fakeNotifier{}, nil, &memoryLeaseStore{})

	result, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.SkippedNoRecipients)
	assert.Equal(t, 0, result.SentCount)

	skipped := repo.logsByStatus(LogStatusSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, "no active recipients", skipped[0].ErrorMessage)
}

func TestRunOnce_DataLoadFailureIsFatal(t *testing.T) {
	repo := &fakeRepo{rulesErr: errors.New("db down")}
	o := newOrchestrator(t, repo, &fakeNotifier{}, nil, &memoryLeaseStore{})

	result, err := o.RunOnce(context.Background())
	assert.Nil(t, result)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATA_LOAD_FAILED")
}

func TestRunOnce_RecipientLookupFailureIsolated(t *testing.T) {
	repo := &fakeRepo{
		rules:         []rules.Rule{reminderRule()},
		expenses:      []evaluate.Expense{pendingExpense("e1", "b1", dueIn(7))},
		recipientsErr: errors.New("lookup timeout"),
	}
	o := newOrchestrator(t, repo, &fakeNotifier{}, nil, &memoryLeaseStore{})

	result, err := o.RunOnce(context.Background())
	require.NoError(t, err, "per-candidate failures never abort the run")
	assert.Equal(t, 0, result.SentCount)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "recipient lookup")
}

func TestRunOnce_MultipleRecipientsEachGetALogRow(t *testing.T) {
	repo := &fakeRepo{
		rules:    []rules.Rule{reminderRule()},
		expenses: []evaluate.Expense{pendingExpense("e1", "b1", dueIn(7))},
		recipients: map[string][]string{
			"b1": {"a@example.com", "b@example.com"},
		},
	}
	notifier := &fakeNotifier{}
	o := newOrchestrator(t, repo, notifier, nil, &memoryLeaseStore{})

	result, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.SentCount)
	assert.Len(t, repo.logsByStatus(LogStatusSent), 2)
}

func TestRunOnce_OverdueEscalationSendsSMS(t *testing.T) {
	repo := &fakeRepo{
		rules:      []rules.Rule{{ID: "r2", RuleType: rules.TypeOverdueEscalation, DayOffset: 3, IsActive: true}},
		expenses:   []evaluate.Expense{pendingExpense("e1", "b1", dueIn(-3))},
		recipients: map[string][]string{"b1": {"manager@branch1.example"}},
		phones:     map[string][]string{"b1": {"+15550100"}},
	}
	sms := &fakeSMS{}
	o := newOrchestrator(t, repo, &fakeNotifier{}, sms, &memoryLeaseStore{})

	result, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.SentCount, "email plus SMS")
	assert.Equal(t, []string{"+15550100"}, sms.sent)
}

func TestRunOnce_RemindersNeverSendSMS(t *testing.T) {
	repo := &fakeRepo{
		rules:      []rules.Rule{reminderRule()},
		expenses:   []evaluate.Expense{pendingExpense("e1", "b1", dueIn(7))},
		recipients: map[string][]string{"b1": {"manager@branch1.example"}},
		phones:     map[string][]string{"b1": {"+15550100"}},
	}
	sms := &fakeSMS{}
	o := newOrchestrator(t, repo, &fakeNotifier{}, sms, &memoryLeaseStore{})

	_, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sms.sent)
}

// ==========================
// RunWithLock
// ==========================

func TestRunWithLock_Executes(t *testing.T) {
	repo := &fakeRepo{
		rules:      []rules.Rule{reminderRule()},
		expenses:   []evaluate.Expense{pendingExpense("e1", "b1", dueIn(7))},
		recipients: map[string][]string{"b1": {"manager@branch1.example"}},
	}
	o := newOrchestrator(t, repo, &fakeNotifier{}, nil, &memoryLeaseStore{})

	outcome := o.RunWithLock(context.Background())
	assert.True(t, outcome.Executed)
	assert.Empty(t, outcome.Error)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, 1, outcome.Result.SentCount)
}

func TestRunWithLock_ContendedReturnsNotExecuted(t *testing.T) {
	store := &memoryLeaseStore{}
	repo := &fakeRepo{}
	o := newOrchestrator(t, repo, &fakeNotifier{}, nil, store)

	// Another instance holds the lease.
	held, err := store.TryAcquire(context.Background(), "expense-due-alerts", "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	outcome := o.RunWithLock(context.Background())
	assert.False(t, outcome.Executed)
	assert.Empty(t, outcome.Error)
	assert.Nil(t, outcome.Result)
}

func TestRunWithLock_RunErrorReported(t *testing.T) {
	repo := &fakeRepo{rulesErr: errors.New("db down")}
	o := newOrchestrator(t, repo, &fakeNotifier{}, nil, &memoryLeaseStore{})

	outcome := o.RunWithLock(context.Background())
	assert.True(t, outcome.Executed)
	assert.Contains(t, outcome.Error, "DATA_LOAD_FAILED")
	assert.Nil(t, outcome.Result)
}

func TestRunWithLock_LockFreedAfterRun(t *testing.T) {
	repo := &fakeRepo{}
	store := &memoryLeaseStore{}
	o := newOrchestrator(t, repo, &fakeNotifier{}, nil, store)
	ctx := context.Background()

	first := o.RunWithLock(ctx)
	require.True(t, first.Executed)

	second := o.RunWithLock(ctx)
	assert.True(t, second.Executed, "lease must be released after a run")
}
