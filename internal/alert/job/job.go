// Package job orchestrates one alert run: load rules and expenses, evaluate,
// dedup against history, dispatch notifications, persist log rows, aggregate
// a summary. One candidate's failure never aborts the run.
package job

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"expense-alerts/internal/alert/evaluate"
	"expense-alerts/internal/alert/lease"
	"expense-alerts/internal/alert/localday"
	"expense-alerts/internal/alert/notify"
	"expense-alerts/internal/alert/rules"
	"expense-alerts/internal/common/config"
	stderrors "expense-alerts/internal/common/errors"
	"expense-alerts/internal/common/logger"
	"expense-alerts/internal/common/metrics"
	"expense-alerts/internal/common/observability"
)

// LogStatus is the closed set of alert log outcomes.
type LogStatus string

const (
	LogStatusSent    LogStatus = "sent"
	LogStatusFailed  LogStatus = "failed"
	LogStatusSkipped LogStatus = "skipped"
)

// maxErrorDetail bounds the error text persisted to a log row.
const maxErrorDetail = 500

// AlertLog is one persisted (candidate, recipient) attempt. Rows are
// immutable after insert; only Sent rows participate in dedup, so a Failed
// attempt does not block the next day's retry.
type AlertLog struct {
	ID               string          `json:"id"`
	ExpenseID        string          `json:"expenseId"`
	RuleID           string          `json:"ruleId"`
	RuleType         rules.RuleType  `json:"ruleType"`
	DayOffset        int             `json:"dayOffset"`
	TriggerLocalDate string          `json:"triggerLocalDate"`
	SentTo           string          `json:"sentTo"`
	Status           LogStatus       `json:"status"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
}

// Repository is the persistence port. CRUD for rules/expenses/branches lives
// behind it; the orchestrator only reads projections and appends log rows.
type Repository interface {
	LoadActiveRules(ctx context.Context) ([]rules.Rule, error)
	LoadEligibleExpenses(ctx context.Context, today time.Time, windowDays int) ([]evaluate.Expense, error)
	CountSentLog(ctx context.Context, expenseID, ruleID, triggerLocalDate string) (int, error)
	InsertLog(ctx context.Context, entry AlertLog) error
	ActiveRecipients(ctx context.Context, branchID string) ([]string, error)
	ActivePhoneRecipients(ctx context.Context, branchID string) ([]string, error)
}

// Notifier is the outbound notification port.
type Notifier interface {
	Send(ctx context.Context, to, subject, text, html string) (string, error)
}

// SMSNotifier is the optional SMS escalation port. A nil SMSNotifier
// disables the SMS path entirely.
type SMSNotifier interface {
	SendSMS(ctx context.Context, phone, message string) (string, error)
}

// Result is the summary of one run.
type Result struct {
	EvaluationDate      string   `json:"evaluationDate"`
	TotalCandidates     int      `json:"totalCandidates"`
	SkippedAlreadySent  int      `json:"skippedAlreadySent"`
	SkippedNoRecipients int      `json:"skippedNoRecipients"`
	SentCount           int      `json:"sentCount"`
	FailedCount         int      `json:"failedCount"`
	Errors              []string `json:"errors,omitempty"`
}

// Outcome is the result of a locked run. Executed=false means another
// instance held the lease (expected during horizontal scaling, not an
// error). Error is set when the job ran but failed internally, or when the
// lease store itself was unreachable.
type Outcome struct {
	Executed bool    `json:"executed"`
	Result   *Result `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Dependencies wires the orchestrator's collaborators.
type Dependencies struct {
	Repo     Repository
	Notifier Notifier
	SMS      SMSNotifier // nil disables SMS escalation
	Lease    *lease.Manager
	Logger   logger.Logger
	Obs      *observability.Observability
	Now      func() time.Time // defaults to time.Now
}

type Orchestrator struct {
	repo     Repository
	notifier Notifier
	sms      SMSNotifier
	lease    *lease.Manager
	log      logger.Logger
	obs      *observability.Observability
	now      func() time.Time

	jobName       string
	offsetMinutes int
	windowDays    int
	leaseDuration time.Duration
}

func New(deps Dependencies, cfg config.AlertsConfig) *Orchestrator {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		repo:          deps.Repo,
		notifier:      deps.Notifier,
		sms:           deps.SMS,
		lease:         deps.Lease,
		log:           deps.Logger.WithFields(map[string]interface{}{"job": cfg.JobName}),
		obs:           deps.Obs,
		now:           now,
		jobName:       cfg.JobName,
		offsetMinutes: cfg.OffsetMinutes,
		windowDays:    cfg.WindowDays,
		leaseDuration: config.GetDuration(cfg.LeaseDurationMs),
	}
}

// JobName returns the configured lease/job name.
func (o *Orchestrator) JobName() string {
	return o.jobName
}

// RunOnce evaluates and dispatches directly, without locking. Data-load
// failures are fatal for the run; everything after evaluation is isolated
// per candidate.
func (o *Orchestrator) RunOnce(ctx context.Context) (*Result, error) {
	started := o.now()
	today := localday.Today(o.offsetMinutes, started)

	o.log.Info("alert run starting", map[string]interface{}{
		"evaluationDate": localday.Format(today),
	})

	activeRules, err := o.repo.LoadActiveRules(ctx)
	if err != nil {
		return nil, stderrors.NewDataLoadFailedError("alert rules", err)
	}

	expenses, err := o.repo.LoadEligibleExpenses(ctx, today, o.windowDays)
	if err != nil {
		return nil, stderrors.NewDataLoadFailedError("eligible expenses", err)
	}

	eval := evaluate.Evaluate(today, expenses, activeRules)

	result := &Result{
		EvaluationDate:  eval.EvaluationDate,
		TotalCandidates: len(eval.Candidates),
	}

	for _, candidate := range eval.Candidates {
		o.processCandidateIsolated(ctx, candidate, result)
	}

	o.log.Info("alert run finished", map[string]interface{}{
		"evaluationDate":      result.EvaluationDate,
		"totalEvaluated":      eval.TotalEvaluated,
		"eligible":            eval.EligibleCount,
		"totalCandidates":     result.TotalCandidates,
		"sent":                result.SentCount,
		"failed":              result.FailedCount,
		"skippedAlreadySent":  result.SkippedAlreadySent,
		"skippedNoRecipients": result.SkippedNoRecipients,
		"errors":              len(result.Errors),
		"duration":            time.Since(started).String(),
	})

	return result, nil
}

// RunWithLock is the production entry point: RunOnce under the distributed
// lease.
func (o *Orchestrator) RunWithLock(ctx context.Context) Outcome {
	started := time.Now()

	var result *Result
	leaseOutcome, err := o.lease.WithLock(ctx, o.jobName, o.leaseDuration, func(ctx context.Context) error {
		var runErr error
		result, runErr = o.RunOnce(ctx)
		return runErr
	})
	if err != nil {
		// Lease store unreachable: nothing ran.
		o.recordRun(ctx, "lease_error", started)
		return Outcome{Executed: false, Error: stderrors.NewLeaseStoreFailedError(o.jobName, err).Error()}
	}
	if !leaseOutcome.Executed {
		o.recordRun(ctx, "contended", started)
		return Outcome{Executed: false}
	}
	if leaseOutcome.Err != nil {
		o.recordRun(ctx, "failed", started)
		return Outcome{Executed: true, Error: leaseOutcome.Err.Error()}
	}

	o.recordRun(ctx, "completed", started)
	return Outcome{Executed: true, Result: result}
}

func (o *Orchestrator) recordRun(ctx context.Context, outcome string, started time.Time) {
	metrics.AlertJobRuns.WithLabelValues(o.jobName, outcome).Inc()
	metrics.AlertJobDuration.WithLabelValues(o.jobName).Observe(time.Since(started).Seconds())
	if o.obs != nil {
		o.obs.RecordRun(ctx, outcome)
		o.obs.RecordRunDuration(ctx, time.Since(started), outcome)
	}
}

// processCandidateIsolated guards one candidate's processing so an
// unexpected panic is converted to a run error and the loop continues.
func (o *Orchestrator) processCandidateIsolated(ctx context.Context, c evaluate.Candidate, result *Result) {
	defer func() {
		if r := recover(); r != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: panic: %v", c.AlertKey, r))
			o.log.Error("candidate processing panicked", map[string]interface{}{
				"alertKey": c.AlertKey,
				"panic":    fmt.Sprintf("%v", r),
			})
		}
	}()
	o.processCandidate(ctx, c, result)
}

func (o *Orchestrator) processCandidate(ctx context.Context, c evaluate.Candidate, result *Result) {
	clog := o.log.WithFields(map[string]interface{}{"alertKey": c.AlertKey})

	// Dedup: a Sent row for (expense, rule, day) means this logical alert
	// already went out, possibly from another worker or an earlier run today.
	sent, err := o.repo.CountSentLog(ctx, c.ExpenseID, c.RuleID, c.TriggerDate)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: dedup check: %v", c.AlertKey, err))
		clog.Error("dedup check failed, skipping candidate", map[string]interface{}{"error": err.Error()})
		return
	}
	if sent > 0 {
		result.SkippedAlreadySent++
		metrics.AlertsSkipped.WithLabelValues("already_sent").Inc()
		clog.Debug("already sent, skipping", nil)
		return
	}

	recipients, err := o.repo.ActiveRecipients(ctx, c.BranchID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: recipient lookup: %v", c.AlertKey, err))
		clog.Error("recipient lookup failed", map[string]interface{}{
			"branchId": c.BranchID,
			"error":    err.Error(),
		})
		return
	}
	if len(recipients) == 0 {
		result.SkippedNoRecipients++
		metrics.AlertsSkipped.WithLabelValues("no_recipients").Inc()
		o.insertLog(ctx, c, "", LogStatusSkipped, "no active recipients", result)
		clog.Warn("no active recipients for branch", map[string]interface{}{"branchId": c.BranchID})
		return
	}

	subject, text, html := notify.ComposeEmail(c)

	for _, recipient := range recipients {
		messageID, sendErr := o.notifier.Send(ctx, recipient, subject, text, html)
		if sendErr != nil {
			result.FailedCount++
			metrics.AlertsFailed.WithLabelValues(string(c.RuleType)).Inc()
			o.insertLog(ctx, c, recipient, LogStatusFailed, stderrors.Truncate(sendErr.Error(), maxErrorDetail), result)
			clog.Error("notification dispatch failed", map[string]interface{}{
				"to":    recipient,
				"error": sendErr.Error(),
			})
			// No in-run retry: the next day's evaluation retries, since only
			// Sent rows count for dedup.
			continue
		}

		result.SentCount++
		metrics.AlertsSent.WithLabelValues(string(c.RuleType)).Inc()
		o.insertLog(ctx, c, recipient, LogStatusSent, "", result)
		clog.Info("alert sent", map[string]interface{}{
			"to":        recipient,
			"messageId": messageID,
		})
	}

	o.escalateSMS(ctx, c, result, clog)
}

// escalateSMS additionally texts branch phone contacts for overdue
// escalations when an SMS transport is wired.
func (o *Orchestrator) escalateSMS(ctx context.Context, c evaluate.Candidate, result *Result, clog logger.Logger) {
	if o.sms == nil || c.RuleType != rules.TypeOverdueEscalation {
		return
	}

	message := notify.ComposeSMS(c)
	if message == "" {
		return
	}

	phones, err := o.repo.ActivePhoneRecipients(ctx, c.BranchID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: phone lookup: %v", c.AlertKey, err))
		clog.Error("phone recipient lookup failed", map[string]interface{}{
			"branchId": c.BranchID,
			"error":    err.Error(),
		})
		return
	}

	for _, phone := range phones {
		messageID, sendErr := o.sms.SendSMS(ctx, phone, message)
		if sendErr != nil {
			result.FailedCount++
			metrics.AlertsFailed.WithLabelValues(string(c.RuleType)).Inc()
			o.insertLog(ctx, c, phone, LogStatusFailed, stderrors.Truncate(sendErr.Error(), maxErrorDetail), result)
			clog.Error("SMS dispatch failed", map[string]interface{}{
				"to":    phone,
				"error": sendErr.Error(),
			})
			continue
		}

		result.SentCount++
		metrics.AlertsSent.WithLabelValues(string(c.RuleType)).Inc()
		o.insertLog(ctx, c, phone, LogStatusSent, "", result)
		clog.Info("SMS escalation sent", map[string]interface{}{
			"to":        phone,
			"messageId": messageID,
		})
	}
}

func (o *Orchestrator) insertLog(ctx context.Context, c evaluate.Candidate, sentTo string, status LogStatus, errMsg string, result *Result) {
	entry := AlertLog{
		ID:               uuid.New().String(),
		ExpenseID:        c.ExpenseID,
		RuleID:           c.RuleID,
		RuleType:         c.RuleType,
		DayOffset:        c.DayOffset,
		TriggerLocalDate: c.TriggerDate,
		SentTo:           sentTo,
		Status:           status,
		ErrorMessage:     errMsg,
	}
	if err := o.repo.InsertLog(ctx, entry); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: log write: %v", c.AlertKey, err))
		o.log.Error("alert log write failed", map[string]interface{}{
			"alertKey": c.AlertKey,
			"status":   string(status),
			"error":    err.Error(),
		})
	}
}
