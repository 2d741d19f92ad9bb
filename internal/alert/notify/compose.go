// Package notify renders alert messages and delivers them over the
// configured transport (SES, SMTP for email; SNS for SMS escalations).
package notify

import (
	"fmt"
	"strings"

	"expense-alerts/internal/alert/evaluate"
	"expense-alerts/internal/alert/localday"
	"expense-alerts/internal/alert/rules"
)

type template struct {
	subject string
	text    string
	html    string
}

var emailTemplates = map[rules.RuleType]template{
	rules.TypeDueReminder: {
		subject: "Payment reminder: {{expenseType}} for {{period}} due {{dueDate}}",
		text: "An expense for your branch is coming due.\n\n" +
			"Type: {{expenseType}}\nPeriod: {{period}}\nDue date: {{dueDate}}\n" +
			"Outstanding balance: {{balance}}\n\n" +
			"This payment is due in {{daysToDue}} day(s). Please arrange payment before the due date.",
		html: "<p>An expense for your branch is coming due.</p>" +
			"<ul><li>Type: {{expenseType}}</li><li>Period: {{period}}</li>" +
			"<li>Due date: {{dueDate}}</li><li>Outstanding balance: {{balance}}</li></ul>" +
			"<p>This payment is due in <b>{{daysToDue}}</b> day(s). Please arrange payment before the due date.</p>",
	},
	rules.TypeOverdueEscalation: {
		subject: "OVERDUE: {{expenseType}} for {{period}} was due {{dueDate}}",
		text: "An expense for your branch is overdue.\n\n" +
			"Type: {{expenseType}}\nPeriod: {{period}}\nDue date: {{dueDate}}\n" +
			"Outstanding balance: {{balance}}\n\n" +
			"This payment is {{daysOverdue}} day(s) overdue. Please settle it immediately.",
		html: "<p>An expense for your branch is <b>overdue</b>.</p>" +
			"<ul><li>Type: {{expenseType}}</li><li>Period: {{period}}</li>" +
			"<li>Due date: {{dueDate}}</li><li>Outstanding balance: {{balance}}</li></ul>" +
			"<p>This payment is <b>{{daysOverdue}}</b> day(s) overdue. Please settle it immediately.</p>",
	},
}

var smsTemplates = map[rules.RuleType]string{
	rules.TypeOverdueEscalation: "OVERDUE: {{expenseType}} for {{period}} was due {{dueDate}}, balance {{balance}}. Please settle immediately.",
}

// ComposeEmail renders the subject, text body and HTML body for a candidate.
// Unknown rule types fall back to a neutral generic subject so a new rule
// type never produces an empty email.
func ComposeEmail(c evaluate.Candidate) (subject, text, html string) {
	data := candidateData(c)

	tmpl, ok := emailTemplates[c.RuleType]
	if !ok {
		subject = render("Expense alert: {{expenseType}} for {{period}}", data)
		text = render("Expense {{expenseType}} for period {{period}} (due {{dueDate}}) requires attention. Outstanding balance: {{balance}}.", data)
		return subject, text, text
	}

	return render(tmpl.subject, data), render(tmpl.text, data), render(tmpl.html, data)
}

// ComposeSMS renders the short-message body for a candidate, or "" when the
// rule type has no SMS escalation.
func ComposeSMS(c evaluate.Candidate) string {
	tmpl, ok := smsTemplates[c.RuleType]
	if !ok {
		return ""
	}
	return render(tmpl, candidateData(c))
}

func candidateData(c evaluate.Candidate) map[string]string {
	daysOverdue := 0
	if c.DaysToDue < 0 {
		daysOverdue = -c.DaysToDue
	}
	return map[string]string{
		"expenseType": c.ExpenseType,
		"period":      c.Period,
		"dueDate":     localday.Format(c.DueDate),
		"balance":     c.BalanceRemaining.StringFixed(2),
		"daysToDue":   fmt.Sprintf("%d", c.DaysToDue),
		"daysOverdue": fmt.Sprintf("%d", daysOverdue),
	}
}

// render substitutes {{key}} placeholders and strips any left unresolved.
func render(tmpl string, data map[string]string) string {
	result := tmpl
	for k, v := range data {
		result = strings.ReplaceAll(result, "{{"+k+"}}", v)
	}

	for {
		start := strings.Index(result, "{{")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}}")
		if end == -1 {
			break
		}
		end += start + 2
		result = result[:start] + result[end:]
	}

	return result
}
