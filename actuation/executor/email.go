package executor

import (
	"context"
	"errors"
	"strings"

	"github.com/relabs-tech/actuation/core"
	"github.com/relabs-tech/actuation/core/mail"
)

// content properties read by the email executor
const (
	PropertyEmails   = "emails"
	PropertySubject  = "subject"
	PropertyTemplate = "template"
)

// DefaultMailTemplate is used when neither the message nor the configuration names one
const DefaultMailTemplate = "actuation"

type emailExecutor struct {
	sender     mail.Sender
	template   string
	recipients []string
}

func newEmailExecutor(deps Dependencies) (Executor, error) {
	if deps.Mail == nil {
		return nil, errors.New("mail sender missing")
	}
	template := deps.MailTemplate
	if template == "" {
		template = DefaultMailTemplate
	}
	return &emailExecutor{sender: deps.Mail, template: template, recipients: deps.Recipients}, nil
}

// Execute sends one email per recipient. Sends are not awaited; their
// failures are logged only.
func (e *emailExecutor) Execute(ctx context.Context, msg core.Message) (Result, error) {
	msg = msg.Normalize()
	rlog := messageLogger(ctx, NameEmail, msg)

	recipients, err := e.recipientsOf(msg)
	if err != nil {
		return Result{}, err
	}
	if len(recipients) == 0 {
		rlog.Infoln("no recipients, email dropped")
		return Result{Executor: NameEmail}, nil
	}

	template := e.template
	if t, ok := msg.Content[PropertyTemplate].(string); ok && t != "" {
		template = t
	}
	subject, _ := msg.Content[PropertySubject].(string)
	data := without(msg.Content, PropertyEmails, PropertyTemplate, core.PropertyCredentials)

	// the sends outlive the execution
	sendCtx := context.WithoutCancel(ctx)
	for _, recipient := range recipients {
		go func(recipient string) {
			err := e.sender.Send(sendCtx, template, mail.Params{
				Subject: subject,
				Email:   recipient,
				Data:    data,
			})
			if err != nil {
				rlog.WithError(err).Errorf("cannot send email to %s", recipient)
			}
		}(recipient)
	}
	rlog.Debugf("%d emails issued", len(recipients))
	return Result{Executor: NameEmail, Delivered: true}, nil
}

// recipientsOf returns the recipients named in the message, or the configured list
func (e *emailExecutor) recipientsOf(msg core.Message) ([]string, error) {
	v, ok := msg.Content[PropertyEmails]
	if !ok || v == nil {
		return e.recipients, nil
	}
	var result []string
	switch emails := v.(type) {
	case string:
		for _, s := range strings.Split(emails, ",") {
			if s = strings.TrimSpace(s); s != "" {
				result = append(result, s)
			}
		}
	case []string:
		result = emails
	case []any:
		for _, a := range emails {
			s, ok := a.(string)
			if !ok {
				return nil, invalid("emails must be strings")
			}
			result = append(result, s)
		}
	default:
		return nil, invalid("emails must be a list")
	}
	return result, nil
}
