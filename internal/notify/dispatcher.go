// Package notify sends the two emails a run can produce: the operator report
// (always) and the customer shipping notice (production only).
package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"strings"

	"courierhook/internal/external"
	"courierhook/internal/runlog"
	"courierhook/internal/types"
)

//go:embed templates/*.html
var templateFS embed.FS

// Operator subjects, chosen by the most severe captured level.
const (
	SubjectErrors    = "Hubo errores en el proceso"
	SubjectWarnings  = "Hubo advertencias en el proceso"
	SubjectSucceeded = "Proceso exitoso"
	testingPrefix    = "[TESTING] "
)

const customerSubjectFormat = "📦 ¡Tu pedido de %s fue despachado a DAC y pronto estará en camino!"

// LabelFilename is the attachment name of the shipping label.
const LabelFilename = "etiqueta.pdf"

// Config holds sender and recipient settings.
type Config struct {
	From types.SenderIdentity
	// LabelRecipient receives the operator report.
	LabelRecipient string
	// DevRecipient is blind-copied on every email.
	DevRecipient string
	TrackingURL  string
	Logger       *slog.Logger
}

// Dispatcher renders and sends notifications through an EmailProvider.
type Dispatcher struct {
	email  external.EmailProvider
	cfg    Config
	tmpl   *template.Template
	logger *slog.Logger
}

// NewDispatcher parses the embedded templates.
func NewDispatcher(email external.EmailProvider, cfg Config) (*Dispatcher, error) {
	tmpl, err := template.New("notify").
		Funcs(template.FuncMap{"spaced": func(s string) string { return strings.ReplaceAll(s, "_", " ") }}).
		ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("notify: failed to parse templates: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{email: email, cfg: cfg, tmpl: tmpl, logger: logger}, nil
}

// SubjectFor picks the operator subject. Only the success subject carries the
// non-production prefix.
func SubjectFor(entries []runlog.Entry, isProduction bool) string {
	switch {
	case runlog.HasLevel(entries, slog.LevelError):
		return SubjectErrors
	case runlog.HasLevel(entries, slog.LevelWarn):
		return SubjectWarnings
	case isProduction:
		return SubjectSucceeded
	default:
		return testingPrefix + SubjectSucceeded
	}
}

type operatorData struct {
	Entries  []runlog.Entry
	Customer *types.CustomerDetails
}

// NotifyOperators sends the run report. customer is nil when registration
// did not succeed; the label is attached only when label.OK.
func (d *Dispatcher) NotifyOperators(ctx context.Context, entries []runlog.Entry, customer *types.CustomerDetails, label types.LabelOutcome, isProduction bool) error {
	logger := d.logger

	body, err := d.render("operator", operatorData{Entries: entries, Customer: customer})
	if err != nil {
		logger.ErrorContext(ctx, "failed to render operator notification", "error", err)
		return err
	}

	to, bcc := uniqueRecipients([]string{d.cfg.LabelRecipient}, d.bcc())
	input := types.SendInput{
		To:          to,
		Bcc:         bcc,
		From:        d.cfg.From,
		Subject:     SubjectFor(entries, isProduction),
		BodyHTML:    body,
		ReferenceID: types.GetRunID(ctx),
	}
	if label.OK && len(label.Document) > 0 {
		input.Attachments = []types.Attachment{{
			Filename:    LabelFilename,
			ContentType: "application/pdf",
			Content:     label.Document,
		}}
	}

	msgID, err := d.email.Send(ctx, input)
	if err != nil {
		logger.ErrorContext(ctx, "failed to send operator notification",
			"run_id", types.GetRunID(ctx),
			"error", err,
		)
		return err
	}
	logger.InfoContext(ctx, "operator notification sent",
		"run_id", types.GetRunID(ctx),
		"subject", input.Subject,
		"message_id", msgID,
		"label_attached", len(input.Attachments) > 0,
	)
	return nil
}

type customerData struct {
	FirstName    string
	Brand        string
	TrackingCode string
	TrackingURL  string
}

// NotifyCustomer sends the shipping notice to the customer's contact email
// with the operators blind-copied.
func (d *Dispatcher) NotifyCustomer(ctx context.Context, details types.CustomerDetails, trackingCode string) error {
	logger := types.LoggerFromContext(ctx, d.logger)

	if details.Email == "" {
		logger.WarnContext(ctx, "order has no customer email; skipping customer notification")
		return nil
	}

	body, err := d.render("customer", customerData{
		FirstName:    details.FirstName,
		Brand:        d.cfg.From.Name,
		TrackingCode: trackingCode,
		TrackingURL:  d.cfg.TrackingURL,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to render customer notification", "error", err)
		return err
	}

	to, bcc := uniqueRecipients([]string{details.Email}, append(d.bcc(), d.cfg.LabelRecipient))

	_, err = d.email.Send(ctx, types.SendInput{
		To:          to,
		Bcc:         bcc,
		From:        d.cfg.From,
		Subject:     fmt.Sprintf(customerSubjectFormat, d.cfg.From.Name),
		BodyHTML:    body,
		ReferenceID: types.GetRunID(ctx),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to send customer notification",
			"to", RedactEmail(details.Email),
			"error", err,
		)
		return err
	}
	logger.InfoContext(ctx, "customer notification sent", "to", RedactEmail(details.Email))
	return nil
}

func (d *Dispatcher) bcc() []string {
	if d.cfg.DevRecipient == "" {
		return nil
	}
	return []string{d.cfg.DevRecipient}
}

// uniqueRecipients drops empty and repeated addresses (case-insensitive)
// across To and Bcc; the provider rejects a message that names one twice.
// To keeps precedence over Bcc.
func uniqueRecipients(to, bcc []string) ([]string, []string) {
	seen := make(map[string]struct{}, len(to)+len(bcc))
	keep := func(list []string) []string {
		var out []string
		for _, addr := range list {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			key := strings.ToLower(addr)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, addr)
		}
		return out
	}
	to = keep(to)
	return to, keep(bcc)
}

func (d *Dispatcher) render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := d.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
