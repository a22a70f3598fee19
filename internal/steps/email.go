package steps

import (
	"context"
	"strings"

	"github.com/spf13/cast"

	"github.com/rendis/autoflow/internal/delivery"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// ReasonNoRecipient is the failure reported when no address resolves.
const ReasonNoRecipient = "no recipient"

// EmailExecutor renders a message for the trigger entity and hands it to the
// delivery collaborator.
type EmailExecutor struct {
	records     store.RecordStore
	sender      MessageSender
	interp      *expressions.Interpolator
	defaultFrom string
}

func NewEmailExecutor(records store.RecordStore, sender MessageSender, interp *expressions.Interpolator, defaultFrom string) *EmailExecutor {
	if interp == nil {
		interp = expressions.NewInterpolator(false)
	}
	return &EmailExecutor{records: records, sender: sender, interp: interp, defaultFrom: defaultFrom}
}

func (e *EmailExecutor) Type() schema.StepType { return schema.StepTypeEmail }

type recipient struct {
	Email string
	Name  string
}

func (e *EmailExecutor) Execute(ctx context.Context, in Input) (*Outcome, error) {
	cfg, ok := in.Config.(*schema.EmailConfig)
	if !ok {
		return nil, wrongConfig(in, schema.StepTypeEmail)
	}

	rec, err := loadEntity(ctx, e.records, in.Execution)
	if err != nil {
		return nil, err
	}
	to, err := e.resolveRecipient(ctx, in.Execution, rec)
	if err != nil {
		return nil, err
	}
	if to.Email == "" {
		return Failed(ReasonNoRecipient, nil), nil
	}

	scope := scopeFor(in, recordFields(rec))
	subject, err := e.interp.Render(cfg.Subject, scope)
	if err != nil {
		return nil, err
	}
	body, err := e.interp.Render(cfg.Body, scope)
	if err != nil {
		return nil, err
	}
	from := cfg.From
	if from == "" {
		from = e.defaultFrom
	}

	id, err := e.sender.SendMessage(ctx, delivery.Message{
		ExecutionID: executionID(in),
		To:          to.Email,
		ToName:      to.Name,
		From:        from,
		Subject:     subject,
		Body:        body,
	})
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeValidation) {
			return Failed(err.Error(), map[string]any{"to": to.Email}), nil
		}
		return nil, err
	}

	data := map[string]any{
		"message_id": id,
		"to":         to.Email,
		"subject":    subject,
	}
	if cfg.TemplateID != "" {
		data["template_id"] = cfg.TemplateID
	}
	return Succeeded(data), nil
}

// resolveRecipient reads the address from a lead or contact, or from the
// first contact linked to a deal.
func (e *EmailExecutor) resolveRecipient(ctx context.Context, exec *schema.Execution, rec *store.Record) (recipient, error) {
	if rec == nil {
		return recipient{}, nil
	}
	table, _ := schema.EntityTable(exec.TriggerEntityType)
	switch table {
	case "leads", "contacts":
		return recipientOf(rec.Data), nil
	case "deals":
		contacts, err := e.records.FetchByFilter(ctx, "contacts", store.RecordFilter{
			Equals: map[string]any{"dealId": rec.ID},
			Limit:  1,
		})
		if err != nil {
			return recipient{}, schema.NewErrorf(schema.ErrCodeStore, "find deal contacts: %s", err.Error()).WithCause(err)
		}
		if len(contacts) == 0 {
			return recipient{}, nil
		}
		return recipientOf(contacts[0].Data), nil
	default:
		return recipient{}, nil
	}
}

func recipientOf(data map[string]any) recipient {
	r := recipient{Email: strings.TrimSpace(cast.ToString(data["email"]))}
	name := strings.TrimSpace(cast.ToString(data["firstName"]) + " " + cast.ToString(data["lastName"]))
	if name == "" {
		name = strings.TrimSpace(cast.ToString(data["name"]))
	}
	r.Name = name
	return r
}
