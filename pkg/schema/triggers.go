package schema

import "strings"

// eventTriggers maps a normalised domain event name to the trigger type it
// fires. SCHEDULED_TIME is absent: scheduled workflows are started by the
// sweep, never by an event.
var eventTriggers = map[string]TriggerType{
	"LEAD_CREATED":        TriggerLeadCreated,
	"LEAD_UPDATED":        TriggerLeadUpdated,
	"LEAD_STATUS_CHANGED": TriggerLeadStatusChanged,
	"CONTACT_CREATED":     TriggerContactCreated,
	"CONTACT_UPDATED":     TriggerContactUpdated,
	"DEAL_CREATED":        TriggerDealCreated,
	"DEAL_STAGE_CHANGED":  TriggerDealStageChanged,
	"EMAIL_OPENED":        TriggerEmailOpened,
	"EMAIL_CLICKED":       TriggerEmailClicked,
	"EMAIL_REPLIED":       TriggerEmailReplied,
	"FORM_SUBMITTED":      TriggerFormSubmitted,
	"TAG_ADDED":           TriggerTagAdded,
	"TASK_COMPLETED":      TriggerTaskCompleted,

	// Aliases emitted by older producers.
	"EMAIL_OPEN":      TriggerEmailOpened,
	"EMAIL_CLICK":     TriggerEmailClicked,
	"EMAIL_REPLY":     TriggerEmailReplied,
	"FORM_SUBMISSION": TriggerFormSubmitted,
	"TAG_ASSIGNED":    TriggerTagAdded,
}

// NormalizeEventName upper-cases name and folds '.', '-' and spaces into '_'.
func NormalizeEventName(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '-', ' ':
			return '_'
		}
		return r
	}, name)
}

// TriggerForEvent resolves a domain event name to its trigger type.
func TriggerForEvent(name string) (TriggerType, bool) {
	t, ok := eventTriggers[NormalizeEventName(name)]
	return t, ok
}
