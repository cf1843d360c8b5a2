// Package policy decides whether an event should be recorded automatically.
package policy

import (
	"encoding/json"
	"strings"

	"recallbot/internal/models"
)

// Decision is the pair of recording flags for one event.
type Decision struct {
	ShouldRecordAutomatic bool
	ShouldRecordManual    bool
}

// Attributes are the event facts the policy looks at, extracted from the
// provider's raw calendar payload.
type Attributes struct {
	OrganizerEmail string
	Confirmed      bool
	Cancelled      bool
}

// rawEvent covers the Google and Outlook shapes; their field names do not collide.
type rawEvent struct {
	Organizer struct {
		Email        string `json:"email"`
		Self         bool   `json:"self"`
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"organizer"`
	Attendees []struct {
		Email          string `json:"email"`
		Self           bool   `json:"self"`
		ResponseStatus string `json:"responseStatus"`
	} `json:"attendees"`
	Status      string `json:"status"`
	IsCancelled bool   `json:"isCancelled"`
}

// outlookResponse is decoded separately: Google uses responseStatus as a
// string on attendees, Outlook as an object on the event.
type outlookResponse struct {
	ResponseStatus json.RawMessage `json:"responseStatus"`
}

// ParseAttributes reads organizer and response state from a raw provider
// payload. Unknown or empty payloads yield an internal, confirmed event.
func ParseAttributes(raw json.RawMessage) Attributes {
	attrs := Attributes{Confirmed: true}
	if len(raw) == 0 {
		return attrs
	}

	var ev rawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return attrs
	}

	attrs.OrganizerEmail = ev.Organizer.Email
	if attrs.OrganizerEmail == "" {
		attrs.OrganizerEmail = ev.Organizer.EmailAddress.Address
	}
	attrs.Cancelled = ev.IsCancelled || strings.EqualFold(ev.Status, "cancelled")

	if response, ok := outlookResponseStatus(raw); ok {
		switch strings.ToLower(response) {
		case "accepted", "organizer":
			attrs.Confirmed = true
		default:
			attrs.Confirmed = false
		}
		return attrs
	}

	if ev.Organizer.Self {
		return attrs
	}
	for _, a := range ev.Attendees {
		if a.Self {
			attrs.Confirmed = strings.EqualFold(a.ResponseStatus, "accepted")
			break
		}
	}
	return attrs
}

func outlookResponseStatus(raw json.RawMessage) (string, bool) {
	var wrapper outlookResponse
	if err := json.Unmarshal(raw, &wrapper); err != nil || len(wrapper.ResponseStatus) == 0 {
		return "", false
	}
	var status struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(wrapper.ResponseStatus, &status); err != nil {
		return "", false
	}
	return status.Response, true
}

// Evaluate computes the recording flags for ev on cal. The organizer is
// external when its email domain differs from the calendar's. The manual
// flag is owned by the user and passed through.
func Evaluate(cal *models.Calendar, ev *models.CalendarEvent, attrs Attributes) Decision {
	settings := cal.Settings
	external := IsExternal(cal.Email, attrs.OrganizerEmail)

	automatic := (external && settings.AutoRecordExternalEvents) ||
		(!external && settings.AutoRecordInternalEvents)
	if settings.AutoRecordOnlyConfirmedEvents && !attrs.Confirmed {
		automatic = false
	}
	if attrs.Cancelled {
		automatic = false
	}

	return Decision{
		ShouldRecordAutomatic: automatic,
		ShouldRecordManual:    ev.ShouldRecordManual,
	}
}

// EvaluateSnapshot reads attributes from the event's remote snapshot.
func EvaluateSnapshot(cal *models.Calendar, ev *models.CalendarEvent) Decision {
	remote, err := ev.Snapshot()
	if err != nil {
		return Evaluate(cal, ev, Attributes{Confirmed: true})
	}
	return Evaluate(cal, ev, ParseAttributes(remote.Raw))
}

// IsExternal reports whether organizer belongs to a different domain than owner.
// A missing organizer counts as internal.
func IsExternal(ownerEmail, organizerEmail string) bool {
	organizer := EmailDomain(organizerEmail)
	if organizer == "" {
		return false
	}
	return organizer != EmailDomain(ownerEmail)
}

// EmailDomain returns the lowercased domain part of email, or "".
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[at+1:]))
}
