package dispatch

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Server-to-client event vocabulary. The set is closed: an emit with any
// other name is rejected at the dispatch boundary.
const (
	EventIssueCreated       = "issueCreated"
	EventIssueUpdated       = "issueUpdated"
	EventIssueCommented     = "issueCommented"
	EventIssueStatusChanged = "issueStatusChanged"
	EventIssueAssigned      = "issueAssigned"
	EventNotification       = "notification"
	EventTeamCreated        = "teamCreated"
	EventTeamMemberAdded    = "teamMemberAdded"
	EventProjectCreated     = "projectCreated"
)

// eventSchema maps each event name to the top-level fields its payload must
// carry. Field presence is the contract with clients; anything beyond the
// required fields passes through opaque.
var eventSchema = map[string][]string{
	EventIssueCreated:       {"id", "projectId"},
	EventIssueUpdated:       {"id", "projectId"},
	EventIssueCommented:     {"issueId", "comment"},
	EventIssueStatusChanged: {"issueId", "status"},
	EventIssueAssigned:      {"issueId", "assigneeId"},
	EventNotification:       {"message"},
	EventTeamCreated:        {"id"},
	EventTeamMemberAdded:    {"teamId", "member"},
	EventProjectCreated:     {"id"},
}

// ValidateEvent checks the event name against the vocabulary and the payload
// against the event's required fields. payload must be a JSON object.
func ValidateEvent(event string, payload []byte) error {
	required, ok := eventSchema[event]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if !gjson.ValidBytes(payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidPayload)
	}
	parsed := gjson.ParseBytes(payload)
	if !parsed.IsObject() {
		return fmt.Errorf("%w: payload must be a JSON object", ErrInvalidPayload)
	}
	for _, field := range required {
		if !parsed.Get(field).Exists() {
			return fmt.Errorf("%w: event %q requires field %q", ErrInvalidPayload, event, field)
		}
	}
	return nil
}
