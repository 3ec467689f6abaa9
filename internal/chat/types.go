package chat

import (
	"github.com/brendanx22/HomeSwift.co-sub002/internal/backend"
	"github.com/brendanx22/HomeSwift.co-sub002/internal/presence"
)

// Conversation is the cache's view of a persisted conversation, enriched
// best-effort with the other participant's presence entry. Absence of
// the enrichment is not an error — the user may simply be offline.
type Conversation struct {
	backend.Conversation
	OtherParticipant *presence.Entry `json:"otherParticipant,omitempty"`
}

// OtherParticipantID returns the participant that is not selfID.
func (c *Conversation) OtherParticipantID(selfID string) string {
	for _, id := range c.ParticipantIDs {
		if id != selfID {
			return id
		}
	}
	return ""
}

// Event notifies subscribers of cache changes.
type Event struct {
	Type           string           `json:"type"` // conversations|message|active
	ConversationID string           `json:"conversationId,omitempty"`
	Message        *backend.Message `json:"message,omitempty"`
}
