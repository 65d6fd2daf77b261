package core

import (
	"time"
)

// Connection roles. Set at creation and immutable
const (
	RoleInviter = "inviter"
	RoleInvitee = "invitee"
)

// Connection states. "complete" is canonical; "active" and "completed" are
// legacy aliases accepted on read and normalized everywhere else
const (
	StateInvited   = "invited"
	StateRequested = "requested"
	StateResponded = "responded"
	StateComplete  = "complete"
	StateError     = "error"
)

// Message directions
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message states
const (
	MessagePending   = "pending"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageFailed    = "failed"
	MessageProcessed = "processed"
)

// Well known metadata keys in the Connection metadata map
const (
	MetaCorrelationId         = "correlationId"
	MetaInvitationType        = "invitationType"
	MetaOutboundRequestFailed = "outboundRequestFailed"
)

// Invitation types
const (
	InvitationTypeOpen     = "open"
	InvitationTypeTargeted = "targeted"
)

// One side of a peer relationship
type Connection struct {
	Id             string            `json:"id"`
	MyDID          string            `json:"myDid"`
	TheirDID       string            `json:"theirDid"`
	Role           string            `json:"role"`
	State          string            `json:"state"`
	TheirLabel     string            `json:"theirLabel,omitempty"`
	TheirEndpoint  string            `json:"theirEndpoint,omitempty"`
	TheirProtocols []string          `json:"theirProtocols,omitempty"`
	TheirServices  []DIDCommService  `json:"theirServices,omitempty"`
	Invitation     *Invitation       `json:"invitation,omitempty"`
	InvitationUrl  string            `json:"invitationUrl,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	Notes          string            `json:"notes,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	LastActiveAt   time.Time         `json:"lastActiveAt"`
}

// One DIDComm message, inbound or outbound
type Message struct {
	Id           string            `json:"id"`
	MessageId    string            `json:"messageId"`
	ThreadId     string            `json:"threadId,omitempty"`
	ParentId     string            `json:"parentId,omitempty"`
	ConnectionId string            `json:"connectionId,omitempty"`
	Type         string            `json:"type"`
	Direction    string            `json:"direction"`
	FromDID      string            `json:"fromDid,omitempty"`
	ToDIDs       []string          `json:"toDids,omitempty"`
	Body         map[string]any    `json:"body,omitempty"`
	Attachments  []Attachment      `json:"attachments,omitempty"`
	State        string            `json:"state"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	RetryCount   int               `json:"retryCount"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	ProcessedAt  *time.Time        `json:"processedAt,omitempty"`
}

// Maps the legacy state vocabulary to the canonical one
func NormalizeState(state string) string {
	switch state {
	case "active", "completed":
		return StateComplete
	default:
		return state
	}
}

// Whether the value is one of the enumerated connection states, after
// normalization
func IsValidState(state string) bool {
	switch NormalizeState(state) {
	case StateInvited, StateRequested, StateResponded, StateComplete, StateError:
		return true
	}
	return false
}

// Allowed transitions of the connection state machine. "complete" is
// terminal. Transitions out of "error" support operator-initiated retry
var stateTransitions = map[string][]string{
	StateInvited:   {StateRequested, StateError},
	StateRequested: {StateResponded, StateError},
	StateResponded: {StateComplete, StateError},
	StateError:     {StateInvited, StateRequested},
	StateComplete:  {},
}

// Whether the state machine allows moving from one state to another. Both
// values are normalized first
func CanTransition(from string, to string) bool {
	f := NormalizeState(from)
	t := NormalizeState(to)
	for _, allowed := range stateTransitions[f] {
		if allowed == t {
			return true
		}
	}
	// Any state may degrade to error
	return t == StateError && f != StateError
}

// Whether the connection may carry application traffic
func IsUsableState(state string) bool {
	return NormalizeState(state) == StateComplete
}
