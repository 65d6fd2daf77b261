// Package repository persists connections and messages. The MySQL backend is
// the production one; the memory backend serves tests and lightweight demos.
package repository

import (
	"github.com/dbn-project/trustlink/core"
)

// Filter for listing connections. Zero values mean "any"
type ConnectionFilter struct {
	State    string
	Role     string
	MyDID    string
	TheirDID string
	Tag      string

	// Paging. Limit 0 means no limit
	Offset int
	Limit  int
}

// Filter for listing messages. Zero values mean "any"
type MessageFilter struct {
	ConnectionId string
	Direction    string
	State        string
	Type         string
	ThreadId     string

	Offset int
	Limit  int
}

// Storage operations for connections. Implementations must treat the
// connection id as the primary key and keep UpdatedAt current on every write
type ConnectionRepository interface {
	Insert(conn *core.Connection) error
	Get(id string) (*core.Connection, error)
	GetByDids(myDid string, theirDid string) (*core.Connection, error)
	GetByInvitationId(invitationId string) (*core.Connection, error)
	List(filter ConnectionFilter) ([]core.Connection, int, error)

	// Advisory: logs a warning on a transition the state machine does not
	// allow, but applies it anyway. Strict enforcement belongs to the
	// connection manager
	UpdateState(id string, state string) error

	UpdatePeerInfo(id string, theirDid string, theirLabel string, theirEndpoint string) error
	UpdateCapabilities(id string, protocols []string, services []core.DIDCommService) error
	UpdateMetadata(id string, metadata map[string]string) error
	UpdateTags(id string, tags []string, notes string) error
	TouchLastActive(id string) error
	Delete(id string) error
}

// Storage operations for messages. MessageId (the didcomm message id) is
// unique so that replayed inbound messages are stored only once
type MessageRepository interface {
	Insert(msg *core.Message) error

	// Insert or, if a message with the same didcomm id exists, update it
	Upsert(msg *core.Message) error

	Get(id string) (*core.Message, error)
	GetByMessageId(messageId string) (*core.Message, error)
	List(filter MessageFilter) ([]core.Message, int, error)

	// Full text search on the message body content, scoped to a connection
	// when connectionId is not empty
	Search(connectionId string, query string, limit int) ([]core.Message, error)

	// Advisory, as in ConnectionRepository.UpdateState
	UpdateState(id string, state string, errorMessage string) error

	IncrementRetry(id string) error
	Delete(id string) error
}

// Allowed transitions of the message lifecycle, used only to emit warnings.
// "failed" may go back to "pending" on retry
var messageStateTransitions = map[string][]string{
	core.MessagePending:   {core.MessageSent, core.MessageProcessed, core.MessageFailed},
	core.MessageSent:      {core.MessageDelivered, core.MessageFailed},
	core.MessageFailed:    {core.MessagePending},
	core.MessageDelivered: {},
	core.MessageProcessed: {},
}

func messageCanTransition(from string, to string) bool {
	for _, allowed := range messageStateTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
