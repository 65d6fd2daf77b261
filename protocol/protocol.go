// Package protocol holds the pluggable handlers for the didcomm protocols
// spoken by the agent, and the registry that dispatches inbound messages to
// them.
package protocol

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dbn-project/trustlink/core"
)

// Everything a handler may need about an inbound message. The connection is
// nil when correlation failed, and handlers decide whether that is an error
type MessageContext struct {
	// The decrypted, parsed message
	Message *core.DIDCommMessage

	// The correlated connection, or nil
	Connection *core.Connection

	// Local DID the message was addressed to
	RecipientDID string

	// Peer DID taken from the from header or the envelope skid
	SenderDID string
}

// A protocol handler. Handlers own the persistence of the messages they
// process
type Handler interface {
	// Protocol URI, e.g. https://didcomm.org/basicmessage/2.0
	Type() string

	Name() string
	Version() string

	// Whether this handler accepts the given message type. Called only when
	// no handler matched by protocol URI prefix
	Supports(messageType string) bool

	Handle(ctx *MessageContext) error
}

// Outbound leg used by handlers to reply. Implemented by the message router
type OutboundSender interface {
	SendMessage(conn *core.Connection, msg *core.DIDCommMessage) error
}

// Registry of protocol handlers, keyed by protocol URI. Lookup tries an
// exact prefix match first and falls back to asking each handler
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Registers a handler for its protocol URI, replacing any previous one
func (r *Registry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.handlers[handler.Type()]; found {
		core.GetLogger().Warnf("replacing handler for %s", handler.Type())
	}
	r.handlers[handler.Type()] = handler
}

// Returns the handler for the message type, or a HANDLER_NOT_FOUND error
func (r *Registry) Resolve(messageType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Exact protocol prefix. Message types are <protocol-uri>/<name>
	if idx := strings.LastIndex(messageType, "/"); idx > 0 {
		if handler, found := r.handlers[messageType[:idx]]; found {
			return handler, nil
		}
	}

	for _, handler := range r.handlers {
		if handler.Supports(messageType) {
			return handler, nil
		}
	}

	return nil, core.NewAgentError(core.HANDLER_NOT_FOUND, "no handler for %s", messageType)
}

// Registered protocol URIs
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	protocols := make([]string, 0, len(r.handlers))
	for uri := range r.handlers {
		protocols = append(protocols, uri)
	}
	return protocols
}

// Resolves and invokes the handler for the message, recording metrics
func (r *Registry) Dispatch(ctx *MessageContext) error {

	handler, err := r.Resolve(ctx.Message.Type)
	if err != nil {
		return err
	}

	core.RecordHandlerInvocation(ctx.Message.Type)
	if err = handler.Handle(ctx); err != nil {
		core.RecordHandlerError(ctx.Message.Type)
		return err
	}
	return nil
}

// Builds the storage record for an inbound message
func inboundRecord(ctx *MessageContext, state string) *core.Message {

	connectionId := ""
	if ctx.Connection != nil {
		connectionId = ctx.Connection.Id
	}

	record := &core.Message{
		Id:           uuid.New().String(),
		MessageId:    ctx.Message.Id,
		ThreadId:     ctx.Message.ThreadId,
		ParentId:     ctx.Message.ParentThreadId,
		ConnectionId: connectionId,
		Type:         ctx.Message.Type,
		Direction:    core.DirectionInbound,
		FromDID:      ctx.SenderDID,
		ToDIDs:       ctx.Message.To,
		Body:         ctx.Message.Body,
		Attachments:  ctx.Message.Attachments,
		State:        state,
		CreatedAt:    time.Now().UTC(),
	}
	if state == core.MessageProcessed {
		now := time.Now().UTC()
		record.ProcessedAt = &now
	}
	return record
}
