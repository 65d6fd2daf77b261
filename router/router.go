// Package router moves messages between the local agent and its peers: it
// encrypts and delivers outbound messages and decrypts and dispatches
// inbound ones.
package router

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dbn-project/trustlink/core"
	"github.com/dbn-project/trustlink/kms"
	"github.com/dbn-project/trustlink/protocol"
	"github.com/dbn-project/trustlink/repository"
)

const DEFAULT_DELIVERY_TIMEOUT_SECONDS = 30

type MessageRouter struct {
	connections repository.ConnectionRepository
	messages    repository.MessageRepository
	kms         kms.KMS

	// Set after construction, because the handlers in the registry need this
	// router as their outbound sender
	registry *protocol.Registry

	httpClient http.Client

	// May be nil
	audit core.AuditSink
}

func NewMessageRouter(connections repository.ConnectionRepository, messages repository.MessageRepository,
	k kms.KMS, audit core.AuditSink, deliveryTimeoutSeconds int) *MessageRouter {

	if deliveryTimeoutSeconds <= 0 {
		deliveryTimeoutSeconds = DEFAULT_DELIVERY_TIMEOUT_SECONDS
	}

	return &MessageRouter{
		connections: connections,
		messages:    messages,
		kms:         k,
		audit:       audit,
		httpClient: http.Client{
			Timeout: time.Duration(deliveryTimeoutSeconds) * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true, // ignore expired SSL certificates
				},
			},
		},
	}
}

func (r *MessageRouter) SetRegistry(registry *protocol.Registry) {
	r.registry = registry
}

// ///////////////////////////////////////////////////////////////
// Outbound
// ///////////////////////////////////////////////////////////////

// Sends a message over an existing connection. The connection must be able
// to carry traffic, except for handshake messages, which flow while the
// connection is still being established
func (r *MessageRouter) RouteOutbound(connectionId string, msg *core.DIDCommMessage) (*core.Message, error) {

	conn, err := r.connections.Get(connectionId)
	if err != nil {
		return nil, err
	}

	if !core.IsUsableState(conn.State) && !strings.HasPrefix(msg.Type, core.ConnectionsProtocolURI) {
		return nil, core.NewAgentError(core.CONNECTION_NOT_ACTIVE, "connection %s is in state %s", conn.Id, conn.State)
	}

	if msg.From == "" {
		msg.From = conn.MyDID
	}
	if len(msg.To) == 0 {
		msg.To = []string{conn.TheirDID}
	}

	record, err := r.sendOver(conn, msg)
	if err != nil {
		return record, err
	}
	return record, nil
}

// Implements the protocol.OutboundSender interface, used by handlers to
// reply within an exchange
func (r *MessageRouter) SendMessage(conn *core.Connection, msg *core.DIDCommMessage) error {
	_, err := r.sendOver(conn, msg)
	return err
}

// Stores the outbound message, encrypts it and delivers it. The stored
// record tracks the delivery outcome
func (r *MessageRouter) sendOver(conn *core.Connection, msg *core.DIDCommMessage) (*core.Message, error) {

	if conn.TheirEndpoint == "" {
		return nil, core.NewAgentError(core.NO_ENDPOINT, "connection %s has no peer endpoint", conn.Id)
	}
	if conn.TheirDID == "" {
		return nil, core.NewAgentError(core.ROUTING_FAILED, "connection %s has no peer did", conn.Id)
	}

	record := &core.Message{
		Id:           uuid.New().String(),
		MessageId:    msg.Id,
		ThreadId:     msg.ThreadId,
		ParentId:     msg.ParentThreadId,
		ConnectionId: conn.Id,
		Type:         msg.Type,
		Direction:    core.DirectionOutbound,
		FromDID:      msg.From,
		ToDIDs:       msg.To,
		Body:         msg.Body,
		Attachments:  msg.Attachments,
		State:        core.MessagePending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.messages.Upsert(record); err != nil {
		return nil, err
	}

	if err := r.deliver(conn, msg, record); err != nil {
		return record, err
	}
	return record, nil
}

// Encrypts and POSTs an already stored message, updating its state
func (r *MessageRouter) deliver(conn *core.Connection, msg *core.DIDCommMessage, record *core.Message) error {

	plaintext, err := json.Marshal(msg)
	if err != nil {
		r.markFailed(record, conn, err.Error())
		return core.WrapAgentError(core.INVALID_MESSAGE, err, "could not serialize message %s", msg.Id)
	}

	encrypted, err := r.kms.Encrypt(kms.EncryptRequest{
		To:        conn.TheirDID,
		From:      conn.MyDID,
		Plaintext: string(plaintext),
	})
	if err != nil {
		r.markFailed(record, conn, err.Error())
		return err
	}

	httpResp, err := r.httpClient.Post(conn.TheirEndpoint, core.DIDCommEncryptedContentType,
		bytes.NewReader([]byte(encrypted.Jwe)))
	if err != nil {
		r.markFailed(record, conn, err.Error())
		if isTimeout(err) {
			core.RecordOutboundDeliveryTimeout(conn.TheirEndpoint)
			return core.WrapAgentError(core.DELIVERY_TIMEOUT, err, "timeout delivering to %s", conn.TheirEndpoint)
		}
		core.RecordOutboundDelivery(conn.TheirEndpoint, "network_error")
		return core.WrapAgentError(core.DELIVERY_FAILED, err, "could not deliver to %s", conn.TheirEndpoint)
	}
	defer httpResp.Body.Close()

	core.RecordOutboundDelivery(conn.TheirEndpoint, fmt.Sprintf("%d", httpResp.StatusCode))

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		errorMessage := fmt.Sprintf("endpoint returned status code %d", httpResp.StatusCode)
		r.markFailed(record, conn, errorMessage)
		return core.NewAgentError(core.DELIVERY_FAILED, "%s delivering to %s", errorMessage, conn.TheirEndpoint)
	}

	record.State = core.MessageSent
	if err := r.messages.UpdateState(record.Id, core.MessageSent, ""); err != nil {
		core.GetLogger().Warnf("could not mark message %s as sent: %s", record.Id, err)
	}
	if err := r.connections.TouchLastActive(conn.Id); err != nil {
		core.GetLogger().Debugf("could not touch connection %s: %s", conn.Id, err)
	}

	r.writeAudit(record, conn.TheirEndpoint, "")
	return nil
}

// Retries a failed outbound message
func (r *MessageRouter) RetryMessage(id string) (*core.Message, error) {

	record, err := r.messages.Get(id)
	if err != nil {
		return nil, err
	}
	if record.Direction != core.DirectionOutbound {
		return nil, core.NewAgentError(core.INVALID_MESSAGE_STATE, "message %s is not outbound", id)
	}
	if record.State != core.MessageFailed {
		return nil, core.NewAgentError(core.INVALID_MESSAGE_STATE, "message %s is in state %s", id, record.State)
	}

	conn, err := r.connections.Get(record.ConnectionId)
	if err != nil {
		return nil, err
	}

	if err := r.messages.IncrementRetry(id); err != nil {
		return nil, err
	}
	record.RetryCount++
	if err := r.messages.UpdateState(id, core.MessagePending, ""); err != nil {
		return nil, err
	}
	record.State = core.MessagePending

	msg := &core.DIDCommMessage{
		Id:             record.MessageId,
		Type:           record.Type,
		From:           record.FromDID,
		To:             record.ToDIDs,
		ThreadId:       record.ThreadId,
		ParentThreadId: record.ParentId,
		Body:           record.Body,
		Attachments:    record.Attachments,
	}

	if err := r.deliver(conn, msg, record); err != nil {
		return record, err
	}
	return record, nil
}

func (r *MessageRouter) markFailed(record *core.Message, conn *core.Connection, errorMessage string) {
	record.State = core.MessageFailed
	record.ErrorMessage = errorMessage
	if err := r.messages.UpdateState(record.Id, core.MessageFailed, errorMessage); err != nil {
		core.GetLogger().Warnf("could not mark message %s as failed: %s", record.Id, err)
	}
	r.writeAudit(record, conn.TheirEndpoint, errorMessage)
}

// ///////////////////////////////////////////////////////////////
// Inbound
// ///////////////////////////////////////////////////////////////

// Decrypts, parses, correlates and dispatches an inbound encrypted message.
// Correlation failure is not fatal: handlers decide whether a connection is
// required
func (r *MessageRouter) RouteInbound(recipientDid string, jwe []byte) error {

	decrypted, err := r.kms.Decrypt(kms.DecryptRequest{DID: recipientDid, Jwe: string(jwe)})
	if err != nil {
		core.RecordInboundMessage("unknown", core.DECRYPTION_FAILED)
		return err
	}

	msg, err := core.ParseDIDCommMessage([]byte(decrypted.Plaintext))
	if err != nil {
		core.RecordInboundMessage("unknown", core.INVALID_MESSAGE)
		return err
	}

	senderDid := msg.From
	if senderDid == "" {
		// The envelope skid is did#key, keep the did part
		if skid, ok := decrypted.Header["skid"].(string); ok {
			senderDid, _, _ = strings.Cut(skid, "#")
		}
	}

	ctx := &protocol.MessageContext{
		Message:      msg,
		RecipientDID: recipientDid,
		SenderDID:    senderDid,
	}
	if senderDid != "" {
		if conn, err := r.connections.GetByDids(recipientDid, senderDid); err == nil {
			ctx.Connection = conn
		}
	}

	if err := r.registry.Dispatch(ctx); err != nil {
		core.RecordInboundMessage(msg.Type, core.ErrorCode(err))
		r.auditInbound(ctx, err.Error())
		return err
	}

	core.RecordInboundMessage(msg.Type, "OK")
	r.auditInbound(ctx, "")
	return nil
}

// ///////////////////////////////////////////////////////////////
// Audit
// ///////////////////////////////////////////////////////////////

func (r *MessageRouter) writeAudit(record *core.Message, endpoint string, errorMessage string) {
	if r.audit == nil {
		return
	}
	toDid := ""
	if len(record.ToDIDs) > 0 {
		toDid = record.ToDIDs[0]
	}
	r.audit.WriteMessageRecord(core.MessageAuditRecord{
		Timestamp:    time.Now().UTC(),
		MessageId:    record.MessageId,
		ConnectionId: record.ConnectionId,
		Type:         record.Type,
		Direction:    record.Direction,
		State:        record.State,
		FromDID:      record.FromDID,
		ToDID:        toDid,
		Endpoint:     endpoint,
		Error:        errorMessage,
		RetryCount:   record.RetryCount,
	})
}

func (r *MessageRouter) auditInbound(ctx *protocol.MessageContext, errorMessage string) {
	if r.audit == nil {
		return
	}
	connectionId := ""
	if ctx.Connection != nil {
		connectionId = ctx.Connection.Id
	}
	state := core.MessageProcessed
	if errorMessage != "" {
		state = core.MessageFailed
	}
	r.audit.WriteMessageRecord(core.MessageAuditRecord{
		Timestamp:    time.Now().UTC(),
		MessageId:    ctx.Message.Id,
		ConnectionId: connectionId,
		Type:         ctx.Message.Type,
		Direction:    core.DirectionInbound,
		State:        state,
		FromDID:      ctx.SenderDID,
		ToDID:        ctx.RecipientDID,
		Error:        errorMessage,
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "Client.Timeout exceeded")
}
