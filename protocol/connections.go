package protocol

import (
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/dbn-project/trustlink/core"
	"github.com/dbn-project/trustlink/discovery"
	"github.com/dbn-project/trustlink/repository"
)

// Handler for https://didcomm.org/connections/1.0, the trust handshake.
// Drives the inviter side (request received, response sent, ack received)
// and the invitee side (response received, ack sent)
type ConnectionsHandler struct {
	connections repository.ConnectionRepository
	messages    repository.MessageRepository
	discoverer  *discovery.Discoverer
	sender      OutboundSender

	// Label advertised in handshake replies
	label string
}

func NewConnectionsHandler(connections repository.ConnectionRepository, messages repository.MessageRepository,
	discoverer *discovery.Discoverer, sender OutboundSender, label string) *ConnectionsHandler {
	return &ConnectionsHandler{
		connections: connections,
		messages:    messages,
		discoverer:  discoverer,
		sender:      sender,
		label:       label,
	}
}

func (h *ConnectionsHandler) Type() string {
	return core.ConnectionsProtocolURI
}

func (h *ConnectionsHandler) Name() string {
	return "connections"
}

func (h *ConnectionsHandler) Version() string {
	return "1.0"
}

func (h *ConnectionsHandler) Supports(messageType string) bool {
	switch messageType {
	case core.ConnectionRequestType, core.ConnectionResponseType, core.ConnectionAckType:
		return true
	}
	return false
}

func (h *ConnectionsHandler) Handle(ctx *MessageContext) error {
	switch ctx.Message.Type {
	case core.ConnectionRequestType:
		return h.handleRequest(ctx)
	case core.ConnectionResponseType:
		return h.handleResponse(ctx)
	case core.ConnectionAckType:
		return h.handleAck(ctx)
	}
	return core.NewAgentError(core.HANDLER_NOT_FOUND, "unexpected connections message type %s", ctx.Message.Type)
}

// Inviter side. A peer accepted one of our invitations
func (h *ConnectionsHandler) handleRequest(ctx *MessageContext) error {

	msg := ctx.Message

	conn := ctx.Connection
	if conn == nil {
		// Correlate by the invitation the request responds to, carried in
		// pthid or in the body
		invitationId := msg.ParentThreadId
		if invitationId == "" {
			invitationId = msg.BodyString("invitation_id")
		}
		if invitationId != "" {
			if byInvitation, err := h.connections.GetByInvitationId(invitationId); err == nil {
				conn = byInvitation
				ctx.Connection = conn
			}
		}
	}

	theirDid := msg.From
	if theirDid == "" {
		theirDid = msg.BodyString("did")
	}
	if theirDid == "" {
		theirDid = ctx.SenderDID
	}
	if theirDid == "" {
		return core.NewAgentError(core.INVALID_MESSAGE, "connection request without sender did")
	}

	// A request that matches no invitation still starts a connection. The
	// peer may have received the invitation out of band
	if conn == nil {
		myDid := ctx.RecipientDID
		if myDid == "" {
			myDid = msg.FirstTo()
		}
		if myDid == "" {
			return core.NewAgentError(core.INVALID_MESSAGE, "connection request without recipient did")
		}
		core.GetLogger().Debugf("connection request %s matches no invitation, creating connection", msg.Id)
		conn = &core.Connection{
			Id:       uuid.New().String(),
			MyDID:    myDid,
			TheirDID: theirDid,
			Role:     core.RoleInviter,
			State:    core.StateRequested,
		}
		if err := h.connections.Insert(conn); err != nil {
			return err
		}
		ctx.Connection = conn
	}

	if conn.State == core.StateComplete {
		core.GetLogger().Debugf("ignoring connection request on completed connection %s", conn.Id)
		return nil
	}
	if conn.State != core.StateInvited && conn.State != core.StateRequested {
		return core.NewAgentError(core.INVALID_STATE_TRANSITION, "connection %s is in state %s", conn.Id, conn.State)
	}

	if err := h.messages.Insert(inboundRecord(ctx, core.MessageProcessed)); err != nil {
		if core.ErrorCode(err) == core.MESSAGE_ALREADY_EXISTS {
			core.GetLogger().Debugf("duplicate connection request %s", msg.Id)
			return nil
		}
		return err
	}

	// Peer endpoint and protocols: inline did document first, discovery as
	// refinement or fallback
	capabilities := h.inlineCapabilities(msg)
	if discovered, err := h.discoverer.DiscoverCapabilities(theirDid); err == nil {
		if capabilities == nil || discovered.Endpoint != "" {
			capabilities = discovered
		}
	} else if capabilities == nil {
		return core.WrapAgentError(core.DID_RESOLUTION_FAILED, err, "cannot locate peer %s", theirDid)
	}

	if err := h.connections.UpdatePeerInfo(conn.Id, theirDid, msg.BodyString("label"), capabilities.Endpoint); err != nil {
		return err
	}
	if err := h.connections.UpdateCapabilities(conn.Id, capabilities.Protocols, capabilities.Services); err != nil {
		return err
	}
	if err := h.connections.UpdateState(conn.Id, core.StateRequested); err != nil {
		return err
	}

	// Reload so that the response goes to the endpoint just learned
	conn, err := h.connections.Get(conn.Id)
	if err != nil {
		return err
	}

	response := core.NewDIDCommMessage(core.ConnectionResponseType, conn.MyDID, []string{theirDid})
	response.ThreadId = msg.EffectiveThreadId()
	response.Body["did"] = conn.MyDID
	response.Body["label"] = h.label

	if err := h.sender.SendMessage(conn, response); err != nil {
		return err
	}

	// The peer may have acked already. Do not move a completed connection
	// back to responded
	if current, err := h.connections.Get(conn.Id); err == nil && current.State != core.StateRequested {
		return nil
	}
	return h.connections.UpdateState(conn.Id, core.StateResponded)
}

// Invitee side. The inviter answered our connection request
func (h *ConnectionsHandler) handleResponse(ctx *MessageContext) error {

	msg := ctx.Message

	conn, err := h.correlateByThread(ctx)
	if err != nil {
		return err
	}

	if conn.State == core.StateComplete {
		core.GetLogger().Debugf("ignoring connection response on completed connection %s", conn.Id)
		return nil
	}
	if conn.State != core.StateRequested {
		return core.NewAgentError(core.INVALID_STATE_TRANSITION, "connection %s is in state %s", conn.Id, conn.State)
	}

	if err := h.messages.Insert(inboundRecord(ctx, core.MessageProcessed)); err != nil {
		if core.ErrorCode(err) == core.MESSAGE_ALREADY_EXISTS {
			core.GetLogger().Debugf("duplicate connection response %s", msg.Id)
			return nil
		}
		return err
	}

	// The inviter may answer from a DID other than the one in the invitation
	theirDid := msg.From
	if theirDid == "" {
		theirDid = msg.BodyString("did")
	}
	if theirDid != "" && theirDid != conn.TheirDID {
		if err := h.connections.UpdatePeerInfo(conn.Id, theirDid, msg.BodyString("label"), conn.TheirEndpoint); err != nil {
			return err
		}
	} else if label := msg.BodyString("label"); label != "" && label != conn.TheirLabel {
		if err := h.connections.UpdatePeerInfo(conn.Id, conn.TheirDID, label, conn.TheirEndpoint); err != nil {
			return err
		}
	}

	// Refresh capabilities. Not fatal, the endpoint from the invitation
	// keeps working
	if theirDid == "" {
		theirDid = conn.TheirDID
	}
	if capabilities, err := h.discoverer.DiscoverCapabilities(theirDid); err == nil {
		if capabilities.Endpoint != "" {
			if err := h.connections.UpdatePeerInfo(conn.Id, theirDid, msg.BodyString("label"), capabilities.Endpoint); err != nil {
				return err
			}
		}
		if err := h.connections.UpdateCapabilities(conn.Id, capabilities.Protocols, capabilities.Services); err != nil {
			return err
		}
	} else {
		core.GetLogger().Debugf("could not refresh capabilities of %s: %s", theirDid, err)
	}

	if err := h.connections.UpdateState(conn.Id, core.StateResponded); err != nil {
		return err
	}

	conn, err = h.connections.Get(conn.Id)
	if err != nil {
		return err
	}

	ack := core.NewDIDCommMessage(core.ConnectionAckType, conn.MyDID, []string{conn.TheirDID})
	ack.ThreadId = msg.EffectiveThreadId()
	ack.Body["status"] = "OK"

	if err := h.sender.SendMessage(conn, ack); err != nil {
		return err
	}

	return h.connections.UpdateState(conn.Id, core.StateComplete)
}

// Inviter side. The invitee confirmed our response
func (h *ConnectionsHandler) handleAck(ctx *MessageContext) error {

	conn, err := h.correlateByThread(ctx)
	if err != nil {
		return err
	}

	if err := h.messages.Insert(inboundRecord(ctx, core.MessageProcessed)); err != nil {
		if core.ErrorCode(err) == core.MESSAGE_ALREADY_EXISTS {
			core.GetLogger().Debugf("duplicate connection ack %s", ctx.Message.Id)
			return nil
		}
		return err
	}

	if conn.State == core.StateComplete {
		// Retransmitted ack
		return nil
	}

	// The ack closes the handshake whatever the local state. It may arrive
	// before our own response transition lands
	return h.connections.UpdateState(conn.Id, core.StateComplete)
}

// Finds the connection for a threaded handshake message, using the context
// correlation first and the stored message with the same thread as fallback
func (h *ConnectionsHandler) correlateByThread(ctx *MessageContext) (*core.Connection, error) {

	if ctx.Connection != nil {
		return ctx.Connection, nil
	}

	threadId := ctx.Message.EffectiveThreadId()
	original, err := h.messages.GetByMessageId(threadId)
	if err != nil || original.ConnectionId == "" {
		return nil, core.NewAgentError(core.CONNECTION_NOT_FOUND, "no connection for thread %s", threadId)
	}

	conn, err := h.connections.Get(original.ConnectionId)
	if err != nil {
		return nil, err
	}
	ctx.Connection = conn
	return conn, nil
}

// Extracts the peer capabilities from a did document attached to the
// message, either as a proper attachment or inline in the body
func (h *ConnectionsHandler) inlineCapabilities(msg *core.DIDCommMessage) *discovery.Capabilities {

	// The document may travel inline in the body, under several key
	// spellings used in the wild
	candidates := []any{msg.Body["did_doc"], msg.Body["didDoc"]}
	if wrapped, ok := msg.Body["connection"].(map[string]any); ok {
		candidates = append([]any{wrapped["did_doc"], wrapped["didDoc"]}, candidates...)
	}
	for _, rawDoc := range candidates {
		if rawDoc == nil {
			continue
		}
		if jDoc, err := json.Marshal(rawDoc); err == nil && core.LooksLikeDIDDocument(jDoc) {
			if doc, err := core.ParseDIDDocument(jDoc); err == nil {
				return discovery.CapabilitiesFromDocument(doc)
			}
		}
	}

	for _, attachment := range msg.Attachments {
		jDoc := []byte(attachment.Data.Json)
		if len(jDoc) == 0 && attachment.Data.Base64 != "" {
			decoded, err := base64.StdEncoding.DecodeString(attachment.Data.Base64)
			if err != nil {
				decoded, err = base64.RawURLEncoding.DecodeString(attachment.Data.Base64)
			}
			if err != nil {
				continue
			}
			jDoc = decoded
		}
		if len(jDoc) == 0 || !core.LooksLikeDIDDocument(jDoc) {
			continue
		}
		if doc, err := core.ParseDIDDocument(jDoc); err == nil {
			return discovery.CapabilitiesFromDocument(doc)
		}
	}

	return nil
}
