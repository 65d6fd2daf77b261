package protocol

import (
	"github.com/dbn-project/trustlink/core"
	"github.com/dbn-project/trustlink/repository"
)

// Handler for https://didcomm.org/trust-ping/2.0. Answers pings and
// correlates ping responses with the outbound ping that originated them
type TrustPingHandler struct {
	messages    repository.MessageRepository
	connections repository.ConnectionRepository
	sender      OutboundSender
}

func NewTrustPingHandler(messages repository.MessageRepository, connections repository.ConnectionRepository, sender OutboundSender) *TrustPingHandler {
	return &TrustPingHandler{
		messages:    messages,
		connections: connections,
		sender:      sender,
	}
}

func (h *TrustPingHandler) Type() string {
	return core.TrustPingProtocolURI
}

func (h *TrustPingHandler) Name() string {
	return "trust-ping"
}

func (h *TrustPingHandler) Version() string {
	return "2.0"
}

func (h *TrustPingHandler) Supports(messageType string) bool {
	return messageType == core.TrustPingType || messageType == core.TrustPingResponseType
}

func (h *TrustPingHandler) Handle(ctx *MessageContext) error {

	if err := h.messages.Insert(inboundRecord(ctx, core.MessageProcessed)); err != nil {
		if core.ErrorCode(err) == core.MESSAGE_ALREADY_EXISTS {
			core.GetLogger().Debugf("duplicate trust ping message %s", ctx.Message.Id)
			return nil
		}
		return err
	}

	if ctx.Connection != nil {
		if err := h.connections.TouchLastActive(ctx.Connection.Id); err != nil {
			core.GetLogger().Warnf("could not touch connection %s: %s", ctx.Connection.Id, err)
		}
		// A ping in either direction proves the channel works end to end
		if ctx.Connection.State != core.StateComplete {
			if err := h.connections.UpdateState(ctx.Connection.Id, core.StateComplete); err != nil {
				core.GetLogger().Warnf("could not complete connection %s: %s", ctx.Connection.Id, err)
			}
		}
	}

	switch ctx.Message.Type {
	case core.TrustPingType:
		return h.handlePing(ctx)
	case core.TrustPingResponseType:
		return h.handlePingResponse(ctx)
	}
	return nil
}

func (h *TrustPingHandler) handlePing(ctx *MessageContext) error {

	// response_requested defaults to true
	if requested, found := ctx.Message.Body["response_requested"].(bool); found && !requested {
		return nil
	}

	if ctx.Connection == nil {
		return core.NewAgentError(core.CONNECTION_NOT_FOUND, "cannot answer ping from %s without a connection", ctx.SenderDID)
	}

	pong := core.NewDIDCommMessage(core.TrustPingResponseType, ctx.RecipientDID, []string{ctx.SenderDID})
	pong.ThreadId = ctx.Message.Id
	pong.Body["comment"] = "Pong"

	return h.sender.SendMessage(ctx.Connection, pong)
}

func (h *TrustPingHandler) handlePingResponse(ctx *MessageContext) error {

	// Mark the outbound ping as delivered, if we still have it
	if ctx.Message.ThreadId != "" {
		if ping, err := h.messages.GetByMessageId(ctx.Message.ThreadId); err == nil {
			if err := h.messages.UpdateState(ping.Id, core.MessageDelivered, ""); err != nil {
				core.GetLogger().Warnf("could not mark ping %s as delivered: %s", ping.Id, err)
			}
		}
	}
	return nil
}
