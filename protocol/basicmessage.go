package protocol

import (
	"strconv"
	"time"

	"github.com/dbn-project/trustlink/core"
	"github.com/dbn-project/trustlink/repository"
)

// Handler for https://didcomm.org/basicmessage/2.0. Stores the message and
// notifies the configured sink
type BasicMessageHandler struct {
	messages    repository.MessageRepository
	connections repository.ConnectionRepository

	// May be nil
	notifier core.Notifier
}

func NewBasicMessageHandler(messages repository.MessageRepository, connections repository.ConnectionRepository, notifier core.Notifier) *BasicMessageHandler {
	return &BasicMessageHandler{
		messages:    messages,
		connections: connections,
		notifier:    notifier,
	}
}

func (h *BasicMessageHandler) Type() string {
	return core.BasicMessageProtocolURI
}

func (h *BasicMessageHandler) Name() string {
	return "basicmessage"
}

func (h *BasicMessageHandler) Version() string {
	return "2.0"
}

func (h *BasicMessageHandler) Supports(messageType string) bool {
	return messageType == core.BasicMessageType
}

func (h *BasicMessageHandler) Handle(ctx *MessageContext) error {

	msg := ctx.Message

	content := msg.BodyString("content")
	if content == "" {
		core.GetLogger().Warnf("dropping basic message %s without content", msg.Id)
		return nil
	}

	// Language may come in the lang header or in the ~l10n decorator
	lang := msg.Lang
	if lang == "" {
		if l10n, ok := msg.Body["~l10n"].(map[string]any); ok {
			lang, _ = l10n["locale"].(string)
		}
	}

	createdTime := msg.CreatedTime
	if createdTime == 0 {
		createdTime = time.Now().Unix()
	}

	// Only the content is stored. Decorators travel in the metadata and
	// attachments are out of scope for this protocol
	record := inboundRecord(ctx, core.MessageProcessed)
	record.Body = map[string]any{"content": content}
	record.Attachments = nil
	record.Metadata = map[string]string{
		"transport":    "didcomm",
		"encrypted":    "true",
		"created_time": strconv.FormatInt(createdTime, 10),
	}
	if lang != "" {
		record.Metadata["lang"] = lang
	}
	if len(msg.Attachments) > 0 {
		record.Metadata["attachments_out_of_scope"] = "true"
	}

	if err := h.messages.Insert(record); err != nil {
		if core.ErrorCode(err) == core.MESSAGE_ALREADY_EXISTS {
			// Replay. Already stored and notified
			core.GetLogger().Debugf("duplicate basic message %s", msg.Id)
			return nil
		}
		return err
	}

	connectionId := ""
	if ctx.Connection != nil {
		connectionId = ctx.Connection.Id
		if err := h.connections.TouchLastActive(connectionId); err != nil {
			core.GetLogger().Warnf("could not touch connection %s: %s", connectionId, err)
		}
	}

	if h.notifier != nil {
		h.notifier.NotifyBasicMessage(core.BasicMessageEvent{
			MessageId:        msg.Id,
			ConnectionId:     connectionId,
			FromDID:          ctx.SenderDID,
			Content:          content,
			Lang:             lang,
			CreatedTime:      createdTime,
			Encrypted:        true,
			AttachmentsCount: len(msg.Attachments),
			ReceivedAt:       time.Now().UTC(),
		})
	}

	return nil
}
