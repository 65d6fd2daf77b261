package core

import (
	"time"
)

// Payload of the basicmessage.received notification. Subscribers live
// outside the core; the event is handed to a Notifier port
type BasicMessageEvent struct {
	MessageId        string    `json:"messageId"`
	ConnectionId     string    `json:"connectionId,omitempty"`
	FromDID          string    `json:"fromDid"`
	Content          string    `json:"content"`
	Lang             string    `json:"lang,omitempty"`
	CreatedTime      int64     `json:"createdTime"`
	Encrypted        bool      `json:"encrypted"`
	AttachmentsCount int       `json:"attachmentsCount"`
	ReceivedAt       time.Time `json:"receivedAt"`
}

// Outbound notification port for received basic messages
type Notifier interface {
	NotifyBasicMessage(event BasicMessageEvent)
}

// Audit trail record for a terminal message event. One record is written per
// delivery outcome and per processed inbound message
type MessageAuditRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	MessageId    string    `json:"messageId"`
	ConnectionId string    `json:"connectionId,omitempty"`
	Type         string    `json:"type"`
	Direction    string    `json:"direction"`
	State        string    `json:"state"`
	FromDID      string    `json:"fromDid,omitempty"`
	ToDID        string    `json:"toDid,omitempty"`
	Endpoint     string    `json:"endpoint,omitempty"`
	Error        string    `json:"error,omitempty"`
	RetryCount   int       `json:"retryCount"`
}

// Sink for audit records. Implemented by the audit writers
type AuditSink interface {
	WriteMessageRecord(record MessageAuditRecord)
}
