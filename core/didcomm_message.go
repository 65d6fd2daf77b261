package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Protocol type URIs for the built-in protocols
const (
	ConnectionsProtocolURI = "https://didcomm.org/connections/1.0"
	ConnectionRequestType  = ConnectionsProtocolURI + "/request"
	ConnectionResponseType = ConnectionsProtocolURI + "/response"
	ConnectionAckType      = ConnectionsProtocolURI + "/ack"

	BasicMessageProtocolURI = "https://didcomm.org/basicmessage/2.0"
	BasicMessageType        = BasicMessageProtocolURI + "/message"

	TrustPingProtocolURI  = "https://didcomm.org/trust-ping/2.0"
	TrustPingType         = TrustPingProtocolURI + "/ping"
	TrustPingResponseType = TrustPingProtocolURI + "/ping-response"

	OOBInvitationType = "https://didcomm.org/out-of-band/2.0/invitation"
)

// Content type for encrypted DIDComm messages on the wire
const DIDCommEncryptedContentType = "application/didcomm-encrypted+json"

// An attachment to a DIDComm message
type Attachment struct {
	Id          string         `json:"id,omitempty"`
	MimeType    string         `json:"mime_type,omitempty"`
	Description string         `json:"description,omitempty"`
	Data        AttachmentData `json:"data,omitempty"`
}

// Attachment payload, either inline JSON or base64
type AttachmentData struct {
	Json   json.RawMessage `json:"json,omitempty"`
	Base64 string          `json:"base64,omitempty"`
}

// A DIDComm plaintext message, as exchanged on the wire before encryption
type DIDCommMessage struct {
	Id             string         `json:"id"`
	Type           string         `json:"type"`
	From           string         `json:"from,omitempty"`
	To             []string       `json:"to,omitempty"`
	ThreadId       string         `json:"thid,omitempty"`
	ParentThreadId string         `json:"pthid,omitempty"`
	CreatedTime    int64          `json:"created_time,omitempty"`
	Lang           string         `json:"lang,omitempty"`
	Body           map[string]any `json:"body"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
}

// Builds a message of the specified type with a fresh id and timestamp
func NewDIDCommMessage(msgType string, from string, to []string) *DIDCommMessage {
	return &DIDCommMessage{
		Id:          uuid.New().String(),
		Type:        msgType,
		From:        from,
		To:          to,
		CreatedTime: time.Now().Unix(),
		Body:        make(map[string]any),
	}
}

// Parses and validates a plaintext DIDComm message. The id, type and body
// attributes are mandatory
func ParseDIDCommMessage(plaintext []byte) (*DIDCommMessage, error) {

	// The body key must be present, not only non-null
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(plaintext, &probe); err != nil {
		return nil, WrapAgentError(INVALID_MESSAGE, err, "malformed didcomm message")
	}
	if _, found := probe["body"]; !found {
		return nil, NewAgentError(INVALID_MESSAGE, "didcomm message without body")
	}

	var msg DIDCommMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, WrapAgentError(INVALID_MESSAGE, err, "malformed didcomm message")
	}
	if msg.Id == "" {
		return nil, NewAgentError(INVALID_MESSAGE, "didcomm message without id")
	}
	if msg.Type == "" {
		return nil, NewAgentError(INVALID_MESSAGE, "didcomm message without type")
	}
	if msg.Body == nil {
		msg.Body = make(map[string]any)
	}
	return &msg, nil
}

// Thread id for correlation: thid if present, else the message id
func (m *DIDCommMessage) EffectiveThreadId() string {
	if m.ThreadId != "" {
		return m.ThreadId
	}
	return m.Id
}

// First recipient, or empty
func (m *DIDCommMessage) FirstTo() string {
	if len(m.To) > 0 {
		return m.To[0]
	}
	return ""
}

// Body attribute as string, or empty if absent or not a string
func (m *DIDCommMessage) BodyString(key string) string {
	if v, ok := m.Body[key].(string); ok {
		return v
	}
	return ""
}
