package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/dbn-project/trustlink/core"
	"github.com/dbn-project/trustlink/discovery"
	"github.com/dbn-project/trustlink/kms"
	"github.com/dbn-project/trustlink/repository"
)

// ///////////////////////////////////////////////////////////////
// Test doubles
// ///////////////////////////////////////////////////////////////

// Outbound sender that captures the messages instead of delivering them
type captureSender struct {
	sent      []*core.DIDCommMessage
	failError error
}

func (s *captureSender) SendMessage(conn *core.Connection, msg *core.DIDCommMessage) error {
	if s.failError != nil {
		return s.failError
	}
	s.sent = append(s.sent, msg)
	return nil
}

type captureNotifier struct {
	events []core.BasicMessageEvent
}

func (n *captureNotifier) NotifyBasicMessage(event core.BasicMessageEvent) {
	n.events = append(n.events, event)
}

func storedConnection(t *testing.T, repo repository.ConnectionRepository, state string, role string) *core.Connection {
	conn := &core.Connection{
		Id:         uuid.New().String(),
		MyDID:      "did:peer:" + uuid.New().String(),
		TheirDID:   "did:peer:" + uuid.New().String(),
		Role:       role,
		State:      state,
		Invitation: core.NewInvitation("Inviter Agent", "", ""),
	}
	if err := repo.Insert(conn); err != nil {
		t.Fatal(err)
	}
	return conn
}

// ///////////////////////////////////////////////////////////////
// Registry
// ///////////////////////////////////////////////////////////////

func TestRegistry(t *testing.T) {

	messages := repository.NewMemoryMessageRepository()
	connections := repository.NewMemoryConnectionRepository()

	registry := NewRegistry()
	registry.Register(NewBasicMessageHandler(messages, connections, nil))
	registry.Register(NewTrustPingHandler(messages, connections, &captureSender{}))

	// Resolution by protocol uri prefix
	handler, err := registry.Resolve(core.BasicMessageType)
	if err != nil {
		t.Fatalf("could not resolve: %s", err)
	}
	if handler.Name() != "basicmessage" {
		t.Errorf("bad handler %s", handler.Name())
	}

	// Fallback to Supports when the prefix does not match directly
	if _, err := registry.Resolve(core.TrustPingResponseType); err != nil {
		t.Errorf("could not resolve ping response: %s", err)
	}

	// Unknown types are reported
	if _, err := registry.Resolve("https://didcomm.org/issue-credential/3.0/offer"); core.ErrorCode(err) != core.HANDLER_NOT_FOUND {
		t.Error("unknown type should not resolve")
	}

	if len(registry.Protocols()) != 2 {
		t.Errorf("bad protocols %v", registry.Protocols())
	}

	// Registering again replaces the previous handler
	registry.Register(NewBasicMessageHandler(messages, connections, nil))
	if len(registry.Protocols()) != 2 {
		t.Error("re-registration should not add a protocol")
	}
}

// ///////////////////////////////////////////////////////////////
// Basic message
// ///////////////////////////////////////////////////////////////

func TestBasicMessageHandler(t *testing.T) {

	messages := repository.NewMemoryMessageRepository()
	connections := repository.NewMemoryConnectionRepository()
	notifier := &captureNotifier{}
	handler := NewBasicMessageHandler(messages, connections, notifier)

	conn := storedConnection(t, connections, core.StateComplete, core.RoleInviter)

	msg := core.NewDIDCommMessage(core.BasicMessageType, conn.TheirDID, []string{conn.MyDID})
	msg.Body["content"] = "hello there"
	msg.Body["~l10n"] = map[string]any{"locale": "en"}

	ctx := &MessageContext{Message: msg, Connection: conn, RecipientDID: conn.MyDID, SenderDID: conn.TheirDID}
	if err := handler.Handle(ctx); err != nil {
		t.Fatalf("handle failed: %s", err)
	}

	// Stored as processed, keeping only the content plus the decorators as
	// metadata
	record, err := messages.GetByMessageId(msg.Id)
	if err != nil {
		t.Fatalf("message not stored: %s", err)
	}
	if record.State != core.MessageProcessed || record.Direction != core.DirectionInbound {
		t.Error("bad stored record")
	}
	if record.ConnectionId != conn.Id {
		t.Error("bad connection id")
	}
	if len(record.Body) != 1 || record.Body["content"] != "hello there" {
		t.Errorf("body should carry only the content, got %v", record.Body)
	}
	if record.Metadata["lang"] != "en" || record.Metadata["encrypted"] != "true" {
		t.Errorf("bad metadata %v", record.Metadata)
	}
	if record.Metadata["created_time"] == "" {
		t.Error("created_time not recorded")
	}

	// Notified once, with the locale from the l10n decorator
	if len(notifier.events) != 1 {
		t.Fatalf("bad number of events %d", len(notifier.events))
	}
	if notifier.events[0].Content != "hello there" || notifier.events[0].Lang != "en" {
		t.Error("bad event")
	}

	// A replay is silently ignored and not notified again
	if err := handler.Handle(ctx); err != nil {
		t.Errorf("replay should be ignored: %s", err)
	}
	if len(notifier.events) != 1 {
		t.Error("replay should not notify")
	}

	// A message without content is dropped without storing or notifying
	empty := core.NewDIDCommMessage(core.BasicMessageType, conn.TheirDID, []string{conn.MyDID})
	if err := handler.Handle(&MessageContext{Message: empty, Connection: conn}); err != nil {
		t.Errorf("empty content should be dropped silently: %s", err)
	}
	if _, err := messages.GetByMessageId(empty.Id); err == nil {
		t.Error("empty message should not be stored")
	}
	if len(notifier.events) != 1 {
		t.Error("empty message should not notify")
	}
}

// ///////////////////////////////////////////////////////////////
// Trust ping
// ///////////////////////////////////////////////////////////////

func TestTrustPingHandler(t *testing.T) {

	messages := repository.NewMemoryMessageRepository()
	connections := repository.NewMemoryConnectionRepository()
	sender := &captureSender{}
	handler := NewTrustPingHandler(messages, connections, sender)

	conn := storedConnection(t, connections, core.StateComplete, core.RoleInviter)

	// A ping gets a pong on the same thread
	ping := core.NewDIDCommMessage(core.TrustPingType, conn.TheirDID, []string{conn.MyDID})
	ctx := &MessageContext{Message: ping, Connection: conn, RecipientDID: conn.MyDID, SenderDID: conn.TheirDID}
	if err := handler.Handle(ctx); err != nil {
		t.Fatalf("handle failed: %s", err)
	}
	if len(sender.sent) != 1 {
		t.Fatal("pong not sent")
	}
	pong := sender.sent[0]
	if pong.Type != core.TrustPingResponseType || pong.ThreadId != ping.Id {
		t.Error("bad pong")
	}
	if pong.BodyString("comment") != "Pong" {
		t.Error("bad pong comment")
	}

	// No pong when the peer does not want one
	quiet := core.NewDIDCommMessage(core.TrustPingType, conn.TheirDID, []string{conn.MyDID})
	quiet.Body["response_requested"] = false
	if err := handler.Handle(&MessageContext{Message: quiet, Connection: conn, SenderDID: conn.TheirDID}); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Error("quiet ping should not be answered")
	}

	// A ping without a correlated connection cannot be answered
	orphan := core.NewDIDCommMessage(core.TrustPingType, "did:peer:stranger", []string{conn.MyDID})
	if err := handler.Handle(&MessageContext{Message: orphan, SenderDID: "did:peer:stranger"}); core.ErrorCode(err) != core.CONNECTION_NOT_FOUND {
		t.Error("orphan ping should fail")
	}

	// A ping response marks the outbound ping as delivered
	outbound := &core.Message{
		Id:           uuid.New().String(),
		MessageId:    uuid.New().String(),
		ConnectionId: conn.Id,
		Type:         core.TrustPingType,
		Direction:    core.DirectionOutbound,
		State:        core.MessageSent,
	}
	messages.Insert(outbound)

	response := core.NewDIDCommMessage(core.TrustPingResponseType, conn.TheirDID, []string{conn.MyDID})
	response.ThreadId = outbound.MessageId
	if err := handler.Handle(&MessageContext{Message: response, Connection: conn, SenderDID: conn.TheirDID}); err != nil {
		t.Fatal(err)
	}
	delivered, _ := messages.Get(outbound.Id)
	if delivered.State != core.MessageDelivered {
		t.Errorf("ping not marked delivered, state %s", delivered.State)
	}
}

// A working ping proves the channel, so the connection moves to complete
// even when the handshake bookkeeping never got there
func TestTrustPingCompletesConnection(t *testing.T) {

	messages := repository.NewMemoryMessageRepository()
	connections := repository.NewMemoryConnectionRepository()
	handler := NewTrustPingHandler(messages, connections, &captureSender{})

	conn := storedConnection(t, connections, core.StateResponded, core.RoleInviter)

	ping := core.NewDIDCommMessage(core.TrustPingType, conn.TheirDID, []string{conn.MyDID})
	if err := handler.Handle(&MessageContext{Message: ping, Connection: conn, RecipientDID: conn.MyDID, SenderDID: conn.TheirDID}); err != nil {
		t.Fatalf("handle failed: %s", err)
	}
	updated, _ := connections.Get(conn.Id)
	if updated.State != core.StateComplete {
		t.Errorf("ping should complete the connection, got %s", updated.State)
	}

	// Same on the way back, when the pong arrives
	other := storedConnection(t, connections, core.StateResponded, core.RoleInvitee)
	pong := core.NewDIDCommMessage(core.TrustPingResponseType, other.TheirDID, []string{other.MyDID})
	if err := handler.Handle(&MessageContext{Message: pong, Connection: other, SenderDID: other.TheirDID}); err != nil {
		t.Fatalf("handle failed: %s", err)
	}
	updated, _ = connections.Get(other.Id)
	if updated.State != core.StateComplete {
		t.Errorf("pong should complete the connection, got %s", updated.State)
	}
}

// ///////////////////////////////////////////////////////////////
// Connections handshake
// ///////////////////////////////////////////////////////////////

func handshakeHandler(t *testing.T) (*ConnectionsHandler, *repository.MemoryConnectionRepository, *repository.MemoryMessageRepository, *kms.MemoryKMS, *captureSender) {
	t.Helper()
	connections := repository.NewMemoryConnectionRepository()
	messages := repository.NewMemoryMessageRepository()
	k := kms.NewMemoryKMS()
	sender := &captureSender{}
	handler := NewConnectionsHandler(connections, messages, discovery.NewDiscoverer(k), sender, "Local Agent")
	return handler, connections, messages, k, sender
}

func registerPeer(k *kms.MemoryKMS, did string, endpoint string) {
	k.RegisterDID(did, &core.DIDDocument{
		Id: did,
		Service: []core.DIDDocumentService{{
			Id:              "#didcomm",
			Type:            core.DIDCommMessagingServiceType,
			ServiceEndpoint: json.RawMessage(`"` + endpoint + `"`),
			Protocols:       []string{core.BasicMessageProtocolURI},
		}},
	})
}

func TestConnectionRequestFlow(t *testing.T) {

	handler, connections, messages, k, sender := handshakeHandler(t)

	// An invitation is out and a peer accepted it
	conn := storedConnection(t, connections, core.StateInvited, core.RoleInviter)
	connections.UpdatePeerInfo(conn.Id, "", "", "")

	theirDid := "did:peer:accepting-peer"
	registerPeer(k, theirDid, "https://peer.example.com/didcomm")

	request := core.NewDIDCommMessage(core.ConnectionRequestType, theirDid, []string{conn.MyDID})
	request.ParentThreadId = conn.Invitation.Id
	request.Body["did"] = theirDid
	request.Body["label"] = "Accepting Peer"

	ctx := &MessageContext{Message: request, RecipientDID: conn.MyDID, SenderDID: theirDid}
	if err := handler.Handle(ctx); err != nil {
		t.Fatalf("request handling failed: %s", err)
	}

	// Connection carries the peer identity and endpoint and waits for the ack
	updated, _ := connections.Get(conn.Id)
	if updated.State != core.StateResponded {
		t.Errorf("bad state %s", updated.State)
	}
	if updated.TheirDID != theirDid || updated.TheirLabel != "Accepting Peer" {
		t.Error("peer info not learned")
	}
	if updated.TheirEndpoint != "https://peer.example.com/didcomm" {
		t.Errorf("bad endpoint %s", updated.TheirEndpoint)
	}
	if len(updated.TheirProtocols) != 1 {
		t.Error("capabilities not learned")
	}

	// The response goes back on the request thread
	if len(sender.sent) != 1 {
		t.Fatal("response not sent")
	}
	response := sender.sent[0]
	if response.Type != core.ConnectionResponseType || response.ThreadId != request.Id {
		t.Error("bad response")
	}
	if response.BodyString("did") != updated.MyDID || response.BodyString("label") != "Local Agent" {
		t.Error("bad response body")
	}

	// The request was stored and is correlatable by thread
	if record, err := messages.GetByMessageId(request.Id); err != nil || record.ConnectionId != conn.Id {
		t.Error("request not stored")
	}

	// The peer acks and the connection completes
	ack := core.NewDIDCommMessage(core.ConnectionAckType, theirDid, []string{conn.MyDID})
	ack.ThreadId = request.Id
	ack.Body["status"] = "OK"
	if err := handler.Handle(&MessageContext{Message: ack, RecipientDID: conn.MyDID, SenderDID: theirDid}); err != nil {
		t.Fatalf("ack handling failed: %s", err)
	}
	updated, _ = connections.Get(conn.Id)
	if updated.State != core.StateComplete {
		t.Errorf("connection should be complete, got %s", updated.State)
	}

	// A retransmitted ack is ignored
	retransmitted := core.NewDIDCommMessage(core.ConnectionAckType, theirDid, []string{conn.MyDID})
	retransmitted.ThreadId = request.Id
	if err := handler.Handle(&MessageContext{Message: retransmitted, SenderDID: theirDid}); err != nil {
		t.Errorf("retransmitted ack should be ignored: %s", err)
	}
}

// An ack may overtake our own responded transition. It must complete the
// connection anyway, and retransmissions must keep it complete
func TestConnectionEarlyAck(t *testing.T) {

	handler, connections, messages, _, _ := handshakeHandler(t)

	conn := storedConnection(t, connections, core.StateRequested, core.RoleInviter)

	requestId := uuid.New().String()
	messages.Insert(&core.Message{
		Id:           uuid.New().String(),
		MessageId:    requestId,
		ConnectionId: conn.Id,
		Type:         core.ConnectionRequestType,
		Direction:    core.DirectionInbound,
		State:        core.MessageProcessed,
	})

	ack := core.NewDIDCommMessage(core.ConnectionAckType, conn.TheirDID, []string{conn.MyDID})
	ack.ThreadId = requestId
	ack.Body["status"] = "OK"
	if err := handler.Handle(&MessageContext{Message: ack, SenderDID: conn.TheirDID}); err != nil {
		t.Fatalf("early ack handling failed: %s", err)
	}
	updated, _ := connections.Get(conn.Id)
	if updated.State != core.StateComplete {
		t.Errorf("early ack should complete the connection, got %s", updated.State)
	}

	// The peer retries the ack with a fresh message id
	retry := core.NewDIDCommMessage(core.ConnectionAckType, conn.TheirDID, []string{conn.MyDID})
	retry.ThreadId = requestId
	if err := handler.Handle(&MessageContext{Message: retry, SenderDID: conn.TheirDID}); err != nil {
		t.Errorf("retried ack should be ignored: %s", err)
	}
	updated, _ = connections.Get(conn.Id)
	if updated.State != core.StateComplete {
		t.Errorf("retried ack should not move the connection, got %s", updated.State)
	}
}

func TestConnectionRequestWithInlineDocument(t *testing.T) {

	handler, connections, _, _, sender := handshakeHandler(t)

	conn := storedConnection(t, connections, core.StateInvited, core.RoleInviter)

	// The peer did is unknown to the resolver but the request carries the
	// document inline
	theirDid := "did:peer:inline-peer"
	jDoc := `{"id": "` + theirDid + `", "service": [{"id": "#didcomm", "type": "DIDCommMessaging", "serviceEndpoint": "https://inline.example.com/didcomm"}]}`

	request := core.NewDIDCommMessage(core.ConnectionRequestType, theirDid, []string{conn.MyDID})
	request.ParentThreadId = conn.Invitation.Id
	request.Attachments = []core.Attachment{{Id: "did-doc", Data: core.AttachmentData{Json: json.RawMessage(jDoc)}}}

	if err := handler.Handle(&MessageContext{Message: request, SenderDID: theirDid}); err != nil {
		t.Fatalf("request handling failed: %s", err)
	}

	updated, _ := connections.Get(conn.Id)
	if updated.TheirEndpoint != "https://inline.example.com/didcomm" {
		t.Errorf("inline endpoint not used, got %s", updated.TheirEndpoint)
	}
	if len(sender.sent) != 1 {
		t.Error("response not sent")
	}
}

// The document also travels base64-encoded in the attachment or inline in
// the body, under a few key spellings
func TestConnectionRequestInlineDocumentVariants(t *testing.T) {

	cases := []struct {
		name     string
		decorate func(request *core.DIDCommMessage, jDoc string)
	}{
		{"base64 attachment", func(request *core.DIDCommMessage, jDoc string) {
			request.Attachments = []core.Attachment{{Id: "did-doc",
				Data: core.AttachmentData{Base64: base64.StdEncoding.EncodeToString([]byte(jDoc))}}}
		}},
		{"connection did_doc", func(request *core.DIDCommMessage, jDoc string) {
			var doc map[string]any
			json.Unmarshal([]byte(jDoc), &doc)
			request.Body["connection"] = map[string]any{"did_doc": doc}
		}},
		{"connection didDoc", func(request *core.DIDCommMessage, jDoc string) {
			var doc map[string]any
			json.Unmarshal([]byte(jDoc), &doc)
			request.Body["connection"] = map[string]any{"didDoc": doc}
		}},
		{"top level didDoc", func(request *core.DIDCommMessage, jDoc string) {
			var doc map[string]any
			json.Unmarshal([]byte(jDoc), &doc)
			request.Body["didDoc"] = doc
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {

			handler, connections, _, _, sender := handshakeHandler(t)
			conn := storedConnection(t, connections, core.StateInvited, core.RoleInviter)

			theirDid := "did:peer:variant-peer"
			jDoc := `{"id": "` + theirDid + `", "service": [{"id": "#didcomm", "type": "DIDCommMessaging", "serviceEndpoint": "https://variant.example.com/didcomm"}]}`

			request := core.NewDIDCommMessage(core.ConnectionRequestType, theirDid, []string{conn.MyDID})
			request.ParentThreadId = conn.Invitation.Id
			tc.decorate(request, jDoc)

			if err := handler.Handle(&MessageContext{Message: request, SenderDID: theirDid}); err != nil {
				t.Fatalf("request handling failed: %s", err)
			}

			updated, _ := connections.Get(conn.Id)
			if updated.TheirEndpoint != "https://variant.example.com/didcomm" {
				t.Errorf("inline endpoint not used, got %s", updated.TheirEndpoint)
			}
			if len(sender.sent) != 1 {
				t.Error("response not sent")
			}
		})
	}
}

// A request that matches no stored invitation still establishes the
// connection, with this agent as inviter
func TestConnectionRequestWithoutInvitation(t *testing.T) {

	handler, connections, _, k, sender := handshakeHandler(t)

	myDid := "did:peer:local-agent"
	theirDid := "did:peer:unsolicited-peer"
	registerPeer(k, theirDid, "https://unsolicited.example.com/didcomm")

	request := core.NewDIDCommMessage(core.ConnectionRequestType, theirDid, []string{myDid})
	request.ParentThreadId = "nonexistent-invitation"
	request.Body["label"] = "Unsolicited Peer"

	if err := handler.Handle(&MessageContext{Message: request, RecipientDID: myDid, SenderDID: theirDid}); err != nil {
		t.Fatalf("request handling failed: %s", err)
	}

	created, err := connections.GetByDids(myDid, theirDid)
	if err != nil {
		t.Fatalf("connection not created: %s", err)
	}
	if created.Role != core.RoleInviter || created.State != core.StateResponded {
		t.Errorf("bad connection %s/%s", created.Role, created.State)
	}
	if created.TheirEndpoint != "https://unsolicited.example.com/didcomm" || created.TheirLabel != "Unsolicited Peer" {
		t.Error("peer info not learned")
	}
	if len(sender.sent) != 1 || sender.sent[0].Type != core.ConnectionResponseType {
		t.Error("response not sent")
	}
}

func TestConnectionRequestErrors(t *testing.T) {

	handler, connections, _, k, _ := handshakeHandler(t)

	// A request needs a sender did from somewhere
	anonymous := core.NewDIDCommMessage(core.ConnectionRequestType, "", nil)
	if err := handler.Handle(&MessageContext{Message: anonymous}); core.ErrorCode(err) != core.INVALID_MESSAGE {
		t.Error("request without sender did should be invalid")
	}

	// And a recipient did, when there is no invitation to take it from
	norecipient := core.NewDIDCommMessage(core.ConnectionRequestType, "did:peer:x", nil)
	if err := handler.Handle(&MessageContext{Message: norecipient, SenderDID: "did:peer:x"}); core.ErrorCode(err) != core.INVALID_MESSAGE {
		t.Error("request without recipient did should be invalid")
	}

	// Request on a connection past the handshake point
	conn := storedConnection(t, connections, core.StateResponded, core.RoleInviter)
	registerPeer(k, "did:peer:late", "https://late.example.com/didcomm")
	late := core.NewDIDCommMessage(core.ConnectionRequestType, "did:peer:late", []string{conn.MyDID})
	late.ParentThreadId = conn.Invitation.Id
	if err := handler.Handle(&MessageContext{Message: late, SenderDID: "did:peer:late"}); core.ErrorCode(err) != core.INVALID_STATE_TRANSITION {
		t.Error("request in responded state should be rejected")
	}

	// Request on a completed connection is silently ignored
	done := storedConnection(t, connections, core.StateComplete, core.RoleInviter)
	repeat := core.NewDIDCommMessage(core.ConnectionRequestType, "did:peer:late", []string{done.MyDID})
	repeat.ParentThreadId = done.Invitation.Id
	if err := handler.Handle(&MessageContext{Message: repeat, SenderDID: "did:peer:late"}); err != nil {
		t.Errorf("request on completed connection should be ignored: %s", err)
	}
}

func TestConnectionResponseFlow(t *testing.T) {

	handler, connections, messages, k, sender := handshakeHandler(t)

	// Invitee side: our request is out, the inviter answers
	conn := storedConnection(t, connections, core.StateRequested, core.RoleInvitee)
	inviterDid := conn.TheirDID
	registerPeer(k, inviterDid, "https://inviter.example.com/didcomm")

	requestId := uuid.New().String()
	messages.Insert(&core.Message{
		Id:           uuid.New().String(),
		MessageId:    requestId,
		ConnectionId: conn.Id,
		Type:         core.ConnectionRequestType,
		Direction:    core.DirectionOutbound,
		State:        core.MessageSent,
	})

	response := core.NewDIDCommMessage(core.ConnectionResponseType, inviterDid, []string{conn.MyDID})
	response.ThreadId = requestId
	response.Body["did"] = inviterDid
	response.Body["label"] = "Inviter Agent"

	if err := handler.Handle(&MessageContext{Message: response, RecipientDID: conn.MyDID, SenderDID: inviterDid}); err != nil {
		t.Fatalf("response handling failed: %s", err)
	}

	// The connection is complete and the ack went out
	updated, _ := connections.Get(conn.Id)
	if updated.State != core.StateComplete {
		t.Errorf("bad state %s", updated.State)
	}
	if updated.TheirLabel != "Inviter Agent" {
		t.Error("label not learned")
	}
	if updated.TheirEndpoint != "https://inviter.example.com/didcomm" {
		t.Errorf("endpoint not refreshed, got %s", updated.TheirEndpoint)
	}

	if len(sender.sent) != 1 {
		t.Fatal("ack not sent")
	}
	ack := sender.sent[0]
	if ack.Type != core.ConnectionAckType || ack.ThreadId != requestId {
		t.Error("bad ack")
	}
	if ack.BodyString("status") != "OK" {
		t.Error("bad ack status")
	}

	// A response in the wrong state is rejected
	stray := core.NewDIDCommMessage(core.ConnectionResponseType, inviterDid, []string{conn.MyDID})
	stray.ThreadId = requestId
	if err := handler.Handle(&MessageContext{Message: stray, SenderDID: inviterDid}); err != nil {
		// Completed connections ignore retransmissions
		t.Errorf("retransmitted response should be ignored: %s", err)
	}
}
