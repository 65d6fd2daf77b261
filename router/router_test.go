package router

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/dbn-project/trustlink/core"
	"github.com/dbn-project/trustlink/kms"
	"github.com/dbn-project/trustlink/protocol"
	"github.com/dbn-project/trustlink/repository"
)

// Audit sink that remembers the records
type captureAudit struct {
	mu      sync.Mutex
	records []core.MessageAuditRecord
}

func (a *captureAudit) WriteMessageRecord(record core.MessageAuditRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
}

func (a *captureAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

type routerFixture struct {
	connections *repository.MemoryConnectionRepository
	messages    *repository.MemoryMessageRepository
	kms         *kms.MemoryKMS
	audit       *captureAudit
	router      *MessageRouter
}

func newFixture() *routerFixture {
	f := &routerFixture{
		connections: repository.NewMemoryConnectionRepository(),
		messages:    repository.NewMemoryMessageRepository(),
		kms:         kms.NewMemoryKMS(),
		audit:       &captureAudit{},
	}
	f.router = NewMessageRouter(f.connections, f.messages, f.kms, f.audit, 5)
	return f
}

func (f *routerFixture) storeConnection(t *testing.T, state string, endpoint string) *core.Connection {
	conn := &core.Connection{
		Id:            uuid.New().String(),
		MyDID:         "did:peer:me-" + uuid.New().String(),
		TheirDID:      "did:peer:them-" + uuid.New().String(),
		Role:          core.RoleInviter,
		State:         state,
		TheirEndpoint: endpoint,
	}
	if err := f.connections.Insert(conn); err != nil {
		t.Fatal(err)
	}
	return conn
}

func basicMessage(content string) *core.DIDCommMessage {
	msg := core.NewDIDCommMessage(core.BasicMessageType, "", nil)
	msg.Body["content"] = content
	return msg
}

func TestRouteOutbound(t *testing.T) {

	// Endpoint that accepts everything and remembers the last request
	var lastContentType string
	var lastBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		lastContentType = req.Header.Get("Content-Type")
		lastBody, _ = io.ReadAll(req.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	f := newFixture()
	conn := f.storeConnection(t, core.StateComplete, server.URL)

	record, err := f.router.RouteOutbound(conn.Id, basicMessage("hello"))
	if err != nil {
		t.Fatalf("could not route: %s", err)
	}
	if record.State != core.MessageSent {
		t.Errorf("bad state %s", record.State)
	}
	if record.FromDID != conn.MyDID || record.ToDIDs[0] != conn.TheirDID {
		t.Error("dids not defaulted from the connection")
	}
	if lastContentType != core.DIDCommEncryptedContentType {
		t.Errorf("bad content type %s", lastContentType)
	}

	// What went on the wire is an envelope, not the plaintext
	var envelope map[string]string
	if err := json.Unmarshal(lastBody, &envelope); err != nil || envelope["ciphertext"] == "" {
		t.Error("wire format is not the envelope")
	}

	// One audit record for the successful delivery
	if f.audit.count() != 1 {
		t.Errorf("bad audit count %d", f.audit.count())
	}

	// The stored record reflects the outcome
	stored, _ := f.messages.Get(record.Id)
	if stored.State != core.MessageSent {
		t.Errorf("stored state %s", stored.State)
	}
}

func TestRouteOutboundGuards(t *testing.T) {

	f := newFixture()

	// Unknown connection
	if _, err := f.router.RouteOutbound("missing", basicMessage("x")); core.ErrorCode(err) != core.CONNECTION_NOT_FOUND {
		t.Error("unknown connection should fail")
	}

	// Application traffic needs a usable connection
	pending := f.storeConnection(t, core.StateRequested, "https://nowhere.example.com")
	if _, err := f.router.RouteOutbound(pending.Id, basicMessage("x")); core.ErrorCode(err) != core.CONNECTION_NOT_ACTIVE {
		t.Error("non active connection should not carry traffic")
	}

	// Handshake messages flow before the connection is usable
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	handshaking := f.storeConnection(t, core.StateRequested, server.URL)
	ack := core.NewDIDCommMessage(core.ConnectionAckType, handshaking.MyDID, []string{handshaking.TheirDID})
	if _, err := f.router.RouteOutbound(handshaking.Id, ack); err != nil {
		t.Errorf("handshake message should flow: %s", err)
	}

	// Connection without endpoint
	noEndpoint := f.storeConnection(t, core.StateComplete, "")
	if _, err := f.router.RouteOutbound(noEndpoint.Id, basicMessage("x")); core.ErrorCode(err) != core.NO_ENDPOINT {
		t.Error("connection without endpoint should fail")
	}

	// Connection without peer did
	noPeer := f.storeConnection(t, core.StateComplete, server.URL)
	f.connections.UpdatePeerInfo(noPeer.Id, "", "", server.URL)
	if _, err := f.router.RouteOutbound(noPeer.Id, basicMessage("x")); core.ErrorCode(err) != core.ROUTING_FAILED {
		t.Error("connection without peer did should fail")
	}
}

func TestRouteOutboundFailures(t *testing.T) {

	f := newFixture()

	// Encryption failure marks the record failed
	f.kms.ForceEncryptError = true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	conn := f.storeConnection(t, core.StateComplete, server.URL)

	record, err := f.router.RouteOutbound(conn.Id, basicMessage("x"))
	if core.ErrorCode(err) != core.ENCRYPTION_FAILED {
		t.Errorf("expected encryption failure, got %s", err)
	}
	if record == nil || record.State != core.MessageFailed {
		t.Error("record should be failed")
	}
	f.kms.ForceEncryptError = false

	// Endpoint refusing the message
	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer refusing.Close()
	conn2 := f.storeConnection(t, core.StateComplete, refusing.URL)

	record, err = f.router.RouteOutbound(conn2.Id, basicMessage("x"))
	if core.ErrorCode(err) != core.DELIVERY_FAILED {
		t.Errorf("expected delivery failure, got %s", err)
	}
	stored, _ := f.messages.Get(record.Id)
	if stored.State != core.MessageFailed || stored.ErrorMessage == "" {
		t.Error("failure not recorded")
	}

	// Unreachable endpoint
	conn3 := f.storeConnection(t, core.StateComplete, "http://127.0.0.1:1/didcomm")
	if _, err = f.router.RouteOutbound(conn3.Id, basicMessage("x")); core.ErrorCode(err) != core.DELIVERY_FAILED {
		t.Errorf("expected delivery failure, got %s", err)
	}
}

func TestRetryMessage(t *testing.T) {

	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newFixture()
	conn := f.storeConnection(t, core.StateComplete, server.URL)

	// First delivery fails
	record, err := f.router.RouteOutbound(conn.Id, basicMessage("retry me"))
	if core.ErrorCode(err) != core.DELIVERY_FAILED {
		t.Fatalf("expected delivery failure, got %s", err)
	}

	// Only failed outbound messages may be retried
	if _, err := f.router.RetryMessage("missing"); core.ErrorCode(err) != core.MESSAGE_NOT_FOUND {
		t.Error("unknown message should not be retried")
	}

	// The retry succeeds and increments the counter
	retried, err := f.router.RetryMessage(record.Id)
	if err != nil {
		t.Fatalf("retry failed: %s", err)
	}
	if retried.RetryCount != 1 || retried.State != core.MessageSent {
		t.Errorf("bad retried record, count %d state %s", retried.RetryCount, retried.State)
	}

	// A sent message is not retryable
	if _, err := f.router.RetryMessage(record.Id); core.ErrorCode(err) != core.INVALID_MESSAGE_STATE {
		t.Error("sent message should not be retried")
	}
}

func TestRouteInbound(t *testing.T) {

	f := newFixture()

	registry := protocol.NewRegistry()
	registry.Register(protocol.NewBasicMessageHandler(f.messages, f.connections, nil))
	f.router.SetRegistry(registry)

	conn := f.storeConnection(t, core.StateComplete, "https://unused.example.com")

	// Build the wire message the way a peer would
	msg := core.NewDIDCommMessage(core.BasicMessageType, conn.TheirDID, []string{conn.MyDID})
	msg.Body["content"] = "inbound hello"
	plaintext, _ := json.Marshal(msg)
	encrypted, err := f.kms.Encrypt(kms.EncryptRequest{To: conn.MyDID, From: conn.TheirDID, Plaintext: string(plaintext)})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.router.RouteInbound(conn.MyDID, []byte(encrypted.Jwe)); err != nil {
		t.Fatalf("could not route inbound: %s", err)
	}

	// Stored as processed and attributed to the connection
	record, err := f.messages.GetByMessageId(msg.Id)
	if err != nil {
		t.Fatalf("inbound message not stored: %s", err)
	}
	if record.State != core.MessageProcessed || record.ConnectionId != conn.Id {
		t.Error("bad inbound record")
	}
	if record.Body["content"] != "inbound hello" {
		t.Error("bad inbound body")
	}

	// Sender did falls back to the envelope skid when from is absent
	anonymous := core.NewDIDCommMessage(core.BasicMessageType, "", []string{conn.MyDID})
	anonymous.Body["content"] = "from the skid"
	plaintext, _ = json.Marshal(anonymous)
	encrypted, _ = f.kms.Encrypt(kms.EncryptRequest{To: conn.MyDID, From: conn.TheirDID, Plaintext: string(plaintext)})
	if err := f.router.RouteInbound(conn.MyDID, []byte(encrypted.Jwe)); err != nil {
		t.Fatal(err)
	}
	record, _ = f.messages.GetByMessageId(anonymous.Id)
	if record.FromDID != conn.TheirDID {
		t.Errorf("sender did not taken from skid, got %s", record.FromDID)
	}

	// Garbage envelopes are rejected
	if err := f.router.RouteInbound(conn.MyDID, []byte("garbage")); core.ErrorCode(err) != core.DECRYPTION_FAILED {
		t.Error("garbage should not route")
	}

	// Messages with no handler are reported
	stranger := core.NewDIDCommMessage("https://didcomm.org/unknown/1.0/thing", conn.TheirDID, []string{conn.MyDID})
	plaintext, _ = json.Marshal(stranger)
	encrypted, _ = f.kms.Encrypt(kms.EncryptRequest{To: conn.MyDID, From: conn.TheirDID, Plaintext: string(plaintext)})
	if err := f.router.RouteInbound(conn.MyDID, []byte(encrypted.Jwe)); core.ErrorCode(err) != core.HANDLER_NOT_FOUND {
		t.Error("unknown type should not dispatch")
	}
}
