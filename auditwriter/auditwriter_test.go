package auditwriter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dbn-project/trustlink/core"
)

func sampleRecord() core.MessageAuditRecord {
	return core.MessageAuditRecord{
		Timestamp:    time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC),
		MessageId:    "msg-1234",
		ConnectionId: "conn-5678",
		Type:         core.BasicMessageType,
		Direction:    core.DirectionOutbound,
		State:        core.MessageSent,
		FromDID:      "did:peer:alice",
		ToDID:        "did:peer:bob",
		Endpoint:     "https://bob.example.com/didcomm",
		Error:        `contains "quotes"; and separators`,
		RetryCount:   2,
	}
}

func TestCSVFormat(t *testing.T) {

	record := sampleRecord()
	line := NewCSVFormat().GetAuditString(&record)

	if !strings.HasSuffix(line, "\n") {
		t.Error("line should end with a newline")
	}
	fields := strings.Split(strings.TrimSuffix(line, "\n"), ";")
	// The quoted error contains a separator, so the raw split yields one more
	if len(fields) != 12 {
		t.Errorf("bad number of fields %d in %s", len(fields), line)
	}
	if fields[1] != "msg-1234" || fields[4] != core.DirectionOutbound {
		t.Errorf("bad fields in %s", line)
	}
	// The error is quoted so that embedded quotes do not break the format
	if !strings.Contains(line, `"contains \"quotes\"; and separators"`) {
		t.Errorf("error not quoted in %s", line)
	}
	if fields[len(fields)-1] != "2" {
		t.Errorf("bad retry count in %s", line)
	}
}

func TestJSONFormat(t *testing.T) {

	record := sampleRecord()
	line := NewJSONFormat().GetAuditString(&record)

	var decoded core.MessageAuditRecord
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("line is not json: %s", err)
	}
	if decoded.MessageId != "msg-1234" || decoded.RetryCount != 2 {
		t.Errorf("bad decoded record %+v", decoded)
	}
	if !decoded.Timestamp.Equal(record.Timestamp) {
		t.Error("timestamp does not round trip")
	}
}

func TestFileAuditWriter(t *testing.T) {

	dir := t.TempDir()

	writer := NewFileAuditWriter(dir, "audit-2006-01-02T15", NewJSONFormat(), 3600)

	record := sampleRecord()
	writer.WriteMessageRecord(record)
	other := sampleRecord()
	other.MessageId = "msg-other"
	writer.WriteMessageRecord(other)

	// Close drains the buffered records
	writer.Close()

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("bad number of audit files %d", len(entries))
	}

	content, err := os.ReadFile(dir + "/" + entries[0].Name())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 2 {
		t.Fatalf("bad number of lines %d", len(lines))
	}
	if !strings.Contains(lines[0], "msg-1234") || !strings.Contains(lines[1], "msg-other") {
		t.Errorf("bad file content %s", content)
	}
}

func TestWebhookNotifier(t *testing.T) {

	received := make(chan core.BasicMessageEvent, 10)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var event core.BasicMessageEvent
		json.NewDecoder(req.Body).Decode(&event)
		received <- event
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL)
	notifier.NotifyBasicMessage(core.BasicMessageEvent{
		MessageId:    "msg-hook",
		ConnectionId: "conn-hook",
		FromDID:      "did:peer:carol",
		Content:      "notified over the webhook",
	})
	notifier.Close()

	select {
	case event := <-received:
		if event.MessageId != "msg-hook" || event.Content != "notified over the webhook" {
			t.Errorf("bad event %+v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("webhook not invoked")
	}
}
