package core

import (
	"encoding/json"
	"testing"
)

func TestNormalizeEndpointForms(t *testing.T) {

	cases := []struct {
		raw      string
		expected string
	}{
		{`"https://agent.example.com/didcomm"`, "https://agent.example.com/didcomm"},
		{`["https://first.example.com", "https://second.example.com"]`, "https://first.example.com"},
		{`{"uri": "https://obj.example.com"}`, "https://obj.example.com"},
		{`{"url": "https://url.example.com"}`, "https://url.example.com"},
		{`{"endpoint": "https://ep.example.com"}`, "https://ep.example.com"},
		{`{"serviceEndpoint": "https://se.example.com"}`, "https://se.example.com"},
		{`[{"uri": "https://nested.example.com"}]`, "https://nested.example.com"},
		{`{"other": "value"}`, ""},
		{``, ""},
	}

	for _, c := range cases {
		if endpoint := NormalizeEndpoint(json.RawMessage(c.raw)); endpoint != c.expected {
			t.Errorf("normalizing %s got %s, expected %s", c.raw, endpoint, c.expected)
		}
	}
}

func TestScanForEndpoint(t *testing.T) {

	jDoc := `{
		"id": "did:peer:x",
		"deep": {
			"inner": [
				{"irrelevant": 1},
				{"serviceEndpoint": "https://hidden.example.com/didcomm"}
			]
		}
	}`

	var decoded any
	if err := json.Unmarshal([]byte(jDoc), &decoded); err != nil {
		t.Fatal(err)
	}

	if endpoint := ScanForEndpoint(decoded); endpoint != "https://hidden.example.com/didcomm" {
		t.Errorf("scan got %s", endpoint)
	}

	// Endpoint-like keys with non-url values are skipped
	var other any
	json.Unmarshal([]byte(`{"endpoint": "not-a-url"}`), &other)
	if endpoint := ScanForEndpoint(other); endpoint != "" {
		t.Errorf("scan should not find %s", endpoint)
	}
}

func TestDIDCommServiceTypes(t *testing.T) {

	for _, serviceType := range []string{"DIDCommMessaging", "did-communication-DIDComm", "MessagingService"} {
		if !IsDIDCommServiceType(serviceType) {
			t.Errorf("%s should be a didcomm service type", serviceType)
		}
	}
	if IsDIDCommServiceType("LinkedDomains") {
		t.Error("LinkedDomains should not be a didcomm service type")
	}
}

func TestParseDIDDocument(t *testing.T) {

	jDoc := `{
		"id": "did:peer:1234",
		"service": [
			{"id": "#didcomm", "type": "DIDCommMessaging",
			 "serviceEndpoint": {"uri": "https://agent.example.com/didcomm"},
			 "protocols": ["https://didcomm.org/basicmessage/2.0"]}
		]
	}`

	doc, err := ParseDIDDocument([]byte(jDoc))
	if err != nil {
		t.Fatalf("could not parse did document: %s", err)
	}

	if !LooksLikeDIDDocument([]byte(jDoc)) {
		t.Error("document should look like a did document")
	}

	service := doc.Service[0].Normalize()
	if service.ServiceEndpoint != "https://agent.example.com/didcomm" {
		t.Errorf("bad normalized endpoint %s", service.ServiceEndpoint)
	}
	if len(service.Protocols) != 1 {
		t.Error("bad protocols")
	}

	// Document without id
	if _, err := ParseDIDDocument([]byte(`{"service": []}`)); err == nil {
		t.Error("document without id should not parse")
	}
}
