package core

import (
	"encoding/json"
	"strings"
)

// Service types considered DIDComm-capable when reading a DID Document
const DIDCommMessagingServiceType = "DIDCommMessaging"

// Uniform service descriptor persisted in the connection record and used in
// invitations. The endpoint is always normalized to a single URL string
type DIDCommService struct {
	Id              string   `json:"id"`
	Type            string   `json:"type"`
	ServiceEndpoint string   `json:"serviceEndpoint,omitempty"`
	Protocols       []string `json:"protocols,omitempty"`
}

// A service entry as found in a DID Document. The serviceEndpoint is kept
// raw because documents in the wild use a string, an array or an object
type DIDDocumentService struct {
	Id              string          `json:"id"`
	Type            string          `json:"type"`
	ServiceEndpoint json.RawMessage `json:"serviceEndpoint,omitempty"`
	Protocols       []string        `json:"protocols,omitempty"`
}

// A DID Document. Verification material is opaque to the agent and kept raw
type DIDDocument struct {
	Context            json.RawMessage      `json:"@context,omitempty"`
	Id                 string               `json:"id"`
	Service            []DIDDocumentService `json:"service,omitempty"`
	VerificationMethod json.RawMessage      `json:"verificationMethod,omitempty"`
	Authentication     json.RawMessage      `json:"authentication,omitempty"`
	KeyAgreement       json.RawMessage      `json:"keyAgreement,omitempty"`
}

// Parses a DID Document from raw JSON. Only the id is mandatory
func ParseDIDDocument(raw []byte) (*DIDDocument, error) {
	var doc DIDDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Id == "" {
		return nil, NewAgentError(INVALID_MESSAGE, "did document without id")
	}
	return &doc, nil
}

// Whether the raw JSON object has the shape of a DID Document
func LooksLikeDIDDocument(raw []byte) bool {
	var probe struct {
		Id      string          `json:"id"`
		Service json.RawMessage `json:"service"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return strings.HasPrefix(probe.Id, "did:")
}

// Whether the service type indicates DIDComm messaging capability
func IsDIDCommServiceType(serviceType string) bool {
	return serviceType == DIDCommMessagingServiceType ||
		strings.Contains(serviceType, "DIDComm") ||
		serviceType == "MessagingService"
}

// Normalized endpoint of the service: the first string found in
// string | []string | {uri|url|endpoint|serviceEndpoint: string}
func (s *DIDDocumentService) Endpoint() string {
	return NormalizeEndpoint(s.ServiceEndpoint)
}

// Uniform shape of the service, with the endpoint normalized
func (s *DIDDocumentService) Normalize() DIDCommService {
	return DIDCommService{
		Id:              s.Id,
		Type:            s.Type,
		ServiceEndpoint: s.Endpoint(),
		Protocols:       s.Protocols,
	}
}

// Extracts a single endpoint URL from the raw serviceEndpoint value, which
// may be a string, an array of strings or an object with one of the usual
// property names
func NormalizeEndpoint(raw json.RawMessage) string {

	if len(raw) == 0 {
		return ""
	}

	// Bare string
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	// Array: first string element
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		for _, item := range arr {
			if ep := NormalizeEndpoint(item); ep != "" {
				return ep
			}
		}
		return ""
	}

	// Object with one of the known keys
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range []string{"uri", "url", "endpoint", "serviceEndpoint"} {
			if v, found := obj[key]; found {
				var str string
				if err := json.Unmarshal(v, &str); err == nil && str != "" {
					return str
				}
			}
		}
	}

	return ""
}

// Recursively scans a decoded JSON value for any http(s) URL stored under an
// endpoint-like key. Used as a last resort when a DID Document carries its
// endpoint in a non-standard place
func ScanForEndpoint(v any) string {

	switch val := v.(type) {
	case map[string]any:
		for _, key := range []string{"serviceEndpoint", "endpoint", "uri", "url"} {
			if s, ok := val[key].(string); ok && isHttpUrl(s) {
				return s
			}
		}
		for _, child := range val {
			if ep := ScanForEndpoint(child); ep != "" {
				return ep
			}
		}
	case []any:
		for _, child := range val {
			if ep := ScanForEndpoint(child); ep != "" {
				return ep
			}
		}
	}
	return ""
}

func isHttpUrl(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
