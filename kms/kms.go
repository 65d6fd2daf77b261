// Package kms is the client to the external cryptographic service, which
// owns DID creation and resolution and the didcomm envelope encryption.
package kms

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"

	"github.com/dbn-project/trustlink/core"
)

// Metric error codes, as in the http client instrumentation
const (
	SERIALIZATION_ERROR   = "550"
	NETWORK_ERROR         = "551"
	HTTP_RESPONSE_ERROR   = "552"
	UNSERIALIZATION_ERROR = "554"

	SUCCESS = "200"
)

// Options for creating a DID
type CreateDIDOptions struct {
	// DID this one is created on behalf of, if any
	RootDID string `json:"rootDid,omitempty"`

	// Services to publish in the DID Document
	Services []core.DIDCommService `json:"services,omitempty"`
}

// Result of a DID creation
type DIDRegistration struct {
	Id       string            `json:"id"`
	DID      string            `json:"did"`
	Method   string            `json:"method"`
	MethodId string            `json:"methodId,omitempty"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Encryption request. The plaintext is the serialized didcomm message
type EncryptRequest struct {
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
	Plaintext string `json:"plaintext"`
}

// Encryption result: the JWE to put on the wire
type EncryptResponse struct {
	Jwe  string `json:"jwe"`
	Kid  string `json:"kid,omitempty"`
	From string `json:"from,omitempty"`
}

// Decryption request for an inbound JWE
type DecryptRequest struct {
	DID string `json:"did"`
	Jwe string `json:"jwe"`
}

// Decryption result
type DecryptResponse struct {
	Plaintext string         `json:"plaintext"`
	Header    map[string]any `json:"header,omitempty"`
	Kid       string         `json:"kid,omitempty"`
}

// Operations of the cryptographic service as consumed by the agent. All
// operations are I/O bound and may fail with transient or permanent errors;
// the agent treats both alike
type KMS interface {
	CreateDID(method string, options CreateDIDOptions) (*DIDRegistration, error)
	ResolveDIDDocument(did string) (*core.DIDDocument, error)
	RevokeDID(did string) error
	Encrypt(req EncryptRequest) (*EncryptResponse, error)
	Decrypt(req DecryptRequest) (*DecryptResponse, error)
}

// HTTP client to the KMS, with hard per-call timeout
type HttpKMS struct {
	baseUrl    string
	httpClient http.Client
}

// Creates an HTTP KMS client from the kms.json configuration
func NewHttpKMS(baseUrl string, timeoutSeconds int) *HttpKMS {
	if timeoutSeconds == 0 {
		timeoutSeconds = 30
	}
	return &HttpKMS{
		baseUrl: baseUrl,
		httpClient: http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
			Transport: &http2.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true, // ignore expired SSL certificates
				},
			},
		},
	}
}

func (k *HttpKMS) CreateDID(method string, options CreateDIDOptions) (*DIDRegistration, error) {

	request := struct {
		Method  string           `json:"method"`
		Options CreateDIDOptions `json:"options"`
	}{Method: method, Options: options}

	var registration DIDRegistration
	if err := k.post("createDID", k.baseUrl+"/dids", request, &registration); err != nil {
		return nil, core.WrapAgentError(core.PEER_DID_CREATION_FAILED, err, "could not create %s did", method)
	}
	return &registration, nil
}

func (k *HttpKMS) ResolveDIDDocument(did string) (*core.DIDDocument, error) {

	location := k.baseUrl + "/dids/" + url.PathEscape(did) + "/document"
	httpResp, err := k.httpClient.Get(location)
	if err != nil {
		core.RecordKmsClientExchange("resolveDID", NETWORK_ERROR)
		return nil, core.WrapAgentError(core.DID_RESOLUTION_FAILED, err, "could not resolve %s", did)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		core.RecordKmsClientExchange("resolveDID", HTTP_RESPONSE_ERROR)
		return nil, core.NewAgentError(core.DID_RESOLUTION_FAILED, "kms returned status code %d for %s", httpResp.StatusCode, did)
	}

	jDoc, err := io.ReadAll(httpResp.Body)
	if err != nil {
		core.RecordKmsClientExchange("resolveDID", NETWORK_ERROR)
		return nil, core.WrapAgentError(core.DID_RESOLUTION_FAILED, err, "error reading did document for %s", did)
	}

	doc, err := core.ParseDIDDocument(jDoc)
	if err != nil {
		core.RecordKmsClientExchange("resolveDID", UNSERIALIZATION_ERROR)
		return nil, core.WrapAgentError(core.DID_RESOLUTION_FAILED, err, "bad did document for %s", did)
	}

	core.RecordKmsClientExchange("resolveDID", SUCCESS)
	return doc, nil
}

func (k *HttpKMS) RevokeDID(did string) error {

	location := k.baseUrl + "/dids/" + url.PathEscape(did)
	httpReq, err := http.NewRequest(http.MethodDelete, location, nil)
	if err != nil {
		return err
	}
	httpResp, err := k.httpClient.Do(httpReq)
	if err != nil {
		core.RecordKmsClientExchange("revokeDID", NETWORK_ERROR)
		return fmt.Errorf("could not revoke %s: %w", did, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		core.RecordKmsClientExchange("revokeDID", HTTP_RESPONSE_ERROR)
		return fmt.Errorf("kms returned status code %d revoking %s", httpResp.StatusCode, did)
	}

	core.RecordKmsClientExchange("revokeDID", SUCCESS)
	return nil
}

func (k *HttpKMS) Encrypt(req EncryptRequest) (*EncryptResponse, error) {
	var resp EncryptResponse
	if err := k.post("encrypt", k.baseUrl+"/encrypt", req, &resp); err != nil {
		return nil, core.WrapAgentError(core.ENCRYPTION_FAILED, err, "could not encrypt for %s", req.To)
	}
	return &resp, nil
}

func (k *HttpKMS) Decrypt(req DecryptRequest) (*DecryptResponse, error) {
	var resp DecryptResponse
	if err := k.post("decrypt", k.baseUrl+"/decrypt", req, &resp); err != nil {
		return nil, core.WrapAgentError(core.DECRYPTION_FAILED, err, "could not decrypt for %s", req.DID)
	}
	return &resp, nil
}

// Helper to serialize, send request, get response and unserialize
func (k *HttpKMS) post(operation string, location string, request any, response any) error {

	jRequest, err := json.Marshal(request)
	if err != nil {
		core.RecordKmsClientExchange(operation, SERIALIZATION_ERROR)
		return fmt.Errorf("unable to marshal request to json: %w", err)
	}

	httpResp, err := k.httpClient.Post(location, "application/json", bytes.NewReader(jRequest))
	if err != nil {
		core.RecordKmsClientExchange(operation, NETWORK_ERROR)
		return fmt.Errorf("kms %s error: %w", operation, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		core.RecordKmsClientExchange(operation, HTTP_RESPONSE_ERROR)
		return fmt.Errorf("kms %s returned status code %d", operation, httpResp.StatusCode)
	}

	jResponse, err := io.ReadAll(httpResp.Body)
	if err != nil {
		core.RecordKmsClientExchange(operation, NETWORK_ERROR)
		return fmt.Errorf("error reading kms response: %w", err)
	}

	if err = json.Unmarshal(jResponse, response); err != nil {
		core.RecordKmsClientExchange(operation, UNSERIALIZATION_ERROR)
		return fmt.Errorf("error unmarshaling kms response: %w", err)
	}

	core.RecordKmsClientExchange(operation, SUCCESS)
	return nil
}
