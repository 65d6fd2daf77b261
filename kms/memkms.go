package kms

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dbn-project/trustlink/core"
)

// In-memory KMS. DID documents are held in a map and the "encryption" is a
// reversible envelope that mimics the JWE shape. Useful for running demo
// agents without the external cryptographic service, and for the test
// suites, where several agents share one instance
type MemoryKMS struct {
	mu sync.Mutex

	// DID documents by DID
	documents map[string]*core.DIDDocument

	// Revoked DIDs
	revoked map[string]bool

	// Failure injection, for testing only
	ForceCreateError  bool
	ForceResolveError bool
	ForceEncryptError bool
	ForceDecryptError bool
}

// Shape of the fake envelope produced by Encrypt
type memoryJwe struct {
	Protected  string `json:"protected"`
	Ciphertext string `json:"ciphertext"`
}

func NewMemoryKMS() *MemoryKMS {
	return &MemoryKMS{
		documents: make(map[string]*core.DIDDocument),
		revoked:   make(map[string]bool),
	}
}

// Registers an externally owned DID, e.g. a did:web identity, so that it can
// be resolved by this instance
func (k *MemoryKMS) RegisterDID(did string, doc *core.DIDDocument) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.documents[did] = doc
}

func (k *MemoryKMS) CreateDID(method string, options CreateDIDOptions) (*DIDRegistration, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.ForceCreateError {
		return nil, core.NewAgentError(core.PEER_DID_CREATION_FAILED, "forced create error")
	}

	methodId := uuid.New().String()
	did := fmt.Sprintf("did:%s:%s", method, methodId)

	doc := &core.DIDDocument{Id: did}
	for i, svc := range options.Services {
		jEndpoint, _ := json.Marshal(svc.ServiceEndpoint)
		doc.Service = append(doc.Service, core.DIDDocumentService{
			Id:              fmt.Sprintf("%s#service-%d", did, i+1),
			Type:            svc.Type,
			ServiceEndpoint: jEndpoint,
			Protocols:       svc.Protocols,
		})
	}
	k.documents[did] = doc

	return &DIDRegistration{
		Id:       uuid.New().String(),
		DID:      did,
		Method:   method,
		MethodId: methodId,
		Status:   "active",
	}, nil
}

func (k *MemoryKMS) ResolveDIDDocument(did string) (*core.DIDDocument, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.ForceResolveError {
		return nil, core.NewAgentError(core.DID_RESOLUTION_FAILED, "forced resolve error")
	}

	doc, found := k.documents[did]
	if !found || k.revoked[did] {
		return nil, core.NewAgentError(core.DID_RESOLUTION_FAILED, "did %s not found", did)
	}
	return doc, nil
}

func (k *MemoryKMS) RevokeDID(did string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, found := k.documents[did]; !found {
		return fmt.Errorf("did %s not found", did)
	}
	k.revoked[did] = true
	return nil
}

func (k *MemoryKMS) Encrypt(req EncryptRequest) (*EncryptResponse, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.ForceEncryptError {
		return nil, core.NewAgentError(core.ENCRYPTION_FAILED, "forced encrypt error")
	}

	kid := req.To + "#key-1"
	jHeader, _ := json.Marshal(map[string]string{
		"alg": "ECDH-ES+A256KW",
		"kid": kid,
		"skid": func() string {
			if req.From == "" {
				return ""
			}
			return req.From + "#key-1"
		}(),
	})

	envelope := memoryJwe{
		Protected:  base64.RawURLEncoding.EncodeToString(jHeader),
		Ciphertext: base64.RawURLEncoding.EncodeToString([]byte(req.Plaintext)),
	}
	jEnvelope, _ := json.Marshal(envelope)

	return &EncryptResponse{Jwe: string(jEnvelope), Kid: kid, From: req.From}, nil
}

func (k *MemoryKMS) Decrypt(req DecryptRequest) (*DecryptResponse, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.ForceDecryptError {
		return nil, core.NewAgentError(core.DECRYPTION_FAILED, "forced decrypt error")
	}

	var envelope memoryJwe
	if err := json.Unmarshal([]byte(req.Jwe), &envelope); err != nil {
		return nil, core.WrapAgentError(core.DECRYPTION_FAILED, err, "bad envelope")
	}

	plaintext, err := base64.RawURLEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, core.WrapAgentError(core.DECRYPTION_FAILED, err, "bad ciphertext")
	}

	var header map[string]any
	if jHeader, err := base64.RawURLEncoding.DecodeString(envelope.Protected); err == nil {
		json.Unmarshal(jHeader, &header)
	}

	kid, _ := header["kid"].(string)

	return &DecryptResponse{
		Plaintext: string(plaintext),
		Header:    header,
		Kid:       kid,
	}, nil
}
