// Package discovery extracts the messaging capabilities of a peer from its
// DID Document.
package discovery

import (
	"encoding/json"

	"golang.org/x/exp/slices"

	"github.com/dbn-project/trustlink/core"
	"github.com/dbn-project/trustlink/kms"
)

// What a peer DID advertises for didcomm messaging
type Capabilities struct {
	// First usable http(s) endpoint found in the messaging services
	Endpoint string `json:"endpoint,omitempty"`

	// Deduplicated protocol URIs, in document order
	Protocols []string `json:"protocols,omitempty"`

	// All messaging services, with their endpoints normalized
	Services []core.DIDCommService `json:"services,omitempty"`
}

type Discoverer struct {
	kms kms.KMS
}

func NewDiscoverer(k kms.KMS) *Discoverer {
	return &Discoverer{kms: k}
}

// Resolves the DID Document and extracts endpoint, protocols and services.
// DID Documents in the wild are irregular, so the endpoint is looked for in
// several shapes before giving up
func (d *Discoverer) DiscoverCapabilities(did string) (*Capabilities, error) {

	doc, err := d.kms.ResolveDIDDocument(did)
	if err != nil {
		return nil, err
	}

	return CapabilitiesFromDocument(doc), nil
}

// Extracts the capabilities from an already resolved document
func CapabilitiesFromDocument(doc *core.DIDDocument) *Capabilities {

	capabilities := Capabilities{}

	for _, svc := range doc.Service {
		if !core.IsDIDCommServiceType(svc.Type) {
			continue
		}

		normalized := svc.Normalize()
		capabilities.Services = append(capabilities.Services, normalized)

		if capabilities.Endpoint == "" && normalized.ServiceEndpoint != "" {
			capabilities.Endpoint = normalized.ServiceEndpoint
		}
		for _, protocol := range normalized.Protocols {
			if !slices.Contains(capabilities.Protocols, protocol) {
				capabilities.Protocols = append(capabilities.Protocols, protocol)
			}
		}
	}

	// Last resort: scan the raw document for anything that looks like an
	// endpoint
	if capabilities.Endpoint == "" {
		if jDoc, err := json.Marshal(doc); err == nil {
			var decoded any
			if err := json.Unmarshal(jDoc, &decoded); err == nil {
				capabilities.Endpoint = core.ScanForEndpoint(decoded)
			}
		}
	}

	return &capabilities
}

// Whether the DID advertises the given protocol URI. Errors resolving the
// document are reported as "not supported"
func (d *Discoverer) SupportsProtocol(did string, protocolURI string) bool {

	capabilities, err := d.DiscoverCapabilities(did)
	if err != nil {
		core.GetLogger().Debugf("could not discover %s: %s", did, err)
		return false
	}
	return slices.Contains(capabilities.Protocols, protocolURI)
}
