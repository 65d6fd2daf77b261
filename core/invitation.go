package core

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Base URL for encoded out-of-band invitations
const OOBBaseUrl = "https://didcomm.org/oob"

// A service entry in an out-of-band invitation. It is either a bare DID
// reference or an inline service descriptor, hence the custom JSON codec
type InvitationService struct {
	DID    string
	Inline *DIDCommService
}

func (s InvitationService) MarshalJSON() ([]byte, error) {
	if s.DID != "" {
		return json.Marshal(s.DID)
	}
	return json.Marshal(s.Inline)
}

func (s *InvitationService) UnmarshalJSON(data []byte) error {
	var did string
	if err := json.Unmarshal(data, &did); err == nil {
		s.DID = did
		return nil
	}
	var inline DIDCommService
	if err := json.Unmarshal(data, &inline); err != nil {
		return err
	}
	s.Inline = &inline
	return nil
}

// An out-of-band invitation, as published in the _oob URL parameter.
// The dbn extension attributes carry the correlation id and the optional
// target DID for targeted invitations
type Invitation struct {
	Type          string              `json:"@type"`
	Id            string              `json:"@id"`
	Label         string              `json:"label,omitempty"`
	Goal          string              `json:"goal,omitempty"`
	GoalCode      string              `json:"goal_code,omitempty"`
	Accept        []string            `json:"accept,omitempty"`
	Services      []InvitationService `json:"services"`
	CorrelationId string              `json:"dbn:cid,omitempty"`
	Target        string              `json:"dbn:target,omitempty"`
}

// Builds an invitation skeleton with a fresh id and the didcomm/v2 accept
// profile
func NewInvitation(label string, goal string, goalCode string) *Invitation {
	return &Invitation{
		Type:     OOBInvitationType,
		Id:       uuid.New().String(),
		Label:    label,
		Goal:     goal,
		GoalCode: goalCode,
		Accept:   []string{"didcomm/v2"},
	}
}

// Encodes the invitation as https://didcomm.org/oob?_oob=<base64url(json)>
func (inv *Invitation) EncodeURL() (string, error) {
	jInvitation, err := json.Marshal(inv)
	if err != nil {
		return "", fmt.Errorf("could not marshal invitation: %w", err)
	}
	return OOBBaseUrl + "?_oob=" + base64.RawURLEncoding.EncodeToString(jInvitation), nil
}

// Decodes an invitation URL produced by EncodeURL, or by any other agent
// using the same convention. Validates that the decoded object is an
// out-of-band invitation
func DecodeInvitationURL(invitationUrl string) (*Invitation, error) {

	parsed, err := url.Parse(invitationUrl)
	if err != nil {
		return nil, WrapAgentError(INVALID_INVITATION, err, "malformed invitation url")
	}
	encoded := parsed.Query().Get("_oob")
	if encoded == "" {
		return nil, NewAgentError(INVALID_INVITATION, "missing _oob parameter")
	}

	// Tolerate both padded and unpadded base64url
	jInvitation, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, WrapAgentError(INVALID_INVITATION, err, "invitation is not base64url")
	}

	return ParseInvitation(jInvitation)
}

// Parses and validates an invitation JSON object
func ParseInvitation(jInvitation []byte) (*Invitation, error) {
	var inv Invitation
	if err := json.Unmarshal(jInvitation, &inv); err != nil {
		return nil, WrapAgentError(INVALID_INVITATION, err, "invitation is not valid json")
	}
	if inv.Type != OOBInvitationType {
		return nil, NewAgentError(INVALID_INVITATION, "unexpected invitation type %s", inv.Type)
	}
	if len(inv.Services) == 0 {
		return nil, NewAgentError(INVALID_INVITATION, "invitation without services")
	}
	return &inv, nil
}
