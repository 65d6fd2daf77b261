// Package connection implements the lifecycle of trust relationships:
// creating and accepting invitations, driving the state machine and the
// operator-facing operations on established connections.
package connection

import (
	"time"

	"github.com/google/uuid"

	"github.com/dbn-project/trustlink/core"
	"github.com/dbn-project/trustlink/discovery"
	"github.com/dbn-project/trustlink/kms"
	"github.com/dbn-project/trustlink/protocol"
	"github.com/dbn-project/trustlink/repository"
)

// Options for creating an invitation
type InvitationOptions struct {
	Goal     string            `json:"goal,omitempty"`
	GoalCode string            `json:"goalCode,omitempty"`
	Target   string            `json:"target,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Notes    string            `json:"notes,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Options for accepting an invitation
type AcceptOptions struct {
	// Identity the invitation must be targeted to, if it is targeted.
	// Optional for open invitations
	RootDID string `json:"rootDid,omitempty"`

	Tags     []string          `json:"tags,omitempty"`
	Notes    string            `json:"notes,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result of pinging a peer
type PingResult struct {
	Success        bool   `json:"success"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
	Error          string `json:"error,omitempty"`
}

type Manager struct {
	connections repository.ConnectionRepository
	kms         kms.KMS
	discoverer  *discovery.Discoverer
	sender      protocol.OutboundSender

	// From agent.json
	label     string
	endpoint  string
	protocols []string
}

func NewManager(connections repository.ConnectionRepository, k kms.KMS, discoverer *discovery.Discoverer,
	sender protocol.OutboundSender, agentConf core.AgentConfig) *Manager {
	return &Manager{
		connections: connections,
		kms:         k,
		discoverer:  discoverer,
		sender:      sender,
		label:       agentConf.Label,
		endpoint:    agentConf.Endpoint,
		protocols:   agentConf.Protocols,
	}
}

// The didcomm service published in the DID documents of this agent
func (m *Manager) localService() core.DIDCommService {
	return core.DIDCommService{
		Id:              "#didcomm",
		Type:            core.DIDCommMessagingServiceType,
		ServiceEndpoint: m.endpoint,
		Protocols:       m.protocols,
	}
}

// Creates a fresh peer DID and an out-of-band invitation referencing it. The
// returned connection is in invited state and waits for a peer request
func (m *Manager) CreateInvitation(options InvitationOptions) (*core.Connection, error) {

	registration, err := m.kms.CreateDID("peer", kms.CreateDIDOptions{
		Services: []core.DIDCommService{m.localService()},
	})
	if err != nil {
		return nil, err
	}

	invitation := core.NewInvitation(m.label, options.Goal, options.GoalCode)
	invitation.Services = []core.InvitationService{{DID: registration.DID}}
	invitation.CorrelationId = uuid.New().String()
	invitation.Target = options.Target

	invitationUrl, err := invitation.EncodeURL()
	if err != nil {
		return nil, core.WrapAgentError(core.INVALID_INVITATION, err, "could not encode invitation")
	}

	metadata := map[string]string{
		core.MetaCorrelationId:  invitation.CorrelationId,
		core.MetaInvitationType: core.InvitationTypeOpen,
	}
	if options.Target != "" {
		metadata[core.MetaInvitationType] = core.InvitationTypeTargeted
	}
	for k, v := range options.Metadata {
		metadata[k] = v
	}

	conn := &core.Connection{
		Id:            uuid.New().String(),
		MyDID:         registration.DID,
		Role:          core.RoleInviter,
		State:         core.StateInvited,
		Invitation:    invitation,
		InvitationUrl: invitationUrl,
		Tags:          options.Tags,
		Notes:         options.Notes,
		Metadata:      metadata,
	}

	if err := m.connections.Insert(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Accepts an out-of-band invitation: creates the local peer DID, registers
// the connection and sends the connection request to the inviter. A failure
// to deliver the request is not fatal, the connection stays in requested
// state flagged for operator retry
func (m *Manager) AcceptInvitation(invitationUrl string, options AcceptOptions) (*core.Connection, error) {

	invitation, err := core.DecodeInvitationURL(invitationUrl)
	if err != nil {
		return nil, err
	}

	if invitation.Target != "" && invitation.Target != options.RootDID {
		return nil, core.NewAgentError(core.INVITATION_NOT_FOR_YOU, "invitation is targeted to %s", invitation.Target)
	}

	if existing, err := m.connections.GetByInvitationId(invitation.Id); err == nil {
		return nil, core.NewAgentError(core.CONNECTION_ALREADY_EXISTS, "invitation %s already accepted as connection %s",
			invitation.Id, existing.Id)
	}

	// Where the inviter listens. A DID reference must resolve, an inline
	// service is taken at face value
	theirDid, theirEndpoint, theirProtocols, theirServices, err := m.resolveInviter(invitation)
	if err != nil {
		return nil, err
	}

	registration, err := m.kms.CreateDID("peer", kms.CreateDIDOptions{
		RootDID:  options.RootDID,
		Services: []core.DIDCommService{m.localService()},
	})
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{}
	if invitation.CorrelationId != "" {
		metadata[core.MetaCorrelationId] = invitation.CorrelationId
	}
	for k, v := range options.Metadata {
		metadata[k] = v
	}

	conn := &core.Connection{
		Id:             uuid.New().String(),
		MyDID:          registration.DID,
		TheirDID:       theirDid,
		Role:           core.RoleInvitee,
		State:          core.StateInvited,
		TheirLabel:     invitation.Label,
		TheirEndpoint:  theirEndpoint,
		TheirProtocols: theirProtocols,
		TheirServices:  theirServices,
		Invitation:     invitation,
		InvitationUrl:  invitationUrl,
		Tags:           options.Tags,
		Notes:          options.Notes,
		Metadata:       metadata,
	}

	if err := m.connections.Insert(conn); err != nil {
		return nil, err
	}

	if err := m.connections.UpdateState(conn.Id, core.StateRequested); err != nil {
		return nil, err
	}
	conn.State = core.StateRequested

	// The connection request. Delivery failure is recoverable
	request := core.NewDIDCommMessage(core.ConnectionRequestType, conn.MyDID, []string{theirDid})
	request.ParentThreadId = invitation.Id
	request.Body["label"] = m.label
	request.Body["did"] = conn.MyDID
	request.Body["invitation_id"] = invitation.Id

	if err := m.sender.SendMessage(conn, request); err != nil {
		core.GetLogger().Warnf("could not send connection request for %s: %s", conn.Id, err)
		metadata[core.MetaOutboundRequestFailed] = "true"
		if merr := m.connections.UpdateMetadata(conn.Id, metadata); merr != nil {
			core.GetLogger().Errorf("could not flag failed request on %s: %s", conn.Id, merr)
		}
		conn.Metadata = metadata
	}

	return conn, nil
}

// Extracts the inviter coordinates from the first usable invitation service
func (m *Manager) resolveInviter(invitation *core.Invitation) (string, string, []string, []core.DIDCommService, error) {

	for _, service := range invitation.Services {

		if service.DID != "" {
			capabilities, err := m.discoverer.DiscoverCapabilities(service.DID)
			if err != nil {
				// A service DID that does not resolve makes the whole
				// invitation unusable
				return "", "", nil, nil, err
			}
			return service.DID, capabilities.Endpoint, capabilities.Protocols, capabilities.Services, nil
		}

		if service.Inline != nil && service.Inline.ServiceEndpoint != "" {
			// Inline services carry no DID. The peer identity arrives later
			// with the connection response
			return "", service.Inline.ServiceEndpoint, service.Inline.Protocols,
				[]core.DIDCommService{*service.Inline}, nil
		}
	}

	return "", "", nil, nil, core.NewAgentError(core.INVALID_INVITATION, "invitation has no usable service")
}

func (m *Manager) Get(id string) (*core.Connection, error) {
	return m.connections.Get(id)
}

func (m *Manager) List(filter repository.ConnectionFilter) ([]core.Connection, int, error) {
	return m.connections.List(filter)
}

// Merges the given entries into the connection metadata. Empty values
// remove the key
func (m *Manager) UpdateMetadata(id string, entries map[string]string) (*core.Connection, error) {

	conn, err := m.connections.Get(id)
	if err != nil {
		return nil, err
	}

	metadata := conn.Metadata
	if metadata == nil {
		metadata = make(map[string]string)
	}
	for k, v := range entries {
		if v == "" {
			delete(metadata, k)
		} else {
			metadata[k] = v
		}
	}

	if err := m.connections.UpdateMetadata(id, metadata); err != nil {
		return nil, err
	}
	conn.Metadata = metadata
	return conn, nil
}

func (m *Manager) UpdateTags(id string, tags []string, notes string) (*core.Connection, error) {
	if err := m.connections.UpdateTags(id, tags, notes); err != nil {
		return nil, err
	}
	return m.connections.Get(id)
}

// Operator driven state change. Unlike the repository, this enforces the
// state machine
func (m *Manager) UpdateConnectionState(id string, state string) (*core.Connection, error) {

	state = core.NormalizeState(state)
	if !core.IsValidState(state) {
		return nil, core.NewAgentError(core.INVALID_STATE_TRANSITION, "unknown state %s", state)
	}

	conn, err := m.connections.Get(id)
	if err != nil {
		return nil, err
	}
	if conn.State != state && !core.CanTransition(conn.State, state) {
		return nil, core.NewAgentError(core.INVALID_STATE_TRANSITION, "cannot move connection %s from %s to %s",
			id, conn.State, state)
	}

	if err := m.connections.UpdateState(id, state); err != nil {
		return nil, err
	}
	conn.State = state
	return conn, nil
}

// Re-reads the peer DID document and updates endpoint and protocols
func (m *Manager) RefreshCapabilities(id string) (*core.Connection, error) {

	conn, err := m.connections.Get(id)
	if err != nil {
		return nil, err
	}
	if conn.TheirDID == "" {
		return nil, core.NewAgentError(core.DID_RESOLUTION_FAILED, "connection %s has no peer did yet", id)
	}

	capabilities, err := m.discoverer.DiscoverCapabilities(conn.TheirDID)
	if err != nil {
		return nil, err
	}

	if capabilities.Endpoint != "" && capabilities.Endpoint != conn.TheirEndpoint {
		if err := m.connections.UpdatePeerInfo(id, conn.TheirDID, conn.TheirLabel, capabilities.Endpoint); err != nil {
			return nil, err
		}
	}
	if err := m.connections.UpdateCapabilities(id, capabilities.Protocols, capabilities.Services); err != nil {
		return nil, err
	}

	return m.connections.Get(id)
}

// Deletes the connection and revokes the peer DID created for it. The
// revocation is best effort and does not block the deletion
func (m *Manager) DeleteConnection(id string) error {

	conn, err := m.connections.Get(id)
	if err != nil {
		return err
	}

	if err := m.connections.Delete(id); err != nil {
		return err
	}

	if conn.MyDID != "" {
		go func(did string) {
			if err := m.kms.RevokeDID(did); err != nil {
				core.GetLogger().Warnf("could not revoke %s: %s", did, err)
			}
		}(conn.MyDID)
	}

	return nil
}

// Sends a trust ping over the connection and reports the delivery outcome.
// Transport failures are reported in the result, not as an error
func (m *Manager) Ping(id string, comment string) (*PingResult, error) {

	conn, err := m.connections.Get(id)
	if err != nil {
		return nil, err
	}
	if !core.IsUsableState(conn.State) {
		return nil, core.NewAgentError(core.CONNECTION_NOT_ACTIVE, "connection %s is in state %s", id, conn.State)
	}

	ping := core.NewDIDCommMessage(core.TrustPingType, conn.MyDID, []string{conn.TheirDID})
	ping.Body["response_requested"] = true
	if comment != "" {
		ping.Body["comment"] = comment
	}

	start := time.Now()
	if err := m.sender.SendMessage(conn, ping); err != nil {
		return &PingResult{Success: false, Error: err.Error()}, nil
	}

	return &PingResult{Success: true, ResponseTimeMs: time.Since(start).Milliseconds()}, nil
}
