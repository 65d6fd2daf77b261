package repository

import (
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dbn-project/trustlink/core"
)

// In-memory connection store. Keeps an index by invitation id for inviter
// side correlation
type MemoryConnectionRepository struct {
	mu sync.RWMutex

	connections    map[string]*core.Connection
	byInvitationId map[string]string
}

func NewMemoryConnectionRepository() *MemoryConnectionRepository {
	return &MemoryConnectionRepository{
		connections:    make(map[string]*core.Connection),
		byInvitationId: make(map[string]string),
	}
}

func (r *MemoryConnectionRepository) Insert(conn *core.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.connections[conn.Id]; found {
		return core.NewAgentError(core.CONNECTION_ALREADY_EXISTS, "connection %s already exists", conn.Id)
	}
	// At most one connection per did pair. Connections still waiting for the
	// peer did are exempt
	if conn.TheirDID != "" {
		for _, existing := range r.connections {
			if existing.MyDID == conn.MyDID && existing.TheirDID == conn.TheirDID {
				return core.NewAgentError(core.CONNECTION_ALREADY_EXISTS, "connection for %s/%s already exists", conn.MyDID, conn.TheirDID)
			}
		}
	}

	now := time.Now().UTC()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now
	if conn.LastActiveAt.IsZero() {
		conn.LastActiveAt = now
	}
	conn.State = core.NormalizeState(conn.State)

	stored := copyConnection(conn)
	r.connections[conn.Id] = stored
	if conn.Invitation != nil {
		r.byInvitationId[conn.Invitation.Id] = conn.Id
	}
	return nil
}

func (r *MemoryConnectionRepository) Get(id string) (*core.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, found := r.connections[id]
	if !found {
		return nil, core.NewAgentError(core.CONNECTION_NOT_FOUND, "connection %s not found", id)
	}
	return copyConnection(conn), nil
}

func (r *MemoryConnectionRepository) GetByDids(myDid string, theirDid string) (*core.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *core.Connection
	for _, conn := range r.connections {
		if conn.MyDID == myDid && conn.TheirDID == theirDid {
			if best == nil || conn.CreatedAt.After(best.CreatedAt) {
				best = conn
			}
		}
	}
	if best == nil {
		return nil, core.NewAgentError(core.CONNECTION_NOT_FOUND, "connection for %s/%s not found", myDid, theirDid)
	}
	return copyConnection(best), nil
}

func (r *MemoryConnectionRepository) GetByInvitationId(invitationId string) (*core.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, found := r.byInvitationId[invitationId]
	if !found {
		return nil, core.NewAgentError(core.CONNECTION_NOT_FOUND, "connection for invitation %s not found", invitationId)
	}
	return copyConnection(r.connections[id]), nil
}

func (r *MemoryConnectionRepository) List(filter ConnectionFilter) ([]core.Connection, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matching := make([]core.Connection, 0)
	for _, conn := range r.connections {
		if filter.State != "" && conn.State != core.NormalizeState(filter.State) {
			continue
		}
		if filter.Role != "" && conn.Role != filter.Role {
			continue
		}
		if filter.MyDID != "" && conn.MyDID != filter.MyDID {
			continue
		}
		if filter.TheirDID != "" && conn.TheirDID != filter.TheirDID {
			continue
		}
		if filter.Tag != "" && !slices.Contains(conn.Tags, filter.Tag) {
			continue
		}
		matching = append(matching, *copyConnection(conn))
	}

	sort.Slice(matching, func(i, j int) bool {
		return matching[i].CreatedAt.After(matching[j].CreatedAt)
	})

	total := len(matching)
	return page(matching, filter.Offset, filter.Limit), total, nil
}

func (r *MemoryConnectionRepository) UpdateState(id string, state string) error {

	state = core.NormalizeState(state)
	if !core.IsValidState(state) {
		return core.NewAgentError(core.INVALID_STATE_TRANSITION, "unknown state %s", state)
	}

	return r.update(id, func(conn *core.Connection) {
		if conn.State != state && !core.CanTransition(conn.State, state) {
			core.GetLogger().Warnf("forcing connection %s from %s to %s", id, conn.State, state)
		}
		core.RecordConnectionStateTransition(conn.State, state)
		conn.State = state
	})
}

func (r *MemoryConnectionRepository) UpdatePeerInfo(id string, theirDid string, theirLabel string, theirEndpoint string) error {
	if theirDid != "" {
		r.mu.RLock()
		for _, existing := range r.connections {
			if existing.Id != id && existing.TheirDID == theirDid {
				if current, found := r.connections[id]; found && current.MyDID == existing.MyDID {
					r.mu.RUnlock()
					return core.NewAgentError(core.CONNECTION_ALREADY_EXISTS, "connection for %s/%s already exists", existing.MyDID, theirDid)
				}
			}
		}
		r.mu.RUnlock()
	}
	return r.update(id, func(conn *core.Connection) {
		conn.TheirDID = theirDid
		conn.TheirLabel = theirLabel
		conn.TheirEndpoint = theirEndpoint
	})
}

func (r *MemoryConnectionRepository) UpdateCapabilities(id string, protocols []string, services []core.DIDCommService) error {
	return r.update(id, func(conn *core.Connection) {
		conn.TheirProtocols = append([]string(nil), protocols...)
		conn.TheirServices = append([]core.DIDCommService(nil), services...)
	})
}

func (r *MemoryConnectionRepository) UpdateMetadata(id string, metadata map[string]string) error {
	return r.update(id, func(conn *core.Connection) {
		conn.Metadata = copyStringMap(metadata)
	})
}

func (r *MemoryConnectionRepository) UpdateTags(id string, tags []string, notes string) error {
	return r.update(id, func(conn *core.Connection) {
		conn.Tags = append([]string(nil), tags...)
		conn.Notes = notes
	})
}

func (r *MemoryConnectionRepository) TouchLastActive(id string) error {
	return r.update(id, func(conn *core.Connection) {
		conn.LastActiveAt = time.Now().UTC()
	})
}

func (r *MemoryConnectionRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, found := r.connections[id]
	if !found {
		return core.NewAgentError(core.CONNECTION_NOT_FOUND, "connection %s not found", id)
	}
	if conn.Invitation != nil {
		delete(r.byInvitationId, conn.Invitation.Id)
	}
	delete(r.connections, id)
	return nil
}

func (r *MemoryConnectionRepository) update(id string, mutate func(*core.Connection)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, found := r.connections[id]
	if !found {
		return core.NewAgentError(core.CONNECTION_NOT_FOUND, "connection %s not found", id)
	}
	mutate(conn)
	conn.UpdatedAt = time.Now().UTC()
	return nil
}

// In-memory message store, with an index by didcomm message id
type MemoryMessageRepository struct {
	mu sync.RWMutex

	messages    map[string]*core.Message
	byMessageId map[string]string
}

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{
		messages:    make(map[string]*core.Message),
		byMessageId: make(map[string]string),
	}
}

func (r *MemoryMessageRepository) Insert(msg *core.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.byMessageId[msg.MessageId]; found {
		return core.NewAgentError(core.MESSAGE_ALREADY_EXISTS, "message %s already exists", msg.MessageId)
	}
	return r.store(msg)
}

func (r *MemoryMessageRepository) Upsert(msg *core.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existingId, found := r.byMessageId[msg.MessageId]; found {
		existing := r.messages[existingId]
		existing.State = msg.State
		existing.ErrorMessage = msg.ErrorMessage
		existing.RetryCount = msg.RetryCount
		existing.Metadata = copyStringMap(msg.Metadata)
		existing.ProcessedAt = msg.ProcessedAt
		return nil
	}
	return r.store(msg)
}

// Caller must hold the lock
func (r *MemoryMessageRepository) store(msg *core.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	stored := copyMessage(msg)
	r.messages[msg.Id] = stored
	r.byMessageId[msg.MessageId] = msg.Id
	return nil
}

func (r *MemoryMessageRepository) Get(id string) (*core.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, found := r.messages[id]
	if !found {
		return nil, core.NewAgentError(core.MESSAGE_NOT_FOUND, "message %s not found", id)
	}
	return copyMessage(msg), nil
}

func (r *MemoryMessageRepository) GetByMessageId(messageId string) (*core.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, found := r.byMessageId[messageId]
	if !found {
		return nil, core.NewAgentError(core.MESSAGE_NOT_FOUND, "message %s not found", messageId)
	}
	return copyMessage(r.messages[id]), nil
}

func (r *MemoryMessageRepository) List(filter MessageFilter) ([]core.Message, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matching := make([]core.Message, 0)
	for _, msg := range r.messages {
		if filter.ConnectionId != "" && msg.ConnectionId != filter.ConnectionId {
			continue
		}
		if filter.Direction != "" && msg.Direction != filter.Direction {
			continue
		}
		if filter.State != "" && msg.State != filter.State {
			continue
		}
		if filter.Type != "" && msg.Type != filter.Type {
			continue
		}
		if filter.ThreadId != "" && msg.ThreadId != filter.ThreadId {
			continue
		}
		matching = append(matching, *copyMessage(msg))
	}

	sort.Slice(matching, func(i, j int) bool {
		return matching[i].CreatedAt.After(matching[j].CreatedAt)
	})

	total := len(matching)
	return page(matching, filter.Offset, filter.Limit), total, nil
}

func (r *MemoryMessageRepository) Search(connectionId string, query string, limit int) ([]core.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	lowered := strings.ToLower(query)
	matching := make([]core.Message, 0)
	for _, msg := range r.messages {
		if connectionId != "" && msg.ConnectionId != connectionId {
			continue
		}
		if !strings.Contains(strings.ToLower(searchText(msg)), lowered) {
			continue
		}
		matching = append(matching, *copyMessage(msg))
	}

	sort.Slice(matching, func(i, j int) bool {
		return matching[i].CreatedAt.After(matching[j].CreatedAt)
	})
	if len(matching) > limit {
		matching = matching[:limit]
	}
	return matching, nil
}

func (r *MemoryMessageRepository) UpdateState(id string, state string, errorMessage string) error {
	return r.update(id, func(msg *core.Message) {
		if msg.State != state && !messageCanTransition(msg.State, state) {
			core.GetLogger().Warnf("forcing message %s from %s to %s", id, msg.State, state)
		}
		msg.State = state
		msg.ErrorMessage = errorMessage
		if state == core.MessageProcessed || state == core.MessageDelivered {
			now := time.Now().UTC()
			msg.ProcessedAt = &now
		}
	})
}

func (r *MemoryMessageRepository) IncrementRetry(id string) error {
	return r.update(id, func(msg *core.Message) {
		msg.RetryCount++
	})
}

func (r *MemoryMessageRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, found := r.messages[id]
	if !found {
		return core.NewAgentError(core.MESSAGE_NOT_FOUND, "message %s not found", id)
	}
	delete(r.byMessageId, msg.MessageId)
	delete(r.messages, id)
	return nil
}

func (r *MemoryMessageRepository) update(id string, mutate func(*core.Message)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, found := r.messages[id]
	if !found {
		return core.NewAgentError(core.MESSAGE_NOT_FOUND, "message %s not found", id)
	}
	mutate(msg)
	return nil
}

// ///////////////////////////////////////////////////////////////
// Copy and slice helpers
// ///////////////////////////////////////////////////////////////

func copyConnection(conn *core.Connection) *core.Connection {
	theCopy := *conn
	theCopy.TheirProtocols = append([]string(nil), conn.TheirProtocols...)
	theCopy.TheirServices = append([]core.DIDCommService(nil), conn.TheirServices...)
	theCopy.Tags = append([]string(nil), conn.Tags...)
	theCopy.Metadata = copyStringMap(conn.Metadata)
	return &theCopy
}

func copyMessage(msg *core.Message) *core.Message {
	theCopy := *msg
	theCopy.ToDIDs = append([]string(nil), msg.ToDIDs...)
	theCopy.Attachments = append([]core.Attachment(nil), msg.Attachments...)
	theCopy.Metadata = copyStringMap(msg.Metadata)
	if msg.Body != nil {
		theCopy.Body = make(map[string]any, len(msg.Body))
		for k, v := range msg.Body {
			theCopy.Body[k] = v
		}
	}
	return &theCopy
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	theCopy := make(map[string]string, len(m))
	for k, v := range m {
		theCopy[k] = v
	}
	return theCopy
}

func page[T any](items []T, offset int, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
