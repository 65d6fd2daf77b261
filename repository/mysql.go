package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dbn-project/trustlink/core"
)

// DDL for the two tables. Applied at startup when the schema is missing.
// search_text carries the basic message content so that FULLTEXT search does
// not need to parse the body json. did_pair enforces one connection per did
// pair, with a NULL pair (unique index exempt) while the peer did is unknown
const (
	connectionsDDL = `CREATE TABLE IF NOT EXISTS connections (
		id VARCHAR(36) NOT NULL,
		my_did VARCHAR(512) NOT NULL,
		their_did VARCHAR(512) NOT NULL DEFAULT '',
		role VARCHAR(16) NOT NULL,
		state VARCHAR(16) NOT NULL,
		their_label VARCHAR(256) NOT NULL DEFAULT '',
		their_endpoint VARCHAR(1024) NOT NULL DEFAULT '',
		their_protocols TEXT,
		their_services TEXT,
		invitation TEXT,
		invitation_url TEXT,
		invitation_id VARCHAR(64) NOT NULL DEFAULT '',
		tags TEXT,
		notes TEXT,
		metadata TEXT,
		created_at DATETIME(3) NOT NULL,
		updated_at DATETIME(3) NOT NULL,
		last_active_at DATETIME(3) NOT NULL,
		did_pair VARCHAR(384) GENERATED ALWAYS AS
			(IF(their_did = '', NULL, CONCAT(LEFT(my_did, 191), '#', LEFT(their_did, 191)))) STORED,
		PRIMARY KEY (id),
		UNIQUE INDEX idx_connections_did_pair (did_pair),
		INDEX idx_connections_dids (my_did(191), their_did(191)),
		INDEX idx_connections_invitation (invitation_id),
		INDEX idx_connections_state (state)
	)`

	messagesDDL = `CREATE TABLE IF NOT EXISTS messages (
		id VARCHAR(36) NOT NULL,
		message_id VARCHAR(64) NOT NULL,
		thread_id VARCHAR(64) NOT NULL DEFAULT '',
		parent_id VARCHAR(64) NOT NULL DEFAULT '',
		connection_id VARCHAR(36) NOT NULL DEFAULT '',
		type VARCHAR(256) NOT NULL,
		direction VARCHAR(16) NOT NULL,
		from_did VARCHAR(512) NOT NULL DEFAULT '',
		to_dids TEXT,
		body TEXT,
		attachments TEXT,
		state VARCHAR(16) NOT NULL,
		error_message TEXT,
		retry_count INT NOT NULL DEFAULT 0,
		metadata TEXT,
		search_text TEXT,
		created_at DATETIME(3) NOT NULL,
		processed_at DATETIME(3) NULL,
		PRIMARY KEY (id),
		UNIQUE INDEX idx_messages_message_id (message_id),
		INDEX idx_messages_connection (connection_id, created_at),
		INDEX idx_messages_thread (thread_id),
		FULLTEXT INDEX idx_messages_search (search_text)
	)`
)

const connectionColumns = `id, my_did, their_did, role, state, their_label, their_endpoint,
	their_protocols, their_services, invitation, invitation_url, tags, notes, metadata,
	created_at, updated_at, last_active_at`

const messageColumns = `id, message_id, thread_id, parent_id, connection_id, type, direction,
	from_did, to_dids, body, attachments, state, error_message, retry_count, metadata,
	created_at, processed_at`

// Opens the database handle from the database.json configuration and makes
// sure the schema exists. The same handle backs both repositories
func OpenDatabase(conf core.DatabaseConfig) (*sql.DB, error) {

	dbHandle, err := sql.Open(conf.Driver, conf.Url)
	if err != nil {
		return nil, core.WrapAgentError(core.DATABASE_ERROR, err, "could not create database object %s", conf.Driver)
	}
	if conf.MaxOpenConns > 0 {
		dbHandle.SetMaxOpenConns(conf.MaxOpenConns)
	}
	if err = dbHandle.Ping(); err != nil {
		return nil, core.WrapAgentError(core.DATABASE_ERROR, err, "could not ping database in %s", conf.Url)
	}

	for _, ddl := range []string{connectionsDDL, messagesDDL} {
		if _, err = dbHandle.Exec(ddl); err != nil {
			return nil, core.WrapAgentError(core.DATABASE_ERROR, err, "could not create schema")
		}
	}

	return dbHandle, nil
}

// ///////////////////////////////////////////////////////////////
// Connections
// ///////////////////////////////////////////////////////////////

type MySQLConnectionRepository struct {
	dbHandle *sql.DB
}

func NewMySQLConnectionRepository(dbHandle *sql.DB) *MySQLConnectionRepository {
	return &MySQLConnectionRepository{dbHandle: dbHandle}
}

func (r *MySQLConnectionRepository) Insert(conn *core.Connection) error {

	now := time.Now().UTC()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now
	if conn.LastActiveAt.IsZero() {
		conn.LastActiveAt = now
	}
	conn.State = core.NormalizeState(conn.State)

	invitationId := ""
	if conn.Invitation != nil {
		invitationId = conn.Invitation.Id
	}

	_, err := r.dbHandle.Exec(`INSERT INTO connections (`+connectionColumns+`, invitation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.Id, conn.MyDID, conn.TheirDID, conn.Role, conn.State, conn.TheirLabel, conn.TheirEndpoint,
		toJsonColumn(conn.TheirProtocols), toJsonColumn(conn.TheirServices), toJsonColumn(conn.Invitation),
		conn.InvitationUrl, toJsonColumn(conn.Tags), conn.Notes, toJsonColumn(conn.Metadata),
		conn.CreatedAt, conn.UpdatedAt, conn.LastActiveAt, invitationId)

	if err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return core.NewAgentError(core.CONNECTION_ALREADY_EXISTS, "connection %s already exists", conn.Id)
		}
		return core.WrapAgentError(core.DATABASE_ERROR, err, "could not insert connection %s", conn.Id)
	}
	return nil
}

func (r *MySQLConnectionRepository) Get(id string) (*core.Connection, error) {
	row := r.dbHandle.QueryRow(`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	return scanConnection(row, id)
}

func (r *MySQLConnectionRepository) GetByDids(myDid string, theirDid string) (*core.Connection, error) {
	row := r.dbHandle.QueryRow(`SELECT `+connectionColumns+` FROM connections
		WHERE my_did = ? AND their_did = ? ORDER BY created_at DESC LIMIT 1`, myDid, theirDid)
	return scanConnection(row, myDid+"/"+theirDid)
}

func (r *MySQLConnectionRepository) GetByInvitationId(invitationId string) (*core.Connection, error) {
	row := r.dbHandle.QueryRow(`SELECT `+connectionColumns+` FROM connections
		WHERE invitation_id = ? ORDER BY created_at DESC LIMIT 1`, invitationId)
	return scanConnection(row, invitationId)
}

func (r *MySQLConnectionRepository) List(filter ConnectionFilter) ([]core.Connection, int, error) {

	where, args := connectionWhere(filter)

	var total int
	if err := r.dbHandle.QueryRow(`SELECT COUNT(*) FROM connections`+where, args...).Scan(&total); err != nil {
		return nil, 0, core.WrapAgentError(core.DATABASE_ERROR, err, "could not count connections")
	}

	query := `SELECT ` + connectionColumns + ` FROM connections` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}

	rows, err := r.dbHandle.Query(query, args...)
	if err != nil {
		return nil, 0, core.WrapAgentError(core.DATABASE_ERROR, err, "could not list connections")
	}
	defer rows.Close()

	connections := make([]core.Connection, 0)
	for rows.Next() {
		conn, err := scanConnectionRow(rows)
		if err != nil {
			return nil, 0, err
		}
		connections = append(connections, *conn)
	}
	return connections, total, rows.Err()
}

func (r *MySQLConnectionRepository) UpdateState(id string, state string) error {

	state = core.NormalizeState(state)
	if !core.IsValidState(state) {
		return core.NewAgentError(core.INVALID_STATE_TRANSITION, "unknown state %s", state)
	}

	// Warn on a transition that the state machine does not allow, but apply
	// it. Operators may need to force states
	if current, err := r.Get(id); err == nil {
		if current.State != state && !core.CanTransition(current.State, state) {
			core.GetLogger().Warnf("forcing connection %s from %s to %s", id, current.State, state)
		}
		core.RecordConnectionStateTransition(current.State, state)
	}

	return r.exec(id, `UPDATE connections SET state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now().UTC(), id)
}

func (r *MySQLConnectionRepository) UpdatePeerInfo(id string, theirDid string, theirLabel string, theirEndpoint string) error {
	return r.exec(id, `UPDATE connections SET their_did = ?, their_label = ?, their_endpoint = ?, updated_at = ? WHERE id = ?`,
		theirDid, theirLabel, theirEndpoint, time.Now().UTC(), id)
}

func (r *MySQLConnectionRepository) UpdateCapabilities(id string, protocols []string, services []core.DIDCommService) error {
	return r.exec(id, `UPDATE connections SET their_protocols = ?, their_services = ?, updated_at = ? WHERE id = ?`,
		toJsonColumn(protocols), toJsonColumn(services), time.Now().UTC(), id)
}

func (r *MySQLConnectionRepository) UpdateMetadata(id string, metadata map[string]string) error {
	return r.exec(id, `UPDATE connections SET metadata = ?, updated_at = ? WHERE id = ?`,
		toJsonColumn(metadata), time.Now().UTC(), id)
}

func (r *MySQLConnectionRepository) UpdateTags(id string, tags []string, notes string) error {
	return r.exec(id, `UPDATE connections SET tags = ?, notes = ?, updated_at = ? WHERE id = ?`,
		toJsonColumn(tags), notes, time.Now().UTC(), id)
}

func (r *MySQLConnectionRepository) TouchLastActive(id string) error {
	now := time.Now().UTC()
	return r.exec(id, `UPDATE connections SET last_active_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
}

func (r *MySQLConnectionRepository) Delete(id string) error {
	return r.exec(id, `DELETE FROM connections WHERE id = ?`, id)
}

// Runs a statement that must affect exactly one connection
func (r *MySQLConnectionRepository) exec(id string, query string, args ...any) error {
	result, err := r.dbHandle.Exec(query, args...)
	if err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return core.NewAgentError(core.CONNECTION_ALREADY_EXISTS, "update collides with another connection for the same did pair")
		}
		return core.WrapAgentError(core.DATABASE_ERROR, err, "could not update connection %s", id)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return core.NewAgentError(core.CONNECTION_NOT_FOUND, "connection %s not found", id)
	}
	return nil
}

func connectionWhere(filter ConnectionFilter) (string, []any) {
	conditions := make([]string, 0)
	args := make([]any, 0)
	if filter.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, core.NormalizeState(filter.State))
	}
	if filter.Role != "" {
		conditions = append(conditions, "role = ?")
		args = append(args, filter.Role)
	}
	if filter.MyDID != "" {
		conditions = append(conditions, "my_did = ?")
		args = append(args, filter.MyDID)
	}
	if filter.TheirDID != "" {
		conditions = append(conditions, "their_did = ?")
		args = append(args, filter.TheirDID)
	}
	if filter.Tag != "" {
		// Tags are stored as a json array of strings
		conditions = append(conditions, "tags LIKE ?")
		args = append(args, "%\""+filter.Tag+"\"%")
	}
	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row *sql.Row, key string) (*core.Connection, error) {
	conn, err := scanConnectionRow(row)
	if err == sql.ErrNoRows {
		return nil, core.NewAgentError(core.CONNECTION_NOT_FOUND, "connection %s not found", key)
	}
	return conn, err
}

func scanConnectionRow(row rowScanner) (*core.Connection, error) {

	var conn core.Connection
	var theirProtocols, theirServices, invitation, tags, metadata sql.NullString
	var notes, invitationUrl sql.NullString

	err := row.Scan(&conn.Id, &conn.MyDID, &conn.TheirDID, &conn.Role, &conn.State,
		&conn.TheirLabel, &conn.TheirEndpoint, &theirProtocols, &theirServices,
		&invitation, &invitationUrl, &tags, &notes, &metadata,
		&conn.CreatedAt, &conn.UpdatedAt, &conn.LastActiveAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, core.WrapAgentError(core.DATABASE_ERROR, err, "could not read connection")
	}

	conn.State = core.NormalizeState(conn.State)
	conn.InvitationUrl = invitationUrl.String
	conn.Notes = notes.String
	fromJsonColumn(theirProtocols, &conn.TheirProtocols)
	fromJsonColumn(theirServices, &conn.TheirServices)
	fromJsonColumn(invitation, &conn.Invitation)
	fromJsonColumn(tags, &conn.Tags)
	fromJsonColumn(metadata, &conn.Metadata)

	return &conn, nil
}

// ///////////////////////////////////////////////////////////////
// Messages
// ///////////////////////////////////////////////////////////////

type MySQLMessageRepository struct {
	dbHandle *sql.DB
}

func NewMySQLMessageRepository(dbHandle *sql.DB) *MySQLMessageRepository {
	return &MySQLMessageRepository{dbHandle: dbHandle}
}

func (r *MySQLMessageRepository) Insert(msg *core.Message) error {

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := r.dbHandle.Exec(`INSERT INTO messages (`+messageColumns+`, search_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.Id, msg.MessageId, msg.ThreadId, msg.ParentId, msg.ConnectionId, msg.Type, msg.Direction,
		msg.FromDID, toJsonColumn(msg.ToDIDs), toJsonColumn(msg.Body), toJsonColumn(msg.Attachments),
		msg.State, msg.ErrorMessage, msg.RetryCount, toJsonColumn(msg.Metadata),
		msg.CreatedAt, msg.ProcessedAt, searchText(msg))

	if err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return core.NewAgentError(core.MESSAGE_ALREADY_EXISTS, "message %s already exists", msg.MessageId)
		}
		return core.WrapAgentError(core.DATABASE_ERROR, err, "could not insert message %s", msg.Id)
	}
	return nil
}

func (r *MySQLMessageRepository) Upsert(msg *core.Message) error {

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := r.dbHandle.Exec(`INSERT INTO messages (`+messageColumns+`, search_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE state = VALUES(state), error_message = VALUES(error_message),
		retry_count = VALUES(retry_count), metadata = VALUES(metadata), processed_at = VALUES(processed_at)`,
		msg.Id, msg.MessageId, msg.ThreadId, msg.ParentId, msg.ConnectionId, msg.Type, msg.Direction,
		msg.FromDID, toJsonColumn(msg.ToDIDs), toJsonColumn(msg.Body), toJsonColumn(msg.Attachments),
		msg.State, msg.ErrorMessage, msg.RetryCount, toJsonColumn(msg.Metadata),
		msg.CreatedAt, msg.ProcessedAt, searchText(msg))

	if err != nil {
		return core.WrapAgentError(core.DATABASE_ERROR, err, "could not upsert message %s", msg.Id)
	}
	return nil
}

func (r *MySQLMessageRepository) Get(id string) (*core.Message, error) {
	row := r.dbHandle.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row, id)
}

func (r *MySQLMessageRepository) GetByMessageId(messageId string) (*core.Message, error) {
	row := r.dbHandle.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageId)
	return scanMessage(row, messageId)
}

func (r *MySQLMessageRepository) List(filter MessageFilter) ([]core.Message, int, error) {

	where, args := messageWhere(filter)

	var total int
	if err := r.dbHandle.QueryRow(`SELECT COUNT(*) FROM messages`+where, args...).Scan(&total); err != nil {
		return nil, 0, core.WrapAgentError(core.DATABASE_ERROR, err, "could not count messages")
	}

	query := `SELECT ` + messageColumns + ` FROM messages` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}

	rows, err := r.dbHandle.Query(query, args...)
	if err != nil {
		return nil, 0, core.WrapAgentError(core.DATABASE_ERROR, err, "could not list messages")
	}
	defer rows.Close()

	messages := make([]core.Message, 0)
	for rows.Next() {
		msg, err := scanMessageRow(rows)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, *msg)
	}
	return messages, total, rows.Err()
}

func (r *MySQLMessageRepository) Search(connectionId string, query string, limit int) ([]core.Message, error) {

	if limit <= 0 {
		limit = 50
	}

	sqlQuery := `SELECT ` + messageColumns + ` FROM messages
		WHERE MATCH(search_text) AGAINST(? IN NATURAL LANGUAGE MODE)`
	args := []any{query}
	if connectionId != "" {
		sqlQuery += " AND connection_id = ?"
		args = append(args, connectionId)
	}
	sqlQuery += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := r.dbHandle.Query(sqlQuery, args...)
	if err != nil {
		return nil, core.WrapAgentError(core.DATABASE_ERROR, err, "could not search messages")
	}
	defer rows.Close()

	messages := make([]core.Message, 0)
	for rows.Next() {
		msg, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func (r *MySQLMessageRepository) UpdateState(id string, state string, errorMessage string) error {

	if current, err := r.Get(id); err == nil {
		if current.State != state && !messageCanTransition(current.State, state) {
			core.GetLogger().Warnf("forcing message %s from %s to %s", id, current.State, state)
		}
	}

	var processedAt any
	if state == core.MessageProcessed || state == core.MessageDelivered {
		processedAt = time.Now().UTC()
		return r.exec(id, `UPDATE messages SET state = ?, error_message = ?, processed_at = ? WHERE id = ?`,
			state, errorMessage, processedAt, id)
	}
	return r.exec(id, `UPDATE messages SET state = ?, error_message = ? WHERE id = ?`, state, errorMessage, id)
}

func (r *MySQLMessageRepository) IncrementRetry(id string) error {
	return r.exec(id, `UPDATE messages SET retry_count = retry_count + 1 WHERE id = ?`, id)
}

func (r *MySQLMessageRepository) Delete(id string) error {
	return r.exec(id, `DELETE FROM messages WHERE id = ?`, id)
}

func (r *MySQLMessageRepository) exec(id string, query string, args ...any) error {
	result, err := r.dbHandle.Exec(query, args...)
	if err != nil {
		return core.WrapAgentError(core.DATABASE_ERROR, err, "could not update message %s", id)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return core.NewAgentError(core.MESSAGE_NOT_FOUND, "message %s not found", id)
	}
	return nil
}

func messageWhere(filter MessageFilter) (string, []any) {
	conditions := make([]string, 0)
	args := make([]any, 0)
	if filter.ConnectionId != "" {
		conditions = append(conditions, "connection_id = ?")
		args = append(args, filter.ConnectionId)
	}
	if filter.Direction != "" {
		conditions = append(conditions, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, filter.State)
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.ThreadId != "" {
		conditions = append(conditions, "thread_id = ?")
		args = append(args, filter.ThreadId)
	}
	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func scanMessage(row *sql.Row, key string) (*core.Message, error) {
	msg, err := scanMessageRow(row)
	if err == sql.ErrNoRows {
		return nil, core.NewAgentError(core.MESSAGE_NOT_FOUND, "message %s not found", key)
	}
	return msg, err
}

func scanMessageRow(row rowScanner) (*core.Message, error) {

	var msg core.Message
	var toDids, body, attachments, metadata, errorMessage sql.NullString
	var processedAt sql.NullTime

	err := row.Scan(&msg.Id, &msg.MessageId, &msg.ThreadId, &msg.ParentId, &msg.ConnectionId,
		&msg.Type, &msg.Direction, &msg.FromDID, &toDids, &body, &attachments,
		&msg.State, &errorMessage, &msg.RetryCount, &metadata, &msg.CreatedAt, &processedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, core.WrapAgentError(core.DATABASE_ERROR, err, "could not read message")
	}

	msg.ErrorMessage = errorMessage.String
	if processedAt.Valid {
		msg.ProcessedAt = &processedAt.Time
	}
	fromJsonColumn(toDids, &msg.ToDIDs)
	fromJsonColumn(body, &msg.Body)
	fromJsonColumn(attachments, &msg.Attachments)
	fromJsonColumn(metadata, &msg.Metadata)

	return &msg, nil
}

// ///////////////////////////////////////////////////////////////
// Column helpers
// ///////////////////////////////////////////////////////////////

// Serializes a value for a json text column. Nil values become NULL
func toJsonColumn(v any) any {
	if v == nil {
		return nil
	}
	jValue, err := json.Marshal(v)
	if err != nil {
		core.GetLogger().Errorf("could not serialize column value: %s", err)
		return nil
	}
	if string(jValue) == "null" {
		return nil
	}
	return string(jValue)
}

// Deserializes a json text column into the target. NULL leaves the target
// untouched
func fromJsonColumn(column sql.NullString, target any) {
	if !column.Valid || column.String == "" {
		return
	}
	if err := json.Unmarshal([]byte(column.String), target); err != nil {
		core.GetLogger().Errorf("could not deserialize column value: %s", err)
	}
}

// Content indexed by the FULLTEXT search. Only the textual body fields
func searchText(msg *core.Message) string {
	if msg.Body == nil {
		return ""
	}
	parts := make([]string, 0)
	for _, key := range []string{"content", "comment", "goal"} {
		if s, ok := msg.Body[key].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
