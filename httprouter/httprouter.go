// Package httprouter is the operator REST API: invitations, connections and
// messages are managed here, not over didcomm.
package httprouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dbn-project/trustlink/connection"
	"github.com/dbn-project/trustlink/core"
	"github.com/dbn-project/trustlink/repository"
	"github.com/dbn-project/trustlink/router"
)

type HttpRouter struct {

	// To signal that the server has finished
	doneChan chan struct{}

	httpServer *http.Server

	manager       *connection.Manager
	messageRouter *router.MessageRouter
	messages      repository.MessageRepository
}

// Creates the operator API server and starts listening, with TLS unless
// usePlainHttp is configured
func NewHttpRouter(conf core.HttpRouterConfig, manager *connection.Manager,
	messageRouter *router.MessageRouter, messages repository.MessageRepository) *HttpRouter {

	h := HttpRouter{
		doneChan:      make(chan struct{}, 1),
		manager:       manager,
		messageRouter: messageRouter,
		messages:      messages,
	}

	go h.httpLoop(conf)

	return &h
}

// Gracefully shuts down the server
func (h *HttpRouter) Close() {
	h.httpServer.Shutdown(context.Background())
	<-h.doneChan
}

// The http handler, exposed so that tests can drive it without a listener
func (h *HttpRouter) Handler() http.Handler {
	mux := new(http.ServeMux)

	mux.HandleFunc("POST /invitations", h.handleCreateInvitation)
	mux.HandleFunc("POST /invitations/accept", h.handleAcceptInvitation)

	mux.HandleFunc("GET /connections", h.handleListConnections)
	mux.HandleFunc("GET /connections/{id}", h.handleGetConnection)
	mux.HandleFunc("DELETE /connections/{id}", h.handleDeleteConnection)
	mux.HandleFunc("PATCH /connections/{id}/metadata", h.handleUpdateMetadata)
	mux.HandleFunc("PUT /connections/{id}/state", h.handleUpdateState)
	mux.HandleFunc("PUT /connections/{id}/tags", h.handleUpdateTags)
	mux.HandleFunc("POST /connections/{id}/refresh", h.handleRefreshCapabilities)
	mux.HandleFunc("POST /connections/{id}/ping", h.handlePing)
	mux.HandleFunc("POST /connections/{id}/messages", h.handleSendMessage)
	mux.HandleFunc("GET /connections/{id}/messages", h.handleListConnectionMessages)

	mux.HandleFunc("GET /messages", h.handleListMessages)
	mux.HandleFunc("GET /messages/search", h.handleSearchMessages)
	mux.HandleFunc("GET /messages/{id}", h.handleGetMessage)
	mux.HandleFunc("POST /messages/{id}/retry", h.handleRetryMessage)

	return mux
}

func (h *HttpRouter) httpLoop(conf core.HttpRouterConfig) {

	bindAddrPort := fmt.Sprintf("%s:%d", conf.BindAddress, conf.BindPort)
	core.GetLogger().Infof("operator api listening in %s", bindAddrPort)

	h.httpServer = &http.Server{
		Addr:              bindAddrPort,
		Handler:           h.Handler(),
		IdleTimeout:       1 * time.Minute,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var err error
	if conf.UsePlainHttp {
		err = h.httpServer.ListenAndServe()
	} else {
		err = h.httpServer.ListenAndServeTLS(conf.CertFile, conf.KeyFile)
	}
	if !errors.Is(err, http.ErrServerClosed) {
		panic("error starting operator api server: " + err.Error())
	}

	close(h.doneChan)
}

// ///////////////////////////////////////////////////////////////
// Response envelope
// ///////////////////////////////////////////////////////////////

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

func sendSuccess(w http.ResponseWriter, path string, data any) {
	core.RecordHttpRouterExchange(path, "OK")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func sendError(w http.ResponseWriter, path string, err error) {
	code := core.ErrorCode(err)
	core.RecordHttpRouterExchange(path, code)
	core.GetLogger().Errorf("%s error: %s", path, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(core.HTTPStatusForError(err))
	json.NewEncoder(w).Encode(envelope{Success: false, Error: &errorBody{Code: code, Message: err.Error()}})
}

func decodeBody(req *http.Request, target any) error {
	if err := json.NewDecoder(req.Body).Decode(target); err != nil {
		return core.WrapAgentError(core.INVALID_MESSAGE, err, "malformed request body")
	}
	return nil
}

// ///////////////////////////////////////////////////////////////
// Invitations
// ///////////////////////////////////////////////////////////////

func (h *HttpRouter) handleCreateInvitation(w http.ResponseWriter, req *http.Request) {

	var options connection.InvitationOptions
	if err := decodeBody(req, &options); err != nil {
		sendError(w, "/invitations", err)
		return
	}

	conn, err := h.manager.CreateInvitation(options)
	if err != nil {
		sendError(w, "/invitations", err)
		return
	}
	sendSuccess(w, "/invitations", conn)
}

func (h *HttpRouter) handleAcceptInvitation(w http.ResponseWriter, req *http.Request) {

	var body struct {
		InvitationUrl string          `json:"invitationUrl"`
		Invitation    json.RawMessage `json:"invitation"`
		connection.AcceptOptions
	}
	if err := decodeBody(req, &body); err != nil {
		sendError(w, "/invitations/accept", err)
		return
	}

	// The invitation may come as the oob url or as the invitation object
	invitationUrl := body.InvitationUrl
	if invitationUrl == "" && len(body.Invitation) > 0 {
		invitation, err := core.ParseInvitation(body.Invitation)
		if err != nil {
			sendError(w, "/invitations/accept", err)
			return
		}
		if invitationUrl, err = invitation.EncodeURL(); err != nil {
			sendError(w, "/invitations/accept", core.WrapAgentError(core.INVALID_INVITATION, err, "could not encode invitation"))
			return
		}
	}
	if invitationUrl == "" {
		sendError(w, "/invitations/accept", core.NewAgentError(core.INVALID_INVITATION, "invitationUrl or invitation is mandatory"))
		return
	}

	conn, err := h.manager.AcceptInvitation(invitationUrl, body.AcceptOptions)
	if err != nil {
		sendError(w, "/invitations/accept", err)
		return
	}
	sendSuccess(w, "/invitations/accept", conn)
}

// ///////////////////////////////////////////////////////////////
// Connections
// ///////////////////////////////////////////////////////////////

type listResult struct {
	Items any `json:"items"`
	Total int `json:"total"`
}

func (h *HttpRouter) handleListConnections(w http.ResponseWriter, req *http.Request) {

	query := req.URL.Query()
	filter := repository.ConnectionFilter{
		State:    query.Get("state"),
		Role:     query.Get("role"),
		MyDID:    query.Get("myDid"),
		TheirDID: query.Get("theirDid"),
		Tag:      query.Get("tag"),
		Offset:   queryInt(query.Get("offset"), 0),
		Limit:    queryInt(query.Get("limit"), 0),
	}

	connections, total, err := h.manager.List(filter)
	if err != nil {
		sendError(w, "/connections", err)
		return
	}
	sendSuccess(w, "/connections", listResult{Items: connections, Total: total})
}

func (h *HttpRouter) handleGetConnection(w http.ResponseWriter, req *http.Request) {

	conn, err := h.manager.Get(req.PathValue("id"))
	if err != nil {
		sendError(w, "/connections/{id}", err)
		return
	}
	sendSuccess(w, "/connections/{id}", conn)
}

func (h *HttpRouter) handleDeleteConnection(w http.ResponseWriter, req *http.Request) {

	if err := h.manager.DeleteConnection(req.PathValue("id")); err != nil {
		sendError(w, "/connections/{id}", err)
		return
	}
	sendSuccess(w, "/connections/{id}", nil)
}

func (h *HttpRouter) handleUpdateMetadata(w http.ResponseWriter, req *http.Request) {

	var entries map[string]string
	if err := decodeBody(req, &entries); err != nil {
		sendError(w, "/connections/{id}/metadata", err)
		return
	}

	conn, err := h.manager.UpdateMetadata(req.PathValue("id"), entries)
	if err != nil {
		sendError(w, "/connections/{id}/metadata", err)
		return
	}
	sendSuccess(w, "/connections/{id}/metadata", conn)
}

func (h *HttpRouter) handleUpdateState(w http.ResponseWriter, req *http.Request) {

	var body struct {
		State string `json:"state"`
	}
	if err := decodeBody(req, &body); err != nil {
		sendError(w, "/connections/{id}/state", err)
		return
	}

	conn, err := h.manager.UpdateConnectionState(req.PathValue("id"), body.State)
	if err != nil {
		sendError(w, "/connections/{id}/state", err)
		return
	}
	sendSuccess(w, "/connections/{id}/state", conn)
}

func (h *HttpRouter) handleUpdateTags(w http.ResponseWriter, req *http.Request) {

	var body struct {
		Tags  []string `json:"tags"`
		Notes string   `json:"notes"`
	}
	if err := decodeBody(req, &body); err != nil {
		sendError(w, "/connections/{id}/tags", err)
		return
	}

	conn, err := h.manager.UpdateTags(req.PathValue("id"), body.Tags, body.Notes)
	if err != nil {
		sendError(w, "/connections/{id}/tags", err)
		return
	}
	sendSuccess(w, "/connections/{id}/tags", conn)
}

func (h *HttpRouter) handleRefreshCapabilities(w http.ResponseWriter, req *http.Request) {

	conn, err := h.manager.RefreshCapabilities(req.PathValue("id"))
	if err != nil {
		sendError(w, "/connections/{id}/refresh", err)
		return
	}
	sendSuccess(w, "/connections/{id}/refresh", conn)
}

func (h *HttpRouter) handlePing(w http.ResponseWriter, req *http.Request) {

	var body struct {
		Comment string `json:"comment"`
	}
	// Body is optional
	json.NewDecoder(req.Body).Decode(&body)

	result, err := h.manager.Ping(req.PathValue("id"), body.Comment)
	if err != nil {
		sendError(w, "/connections/{id}/ping", err)
		return
	}
	sendSuccess(w, "/connections/{id}/ping", result)
}

// ///////////////////////////////////////////////////////////////
// Messages
// ///////////////////////////////////////////////////////////////

func (h *HttpRouter) handleSendMessage(w http.ResponseWriter, req *http.Request) {

	var body struct {
		// Basic message
		Content string `json:"content"`
		Lang    string `json:"lang"`

		// Or an arbitrary didcomm message
		Type        string            `json:"type"`
		Body        map[string]any    `json:"body"`
		Attachments []core.Attachment `json:"attachments"`
	}
	if err := decodeBody(req, &body); err != nil {
		sendError(w, "/connections/{id}/messages", err)
		return
	}

	var msg *core.DIDCommMessage
	if body.Type != "" {
		msg = core.NewDIDCommMessage(body.Type, "", nil)
		if body.Body != nil {
			msg.Body = body.Body
		}
		msg.Attachments = body.Attachments
	} else {
		if body.Content == "" {
			sendError(w, "/connections/{id}/messages", core.NewAgentError(core.INVALID_MESSAGE, "content is mandatory"))
			return
		}
		msg = core.NewDIDCommMessage(core.BasicMessageType, "", nil)
		msg.Body["content"] = body.Content
		msg.Lang = body.Lang
		msg.Attachments = body.Attachments
	}

	record, err := h.messageRouter.RouteOutbound(req.PathValue("id"), msg)
	if err != nil {
		sendError(w, "/connections/{id}/messages", err)
		return
	}
	sendSuccess(w, "/connections/{id}/messages", record)
}

func (h *HttpRouter) handleListConnectionMessages(w http.ResponseWriter, req *http.Request) {
	h.listMessages(w, req, req.PathValue("id"), "/connections/{id}/messages")
}

func (h *HttpRouter) handleListMessages(w http.ResponseWriter, req *http.Request) {
	h.listMessages(w, req, req.URL.Query().Get("connectionId"), "/messages")
}

func (h *HttpRouter) listMessages(w http.ResponseWriter, req *http.Request, connectionId string, path string) {

	query := req.URL.Query()
	filter := repository.MessageFilter{
		ConnectionId: connectionId,
		Direction:    query.Get("direction"),
		State:        query.Get("state"),
		Type:         query.Get("type"),
		ThreadId:     query.Get("threadId"),
		Offset:       queryInt(query.Get("offset"), 0),
		Limit:        queryInt(query.Get("limit"), 0),
	}

	messages, total, err := h.messages.List(filter)
	if err != nil {
		sendError(w, path, err)
		return
	}
	sendSuccess(w, path, listResult{Items: messages, Total: total})
}

func (h *HttpRouter) handleSearchMessages(w http.ResponseWriter, req *http.Request) {

	query := req.URL.Query()
	q := query.Get("q")
	if q == "" {
		sendError(w, "/messages/search", core.NewAgentError(core.INVALID_MESSAGE, "q parameter is mandatory"))
		return
	}

	messages, err := h.messages.Search(query.Get("connectionId"), q, queryInt(query.Get("limit"), 0))
	if err != nil {
		sendError(w, "/messages/search", err)
		return
	}
	sendSuccess(w, "/messages/search", messages)
}

func (h *HttpRouter) handleGetMessage(w http.ResponseWriter, req *http.Request) {

	msg, err := h.messages.Get(req.PathValue("id"))
	if err != nil {
		sendError(w, "/messages/{id}", err)
		return
	}
	sendSuccess(w, "/messages/{id}", msg)
}

func (h *HttpRouter) handleRetryMessage(w http.ResponseWriter, req *http.Request) {

	record, err := h.messageRouter.RetryMessage(req.PathValue("id"))
	if err != nil && record == nil {
		sendError(w, "/messages/{id}/retry", err)
		return
	}
	// The retry may fail again. The record reflects the outcome
	sendSuccess(w, "/messages/{id}/retry", record)
}

func queryInt(value string, defaultValue int) int {
	if value == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return defaultValue
}
