// Package didcommserver is the inbound didcomm transport: the endpoint
// where peers POST encrypted messages for this agent.
package didcommserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dbn-project/trustlink/core"
	"github.com/dbn-project/trustlink/router"
)

// Inbound messages larger than this are rejected
const MAX_MESSAGE_BYTES = 1 << 20

type DIDCommServer struct {

	// To signal that the server has finished
	doneChan chan struct{}

	httpServer *http.Server

	router *router.MessageRouter
}

// Creates the server and starts listening
func NewDIDCommServer(bindAddress string, bindPort int, messageRouter *router.MessageRouter) *DIDCommServer {

	server := DIDCommServer{
		doneChan: make(chan struct{}, 1),
		router:   messageRouter,
	}

	go server.httpLoop(bindAddress, bindPort)

	return &server
}

// Gracefully shuts down the server
func (s *DIDCommServer) Close() {
	s.httpServer.Shutdown(context.Background())
	<-s.doneChan
}

// The http handler, exposed so that tests can drive it without a listener
func (s *DIDCommServer) Handler() http.Handler {
	mux := new(http.ServeMux)
	mux.HandleFunc("POST /didcomm", s.handleInbound)
	return mux
}

func (s *DIDCommServer) httpLoop(bindAddress string, bindPort int) {

	bindAddrPort := fmt.Sprintf("%s:%d", bindAddress, bindPort)
	core.GetLogger().Infof("didcomm server listening in %s", bindAddrPort)

	s.httpServer = &http.Server{
		Addr:              bindAddrPort,
		Handler:           s.Handler(),
		IdleTimeout:       1 * time.Minute,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		panic("error starting didcomm server: " + err.Error())
	}

	close(s.doneChan)
}

// Accepts an encrypted message, answers 202 and processes it asynchronously.
// Processing errors after the 202 are logged and counted, not reported to
// the sender
func (s *DIDCommServer) handleInbound(w http.ResponseWriter, req *http.Request) {

	contentType := req.Header.Get("Content-Type")
	if mediaType, _, _ := strings.Cut(contentType, ";"); mediaType != core.DIDCommEncryptedContentType {
		core.RecordDIDCommServerRequest("415")
		http.Error(w, fmt.Sprintf("unsupported content type %s", contentType), http.StatusUnsupportedMediaType)
		return
	}

	jwe, err := io.ReadAll(io.LimitReader(req.Body, MAX_MESSAGE_BYTES))
	if err != nil {
		core.RecordDIDCommServerRequest("400")
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}

	recipientDid := recipientDID(req, jwe)
	if recipientDid == "" {
		core.RecordDIDCommServerRequest("400")
		http.Error(w, "recipient did not specified", http.StatusBadRequest)
		return
	}

	core.RecordDIDCommServerRequest("202")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"success": true}`))

	go func() {
		if err := s.router.RouteInbound(recipientDid, jwe); err != nil {
			core.RecordDIDCommServerDrop(core.ErrorCode(err))
			core.GetLogger().Errorf("inbound message for %s dropped: %s", recipientDid, err)
		}
	}()
}

// The local DID the message is addressed to: did query parameter, then the
// X-Recipient-DID header, then the kid of the envelope
func recipientDID(req *http.Request, jwe []byte) string {

	if did := req.URL.Query().Get("did"); did != "" {
		return did
	}
	if did := req.Header.Get("X-Recipient-DID"); did != "" {
		return did
	}
	return RecipientFromJWE(jwe)
}

// Extracts the recipient DID from the kid in the protected header of a JWE.
// The kid has the form did#keyref
func RecipientFromJWE(jwe []byte) string {

	var envelope struct {
		Protected string `json:"protected"`
	}
	if err := json.Unmarshal(jwe, &envelope); err != nil || envelope.Protected == "" {
		return ""
	}

	jHeader, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(envelope.Protected, "="))
	if err != nil {
		return ""
	}

	var header struct {
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(jHeader, &header); err != nil {
		return ""
	}

	did, _, _ := strings.Cut(header.Kid, "#")
	return did
}
