package auditwriter

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dbn-project/trustlink/core"
)

const (
	EVENT_BUFFER_SIZE       = 100
	WEBHOOK_TIMEOUT_SECONDS = 5
)

// Notifier that only logs the received basic messages
type LogNotifier struct {
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) NotifyBasicMessage(event core.BasicMessageEvent) {
	core.GetLogger().Infof("basic message received on %s from %s: %s", event.ConnectionId, event.FromDID, event.Content)
}

// Notifier that POSTs each basic message event to a webhook. Events are
// delivered asynchronously and dropped if the webhook misbehaves
type WebhookNotifier struct {
	eventChan chan *core.BasicMessageEvent
	doneChan  chan struct{}

	url        string
	httpClient http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {

	n := WebhookNotifier{
		eventChan:  make(chan *core.BasicMessageEvent, EVENT_BUFFER_SIZE),
		doneChan:   make(chan struct{}),
		url:        url,
		httpClient: http.Client{Timeout: WEBHOOK_TIMEOUT_SECONDS * time.Second},
	}

	go n.eventLoop()

	return &n
}

func (n *WebhookNotifier) NotifyBasicMessage(event core.BasicMessageEvent) {
	select {
	case n.eventChan <- &event:
	default:
		core.GetLogger().Warnf("event buffer full, dropping notification for %s", event.MessageId)
	}
}

// Call when sure that no more notifications will be invoked
func (n *WebhookNotifier) Close() {
	close(n.eventChan)
	<-n.doneChan
}

func (n *WebhookNotifier) eventLoop() {

	for event := range n.eventChan {

		jEvent, err := json.Marshal(event)
		if err != nil {
			core.GetLogger().Errorf("could not serialize event: %s", err)
			continue
		}

		httpResp, err := n.httpClient.Post(n.url, "application/json", bytes.NewReader(jEvent))
		if err != nil {
			core.GetLogger().Errorf("webhook error: %s", err)
			continue
		}
		httpResp.Body.Close()
		if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
			core.GetLogger().Errorf("webhook returned status code %d", httpResp.StatusCode)
		}
	}

	close(n.doneChan)
}
