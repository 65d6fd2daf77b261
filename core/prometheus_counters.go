package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics to be used in the instrumented code
var pm struct {
	DIDCommServerMetrics *DIDCommServerPrometheusMetrics
	DeliveryMetrics      *DeliveryPrometheusMetrics
	KmsMetrics           *KmsPrometheusMetrics
	HandlerMetrics       *HandlerPrometheusMetrics
	HttpRouterMetrics    *HttpRouterPrometheusMetrics
	ConnectionMetrics    *ConnectionPrometheusMetrics
}

// ///////////////////////////////////////////////////////////////
// Metrics definitions
// ///////////////////////////////////////////////////////////////

type DIDCommServerPrometheusMetrics struct {
	DIDCommServerRequests *prometheus.CounterVec
	DIDCommServerDrops    *prometheus.CounterVec
}

func (m *DIDCommServerPrometheusMetrics) reset() {
	m.DIDCommServerRequests.Reset()
	m.DIDCommServerDrops.Reset()
}

type DeliveryPrometheusMetrics struct {
	OutboundDeliveries       *prometheus.CounterVec
	OutboundDeliveryTimeouts *prometheus.CounterVec
	InboundMessages          *prometheus.CounterVec
}

func (m *DeliveryPrometheusMetrics) reset() {
	m.OutboundDeliveries.Reset()
	m.OutboundDeliveryTimeouts.Reset()
	m.InboundMessages.Reset()
}

type KmsPrometheusMetrics struct {
	KmsClientExchanges *prometheus.CounterVec
}

func (m *KmsPrometheusMetrics) reset() {
	m.KmsClientExchanges.Reset()
}

type HandlerPrometheusMetrics struct {
	HandlerInvocations *prometheus.CounterVec
	HandlerErrors      *prometheus.CounterVec
}

func (m *HandlerPrometheusMetrics) reset() {
	m.HandlerInvocations.Reset()
	m.HandlerErrors.Reset()
}

type HttpRouterPrometheusMetrics struct {
	HttpRouterExchanges *prometheus.CounterVec
}

func (m *HttpRouterPrometheusMetrics) reset() {
	m.HttpRouterExchanges.Reset()
}

type ConnectionPrometheusMetrics struct {
	ConnectionStateTransitions *prometheus.CounterVec
}

func (m *ConnectionPrometheusMetrics) reset() {
	m.ConnectionStateTransitions.Reset()
}

func newDIDCommServerPrometheusMetrics(reg prometheus.Registerer) *DIDCommServerPrometheusMetrics {
	m := &DIDCommServerPrometheusMetrics{
		DIDCommServerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "didcomm_server_requests",
				Help: "Inbound didcomm transport requests",
			},
			[]string{"code"}),

		DIDCommServerDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "didcomm_server_drops",
				Help: "Inbound messages dropped during async processing",
			},
			[]string{"reason"}),
	}

	reg.MustRegister(m.DIDCommServerRequests)
	reg.MustRegister(m.DIDCommServerDrops)

	return m
}

func newDeliveryPrometheusMetrics(reg prometheus.Registerer) *DeliveryPrometheusMetrics {
	m := &DeliveryPrometheusMetrics{
		OutboundDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_deliveries",
				Help: "Outbound message delivery attempts",
			},
			[]string{"endpoint", "code"}),

		OutboundDeliveryTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_delivery_timeouts",
				Help: "Outbound message deliveries aborted by timeout",
			},
			[]string{"endpoint"}),

		InboundMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbound_messages",
				Help: "Inbound messages routed, by protocol type and outcome",
			},
			[]string{"type", "code"}),
	}

	reg.MustRegister(m.OutboundDeliveries)
	reg.MustRegister(m.OutboundDeliveryTimeouts)
	reg.MustRegister(m.InboundMessages)

	return m
}

func newKmsPrometheusMetrics(reg prometheus.Registerer) *KmsPrometheusMetrics {
	m := &KmsPrometheusMetrics{
		KmsClientExchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kms_client_exchanges",
				Help: "KMS client operations",
			},
			[]string{"operation", "errorcode"}),
	}

	reg.MustRegister(m.KmsClientExchanges)

	return m
}

func newHandlerPrometheusMetrics(reg prometheus.Registerer) *HandlerPrometheusMetrics {
	m := &HandlerPrometheusMetrics{
		HandlerInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "protocol_handler_invocations",
				Help: "Protocol handler invocations",
			},
			[]string{"type"}),

		HandlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "protocol_handler_errors",
				Help: "Protocol handler errors",
			},
			[]string{"type"}),
	}

	reg.MustRegister(m.HandlerInvocations)
	reg.MustRegister(m.HandlerErrors)

	return m
}

func newHttpRouterPrometheusMetrics(reg prometheus.Registerer) *HttpRouterPrometheusMetrics {
	m := &HttpRouterPrometheusMetrics{
		HttpRouterExchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_router_exchanges",
				Help: "Operator API exchanges",
			},
			[]string{"path", "errorcode"}),
	}

	reg.MustRegister(m.HttpRouterExchanges)

	return m
}

func newConnectionPrometheusMetrics(reg prometheus.Registerer) *ConnectionPrometheusMetrics {
	m := &ConnectionPrometheusMetrics{
		ConnectionStateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connection_state_transitions",
				Help: "Connection state machine transitions",
			},
			[]string{"from", "to"}),
	}

	reg.MustRegister(m.ConnectionStateTransitions)

	return m
}

// Registers all the metrics against the specified registry
func initMetrics(reg prometheus.Registerer) {
	pm.DIDCommServerMetrics = newDIDCommServerPrometheusMetrics(reg)
	pm.DeliveryMetrics = newDeliveryPrometheusMetrics(reg)
	pm.KmsMetrics = newKmsPrometheusMetrics(reg)
	pm.HandlerMetrics = newHandlerPrometheusMetrics(reg)
	pm.HttpRouterMetrics = newHttpRouterPrometheusMetrics(reg)
	pm.ConnectionMetrics = newConnectionPrometheusMetrics(reg)
}

// Resets all metrics. For testing
func ResetMetrics() {
	if pm.DIDCommServerMetrics == nil {
		return
	}
	pm.DIDCommServerMetrics.reset()
	pm.DeliveryMetrics.reset()
	pm.KmsMetrics.reset()
	pm.HandlerMetrics.reset()
	pm.HttpRouterMetrics.reset()
	pm.ConnectionMetrics.reset()
}

// ///////////////////////////////////////////////////////////////
// Helpers for instrumented code. No-ops when metrics have not
// been initialized, so that unit tests do not need a server
// ///////////////////////////////////////////////////////////////

func RecordDIDCommServerRequest(code string) {
	if pm.DIDCommServerMetrics != nil {
		pm.DIDCommServerMetrics.DIDCommServerRequests.With(prometheus.Labels{"code": code}).Inc()
	}
}

func RecordDIDCommServerDrop(reason string) {
	if pm.DIDCommServerMetrics != nil {
		pm.DIDCommServerMetrics.DIDCommServerDrops.With(prometheus.Labels{"reason": reason}).Inc()
	}
}

func RecordOutboundDelivery(endpoint string, code string) {
	if pm.DeliveryMetrics != nil {
		pm.DeliveryMetrics.OutboundDeliveries.With(prometheus.Labels{"endpoint": endpoint, "code": code}).Inc()
	}
}

func RecordOutboundDeliveryTimeout(endpoint string) {
	if pm.DeliveryMetrics != nil {
		pm.DeliveryMetrics.OutboundDeliveryTimeouts.With(prometheus.Labels{"endpoint": endpoint}).Inc()
	}
}

func RecordInboundMessage(messageType string, code string) {
	if pm.DeliveryMetrics != nil {
		pm.DeliveryMetrics.InboundMessages.With(prometheus.Labels{"type": messageType, "code": code}).Inc()
	}
}

func RecordKmsClientExchange(operation string, errorCode string) {
	if pm.KmsMetrics != nil {
		pm.KmsMetrics.KmsClientExchanges.With(prometheus.Labels{"operation": operation, "errorcode": errorCode}).Inc()
	}
}

func RecordHandlerInvocation(messageType string) {
	if pm.HandlerMetrics != nil {
		pm.HandlerMetrics.HandlerInvocations.With(prometheus.Labels{"type": messageType}).Inc()
	}
}

func RecordHandlerError(messageType string) {
	if pm.HandlerMetrics != nil {
		pm.HandlerMetrics.HandlerErrors.With(prometheus.Labels{"type": messageType}).Inc()
	}
}

func RecordHttpRouterExchange(path string, errorCode string) {
	if pm.HttpRouterMetrics != nil {
		pm.HttpRouterMetrics.HttpRouterExchanges.With(prometheus.Labels{"path": path, "errorcode": errorCode}).Inc()
	}
}

func RecordConnectionStateTransition(from string, to string) {
	if pm.ConnectionMetrics != nil {
		pm.ConnectionMetrics.ConnectionStateTransitions.With(prometheus.Labels{"from": from, "to": to}).Inc()
	}
}
