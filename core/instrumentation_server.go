package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// The single instance of the instrumentation server
var IS *InstrumentationServer

type InstrumentationServerConfiguration struct {
	BindAddress string
	Port        int
}

// Holds the prometheus registry and serves the /metrics endpoint
type InstrumentationServer struct {

	// To wait until termination
	doneChan chan interface{}

	// Prometheus registry
	prometheusRegistry *prometheus.Registry

	// HttpServer
	httpMetricsServer *http.Server
}

func NewInstrumentationServer(bindAddress string, port int) *InstrumentationServer {
	server := InstrumentationServer{
		doneChan:           make(chan interface{}, 1),
		prometheusRegistry: prometheus.NewRegistry(),
	}

	// Initialize Metrics
	initMetrics(server.prometheusRegistry)

	// Start metrics server
	go server.httpLoop(bindAddress, port)

	return &server
}

// To be called during configuration instance initialization
func initInstrumentationServer(cm *ConfigurationManager) {

	var metricsConfig = NewConfigObject[InstrumentationServerConfiguration]("metrics.json")
	if err := metricsConfig.Update(cm); err != nil {
		panic("could not apply metrics configuration: " + err.Error())
	}

	// Make the instrumentation server globally available
	var config = metricsConfig.Get()
	IS = NewInstrumentationServer(config.BindAddress, config.Port)
}

// Shuts down the http server
// If ever done, make sure that the whole process is terminating or that
// another configuration instance initialization will take place, because
// InstrumentationServer initialization is done there
func (is *InstrumentationServer) Close() {
	is.httpMetricsServer.Shutdown(context.Background())
	<-is.doneChan
}

// Loop for the Prometheus metrics server
func (is *InstrumentationServer) httpLoop(bindAddress string, port int) {

	mux := new(http.ServeMux)
	mux.Handle("/go_metrics", promhttp.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(is.prometheusRegistry, promhttp.HandlerOpts{Registry: is.prometheusRegistry}))

	bindAddrPort := fmt.Sprintf("%s:%d", bindAddress, port)
	GetLogger().Infof("instrumentation server listening in %s", bindAddrPort)

	is.httpMetricsServer = &http.Server{
		Addr:              bindAddrPort,
		Handler:           mux,
		IdleTimeout:       1 * time.Minute,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := is.httpMetricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		panic("error starting instrumentation server: " + err.Error())
	}

	close(is.doneChan)
}
