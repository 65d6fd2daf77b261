package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/dbn-project/trustlink/auditwriter"
	"github.com/dbn-project/trustlink/connection"
	"github.com/dbn-project/trustlink/core"
	"github.com/dbn-project/trustlink/didcommserver"
	"github.com/dbn-project/trustlink/discovery"
	"github.com/dbn-project/trustlink/httprouter"
	"github.com/dbn-project/trustlink/kms"
	"github.com/dbn-project/trustlink/protocol"
	"github.com/dbn-project/trustlink/repository"
	"github.com/dbn-project/trustlink/router"
)

func main() {

	// Get the command line arguments
	bootPtr := flag.String("boot", "resources/searchRules.json", "File or http URL with Configuration Search Rules")
	instancePtr := flag.String("instance", "", "Name of instance")

	flag.Parse()

	// Initialize the configuration, the logger and the instrumentation server
	ci := core.InitAgentConfigInstance(*bootPtr, *instancePtr, true)
	logger := core.GetLogger()

	agentConf := ci.AgentConf()
	databaseConf := ci.DatabaseConf()
	kmsConf := ci.KmsConf()

	// Storage
	var connections repository.ConnectionRepository
	var messages repository.MessageRepository
	if databaseConf.Driver == "" || databaseConf.Driver == "memory" {
		logger.Info("using in-memory storage")
		connections = repository.NewMemoryConnectionRepository()
		messages = repository.NewMemoryMessageRepository()
	} else {
		dbHandle, err := repository.OpenDatabase(databaseConf)
		if err != nil {
			panic(err)
		}
		defer dbHandle.Close()
		connections = repository.NewMySQLConnectionRepository(dbHandle)
		messages = repository.NewMySQLMessageRepository(dbHandle)
	}

	// Cryptographic service
	var cryptoService kms.KMS
	if kmsConf.Url == "" {
		logger.Info("using in-memory kms")
		cryptoService = kms.NewMemoryKMS()
	} else {
		cryptoService = kms.NewHttpKMS(kmsConf.Url, kmsConf.TimeoutSeconds)
	}

	// Audit trail
	auditConf := ci.AuditConf()
	var audit core.AuditSink
	if auditConf.Enabled {
		switch auditConf.Backend {
		case "bigquery":
			bqWriter := auditwriter.NewBigQueryAuditWriter(auditConf.Dataset, auditConf.Table,
				auditConf.GlitchSeconds, auditConf.BackupFileName)
			defer bqWriter.Close()
			audit = bqWriter
		default:
			var formatter auditwriter.AuditFormatter
			if auditConf.Format == "json" {
				formatter = auditwriter.NewJSONFormat()
			} else {
				formatter = auditwriter.NewCSVFormat()
			}
			fileWriter := auditwriter.NewFileAuditWriter(auditConf.FilePath, auditConf.FileNameFormat,
				formatter, auditConf.RotateSeconds)
			defer fileWriter.Close()
			audit = fileWriter
		}
	}

	// Basic message notifications
	var notifier core.Notifier = auditwriter.NewLogNotifier()
	if agentConf.EventWebhookUrl != "" {
		webhookNotifier := auditwriter.NewWebhookNotifier(agentConf.EventWebhookUrl)
		defer webhookNotifier.Close()
		notifier = webhookNotifier
	}

	// Message pipeline
	discoverer := discovery.NewDiscoverer(cryptoService)
	messageRouter := router.NewMessageRouter(connections, messages, cryptoService, audit,
		agentConf.DeliveryTimeoutSeconds)

	registry := protocol.NewRegistry()
	registry.Register(protocol.NewConnectionsHandler(connections, messages, discoverer, messageRouter, agentConf.Label))
	registry.Register(protocol.NewBasicMessageHandler(messages, connections, notifier))
	registry.Register(protocol.NewTrustPingHandler(messages, connections, messageRouter))
	messageRouter.SetRegistry(registry)

	manager := connection.NewManager(connections, cryptoService, discoverer, messageRouter, agentConf)

	// Servers
	transportServer := didcommserver.NewDIDCommServer(agentConf.BindAddress, agentConf.BindPort, messageRouter)
	operatorApi := httprouter.NewHttpRouter(ci.HttpRouterConf(), manager, messageRouter, messages)

	logger.Infof("agent %s started", agentConf.Label)

	// Wait for the termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("terminating")
	operatorApi.Close()
	transportServer.Close()
	if core.IS != nil {
		core.IS.Close()
	}
}
