package core

import (
	"fmt"
	"strings"
)

// Configuration of the agent itself
type AgentConfig struct {
	// Display label advertised in invitations and handshake messages
	Label string

	// Public URL where peers POST encrypted messages for this agent
	Endpoint string

	// Listener for the inbound didcomm transport
	BindAddress string
	BindPort    int

	// Protocol URIs advertised in invitations and DID Document services
	Protocols []string

	// Webhook notified of received basic messages, optional
	EventWebhookUrl string

	// Hard timeout for outbound deliveries. 30 seconds if unspecified
	DeliveryTimeoutSeconds int
}

func (c *AgentConfig) initialize() error {
	if c.Endpoint == "" {
		return fmt.Errorf("agent endpoint is mandatory")
	}
	if !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		return fmt.Errorf("agent endpoint must be an http(s) url")
	}
	if len(c.Protocols) == 0 {
		c.Protocols = []string{
			ConnectionsProtocolURI,
			BasicMessageProtocolURI,
			TrustPingProtocolURI,
		}
	}
	return nil
}

// Configuration of the connection and message store
type DatabaseConfig struct {
	Url          string
	Driver       string
	MaxOpenConns int
}

// Configuration of the KMS client
type KmsConfig struct {
	Url            string
	TimeoutSeconds int
}

func (c *KmsConfig) initialize() error {
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 30
	}
	return nil
}

// Configuration of the operator REST API
type HttpRouterConfig struct {
	BindAddress  string
	BindPort     int
	UsePlainHttp bool

	// Only when UsePlainHttp is false
	CertFile string
	KeyFile  string
}

// Configuration of the audit trail writer
type AuditConfig struct {
	Enabled bool

	// "file" or "bigquery"
	Backend string

	// File backend
	FilePath       string
	FileNameFormat string
	RotateSeconds  int64
	// "csv" or "json"
	Format string

	// BigQuery backend
	Dataset        string
	Table          string
	GlitchSeconds  int
	BackupFileName string
}

// Manages the configuration items for the agent.
// The calls to get the configuration objects return a copy. If Update is
// called later, the copy returned is not modified
type AgentConfigurationManager struct {
	CM ConfigurationManager

	agentConfig      *ConfigObject[AgentConfig]
	databaseConfig   *ConfigObject[DatabaseConfig]
	kmsConfig        *ConfigObject[KmsConfig]
	httpRouterConfig *ConfigObject[HttpRouterConfig]
	auditConfig      *ConfigObject[AuditConfig]
}

// Slice of configuration managers.
// Except during testing, there will be only one instance, which will be
// retrieved with GetAgentConfig(). To retrieve a specific instance, use
// GetAgentConfigInstance(<instance-name>)
var agentConfigs []*AgentConfigurationManager = make([]*AgentConfigurationManager, 0)

// Adds an agent configuration object with the specified name to the list of
// agentConfigs. If isDefault is true, also initializes the logger and the
// instrumentation server, which are shared among all instances
func InitAgentConfigInstance(bootstrapFile string, instanceName string, isDefault bool) *AgentConfigurationManager {

	// Check not already instantiated. Not perfect, since it is subject to race
	// conditions, but anyway multiple configuration managers are only used for
	// testing, where conditions are quite controlled
	for i := range agentConfigs {
		if agentConfigs[i].CM.instanceName == instanceName {
			panic(instanceName + " already initialized")
		}
	}

	// Better to create asap
	agentConfig := AgentConfigurationManager{
		CM:               NewConfigurationManager(bootstrapFile, instanceName),
		agentConfig:      NewConfigObject[AgentConfig]("agent.json"),
		databaseConfig:   NewConfigObject[DatabaseConfig]("database.json"),
		kmsConfig:        NewConfigObject[KmsConfig]("kms.json"),
		httpRouterConfig: NewConfigObject[HttpRouterConfig]("httpRouter.json"),
		auditConfig:      NewConfigObject[AuditConfig]("audit.json"),
	}
	agentConfigs = append(agentConfigs, &agentConfig)

	// Initialize logger and instrumentation server, if default
	if isDefault {
		initLogger(&agentConfig.CM)
		initInstrumentationServer(&agentConfig.CM)
	}

	var cerr error
	if cerr = agentConfig.UpdateAgentConfig(); cerr != nil {
		panic(cerr)
	}
	if cerr = agentConfig.UpdateDatabaseConfig(); cerr != nil {
		panic(cerr)
	}
	if cerr = agentConfig.UpdateKmsConfig(); cerr != nil {
		panic(cerr)
	}
	if cerr = agentConfig.UpdateHttpRouterConfig(); cerr != nil {
		panic(cerr)
	}
	if cerr = agentConfig.UpdateAuditConfig(); cerr != nil {
		GetLogger().Info("audit writer not configured")
	}

	return &agentConfig
}

// Retrieves a specific configuration instance
func GetAgentConfigInstance(instanceName string) *AgentConfigurationManager {
	for i := range agentConfigs {
		if agentConfigs[i].CM.instanceName == instanceName {
			return agentConfigs[i]
		}
	}
	panic("configuration instance <" + instanceName + "> not found")
}

// Retrieves the default configuration instance, which is the first one
func GetAgentConfig() *AgentConfigurationManager {
	return agentConfigs[0]
}

func (c *AgentConfigurationManager) UpdateAgentConfig() error {
	return c.agentConfig.Update(&c.CM)
}

func (c *AgentConfigurationManager) AgentConf() AgentConfig {
	return c.agentConfig.Get()
}

func (c *AgentConfigurationManager) UpdateDatabaseConfig() error {
	return c.databaseConfig.Update(&c.CM)
}

func (c *AgentConfigurationManager) DatabaseConf() DatabaseConfig {
	return c.databaseConfig.Get()
}

func (c *AgentConfigurationManager) UpdateKmsConfig() error {
	return c.kmsConfig.Update(&c.CM)
}

func (c *AgentConfigurationManager) KmsConf() KmsConfig {
	return c.kmsConfig.Get()
}

func (c *AgentConfigurationManager) UpdateHttpRouterConfig() error {
	return c.httpRouterConfig.Update(&c.CM)
}

func (c *AgentConfigurationManager) HttpRouterConf() HttpRouterConfig {
	return c.httpRouterConfig.Get()
}

func (c *AgentConfigurationManager) UpdateAuditConfig() error {
	return c.auditConfig.Update(&c.CM)
}

func (c *AgentConfigurationManager) AuditConf() AuditConfig {
	return c.auditConfig.Get()
}
