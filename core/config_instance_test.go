package core

import (
	"testing"
)

func TestAgentConfigInstance(t *testing.T) {

	agentConf := GetAgentConfig().AgentConf()

	// Instance override
	if agentConf.Label != "Test Agent 1" {
		t.Fatalf("bad agent label %s", agentConf.Label)
	}
	if agentConf.Endpoint != "http://127.0.0.1:8190/didcomm" {
		t.Fatalf("bad agent endpoint %s", agentConf.Endpoint)
	}

	// Protocols are defaulted when not configured
	if len(agentConf.Protocols) != 3 {
		t.Fatalf("bad number of default protocols %d", len(agentConf.Protocols))
	}

	// Global objects, not overriden per instance
	kmsConf := GetAgentConfig().KmsConf()
	if kmsConf.TimeoutSeconds != 30 {
		t.Fatalf("bad kms timeout %d", kmsConf.TimeoutSeconds)
	}

	httpRouterConf := GetAgentConfig().HttpRouterConf()
	if !httpRouterConf.UsePlainHttp {
		t.Fatal("usePlainHttp should be true")
	}
}

func TestConfigObjectUpdate(t *testing.T) {

	type TestObject struct {
		Label string
	}

	co := NewConfigObject[TestObject]("agent.json")
	if err := co.Update(&GetAgentConfig().CM); err != nil {
		t.Fatalf("could not retrieve agent.json: %s", err)
	}
	if co.Get().Label != "Test Agent 1" {
		t.Fatalf("bad label %s", co.Get().Label)
	}
}

func TestGetInstanceByName(t *testing.T) {

	ci := GetAgentConfigInstance("testAgent1")
	if ci.CM.InstanceName() != "testAgent1" {
		t.Fatal("bad instance name")
	}
}
