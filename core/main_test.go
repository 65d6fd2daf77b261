package core

import (
	"os"
	"testing"
)

func TestMain(m *testing.M) {

	// Initialize the Config Objects
	bootFile := "resources/searchRules.json"
	instanceName := "testAgent1"

	InitAgentConfigInstance(bootFile, instanceName, true)

	os.Exit(m.Run())
}
