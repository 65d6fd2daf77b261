package core

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	HTTP_TIMEOUT_SECONDS = 5
)

// Holds a SearchRule, which specifies where to look for a configuration object
type SearchRule struct {
	// Regex for the name of the object. If matching, we'll try to locate
	// it prepending the Origin property to compose the URL (file, http or gs)
	// The regex will contain a matching group that will be the part used to
	// look for the object. For instance, in "agents/(.*)", the part after
	// "agents/" will be taken as the resource name to look after when
	// retrieving an object name such as agents/peers.json
	NameRegex string

	// Compiled form of NameRegex
	Regex *regexp.Regexp

	// Can be a URL, a gs:// object or a path
	Origin string
}

// The applicable Search Rules
type SearchRules struct {
	Rules []SearchRule
}

// Basic objects and methods to manage configuration files without yet
// interpreting them. To be embedded in an AgentConfigurationManager object.
// Multiple "instances" can coexist in a single executable (mainly for testing)
type ConfigurationManager struct {

	// Configuration objects are to be searched for in a path that contains
	// the instanceName first and, if not found, in a path without it. This
	// way a general configuration can be overriden
	instanceName string

	// The bootstrap file is the first configuration file read, and it contains
	// the rules for searching other files. It can be a local file or a URL
	bootstrapFile string

	// The contents of the bootstrapFile are parsed here
	searchRules SearchRules
}

// The home location for configuration files not referenced as absolute paths
var ConfigBase string

// Creates and initializes a ConfigurationManager
func NewConfigurationManager(bootstrapFile string, instanceName string) ConfigurationManager {
	cm := ConfigurationManager{
		instanceName:  instanceName,
		bootstrapFile: bootstrapFile,
	}

	cm.fillSearchRules(cm.fixBootstrapFileLocation(bootstrapFile, true))

	return cm
}

// Sets the core.ConfigBase variable as the directory where the bootstrap file
// resides and returns the normalized location of that bootstrap file, looking
// for it in the current directory and in the parent directory, which is
// useful for tests
func (c *ConfigurationManager) fixBootstrapFileLocation(bootstrapFileName string, tryWithParent bool) string {

	// Skip if file is in a http or gs location
	if strings.HasPrefix(bootstrapFileName, "http:") || strings.HasPrefix(bootstrapFileName, "https:") ||
		strings.HasPrefix(bootstrapFileName, "gs:") {
		return bootstrapFileName
	}

	// Try first with the specification as it is
	if fileInfo, err := os.Stat(bootstrapFileName); err == nil {
		// File found
		abs, err := filepath.Abs(bootstrapFileName)
		if err != nil {
			panic(err)
		}
		ConfigBase = filepath.Dir(abs) + "/"
		return fileInfo.Name()
	}

	if !tryWithParent {
		panic("could not find the bootstrap file in " + bootstrapFileName)
	}
	return c.fixBootstrapFileLocation("../"+bootstrapFileName, false)
}

// Fills the object passed as parameter with the configuration object which is
// interpreted as JSON
func (c *ConfigurationManager) BuildJSONConfigObject(objectName string, obj any) error {

	jb, err := c.getObject(objectName)
	if err != nil {
		return err
	}
	return json.Unmarshal(jb, obj)
}

// Returns the raw contents of the configuration object
func (c *ConfigurationManager) GetBytesConfigObject(objectName string) ([]byte, error) {

	return c.getObject(objectName)
}

// Name of the instance for this configuration manager
func (c *ConfigurationManager) InstanceName() string {
	return c.instanceName
}

// Finds the origin from the SearchRules and reads the object, trying with
// instance name first, and then global
func (c *ConfigurationManager) getObject(objectName string) ([]byte, error) {

	// Iterate through Search Rules
	var origin string
	var innerName string

	for _, rule := range c.searchRules.Rules {
		if matches := rule.Regex.FindStringSubmatch(objectName); matches != nil {
			innerName = matches[1]
			origin = rule.Origin
			break
		}
	}
	if innerName == "" {
		// Not found
		return nil, errors.New("object name does not match any rules")
	}

	// Found, origin var contains the prefix
	// Try first with instance name
	if c.instanceName != "" {
		if objectBytes, err := c.readResource(origin + c.instanceName + "/" + innerName); err == nil {
			return objectBytes, nil
		}
	}

	// Try without instance name
	if objectBytes, err := c.readResource(origin + innerName); err == nil {
		return objectBytes, nil
	} else {
		return nil, err
	}
}

// Reads the configuration item from the specified location, which may be
// a file, an http(s) url or a gs:// object
func (c *ConfigurationManager) readResource(location string) ([]byte, error) {

	if strings.HasPrefix(location, "gs://") {
		// Google storage object
		return getGoogleStorageObject(location)

	} else if strings.HasPrefix(location, "http:") || strings.HasPrefix(location, "https:") {
		// Read from http

		// Create client with timeout
		httpClient := http.Client{
			Timeout: HTTP_TIMEOUT_SECONDS * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // ignore expired SSL certificates
			},
		}

		// Location is a http URL
		resp, err := httpClient.Get(location)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("got status code %d while retrieving %s", resp.StatusCode, location)
		}
		if body, err := io.ReadAll(resp.Body); err != nil {
			return nil, err
		} else {
			return body, nil
		}

	} else {
		// Read from file
		if resp, err := os.ReadFile(ConfigBase + location); err != nil {
			return nil, err
		} else {
			return resp, nil
		}
	}
}

// Reads the bootstrap file and fills the search rules for the Configuration Manager.
// To be called upon instantiation of the ConfigurationManager.
// The bootstrap file is not subject to instance searching rules: must reside in the
// specified location without appending instance name
func (c *ConfigurationManager) fillSearchRules(bootstrapFile string) {

	// Get the search rules object
	rules, err := c.readResource(bootstrapFile)
	if err != nil {
		panic("could not retrieve the bootstrap file in " + bootstrapFile)
	}

	// Decode Search Rules and add them to the ConfigurationManager object
	err = json.Unmarshal(rules, &c.searchRules)
	if err != nil || len(c.searchRules.Rules) == 0 {
		panic("could not decode the Search Rules or empty file")
	}

	// Add the compiled regular expression for each rule
	for i, sr := range c.searchRules.Rules {
		if c.searchRules.Rules[i].Regex, err = regexp.Compile(sr.NameRegex); err != nil {
			panic("could not compile Search Rule Regex: " + sr.NameRegex)
		}
	}
}
