package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/validation"
)

// RouteFile is the on-disk definition of transports and the routes that use them.
//
//	transports:
//	  - name: orders-kafka
//	    type: kafka
//	    settings:
//	      brokers: localhost:9092
//	routes:
//	  - id: orders.primary
//	    transport: orders-kafka
//	    target: orders
type RouteFile struct {
	Transports []TransportSpec `yaml:"transports" validate:"required,min=1,dive"`
	Routes     []RouteSpec     `yaml:"routes" validate:"required,min=1,dive"`
	Inbound    []InboundSpec   `yaml:"inbound" validate:"dive"`
}

// TransportSpec names a transport instance and its type-specific settings
type TransportSpec struct {
	Name     string                 `yaml:"name" validate:"required,route_id"`
	Type     string                 `yaml:"type" validate:"required,transport_type"`
	Settings map[string]interface{} `yaml:"settings"`
}

// RouteSpec binds a route id to a transport and a transport-level target
// (topic, queue, stream, URL).
type RouteSpec struct {
	ID        string `yaml:"id" validate:"required,route_id"`
	Transport string `yaml:"transport" validate:"required"`
	Target    string `yaml:"target" validate:"required"`
	// Active defaults to true when omitted
	Active *bool `yaml:"active"`
}

// InboundSpec subscribes the hub to a transport as a message source
type InboundSpec struct {
	Transport string `yaml:"transport" validate:"required"`
	Source    string `yaml:"source" validate:"required"`
}

// IsActive reports the configured initial activation state
func (r RouteSpec) IsActive() bool {
	return r.Active == nil || *r.Active
}

// LoadRouteFile reads and validates a route file
func LoadRouteFile(path string) (*RouteFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("read route file %s: %v", path, err))
	}
	return ParseRouteFile(data)
}

// ParseRouteFile decodes and validates route file contents
func ParseRouteFile(data []byte) (*RouteFile, error) {
	var rf RouteFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("parse route file: %v", err))
	}
	if err := rf.Validate(); err != nil {
		return nil, err
	}
	return &rf, nil
}

// Validate checks field formats and references between sections
func (rf *RouteFile) Validate() error {
	if err := validation.Struct(rf); err != nil {
		return err
	}

	transports := make(map[string]bool, len(rf.Transports))
	for _, t := range rf.Transports {
		if transports[t.Name] {
			return errors.ValidationError(fmt.Sprintf("duplicate transport name %q", t.Name))
		}
		transports[t.Name] = true
	}

	routes := make(map[string]bool, len(rf.Routes))
	for _, r := range rf.Routes {
		if routes[r.ID] {
			return errors.ValidationError(fmt.Sprintf("duplicate route id %q", r.ID))
		}
		routes[r.ID] = true
		if !transports[r.Transport] {
			return errors.ValidationError(fmt.Sprintf("route %q references unknown transport %q", r.ID, r.Transport))
		}
	}

	for _, in := range rf.Inbound {
		if !transports[in.Transport] {
			return errors.ValidationError(fmt.Sprintf("inbound source %q references unknown transport %q", in.Source, in.Transport))
		}
	}
	return nil
}

// RouteIDs returns route ids in file order
func (rf *RouteFile) RouteIDs() []string {
	ids := make([]string, len(rf.Routes))
	for i, r := range rf.Routes {
		ids[i] = r.ID
	}
	return ids
}

// DecodeSettings converts a transport's free-form settings into a typed config
// struct by round-tripping them through YAML.
func DecodeSettings(settings map[string]interface{}, out interface{}) error {
	if len(settings) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(settings)
	if err != nil {
		return errors.ConfigError(fmt.Sprintf("encode settings: %v", err))
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return errors.ConfigError(fmt.Sprintf("decode settings: %v", err))
	}
	return nil
}
