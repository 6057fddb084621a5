package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

type config struct {
	Listen        string          `hcl:"listen,optional"`
	GRPCListen    string          `hcl:"grpc_listen,optional"`
	WebSocketPath string          `hcl:"websocket_path,optional"`
	GRPCWebPath   string          `hcl:"grpc_web_path,optional"`
	MaxStreams    int             `hcl:"max_streams,optional"`
	DialTimeout   string          `hcl:"dial_timeout,optional"`
	Metadata      *metadataConfig `hcl:"metadata,block"`
	Services      []serviceConfig `hcl:"service,block"`
}

type metadataConfig struct {
	Request  []string `hcl:"request,optional"`
	Response []string `hcl:"response,optional"`
	Trailer  []string `hcl:"trailer,optional"`
}

type serviceConfig struct {
	Name   string `hcl:"name,label"`
	Target string `hcl:"target"`
}

// ReadHCL reads the config from an HCL file, or a JSON file when the filename ends with ".json".
// Defaults are applied to the missing fields, and the resulting config is validated.
func ReadHCL(filename string) (*Bridge, error) {
	var rawCfg config

	if err := hclsimple.DecodeFile(filename, nil, &rawCfg); err != nil {
		return nil, fmt.Errorf("decoding HCL config file: %w", err)
	}

	cfg := &Bridge{
		Listen:        rawCfg.Listen,
		GRPCListen:    rawCfg.GRPCListen,
		WebSocketPath: rawCfg.WebSocketPath,
		GRPCWebPath:   rawCfg.GRPCWebPath,
		MaxStreams:    rawCfg.MaxStreams,
		Services:      make([]Service, len(rawCfg.Services)),
	}

	if rawCfg.DialTimeout != "" {
		timeout, err := time.ParseDuration(rawCfg.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("parsing dial_timeout: %w", err)
		}

		cfg.DialTimeout = timeout
	}

	if rawCfg.Metadata != nil {
		cfg.Metadata = Metadata{
			Request:  rawCfg.Metadata.Request,
			Response: rawCfg.Metadata.Response,
			Trailer:  rawCfg.Metadata.Trailer,
		}
	}

	for i := range rawCfg.Services {
		svcCfg := &rawCfg.Services[i]
		cfg.Services[i] = Service{
			Name:   svcCfg.Name,
			Target: svcCfg.Target,
		}
	}

	if err := cfg.withDefaults().validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %q: %w", filename, err)
	}

	return cfg, nil
}
