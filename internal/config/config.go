// Package config loads the configuration of the wsbridge server from HCL or JSON files.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/renbou/wsbridge/bridgelog"
)

// FlagError is a special type marking that the error is a result of a flag parsing error.
type FlagError struct {
	error
}

const envPrefix = "WSBRIDGE_"

const (
	DefaultListen        = ":8080"
	DefaultWebSocketPath = "/ws"
	DefaultDialTimeout   = 5 * time.Second
)

// Bridge is the configuration of the wsbridge server.
type Bridge struct {
	// Listen is the address of the HTTP server.
	Listen string
	// GRPCListen is the address of the gRPC proxy server, which is disabled when it is empty.
	GRPCListen string
	// WebSocketPath is the path on which WebSocket channels are accepted.
	WebSocketPath string
	// GRPCWebPath is the path prefix under which gRPC-Web requests are accepted, which are disabled when it is empty.
	GRPCWebPath string
	// MaxStreams limits the number of streams of a single WebSocket channel. Zero means no limit.
	MaxStreams int
	// DialTimeout limits the time spent on a single attempt to connect to a service.
	DialTimeout time.Duration
	Metadata    Metadata
	Services    []Service
}

// Metadata specifies the allowlists of forwarded metadata keys, "*" allowing all keys.
type Metadata struct {
	Request  []string
	Response []string
	Trailer  []string
}

// Service is a gRPC service to which calls are forwarded.
type Service struct {
	// Name is the fully-qualified name of the service, such as "grpc.health.v1.Health".
	Name string
	// Target is the gRPC dial target of the service.
	Target string
}

func (b *Bridge) withDefaults() *Bridge {
	if b.Listen == "" {
		b.Listen = DefaultListen
	}

	if b.WebSocketPath == "" {
		b.WebSocketPath = DefaultWebSocketPath
	}

	if b.DialTimeout <= 0 {
		b.DialTimeout = DefaultDialTimeout
	}

	return b
}

func (b *Bridge) validate() error {
	var errs []error

	if !strings.HasPrefix(b.WebSocketPath, "/") {
		errs = append(errs, fmt.Errorf("websocket_path %q must begin with a slash", b.WebSocketPath))
	}

	if b.GRPCWebPath != "" && !strings.HasPrefix(b.GRPCWebPath, "/") {
		errs = append(errs, fmt.Errorf("grpc_web_path %q must begin with a slash", b.GRPCWebPath))
	}

	if b.GRPCWebPath != "" && strings.TrimSuffix(b.GRPCWebPath, "/") == strings.TrimSuffix(b.WebSocketPath, "/") {
		errs = append(errs, fmt.Errorf("grpc_web_path and websocket_path must differ, both are %q", b.WebSocketPath))
	}

	if b.GRPCListen != "" && b.GRPCListen == b.Listen {
		errs = append(errs, fmt.Errorf("grpc_listen and listen must differ, both are %q", b.Listen))
	}

	if b.MaxStreams < 0 {
		errs = append(errs, fmt.Errorf("max_streams must not be negative, got %d", b.MaxStreams))
	}

	seen := make(map[string]struct{}, len(b.Services))

	for _, svc := range b.Services {
		if _, ok := seen[svc.Name]; ok {
			errs = append(errs, fmt.Errorf("service %q is specified more than once", svc.Name))
		}

		seen[svc.Name] = struct{}{}

		if svc.Target == "" {
			errs = append(errs, fmt.Errorf("service %q has no target", svc.Name))
		}
	}

	return errors.Join(errs...)
}

type discoveryOrigin int

const (
	discoveryOriginNone discoveryOrigin = iota
	discoveryOriginEnv
	discoveryOriginAuto
)

func (o discoveryOrigin) String() string {
	switch o {
	case discoveryOriginNone:
		return "None"
	case discoveryOriginEnv:
		return "Env"
	case discoveryOriginAuto:
		return "Auto"
	default:
		return fmt.Sprintf("discoveryOrigin(%d)", int(o))
	}
}

func discoverPath() (string, discoveryOrigin, bool) {
	if value, ok := os.LookupEnv(envPrefix + "CONFIG"); ok {
		return value, discoveryOriginEnv, true
	}

	for _, filename := range []string{"wsbridge.hcl", "wsbridge.json", "config.hcl", "config.json"} {
		if _, err := os.Stat(filename); err == nil {
			return filename, discoveryOriginAuto, true
		}
	}

	return "", discoveryOriginNone, false
}

// LogLevel returns the level set by the WSBRIDGE_LOG_LEVEL environment variable, info by default.
func LogLevel() slog.Level {
	levelMapping := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	if level, ok := levelMapping[strings.ToLower(os.Getenv(envPrefix+"LOG_LEVEL"))]; ok {
		return level
	}

	return slog.LevelInfo
}

// Load reads the config from the file specified with the --config flag, the WSBRIDGE_CONFIG environment variable,
// or one of the files discovered in the working directory, in that order.
// The default config is returned when no file is found.
func Load(logger bridgelog.Logger, args []string) (*Bridge, error) {
	var configPath string

	logger = logger.WithComponent("wsbridge.config")

	// Try to get config path from the command line for easy route.
	fs := flag.NewFlagSet("wsbridge", flag.ContinueOnError)
	fs.Func("config", "Manually specified path to the config file. By default, the config is autodiscovered.", func(s string) error {
		if _, err := os.Stat(s); err != nil {
			return fmt.Errorf("config file %q does not exist or is inaccessible: %s", s, err)
		}

		configPath = s

		return nil
	})

	if err := fs.Parse(args); err != nil {
		return nil, FlagError{fmt.Errorf("parsing flags: %w", err)}
	}

	// Otherwise, perform discovery.
	if configPath == "" {
		discovered, origin, ok := discoverPath()
		if !ok {
			logger.Warn("No config file found, and no --config flag was provided. Will use default configuration.")
		} else {
			configPath = discovered
			logger.Info(fmt.Sprintf("Using discovered config file %q", configPath), "discovery_origin", origin.String())
		}
	}

	// Finally, return the default config, or read the config from the file.
	if configPath == "" {
		return new(Bridge).withDefaults(), nil
	}

	return ReadHCL(configPath)
}
