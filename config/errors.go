package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName        = errors.New("invalid application name")
	ErrInvalidVersion        = errors.New("invalid application version")
	ErrInvalidEnvironment    = errors.New("invalid environment")
	ErrInvalidLogLevel       = errors.New("invalid log level")
	ErrInvalidLogFormat      = errors.New("invalid log format")
	ErrInvalidInterval       = errors.New("invalid interval")
	ErrInvalidPort           = errors.New("invalid port number")
	ErrInvalidReadChunk      = errors.New("invalid read chunk")
	ErrInvalidMaxConnections = errors.New("invalid max connections")
	ErrInvalidPacketSize     = errors.New("invalid max packet size")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrConfigParseError    = errors.New("configuration parse error")
	ErrEnvironmentVarError = errors.New("environment variable error")
	ErrUnsupportedFormat   = errors.New("unsupported configuration format")
)
