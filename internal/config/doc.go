// Package config handles configuration loading for the C2 server.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. ${VAR} references anywhere in the file are replaced from the
// environment before parsing, which keeps the auth password out of the file
// itself. Durations are written as Go duration strings ("30s", "5m") and
// validated after parsing.
package config
