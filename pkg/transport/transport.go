// Package transport abstracts "execute this unit of work on that host" over
// a local process or a remote shell reached by SSH. Callers depend only on
// the Transport interface, never on the concrete kind.
package transport

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

// Transport kinds.
const (
	KindLocal = "local"
	KindSSH   = "ssh"
)

// RawResult is the raw outcome of one command execution. A nonzero exit code
// is not an error at this layer; failure classification belongs to the task
// executor's predicates.
type RawResult struct {
	// ExitCode is the command's exit status.
	ExitCode int

	// Stdout is the captured standard output, trailing whitespace trimmed.
	Stdout string

	// Stderr is the captured standard error, trailing whitespace trimmed.
	Stderr string

	// Duration is the wall-clock execution time.
	Duration time.Duration
}

// Transport executes commands and transfers files on one host. A Transport
// is owned by a single host's execution stream; implementations need not be
// safe for concurrent calls.
type Transport interface {
	// Execute runs a shell command. On timeout expiry it makes a
	// best-effort attempt to terminate the process and returns a
	// TimeoutError. Connection-level failures surface as UnreachableError.
	Execute(ctx context.Context, command string, timeout time.Duration) (*RawResult, error)

	// Upload writes content to a path on the host with the given mode.
	Upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error

	// Kind returns the transport kind (local or ssh).
	Kind() string

	// Close releases the connection.
	Close() error
}

// Settings is the per-host connection configuration, extracted from host
// variables.
type Settings struct {
	// Connection selects the transport kind.
	Connection string `validate:"omitempty,oneof=local ssh"`

	// Host is the inventory host name, used in error reporting.
	Host string `validate:"required"`

	// Address is the network address to connect to.
	Address string

	// Port is the SSH port.
	Port int `validate:"omitempty,min=1,max=65535"`

	// User is the remote username.
	User string

	// Password enables password authentication when set.
	Password string

	// PrivateKeyPath enables key authentication when set.
	PrivateKeyPath string

	// KnownHostsPath enables strict host key verification when set.
	KnownHostsPath string

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
}

var validate = validator.New()

// SettingsFromVars extracts connection settings from resolved host variables.
func SettingsFromVars(hostName string, hostVars map[string]interface{}) (*Settings, error) {
	s := &Settings{
		Host:           hostName,
		Connection:     stringVar(hostVars, "connection", KindSSH),
		Address:        stringVar(hostVars, "address", hostName),
		Port:           intVar(hostVars, "port", 22),
		User:           stringVar(hostVars, "user", ""),
		Password:       stringVar(hostVars, "password", ""),
		PrivateKeyPath: stringVar(hostVars, "private_key", ""),
		KnownHostsPath: stringVar(hostVars, "known_hosts", ""),
		ConnectTimeout: 10 * time.Second,
	}

	if v := intVar(hostVars, "connect_timeout", 0); v > 0 {
		s.ConnectTimeout = time.Duration(v) * time.Second
	}

	if err := validate.Struct(s); err != nil {
		return nil, fmt.Errorf("invalid connection settings for host %s: %w", hostName, err)
	}
	return s, nil
}

// Connect establishes a transport for the given settings. Establishment
// failures (auth, network) surface as UnreachableError.
func Connect(ctx context.Context, s *Settings) (Transport, error) {
	switch s.Connection {
	case KindLocal:
		return newLocal(s), nil
	case KindSSH, "":
		return dialSSH(ctx, s)
	default:
		return nil, fmt.Errorf("unknown connection kind %q for host %s", s.Connection, s.Host)
	}
}

func stringVar(vars map[string]interface{}, key, fallback string) string {
	if v, ok := vars[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intVar(vars map[string]interface{}, key string, fallback int) int {
	switch v := vars[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
