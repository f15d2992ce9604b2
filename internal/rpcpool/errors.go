// Package rpcpool manages a fleet of Bitcoin-family daemon RPC endpoints:
// health probing, priority-based poll election, and a typed JSON-RPC facade.
package rpcpool

import "fmt"

// TransportError wraps a network/HTTP-level failure on an RPC call.
// Local recovery is always the same: mark the endpoint down and let the
// probe loop resurrect it.
type TransportError struct {
	Endpoint string
	Method   string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpcpool: transport error calling %s on %s: %v", e.Method, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RpcError wraps a daemon-level JSON-RPC error response.
type RpcError struct {
	Endpoint string
	Method   string
	Code     int
	Message  string
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpcpool: %s on %s returned rpc error %d: %s", e.Method, e.Endpoint, e.Code, e.Message)
}

// ConfigError marks an invalid or missing configuration value. Fatal at
// startup.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("rpcpool: config error on %s: %s", e.Field, e.Message)
}

// LogicError marks an internal assertion violation (e.g. a merged-work
// snapshot mismatch). Callers log and continue; it must never crash a loop.
type LogicError struct {
	Context string
	Message string
}

func (e *LogicError) Error() string {
	return fmt.Sprintf("rpcpool: logic error in %s: %s", e.Context, e.Message)
}
