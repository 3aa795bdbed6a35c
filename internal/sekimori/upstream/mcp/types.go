// Package mcp manages connector subprocesses speaking the Model Context
// Protocol over stdin/stdout and relays JSON-RPC calls to them.
package mcp

// protocolVersion is advertised during the initialize handshake.
const protocolVersion = "2024-11-05"

// initializeParams is sent by the gateway as the first call on a fresh
// connector process.
type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    clientCaps `json:"capabilities"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type clientCaps struct{}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the connector's handshake response.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
