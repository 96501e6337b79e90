// Package pfs provides an observability and control plane for MCP and A2A
// JSON-RPC endpoints.
//
// pfs sits between clients and upstream endpoints, records every JSON-RPC
// exchange into a local event store, and exposes three surfaces over the
// recorded targets:
//
//   - an aggregating MCP proxy that multiplexes several stdio connectors
//     behind one stdio server, namespacing tools as connector__tool
//   - an HTTP gateway that forwards MCP tool calls and A2A operations with
//     token permissions, per-connector queuing, and timing headers
//   - a CLI (pfs) for inspecting sessions, calling tools, sending A2A
//     messages, importing connector definitions, and enforcing retention
//
// # Quick Start
//
// Install:
//
//	go install github.com/proofshell/pfs/cmd/pfs@latest
//
// Define connectors in ~/.pfs/config.yaml:
//
//	version: 1
//	connectors:
//	  - id: echo
//	    name: Echo tools
//	    enabled: true
//	    transport:
//	      type: stdio
//	      command: ./echo-server
//
// Run the aggregating proxy on stdio:
//
//	pfs serve
//
// Or run the HTTP gateway:
//
//	pfs gateway --listen 127.0.0.1:8787
//
// # Using as Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/proofshell/pfs/pkg/store"
//	    "github.com/proofshell/pfs/pkg/proxy"
//	    "github.com/proofshell/pfs/pkg/gateway"
//	)
//
// # Architecture
//
// Clients talk to the proxy (stdio) or the gateway (HTTP). Both resolve
// targets through the registry, dispatch MCP calls through fresh stdio
// sessions and A2A calls through hardened HTTPS clients, and record every
// frame as session/rpc/event rows in a SQLite (or Postgres/MySQL) store.
// Reference resolution (@last, @rpc:, @ref:) and retention policies operate
// on the same store.
package pfs
