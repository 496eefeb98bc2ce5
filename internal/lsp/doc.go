// Package lsp is a client-side multiplexer for Language Server Protocol
// servers. It spawns one server process per language and workspace
// root, speaks JSON-RPC 2.0 over the child's stdio, keeps document
// state synchronized, and exposes completion, hover, definition,
// symbols, and diagnostics through a single Client.
//
// Failures are contained per language: a crashed or missing server for
// one language never affects another, and the public operations return
// empty results instead of errors so callers need no recovery logic.
package lsp

// Version identifies this client to servers during the handshake.
const Version = "0.1.0"
