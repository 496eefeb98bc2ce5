package lsp

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// InboundRouter answers server-initiated traffic for one connection:
// configuration queries, capability registrations, workspace edits, and
// the published-diagnostics stream. Anything it does not recognize is
// acknowledged with a null result so the server never blocks.
type InboundRouter struct {
	languageID string
	settings   map[string]any
	store      *DiagnosticsStore
	logger     *slog.Logger
}

// NewInboundRouter creates a router for one server connection.
func NewInboundRouter(languageID string, settings map[string]any, store *DiagnosticsStore, logger *slog.Logger) *InboundRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &InboundRouter{
		languageID: languageID,
		settings:   settings,
		store:      store,
		logger:     logger,
	}
}

// HandleRequest implements RequestHandler for server-initiated requests.
func (r *InboundRouter) HandleRequest(method string, params json.RawMessage) (any, error) {
	switch method {
	case "workspace/configuration":
		return r.configuration(params), nil

	case "client/registerCapability", "client/unregisterCapability":
		// Dynamic registrations are accepted and ignored; the static
		// capability set already covers everything used here.
		return nil, nil

	case "workspace/applyEdit":
		// Server-driven edits are not applied to anything; acknowledge
		// so commands that trigger them can complete.
		r.logger.Debug("acknowledged workspace/applyEdit without applying",
			"language", r.languageID)
		return ApplyWorkspaceEditResult{Applied: true}, nil

	case "window/showMessageRequest":
		// No UI to show it in; answering null means "dismissed".
		return nil, nil

	case "window/workDoneProgress/create":
		return nil, nil

	default:
		r.logger.Debug("unhandled server request", "language", r.languageID, "method", method)
		return nil, nil
	}
}

// configuration answers workspace/configuration: one result entry per
// requested item, resolved against the language's settings by dotted
// section path. An unknown section gets a shape-appropriate empty value
// rather than an error; servers treat errors here as fatal config.
func (r *InboundRouter) configuration(params json.RawMessage) []any {
	var p ConfigurationParams
	if err := json.Unmarshal(params, &p); err != nil {
		return []any{}
	}

	results := make([]any, len(p.Items))
	for i, item := range p.Items {
		results[i] = r.lookupSection(item.Section)
	}
	return results
}

// lookupSection resolves a dotted section path in the settings map.
func (r *InboundRouter) lookupSection(section string) any {
	if section == "" {
		if r.settings != nil {
			return r.settings
		}
		return map[string]any{}
	}

	var current any = r.settings
	for _, part := range strings.Split(section, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return emptyForSection(section)
		}
		current, ok = m[part]
		if !ok {
			return emptyForSection(section)
		}
	}
	return current
}

// emptyForSection guesses an empty value shape for an unknown section.
// Sections ending in list-like names get an empty array; everything
// else gets an empty object.
func emptyForSection(section string) any {
	last := section
	if i := strings.LastIndex(section, "."); i >= 0 {
		last = section[i+1:]
	}
	switch last {
	case "exclude", "include", "associations", "watchers":
		return []any{}
	}
	return map[string]any{}
}

// HandleNotification implements NotificationHandler for the server's
// notification stream.
func (r *InboundRouter) HandleNotification(method string, params json.RawMessage) {
	switch method {
	case "textDocument/publishDiagnostics":
		var p PublishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			r.logger.Warn("malformed publishDiagnostics", "language", r.languageID, "error", err)
			return
		}
		if r.store.Put(p.URI, p.Diagnostics) {
			r.logger.Debug("diagnostics updated",
				"language", r.languageID, "uri", string(p.URI), "count", len(p.Diagnostics))
		}

	case "window/logMessage", "window/showMessage":
		var p LogMessageParams
		if err := json.Unmarshal(params, &p); err == nil {
			r.logger.Debug("server message", "language", r.languageID, "message", p.Message)
		}

	case "$/progress", "$/logTrace", "telemetry/event":
		// High volume, no consumer.

	default:
		r.logger.Debug("unhandled server notification", "language", r.languageID, "method", method)
	}
}
