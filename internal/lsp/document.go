package lsp

import (
	"context"
	"sync"
)

// docNotifier is the slice of a server connection that document sync
// needs: sending notifications.
type docNotifier interface {
	Notify(ctx context.Context, method string, params any) error
}

// openDocument is the tracked state for one synchronized document.
type openDocument struct {
	uri        DocumentURI
	languageID string
	version    int
}

// DocumentSync tracks the documents open on one server instance and
// keeps versions strictly increasing. Each instance owns its own
// tracker, so a respawned server starts every document over at version
// 1. All mutations for one URI are serialized; different URIs proceed
// independently.
type DocumentSync struct {
	mu    sync.Mutex
	docs  map[DocumentURI]*openDocument
	locks map[DocumentURI]*sync.Mutex
}

// NewDocumentSync creates an empty tracker.
func NewDocumentSync() *DocumentSync {
	return &DocumentSync{
		docs:  make(map[DocumentURI]*openDocument),
		locks: make(map[DocumentURI]*sync.Mutex),
	}
}

// uriLock returns the mutex serializing operations on one URI.
func (d *DocumentSync) uriLock(uri DocumentURI) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.locks[uri]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[uri] = lock
	}
	return lock
}

// Ensure brings the server's view of a document up to date with the
// given text and returns the version it now carries. A document not yet
// open is opened at version 1. A document whose language changed is
// closed and reopened at version 1, because versions are only
// meaningful within one open span. Otherwise the version increments and
// a full-text change is sent.
func (d *DocumentSync) Ensure(ctx context.Context, n docNotifier, uri DocumentURI, languageID, text string) (int, error) {
	lock := d.uriLock(uri)
	lock.Lock()
	defer lock.Unlock()

	d.mu.Lock()
	doc, open := d.docs[uri]
	d.mu.Unlock()

	if open && doc.languageID != languageID {
		_ = n.Notify(ctx, "textDocument/didClose", DidCloseTextDocumentParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
		})
		open = false
	}

	if !open {
		doc = &openDocument{uri: uri, languageID: languageID, version: 1}
		err := n.Notify(ctx, "textDocument/didOpen", DidOpenTextDocumentParams{
			TextDocument: TextDocumentItem{
				URI:        uri,
				LanguageID: languageID,
				Version:    1,
				Text:       text,
			},
		})
		if err != nil {
			return 0, err
		}
		d.mu.Lock()
		d.docs[uri] = doc
		d.mu.Unlock()
		return 1, nil
	}

	doc.version++
	err := n.Notify(ctx, "textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
			Version:                doc.version,
		},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: text}},
	})
	if err != nil {
		return 0, err
	}
	return doc.version, nil
}

// Close sends didClose for a tracked document and forgets it. Closing a
// document that is not open is a no-op.
func (d *DocumentSync) Close(ctx context.Context, n docNotifier, uri DocumentURI) error {
	lock := d.uriLock(uri)
	lock.Lock()
	defer lock.Unlock()

	d.mu.Lock()
	_, open := d.docs[uri]
	delete(d.docs, uri)
	d.mu.Unlock()

	if !open {
		return nil
	}
	return n.Notify(ctx, "textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}

// Count returns how many documents are currently tracked.
func (d *DocumentSync) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.docs)
}

// Language returns the language a document is tracked under, or ""
// when the document is not tracked.
func (d *DocumentSync) Language(uri DocumentURI) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if doc, ok := d.docs[uri]; ok {
		return doc.languageID
	}
	return ""
}
