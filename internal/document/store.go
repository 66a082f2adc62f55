// Package document holds the authoritative in-memory state of every open
// text document: its text, versions, dialect and lint generation.
//
// Callers never get a live reference to a document. Every accessor returns
// a Snapshot, an immutable copy that can be handed to background work while
// the document keeps changing.
package document

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.lsp.dev/protocol"
)

var (
	// ErrUnknownDocument indicates the URI is not open.
	ErrUnknownDocument = errors.New("unknown document")

	// ErrStaleVersion indicates a change whose client version does not
	// advance past the version already recorded.
	ErrStaleVersion = errors.New("stale document version")

	// ErrInvalidRange indicates an incremental change outside the document.
	ErrInvalidRange = errors.New("invalid range")
)

// Change is a single content change. A nil Range replaces the whole text.
type Change struct {
	Range *protocol.Range
	Text  string
}

// Snapshot is an immutable copy of a document's state.
type Snapshot struct {
	URI protocol.DocumentURI
	// Text is the full document text.
	Text string
	// Version starts at 0 when the document is opened and increases by one
	// with every accepted change.
	Version int
	// ClientVersion is the version the client last reported.
	ClientVersion int32
	// Dialect is the SQL dialect resolved for the document, if any.
	Dialect string
	// Generation changes whenever the document is opened, changed, or a
	// lint task is started for it. It is unique across the whole store.
	Generation uint64
}

// Store tracks open documents. It is safe for concurrent use; operations on
// different documents never wait on each other beyond a map lookup.
type Store struct {
	mu   sync.RWMutex
	docs map[protocol.DocumentURI]*document

	generation atomic.Uint64
}

type document struct {
	mu            sync.Mutex
	uri           protocol.DocumentURI
	text          string
	version       int
	clientVersion int32
	dialect       string
	generation    uint64
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{docs: make(map[protocol.DocumentURI]*document)}
}

// Open registers a document at version 0. Opening a URI that is already open
// resets it to the new content; reopened reports whether that happened.
func (s *Store) Open(uri protocol.DocumentURI, text string, clientVersion int32, dialect string) (snap Snapshot, reopened bool) {
	d := &document{
		uri:           uri,
		text:          text,
		clientVersion: clientVersion,
		dialect:       dialect,
		generation:    s.generation.Add(1),
	}

	s.mu.Lock()
	_, reopened = s.docs[uri]
	s.docs[uri] = d
	s.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot(), reopened
}

// Change applies changes in order and increments the version. The document
// is left untouched if any change is invalid. An accepted change supersedes
// any lint task started for the previous text.
func (s *Store) Change(uri protocol.DocumentURI, clientVersion int32, changes []Change) (Snapshot, error) {
	d, err := s.get(uri)
	if err != nil {
		return Snapshot{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if clientVersion <= d.clientVersion {
		return Snapshot{}, fmt.Errorf("%w: %s has version %d, got %d", ErrStaleVersion, uri, d.clientVersion, clientVersion)
	}

	text := d.text
	for i, c := range changes {
		if c.Range == nil {
			text = c.Text
			continue
		}
		text, err = Apply(text, *c.Range, c.Text)
		if err != nil {
			return Snapshot{}, fmt.Errorf("change %d for %s: %w", i, uri, err)
		}
	}

	d.text = text
	d.version++
	d.clientVersion = clientVersion
	d.generation = s.generation.Add(1)
	return d.snapshot(), nil
}

// Close forgets the document.
func (s *Store) Close(uri protocol.DocumentURI) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[uri]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, uri)
	}
	delete(s.docs, uri)
	return nil
}

// Snapshot returns a copy of the document's current state.
func (s *Store) Snapshot(uri protocol.DocumentURI) (Snapshot, error) {
	d, err := s.get(uri)
	if err != nil {
		return Snapshot{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot(), nil
}

// SetDialect updates the dialect associated with the document. Like a text
// change, it supersedes any lint task in flight.
func (s *Store) SetDialect(uri protocol.DocumentURI, dialect string) error {
	d, err := s.get(uri)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialect = dialect
	d.generation = s.generation.Add(1)
	return nil
}

// Begin starts a new lint generation for the document and returns a
// snapshot carrying it. Any task holding an older generation is superseded.
func (s *Store) Begin(uri protocol.DocumentURI) (Snapshot, error) {
	d, err := s.get(uri)
	if err != nil {
		return Snapshot{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.generation = s.generation.Add(1)
	return d.snapshot(), nil
}

// Current reports whether the document is open and generation is still its
// latest lint generation.
func (s *Store) Current(uri protocol.DocumentURI, generation uint64) bool {
	d, err := s.get(uri)
	if err != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation == generation
}

// URIs returns the URIs of all open documents.
func (s *Store) URIs() []protocol.DocumentURI {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uris := make([]protocol.DocumentURI, 0, len(s.docs))
	for uri := range s.docs {
		uris = append(uris, uri)
	}
	return uris
}

func (s *Store) get(uri protocol.DocumentURI) (*document, error) {
	s.mu.RLock()
	d := s.docs[uri]
	s.mu.RUnlock()
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocument, uri)
	}
	return d, nil
}

func (d *document) snapshot() Snapshot {
	return Snapshot{
		URI:           d.uri,
		Text:          d.text,
		Version:       d.version,
		ClientVersion: d.clientVersion,
		Dialect:       d.dialect,
		Generation:    d.generation,
	}
}
