// Package headers implements the HPACK-encoded header blocks carried as the
// first frame of every stream opened through the broker-mediated connect
// protocol (see spec §4.4): a small ordered set of pseudo and ordinary
// header pairs, encoded the same way HTTP/2 encodes them.
package headers

import (
	"bytes"
	"fmt"
	"strconv"

	"golang.org/x/net/http2/hpack"
)

const (
	pseudoPath   = ":path"
	pseudoStatus = ":status"
)

// Headers is an ordered set of header pairs. Field order is preserved
// across Encode/Decode since HPACK indexing assigns no semantics to order,
// but callers rely on finding pseudo-headers near the front.
type Headers struct {
	fields []hpack.HeaderField
}

// New builds an empty Headers block.
func New() *Headers {
	return &Headers{}
}

// WithPath returns a request Headers block with ":path" set to path.
func WithPath(path string) *Headers {
	h := New()
	h.Set(pseudoPath, path)
	return h
}

// Ok returns a response Headers block with ":status" set to "200".
func Ok() *Headers {
	h := New()
	h.Set(pseudoStatus, "200")
	return h
}

// WithError returns a response Headers block with ":status" set to the
// given numeric code and a short textual reason.
func WithError(code int, reason string) *Headers {
	h := New()
	h.Set(pseudoStatus, strconv.Itoa(code))
	if reason != "" {
		h.Set("x-reason", reason)
	}
	return h
}

// Set appends or replaces the value for name.
func (h *Headers) Set(name, value string) {
	for i, f := range h.fields {
		if f.Name == name {
			h.fields[i].Value = value
			return
		}
	}
	h.fields = append(h.fields, hpack.HeaderField{Name: name, Value: value})
}

// Get returns the first value for name and whether it was present.
func (h *Headers) Get(name string) (string, bool) {
	for _, f := range h.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Path returns the ":path" pseudo-header, if present.
func (h *Headers) Path() (string, bool) { return h.Get(pseudoPath) }

// Status returns the ":status" pseudo-header as an integer, if present and
// well formed.
func (h *Headers) Status() (int, bool) {
	v, ok := h.Get(pseudoStatus)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsRequest reports whether this block carries a request pseudo-header
// (":path" present, per spec §4.4's duality rule).
func (h *Headers) IsRequest() bool {
	_, ok := h.Path()
	return ok
}

// Encode serializes the header block with an HPACK encoder, never relying
// on dynamic-table state across calls (each Headers block is self-contained
// within a single stream's first frame).
func (h *Headers) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	for _, f := range h.fields {
		if err := enc.WriteField(f); err != nil {
			return nil, fmt.Errorf("headers: encoding field %q: %w", f.Name, err)
		}
	}
	return buf.Bytes(), nil
}

// Decode parses an HPACK-encoded header block.
func Decode(b []byte) (*Headers, error) {
	h := New()
	dec := hpack.NewDecoder(4096, func(f hpack.HeaderField) {
		h.fields = append(h.fields, f)
	})
	if _, err := dec.Write(b); err != nil {
		return nil, fmt.Errorf("headers: decoding block: %w", err)
	}
	if err := dec.Close(); err != nil {
		return nil, fmt.Errorf("headers: closing decoder: %w", err)
	}
	return h, nil
}
