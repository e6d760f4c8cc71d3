package main

import (
	"bufio"
	"io"
	"os"
	"time"

	"github.com/kuuji/carrier/internal/endpoint"
	"github.com/kuuji/carrier/internal/headers"
	"github.com/kuuji/carrier/internal/stream"
)

// appDataPath is the stream path carrierd uses for the plain text pipe it
// bridges over an established channel; there is no richer application
// protocol defined beyond it.
const appDataPath = "/carrier.cli.v1/pipe"

// pipeHandler bridges a Stream to the process's stdin/stdout: lines read
// from in are sent on the stream, payloads delivered to the stream are
// written to out. It is driven entirely from the Endpoint.Poll goroutine,
// so it never blocks: stdin is read on a separate goroutine into a
// buffered channel this Poll drains non-blockingly.
type pipeHandler struct {
	s   *stream.Stream
	in  <-chan []byte
	out io.Writer
}

// newPipeHandler starts a goroutine scanning r line by line and returns a
// Handler that forwards those lines onto s while printing anything s
// receives to w.
func newPipeHandler(s *stream.Stream, r io.Reader, w io.Writer) *pipeHandler {
	return &pipeHandler{s: s, in: stdinLines(r), out: w}
}

// newPendingPipeHandler is for callers that must open the stream before a
// *stream.Stream exists to construct the handler with (Endpoint.Open
// registers its handler argument atomically with creating the facade): it
// starts reading r immediately and the caller attaches the resulting
// Stream via attach once Open returns, before the endpoint loop polls it
// again.
func newPendingPipeHandler(r io.Reader, w io.Writer) *pipeHandler {
	return &pipeHandler{in: stdinLines(r), out: w}
}

func (h *pipeHandler) attach(s *stream.Stream) {
	h.s = s
}

func stdinLines(r io.Reader) <-chan []byte {
	lines := make(chan []byte, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			lines <- line
		}
	}()
	return lines
}

func (h *pipeHandler) Poll() endpoint.HandlerResult {
	select {
	case line, ok := <-h.in:
		if !ok {
			h.s.Close()
			return endpoint.HandlerResult{Done: true}
		}
		h.s.Send(line)
	default:
	}

	for {
		payload, ok := h.s.TryRecv()
		if !ok {
			break
		}
		h.out.Write(payload)
		h.out.Write([]byte("\n"))
	}

	return endpoint.HandlerResult{Wait: 50 * time.Millisecond}
}

// pipeFactory manufactures a pipeHandler for every stream a peer opens at
// appDataPath, rejecting anything else.
type pipeFactory struct{}

func (pipeFactory) New(h *headers.Headers, s *stream.Stream) endpoint.Handler {
	if p, ok := h.Path(); !ok || p != appDataPath {
		return nil
	}
	return newPipeHandler(s, os.Stdin, os.Stdout)
}
