// Package stream decodes the newline-delimited JSON progress records a bulk
// operation endpoint writes while the operation runs.
//
// Decoding is split in two layers so chunk handling stays testable without a
// transport: Parser is a pure "chunk in, events out plus residual buffer"
// splitter, and Stream is a single-pass iterator over a live response body.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/ahrav/opstream/internal/domain/operation"
	"github.com/ahrav/opstream/pkg/common/logger"
)

// Parser accumulates raw bytes and emits one decoded event per complete
// record. Partial records are buffered across chunk boundaries until the
// record separator arrives; a record that fails to decode is dropped with a
// logged diagnostic so one bad line cannot stall a multi-minute run.
type Parser struct {
	log     *logger.Logger
	buf     bytes.Buffer
	dropped int
}

// NewParser creates a parser. A nil logger falls back to a no-op logger.
func NewParser(log *logger.Logger) *Parser {
	if log == nil {
		log = logger.Noop()
	}
	return &Parser{log: log}
}

// Feed appends a chunk and returns every event completed by it, in arrival
// order. The chunk may split records at any byte boundary; the decoded
// sequence is identical regardless of fragmentation.
func (p *Parser) Feed(chunk []byte) []operation.ProgressEvent {
	p.buf.Write(chunk)

	var events []operation.ProgressEvent
	for {
		raw := p.buf.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			break
		}
		line := p.buf.Next(i + 1)
		if ev, ok := p.decode(line[:i]); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Flush decodes whatever remains in the buffer. Called at end-of-stream so a
// final record missing its trailing separator is still delivered.
func (p *Parser) Flush() (operation.ProgressEvent, bool) {
	line := p.buf.Bytes()
	p.buf.Reset()
	return p.decode(line)
}

// Dropped returns how many malformed records have been discarded.
func (p *Parser) Dropped() int { return p.dropped }

func (p *Parser) decode(line []byte) (operation.ProgressEvent, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return operation.ProgressEvent{}, false
	}

	var ev operation.ProgressEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		p.dropped++
		p.log.Warn(context.Background(), "dropping malformed progress record",
			"error", err,
			"record_bytes", len(line),
			"dropped_total", p.dropped,
		)
		return operation.ProgressEvent{}, false
	}
	return ev, true
}

// Stream is a lazy, single-pass iterator of progress events over an
// io.Reader. It terminates cleanly when the source signals end-of-stream and
// is not restartable once exhausted, matching the single-pass nature of a
// live HTTP response body.
type Stream struct {
	r       io.Reader
	parser  *Parser
	pending []operation.ProgressEvent
	readBuf []byte
	readErr error
	done    bool
}

// New creates a Stream over r.
func New(r io.Reader, log *logger.Logger) *Stream {
	return &Stream{
		r:       r,
		parser:  NewParser(log),
		readBuf: make([]byte, 4096),
	}
}

// Next returns the next decoded event. It returns io.EOF once the source is
// exhausted, or the underlying read error if the source failed mid-stream.
// The context is checked before each read so a cancelled operation stops
// consuming promptly.
func (s *Stream) Next(ctx context.Context) (operation.ProgressEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}

		if s.done {
			if s.readErr != nil {
				return operation.ProgressEvent{}, s.readErr
			}
			return operation.ProgressEvent{}, io.EOF
		}

		if err := ctx.Err(); err != nil {
			return operation.ProgressEvent{}, err
		}

		n, err := s.r.Read(s.readBuf)
		if n > 0 {
			s.pending = s.parser.Feed(s.readBuf[:n])
		}
		if err != nil {
			s.done = true
			if errors.Is(err, io.EOF) {
				if ev, ok := s.parser.Flush(); ok {
					s.pending = append(s.pending, ev)
				}
			} else {
				// Deliver already-decoded events before surfacing the failure.
				s.readErr = err
			}
		}
	}
}

// Dropped returns how many malformed records the stream has discarded.
func (s *Stream) Dropped() int { return s.parser.Dropped() }
