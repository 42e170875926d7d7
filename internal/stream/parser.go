// Package stream parses the server-sent event stream of a remote run and
// reconciles it with the local message log.
package stream

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

// DoneSentinel is the data payload that terminates a run stream.
const DoneSentinel = "[DONE]"

const readSize = 4096

var (
	crlf      = []byte("\r\n")
	lf        = []byte("\n")
	blankLine = []byte("\n\n")
)

// Frame is one dispatched server-sent event.
type Frame struct {
	Event string
	Data  string
	ID    string
}

// Done reports whether the frame is the end-of-stream sentinel.
func (f Frame) Done() bool {
	return f.Data == DoneSentinel
}

type parserState int

const (
	stateReading parserState = iota
	stateClosed
)

// Parser turns a byte stream into frames. Bytes are accumulated across
// reads so a frame split over several reads, including the sentinel, is
// still recognised once its terminating blank line arrives.
type Parser struct {
	r       io.Reader
	chunk   []byte
	buf     []byte
	pending []Frame
	state   parserState
	err     error
}

// NewParser creates a parser reading from r.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: r, chunk: make([]byte, readSize)}
}

// Next returns the next frame. It returns io.EOF once the stream is
// exhausted, or the transport error after every complete frame read
// before it has been returned.
func (p *Parser) Next() (Frame, error) {
	for {
		if len(p.pending) > 0 {
			f := p.pending[0]
			p.pending = p.pending[1:]
			return f, nil
		}
		if p.state == stateClosed {
			return Frame{}, p.err
		}

		n, err := p.r.Read(p.chunk)
		if n > 0 {
			p.buf = append(p.buf, p.chunk[:n]...)
			p.split()
		}
		if err != nil {
			p.close(err)
		}
	}
}

// split moves every complete block out of the buffer.
func (p *Parser) split() {
	if bytes.Contains(p.buf, crlf) {
		p.buf = bytes.ReplaceAll(p.buf, crlf, lf)
	}
	for {
		i := bytes.Index(p.buf, blankLine)
		if i < 0 {
			return
		}
		p.parseBlock(p.buf[:i])
		p.buf = p.buf[i+len(blankLine):]
	}
}

func (p *Parser) close(err error) {
	p.state = stateClosed
	p.err = err
	// An unterminated trailing block is only trusted on a clean end of stream.
	if errors.Is(err, io.EOF) {
		p.err = io.EOF
		p.buf = bytes.TrimSuffix(p.buf, []byte("\r"))
		if len(bytes.TrimSpace(p.buf)) > 0 {
			p.parseBlock(p.buf)
		}
	}
	p.buf = nil
}

func (p *Parser) parseBlock(block []byte) {
	var (
		f    Frame
		data []string
	)
	for _, line := range strings.Split(string(block), "\n") {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.Event = value
		case "data":
			data = append(data, value)
		case "id":
			f.ID = value
		}
	}
	if len(data) == 0 {
		return
	}
	f.Data = strings.Join(data, "\n")
	p.pending = append(p.pending, f)
}
