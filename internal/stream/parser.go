// Package stream turns a turn's raw response body into data records and classifies their payloads
// into token, done and error events.
package stream

import (
	"bytes"
	"errors"
	"io"
	"iter"
)

const dataPrefix = "data:"

var recordDelimiter = []byte("\n\n")

// Parser splits a chunked byte stream into record payloads. It keeps the bytes of an incomplete
// record between calls to Feed, so records and delimiters may be split at any byte offset. A Parser
// serves a single stream and must not be reused.
type Parser struct {
	buf []byte
}

// NewParser returns an empty Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends chunk to the carry-over buffer and returns the payloads of every record completed
// by it, in stream order. Carriage returns are dropped before the buffer is searched for
// delimiters.
func (p *Parser) Feed(chunk []byte) []string {
	for _, b := range chunk {
		if b != '\r' {
			p.buf = append(p.buf, b)
		}
	}

	var payloads []string
	for {
		i := bytes.Index(p.buf, recordDelimiter)
		if i < 0 {
			break
		}
		if payload, ok := recordPayload(p.buf[:i]); ok {
			payloads = append(payloads, payload)
		}
		p.buf = p.buf[i+len(recordDelimiter):]
	}

	// Release the consumed prefix once nothing is carried over.
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return payloads
}

// Flush returns the payload of the trailing segment when it is a valid record, which happens when
// the stream ends without a final blank line. The buffer is emptied either way.
func (p *Parser) Flush() []string {
	segment := p.buf
	p.buf = nil
	if payload, ok := recordPayload(segment); ok {
		return []string{payload}
	}
	return nil
}

func recordPayload(segment []byte) (string, bool) {
	segment = bytes.TrimLeft(segment, " \t\n")
	if !bytes.HasPrefix(segment, []byte(dataPrefix)) {
		return "", false
	}
	return string(bytes.TrimSpace(segment[len(dataPrefix):])), true
}

// ReadChunkSize is the size of the reads Records issues against the body.
const ReadChunkSize = 4096

// Records reads r until EOF with a fresh Parser and yields every record payload in order. A read
// error other than io.EOF is yielded once and ends the sequence; payloads completed by the bytes
// of that final read are yielded before it.
func Records(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		p := NewParser()
		buf := make([]byte, ReadChunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for _, payload := range p.Feed(buf[:n]) {
					if !yield(payload, nil) {
						return
					}
				}
			}
			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) {
				for _, payload := range p.Flush() {
					if !yield(payload, nil) {
						return
					}
				}
				return
			}
			yield("", err)
			return
		}
	}
}
