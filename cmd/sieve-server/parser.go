// parser.go reads client commands off the wire.
//
// The server speaks the request half of RESP, the Redis serialization
// protocol, so redis-cli and any Redis client library can drive it:
//
//	*3\r\n$6\r\nBF.ADD\r\n$5\r\nusers\r\n$5\r\nalice\r\n   (array of bulk strings)
//	BF.ADD users alice\r\n                                 (inline, for telnet/nc)
//
// Bulk strings are length prefixed and therefore binary safe, which matters
// for BF.RESTORE whose argument is a whole filter envelope. The same parser
// replays the text tail of the journal at startup.
//
// Limits
// ======
//
// A hostile client can try to make the server allocate from a length header
// alone. Every size is checked before anything is allocated:
//
//	MaxBulkLength  largest bulk string (512MB, the Redis default)
//	MaxArrayLen    most arguments in one command
//	MaxLineSize    longest header or inline line

package main

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

const (
	MaxBulkLength = 512 * 1024 * 1024
	MaxArrayLen   = 1 << 20
	MaxLineSize   = 64 * 1024
)

// Protocol errors are already RESP error lines.
var (
	ErrInvalidSyntax = errors.New("ERR protocol error: invalid syntax")
	ErrLineTooLong   = errors.New("ERR protocol error: line too long")
	ErrBulkTooLarge  = errors.New("ERR protocol error: bulk string exceeds 512MB limit")
	ErrArrayTooLong  = errors.New("ERR protocol error: array exceeds 1M elements limit")
)

type Parser struct {
	reader *bufio.Reader
}

func NewParser(r io.Reader) *Parser {
	// Reuse an existing buffered reader so that bytes it already buffered
	// (e.g. the journal after its binary preamble) are not lost.
	if br, ok := r.(*bufio.Reader); ok {
		return &Parser{reader: br}
	}
	return &Parser{reader: bufio.NewReaderSize(r, 4096)}
}

// Parse returns the next command as its name followed by its arguments.
// io.EOF means the stream ended cleanly between commands;
// io.ErrUnexpectedEOF means it ended inside one.
func (p *Parser) Parse() ([]string, error) {
	line, err := p.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, ErrInvalidSyntax
	}

	if line[0] == '*' {
		return p.parseArray(line[1:])
	}
	return parseInline(line)
}

// Buffered reports how many bytes are waiting in the read buffer. A non-zero
// value after a command means the client pipelined more.
func (p *Parser) Buffered() int {
	return p.reader.Buffered()
}

func (p *Parser) readLine() ([]byte, error) {
	line, more, err := p.reader.ReadLine()
	if err != nil {
		return nil, err
	}
	if !more {
		return line, nil
	}

	// The line outgrew the reader's buffer: collect the pieces, refusing to
	// grow past MaxLineSize.
	var buf bytes.Buffer
	buf.Write(line)
	for more {
		line, more, err = p.reader.ReadLine()
		if err != nil {
			return nil, noEOF(err)
		}
		if buf.Len()+len(line) > MaxLineSize {
			return nil, ErrLineTooLong
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}

func parseInline(line []byte) ([]string, error) {
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return nil, ErrInvalidSyntax
	}
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out, nil
}

func (p *Parser) parseArray(header []byte) ([]string, error) {
	n, err := strconv.Atoi(string(bytes.TrimSpace(header)))
	if err != nil {
		return nil, ErrInvalidSyntax
	}
	if n <= 0 {
		return []string{}, nil
	}
	if n > MaxArrayLen {
		return nil, ErrArrayTooLong
	}

	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := p.parseBulk()
		if err != nil {
			return nil, noEOF(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// parseBulk reads "$<len>\r\n<data>\r\n". A null bulk string ($-1) reads as
// the empty string; no command distinguishes the two.
func (p *Parser) parseBulk() (string, error) {
	line, err := p.readLine()
	if err != nil {
		return "", err
	}
	if len(line) == 0 || line[0] != '$' {
		return "", ErrInvalidSyntax
	}

	n, err := strconv.Atoi(string(bytes.TrimSpace(line[1:])))
	if err != nil {
		return "", ErrInvalidSyntax
	}
	switch {
	case n == -1:
		return "", nil
	case n < 0:
		return "", ErrInvalidSyntax
	case n > MaxBulkLength:
		return "", ErrBulkTooLarge
	}

	buf := make([]byte, n+2)
	if _, err := io.ReadFull(p.reader, buf); err != nil {
		return "", noEOF(err)
	}
	if buf[n] != '\r' || buf[n+1] != '\n' {
		return "", ErrInvalidSyntax
	}
	return string(buf[:n]), nil
}

// noEOF turns a clean EOF in the middle of a command into
// io.ErrUnexpectedEOF.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
