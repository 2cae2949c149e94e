package main

import (
	"io"
	"strconv"
)

// Replies sent on almost every command are allocated once.
var (
	respOK   = []byte("+OK\r\n")
	respPong = []byte("+PONG\r\n")
	respZero = []byte(":0\r\n")
	respOne  = []byte(":1\r\n")
	respNil  = []byte("$-1\r\n")
)

func (app *application) writeSimpleStringResponse(w io.Writer, s string) error {
	switch s {
	case "OK":
		_, err := w.Write(respOK)
		return err
	case "PONG":
		_, err := w.Write(respPong)
		return err
	}
	buf := make([]byte, 0, len(s)+3)
	buf = append(buf, '+')
	buf = append(buf, s...)
	buf = append(buf, '\r', '\n')
	_, err := w.Write(buf)
	return err
}

func (app *application) writeErrorResponse(w io.Writer, msg string) error {
	_, err := w.Write(appendError(nil, msg))
	return err
}

func appendError(buf []byte, msg string) []byte {
	buf = append(buf, '-')
	buf = append(buf, msg...)
	return append(buf, '\r', '\n')
}

func (app *application) writeBulkStringResponse(w io.Writer, s string) error {
	_, err := w.Write(appendBulk(make([]byte, 0, len(s)+16), s))
	return err
}

// writeBulkBytesResponse avoids the string conversion for payloads that
// already are bytes, like a filter envelope.
func (app *application) writeBulkBytesResponse(w io.Writer, data []byte) error {
	buf := make([]byte, 0, len(data)+16)
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(data)), 10)
	buf = append(buf, '\r', '\n')
	buf = append(buf, data...)
	buf = append(buf, '\r', '\n')
	_, err := w.Write(buf)
	return err
}

func appendBulk(buf []byte, s string) []byte {
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(s)), 10)
	buf = append(buf, '\r', '\n')
	buf = append(buf, s...)
	return append(buf, '\r', '\n')
}

func (app *application) writeIntegerResponse(w io.Writer, i int64) error {
	switch i {
	case 0:
		_, err := w.Write(respZero)
		return err
	case 1:
		_, err := w.Write(respOne)
		return err
	}
	_, err := w.Write(appendInteger(make([]byte, 0, 24), i))
	return err
}

func appendInteger(buf []byte, i int64) []byte {
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, i, 10)
	return append(buf, '\r', '\n')
}

func (app *application) writeNilResponse(w io.Writer) error {
	_, err := w.Write(respNil)
	return err
}

func appendArrayHeader(buf []byte, n int) []byte {
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(n), 10)
	return append(buf, '\r', '\n')
}

// writeIntegerArrayResponse writes membership style replies (0/1 per item)
// in a single Write.
func (app *application) writeIntegerArrayResponse(w io.Writer, values []int64) error {
	buf := appendArrayHeader(make([]byte, 0, 8+len(values)*4), len(values))
	for _, v := range values {
		buf = appendInteger(buf, v)
	}
	_, err := w.Write(buf)
	return err
}

// writeBulkStringArrayResponse writes an array of bulk strings.
func (app *application) writeBulkStringArrayResponse(w io.Writer, values []string) error {
	buf := appendArrayHeader(nil, len(values))
	for _, v := range values {
		buf = appendBulk(buf, v)
	}
	_, err := w.Write(buf)
	return err
}

// writeAddResultsResponse writes one integer per applied item, followed by
// the same error for every item that was not applied.
func (app *application) writeAddResultsResponse(w io.Writer, results []int64, total int, failure error) error {
	buf := appendArrayHeader(make([]byte, 0, 8+total*4), total)
	for _, v := range results {
		buf = appendInteger(buf, v)
	}
	for i := len(results); i < total; i++ {
		buf = appendError(buf, "ERR "+failure.Error())
	}
	_, err := w.Write(buf)
	return err
}
