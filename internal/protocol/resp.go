// Package protocol implements the RESP2 codec used by the server and the client.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/flashdb/rtexp/internal/store"
)

var (
	// ErrInvalidProtocol indicates malformed RESP data
	ErrInvalidProtocol = errors.New("protocol: invalid RESP format")
	// ErrUnexpectedType indicates an unexpected RESP type
	ErrUnexpectedType = errors.New("protocol: unexpected type")
)

// RESP type bytes
const (
	TypeSimpleString = '+'
	TypeError        = '-'
	TypeInteger      = ':'
	TypeBulkString   = '$'
	TypeArray        = '*'
)

const (
	maxBulkLength  = 512 * 1024 * 1024
	maxArrayLength = 1_000_000
	bufSize        = 64 * 1024
)

var crlf = []byte("\r\n")

// Value is one decoded RESP value.
type Value struct {
	Type  byte
	Str   string
	Num   int64
	Array []Value
	Null  bool
}

// Err returns the server error carried by an error value, or nil.
func (v Value) Err() error {
	if v.Type != TypeError {
		return nil
	}
	return errors.New(v.Str)
}

// String renders v the way redis-cli does.
func (v Value) String() string {
	switch {
	case v.Null:
		return "(nil)"
	case v.Type == TypeError:
		return "(error) " + v.Str
	case v.Type == TypeInteger:
		return "(integer) " + strconv.FormatInt(v.Num, 10)
	case v.Type == TypeArray:
		parts := make([]string, len(v.Array))
		for i, item := range v.Array {
			parts[i] = strconv.Itoa(i+1) + ") " + item.String()
		}
		return strings.Join(parts, "\n")
	}
	return v.Str
}

// Reader decodes RESP values from a stream.
type Reader struct {
	rd *bufio.Reader
}

// NewReader creates a Reader with a 64 KiB buffer.
func NewReader(r io.Reader) *Reader {
	return &Reader{rd: bufio.NewReaderSize(r, bufSize)}
}

// Buffered returns the number of bytes readable without a syscall, which
// tells the server whether more pipelined commands are waiting.
func (r *Reader) Buffered() int {
	return r.rd.Buffered()
}

// ReadCommand reads one command, either a RESP array of bulk strings or
// an inline command line such as "RTTL key". It returns the name and
// arguments.
func (r *Reader) ReadCommand() (string, []string, error) {
	b, err := r.rd.Peek(1)
	if err != nil {
		return "", nil, err
	}
	if b[0] != TypeArray {
		line, err := r.readLine()
		if err != nil {
			return "", nil, err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return r.ReadCommand()
		}
		return fields[0], fields[1:], nil
	}

	v, err := r.ReadValue()
	if err != nil {
		return "", nil, err
	}
	if v.Null || len(v.Array) == 0 {
		return "", nil, fmt.Errorf("%w: empty command", ErrInvalidProtocol)
	}
	parts := make([]string, len(v.Array))
	for i, item := range v.Array {
		if item.Type != TypeBulkString && item.Type != TypeSimpleString {
			return "", nil, fmt.Errorf("%w: command arguments must be strings", ErrUnexpectedType)
		}
		parts[i] = item.Str
	}
	return parts[0], parts[1:], nil
}

// ReadValue reads a single RESP value.
func (r *Reader) ReadValue() (Value, error) {
	typ, err := r.rd.ReadByte()
	if err != nil {
		return Value{}, err
	}
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	switch typ {
	case TypeSimpleString, TypeError:
		return Value{Type: typ, Str: line}, nil
	case TypeInteger:
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: invalid integer", ErrInvalidProtocol)
		}
		return Value{Type: typ, Num: n}, nil
	case TypeBulkString:
		return r.readBulk(line)
	case TypeArray:
		return r.readArray(line)
	}
	return Value{}, fmt.Errorf("%w: unknown type %q", ErrInvalidProtocol, typ)
}

func (r *Reader) readLine() (string, error) {
	line, err := r.rd.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return "", ErrInvalidProtocol
	}
	return line[:len(line)-2], nil
}

func (r *Reader) readBulk(header string) (Value, error) {
	n, err := strconv.ParseInt(header, 10, 64)
	switch {
	case err != nil:
		return Value{}, fmt.Errorf("%w: invalid bulk length", ErrInvalidProtocol)
	case n == -1:
		return Value{Type: TypeBulkString, Null: true}, nil
	case n < 0 || n > maxBulkLength:
		return Value{}, fmt.Errorf("%w: bulk length %d out of range", ErrInvalidProtocol, n)
	}

	data := make([]byte, n+2)
	if _, err := io.ReadFull(r.rd, data); err != nil {
		return Value{}, err
	}
	if data[n] != '\r' || data[n+1] != '\n' {
		return Value{}, ErrInvalidProtocol
	}
	return Value{Type: TypeBulkString, Str: string(data[:n])}, nil
}

func (r *Reader) readArray(header string) (Value, error) {
	n, err := strconv.ParseInt(header, 10, 64)
	switch {
	case err != nil:
		return Value{}, fmt.Errorf("%w: invalid array length", ErrInvalidProtocol)
	case n == -1:
		return Value{Type: TypeArray, Null: true}, nil
	case n < 0 || n > maxArrayLength:
		return Value{}, fmt.Errorf("%w: array length %d out of range", ErrInvalidProtocol, n)
	}

	items := make([]Value, n)
	for i := range items {
		if items[i], err = r.ReadValue(); err != nil {
			return Value{}, err
		}
	}
	return Value{Type: TypeArray, Array: items}, nil
}

// Writer encodes RESP values. Every Write call flushes unless auto-flush
// is turned off for a pipeline batch, in which case the caller flushes.
type Writer struct {
	wr        *bufio.Writer
	autoFlush bool
	scratch   []byte
}

// NewWriter creates a Writer with a 64 KiB buffer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{wr: bufio.NewWriterSize(w, bufSize), autoFlush: true}
}

// SetAutoFlush controls whether each Write call flushes.
func (w *Writer) SetAutoFlush(on bool) { w.autoFlush = on }

// Flush writes any buffered data.
func (w *Writer) Flush() error { return w.wr.Flush() }

func (w *Writer) done() error {
	if w.autoFlush {
		return w.wr.Flush()
	}
	return nil
}

func (w *Writer) header(prefix byte, n int64) {
	w.scratch = append(w.scratch[:0], prefix)
	w.scratch = strconv.AppendInt(w.scratch, n, 10)
	w.scratch = append(w.scratch, crlf...)
	w.wr.Write(w.scratch)
}

func (w *Writer) line(prefix byte, s string) {
	w.wr.WriteByte(prefix)
	w.wr.WriteString(s)
	w.wr.Write(crlf)
}

func (w *Writer) bulk(s string) {
	w.header(TypeBulkString, int64(len(s)))
	w.wr.WriteString(s)
	w.wr.Write(crlf)
}

// WriteSimpleString writes +s.
func (w *Writer) WriteSimpleString(s string) error {
	w.line(TypeSimpleString, s)
	return w.done()
}

// WriteError writes -ERR msg, or msg unchanged when it already starts
// with an upper-case error code such as WRONGTYPE.
func (w *Writer) WriteError(msg string) error {
	if !hasErrorCode(msg) {
		msg = "ERR " + msg
	}
	w.line(TypeError, msg)
	return w.done()
}

func hasErrorCode(msg string) bool {
	code, _, ok := strings.Cut(msg, " ")
	return ok && code != "" && strings.ToUpper(code) == code && strings.Trim(code, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") == ""
}

// WriteInteger writes :n.
func (w *Writer) WriteInteger(n int64) error {
	w.header(TypeInteger, n)
	return w.done()
}

// WriteBulkString writes a bulk string.
func (w *Writer) WriteBulkString(s string) error {
	w.bulk(s)
	return w.done()
}

// WriteNull writes a null bulk string.
func (w *Writer) WriteNull() error {
	w.wr.WriteString("$-1\r\n")
	return w.done()
}

// WriteCommand writes a command as an array of bulk strings.
func (w *Writer) WriteCommand(name string, args ...string) error {
	w.header(TypeArray, int64(len(args)+1))
	w.bulk(name)
	for _, a := range args {
		w.bulk(a)
	}
	return w.done()
}

// WriteReply encodes a store reply.
func (w *Writer) WriteReply(r store.Reply) error {
	w.reply(r)
	return w.done()
}

func (w *Writer) reply(r store.Reply) {
	switch r.Kind {
	case store.ReplyNil:
		w.wr.WriteString("$-1\r\n")
	case store.ReplyStatus:
		w.line(TypeSimpleString, r.Str)
	case store.ReplyInteger:
		w.header(TypeInteger, r.Int)
	case store.ReplyBulk:
		w.bulk(r.Str)
	case store.ReplyArray:
		w.header(TypeArray, int64(len(r.Array)))
		for _, item := range r.Array {
			w.reply(item)
		}
	}
}
