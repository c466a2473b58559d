// Package wire implements the on-the-wire event record produced by the
// enforcer and consumed by the pipeline. It is a Go port of the kernel
// message layout in kernel_message.h: a fixed header followed by an
// operation-tagged payload of (offset, length) pairs whose strings live in
// a shared, UTF-16LE-encoded string tail. Offsets and lengths are always
// relative to the start of the event body, never to any outer transport
// framing — a distinction this package's round-trip test exists to pin
// down.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// MaxEventSize is the largest encoded event body the pipeline will accept,
// matching MAX_FILTER_EVENT_SIZE in the reference filter (64 KiB).
const MaxEventSize = 64 * 1024

// EventType mirrors KernelEventType: whether the event is a plain log line
// or the result of a rule-table match.
type EventType uint8

const (
	EventTypeHostLog          EventType = 1
	EventTypeMatchHostPolicy  EventType = 2
)

// Operation mirrors KernelEventOperation: which kind of payload follows the
// header.
type Operation uint8

const (
	OperationProcess Operation = 1
	OperationFile    Operation = 2
	OperationNetwork Operation = 3
)

var (
	ErrTruncated    = errors.New("wire: truncated record")
	ErrOutOfBounds  = errors.New("wire: offset/length out of bounds")
	ErrOddLength    = errors.New("wire: odd byte length for UTF-16 field")
	ErrUnknownOp    = errors.New("wire: unknown operation")
	ErrEventTooLarge = errors.New("wire: event exceeds MaxEventSize")
)

// field is an (offset, length) pair into the string tail, measured in bytes
// of UTF-16LE-encoded text, counted from the start of the event body. A
// zero length means the field is absent, regardless of its offset.
type field struct {
	Offset uint32
	Length uint32
}

// Event is the in-memory, decoded form of one wire record.
type Event struct {
	Type      EventType
	Operation Operation
	Blocked   bool
	Timestamp int64 // unix nanoseconds

	Process ProcessRecord
	File    FileRecord
	Network NetworkRecord
}

// ProcessRecord mirrors KernelProcessEvent.
type ProcessRecord struct {
	Pid         uint32
	ParentPid   uint32
	Path        string
	ParentPath  string
	CommandLine string
}

// FileRecord mirrors KernelFileEvent.
type FileRecord struct {
	Pid  uint32
	Path string
}

// NetworkRecord mirrors KernelNetworkEvent.
type NetworkRecord struct {
	Pid       uint32
	LocalPort uint16
	RemPort   uint16
	Protocol  uint8
	Direction uint8
	RemAddr   string
}

const headerSize = 16 // type(1) + op(1) + blocked(1) + pad(5) + timestamp(8); a 4-byte payload length follows

// Encode packs an Event into its wire representation. The returned body's
// offsets and lengths are relative to byte 0 of the returned slice.
func Encode(e Event) ([]byte, error) {
	var tail bytes.Buffer
	var fields []field

	addString := func(s string) field {
		if s == "" {
			return field{}
		}
		encoded := utf16.Encode([]rune(s))
		off := uint32(tail.Len())
		for _, u := range encoded {
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], u)
			tail.Write(b[:])
		}
		return field{Offset: off, Length: uint32(len(encoded) * 2)}
	}

	head := make([]byte, headerSize)
	head[0] = byte(e.Type)
	head[1] = byte(e.Operation)
	if e.Blocked {
		head[2] = 1
	}
	binary.LittleEndian.PutUint64(head[8:16], uint64(e.Timestamp))

	var payload bytes.Buffer
	switch e.Operation {
	case OperationProcess:
		var pidBuf [8]byte
		binary.LittleEndian.PutUint32(pidBuf[0:4], e.Process.Pid)
		binary.LittleEndian.PutUint32(pidBuf[4:8], e.Process.ParentPid)
		payload.Write(pidBuf[:])
		fields = append(fields,
			addString(e.Process.Path),
			addString(e.Process.ParentPath),
			addString(e.Process.CommandLine),
		)
	case OperationFile:
		var pidBuf [4]byte
		binary.LittleEndian.PutUint32(pidBuf[:], e.File.Pid)
		payload.Write(pidBuf[:])
		fields = append(fields, addString(e.File.Path))
	case OperationNetwork:
		var fixed [8]byte
		binary.LittleEndian.PutUint32(fixed[0:4], e.Network.Pid)
		binary.LittleEndian.PutUint16(fixed[4:6], e.Network.LocalPort)
		binary.LittleEndian.PutUint16(fixed[6:8], e.Network.RemPort)
		payload.Write(fixed[:])
		payload.WriteByte(e.Network.Protocol)
		payload.WriteByte(e.Network.Direction)
		fields = append(fields, addString(e.Network.RemAddr))
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOp, e.Operation)
	}

	// addString recorded offsets into the tail; rebase them onto the body,
	// where the tail starts after the header, length word and payload.
	tailBase := uint32(headerSize + 4 + payload.Len() + 8*len(fields))
	for _, f := range fields {
		if f.Length != 0 {
			f.Offset += tailBase
		}
		var fb [8]byte
		binary.LittleEndian.PutUint32(fb[0:4], f.Offset)
		binary.LittleEndian.PutUint32(fb[4:8], f.Length)
		payload.Write(fb[:])
	}

	body := make([]byte, 0, headerSize+4+payload.Len()+tail.Len())
	body = append(body, head...)
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(payload.Len()))
	body = append(body, countBuf[:]...)
	body = append(body, payload.Bytes()...)
	body = append(body, tail.Bytes()...)

	if len(body) > MaxEventSize {
		return nil, ErrEventTooLarge
	}
	return body, nil
}

// Decode reverses Encode. body must be the event body only — any outer
// transport header must already have been stripped by the caller, since
// offsets inside body are relative to body[0].
func Decode(body []byte) (Event, error) {
	if len(body) < headerSize+4 {
		return Event{}, ErrTruncated
	}
	var e Event
	e.Type = EventType(body[0])
	e.Operation = Operation(body[1])
	e.Blocked = body[2] != 0
	e.Timestamp = int64(binary.LittleEndian.Uint64(body[8:16]))

	payloadLen := binary.LittleEndian.Uint32(body[16:20])
	payloadStart := 20
	payloadEnd := payloadStart + int(payloadLen)
	if payloadEnd > len(body) {
		return Event{}, ErrOutOfBounds
	}
	payload := body[payloadStart:payloadEnd]

	readString := func(f field) (string, error) {
		if f.Length == 0 {
			return "", nil
		}
		if f.Length%2 != 0 {
			return "", ErrOddLength
		}
		start, end := int(f.Offset), int(f.Offset)+int(f.Length)
		if start < 0 || end > len(body) || end < start {
			return "", ErrOutOfBounds
		}
		out, _, err := transform.Bytes(unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder(), body[start:end])
		if err != nil {
			return "", fmt.Errorf("wire: decode utf16 field: %w", err)
		}
		return string(out), nil
	}

	readField := func(b []byte) field {
		return field{
			Offset: binary.LittleEndian.Uint32(b[0:4]),
			Length: binary.LittleEndian.Uint32(b[4:8]),
		}
	}

	switch e.Operation {
	case OperationProcess:
		if len(payload) < 8+3*8 {
			return Event{}, ErrTruncated
		}
		e.Process.Pid = binary.LittleEndian.Uint32(payload[0:4])
		e.Process.ParentPid = binary.LittleEndian.Uint32(payload[4:8])
		fieldsStart := 8
		pathF := readField(payload[fieldsStart : fieldsStart+8])
		parentF := readField(payload[fieldsStart+8 : fieldsStart+16])
		cmdF := readField(payload[fieldsStart+16 : fieldsStart+24])
		var err error
		if e.Process.Path, err = readString(pathF); err != nil {
			return Event{}, err
		}
		if e.Process.ParentPath, err = readString(parentF); err != nil {
			return Event{}, err
		}
		if e.Process.CommandLine, err = readString(cmdF); err != nil {
			return Event{}, err
		}
	case OperationFile:
		if len(payload) < 4+8 {
			return Event{}, ErrTruncated
		}
		e.File.Pid = binary.LittleEndian.Uint32(payload[0:4])
		pathF := readField(payload[4:12])
		var err error
		if e.File.Path, err = readString(pathF); err != nil {
			return Event{}, err
		}
	case OperationNetwork:
		if len(payload) < 10+8 {
			return Event{}, ErrTruncated
		}
		e.Network.Pid = binary.LittleEndian.Uint32(payload[0:4])
		e.Network.LocalPort = binary.LittleEndian.Uint16(payload[4:6])
		e.Network.RemPort = binary.LittleEndian.Uint16(payload[6:8])
		e.Network.Protocol = payload[8]
		e.Network.Direction = payload[9]
		remF := readField(payload[10:18])
		var err error
		if e.Network.RemAddr, err = readString(remF); err != nil {
			return Event{}, err
		}
	default:
		return Event{}, fmt.Errorf("%w: %d", ErrUnknownOp, e.Operation)
	}

	return e, nil
}
