package wire_test

import (
	"encoding/binary"
	"testing"

	"github.com/tripwire/hostguard/internal/wire"
)

func TestCodecRoundTrip_Process(t *testing.T) {
	in := wire.Event{
		Type:      wire.EventTypeMatchHostPolicy,
		Operation: wire.OperationProcess,
		Blocked:   true,
		Timestamp: 1234567890,
		Process: wire.ProcessRecord{
			Pid:         4242,
			ParentPid:   1,
			Path:        "/usr/bin/nc",
			ParentPath:  "/usr/bin/bash",
			CommandLine: "nc -l 4444",
		},
	}

	body, err := wire.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	out, err := wire.Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if out != in {
		t.Errorf("round trip mismatch:\n in  = %+v\n out = %+v", in, out)
	}
}

func TestCodecRoundTrip_File(t *testing.T) {
	in := wire.Event{
		Type:      wire.EventTypeHostLog,
		Operation: wire.OperationFile,
		Timestamp: 42,
		File: wire.FileRecord{
			Pid:  7,
			Path: "/etc/passwd",
		},
	}

	body, err := wire.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := wire.Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch:\n in  = %+v\n out = %+v", in, out)
	}
}

func TestCodecRoundTrip_Network(t *testing.T) {
	in := wire.Event{
		Type:      wire.EventTypeHostLog,
		Operation: wire.OperationNetwork,
		Timestamp: 99,
		Network: wire.NetworkRecord{
			Pid:       55,
			LocalPort: 8080,
			RemPort:   443,
			Protocol:  6,
			Direction: 1,
			RemAddr:   "203.0.113.7",
		},
	}

	body, err := wire.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := wire.Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch:\n in  = %+v\n out = %+v", in, out)
	}
}

func TestCodecRoundTrip_EmptyStrings(t *testing.T) {
	in := wire.Event{
		Operation: wire.OperationFile,
		File:      wire.FileRecord{Pid: 1, Path: ""},
	}
	body, err := wire.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := wire.Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.File.Path != "" {
		t.Errorf("File.Path = %q, want empty", out.File.Path)
	}
}

func TestDecodeRejectsOutOfBoundsOffset(t *testing.T) {
	in := wire.Event{Operation: wire.OperationFile, File: wire.FileRecord{Pid: 1, Path: "/x"}}
	body, err := wire.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// The field's length word lives in the last 8 bytes of the payload
	// (offset,length) pair; overwrite length with a value that runs past
	// the end of the body and confirm Decode rejects it.
	last := 20 + int(binary.LittleEndian.Uint32(body[16:20])) - 4
	body[last], body[last+1], body[last+2], body[last+3] = 0xfe, 0xff, 0xff, 0x7f

	if _, err := wire.Decode(body); err == nil {
		t.Fatal("expected Decode to reject an out-of-bounds field length")
	}
}

func TestEncodeRejectsOversizeEvent(t *testing.T) {
	huge := make([]byte, wire.MaxEventSize)
	for i := range huge {
		huge[i] = 'a'
	}
	in := wire.Event{
		Operation: wire.OperationFile,
		File:      wire.FileRecord{Pid: 1, Path: string(huge)},
	}
	if _, err := wire.Encode(in); err == nil {
		t.Fatal("expected Encode to reject an oversize event")
	}
}
