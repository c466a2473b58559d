//go:build ignore

// gen.go generates the raw FileDescriptorProto bytes needed for
// proto/hostguardpb/hostguard.pb.go.
// Run with: go run ./internal/protogen/gen.go
package main

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"os"

	"google.golang.org/protobuf/proto"
	descriptorpb "google.golang.org/protobuf/types/descriptorpb"
)

func main() {
	b := ptr[bool]
	s := ptr[string]
	_ = b
	_ = s

	strField := func(name string, num int32, jsonName string) *descriptorpb.FieldDescriptorProto {
		return &descriptorpb.FieldDescriptorProto{
			Name: s(name), Number: p(num),
			Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:  descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
			JsonName: s(jsonName),
		}
	}

	fd := &descriptorpb.FileDescriptorProto{
		Name:    s("proto/hostguard.proto"),
		Package: s("hostguard"),
		Options: &descriptorpb.FileOptions{
			GoPackage: s("github.com/tripwire/hostguard/proto/hostguardpb"),
		},
		Syntax: s("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: s("HostGuardEvent"),
				Field: []*descriptorpb.FieldDescriptorProto{
					strField("cluster_name", 1, "clusterName"),
					strField("host_name", 2, "hostName"),
					{Name: s("timestamp_unix"), Number: p(3), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_INT64.Enum(), JsonName: s("timestampUnix")},
					strField("timestamp_iso8601", 4, "timestampIso8601"),
					strField("operation", 5, "operation"),
					{Name: s("pid"), Number: p(6), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_UINT32.Enum(), JsonName: s("pid")},
					strField("process_name", 7, "processName"),
					strField("parent_process_name", 8, "parentProcessName"),
					strField("resource_path", 9, "resourcePath"),
					strField("source", 10, "source"),
					strField("action", 11, "action"),
					strField("result", 12, "result"),
					strField("type", 13, "type"),
				},
			},
			{
				Name: s("WatchRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("event_types"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("eventTypes")},
					{Name: s("pids"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_UINT32.Enum(), JsonName: s("pids")},
					{Name: s("blocked_only"), Number: p(3), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_BOOL.Enum(), JsonName: s("blockedOnly")},
				},
			},
			{
				Name: s("HealthCheckRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					strField("nonce", 1, "nonce"),
				},
			},
			{
				Name: s("HealthCheckResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{
					strField("nonce", 1, "nonce"),
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{
			{
				Name: s("HostGuardService"),
				Method: []*descriptorpb.MethodDescriptorProto{
					{
						Name:            s("WatchAlerts"),
						InputType:       s(".hostguard.WatchRequest"),
						OutputType:      s(".hostguard.HostGuardEvent"),
						ServerStreaming: b(true),
					},
					{
						Name:            s("WatchLogs"),
						InputType:       s(".hostguard.WatchRequest"),
						OutputType:      s(".hostguard.HostGuardEvent"),
						ServerStreaming: b(true),
					},
					{
						Name:            s("WatchMessages"),
						InputType:       s(".hostguard.WatchRequest"),
						OutputType:      s(".hostguard.HostGuardEvent"),
						ServerStreaming: b(true),
					},
					{
						Name:       s("HealthCheck"),
						InputType:  s(".hostguard.HealthCheckRequest"),
						OutputType: s(".hostguard.HealthCheckResponse"),
					},
				},
			},
		},
	}

	raw, err := proto.Marshal(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal error: %v\n", err)
		os.Exit(1)
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		fmt.Fprintf(os.Stderr, "gzip write error: %v\n", err)
		os.Exit(1)
	}
	if err := w.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "gzip close error: %v\n", err)
		os.Exit(1)
	}

	gzBytes := buf.Bytes()
	fmt.Printf("// Raw: %d bytes, GZip: %d bytes\n", len(raw), len(gzBytes))
	fmt.Printf("var file_proto_hostguard_proto_rawDescGZIP_once sync.Once\n")
	fmt.Printf("var file_proto_hostguard_proto_rawDescGZIP_data []byte\n\n")
	fmt.Printf("var file_proto_hostguard_proto_rawDesc = []byte{\n\t")
	for i, b := range gzBytes {
		if i > 0 && i%16 == 0 {
			fmt.Printf("\n\t")
		}
		fmt.Printf("0x%02x,", b)
	}
	fmt.Printf("\n}\n")
}

func ptr[T any](v T) *T  { return &v }
func s(v string) *string { return &v }
func p(v int32) *int32   { return &v }
func b(v bool) *bool     { return &v }
