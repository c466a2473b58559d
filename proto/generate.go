// Package hostguardpb holds the go:generate directive that writes the
// protobuf-generated Go bindings for the HostGuardService gRPC interface
// into proto/hostguardpb, the import path the rest of the module uses.
//
// To regenerate the Go source files from proto/hostguard.proto, run go
// generate from the repository root:
//
//	go generate ./proto/...
//
// Requires protoc, protoc-gen-go, and protoc-gen-go-grpc on PATH:
//
//	go install google.golang.org/protobuf/cmd/protoc-gen-go@latest
//	go install google.golang.org/grpc/cmd/protoc-gen-go-grpc@latest
//
//go:generate protoc --go_out=hostguardpb --go_opt=paths=source_relative --go-grpc_out=hostguardpb --go-grpc_opt=paths=source_relative hostguard.proto
package hostguardpb
