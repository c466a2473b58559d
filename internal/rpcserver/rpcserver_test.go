package rpcserver_test

import (
	"context"
	"sync"
	"testing"
	"time"

	grpcmeta "google.golang.org/grpc/metadata"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/tripwire/hostguard/internal/fanout"
	"github.com/tripwire/hostguard/internal/rpcserver"
	"github.com/tripwire/hostguard/internal/wire"
	hostguardpb "github.com/tripwire/hostguard/proto/hostguardpb"
)

// mockStream is a hand-rolled server stream satisfying whichever of
// hostguardpb's generated Watch*Server interfaces structural typing asks for
// — they share an identical method set, so one implementation covers all
// three.
type mockStream struct {
	ctx context.Context

	mu   sync.Mutex
	sent []*hostguardpb.HostGuardEvent
}

func newMockStream(ctx context.Context) *mockStream { return &mockStream{ctx: ctx} }

func (m *mockStream) Context() context.Context { return m.ctx }

func (m *mockStream) Send(e *hostguardpb.HostGuardEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, e)
	return nil
}

func (m *mockStream) received() []*hostguardpb.HostGuardEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*hostguardpb.HostGuardEvent, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockStream) SendMsg(msg interface{}) error   { return nil }
func (m *mockStream) RecvMsg(msg interface{}) error   { return nil }
func (m *mockStream) SendHeader(md grpcmeta.MD) error { return nil }
func (m *mockStream) SetHeader(md grpcmeta.MD) error  { return nil }
func (m *mockStream) SetTrailer(md grpcmeta.MD)       {}

func TestWatchAlertsReceivesOnlyPolicyMatches(t *testing.T) {
	pub := fanout.New(8, nil)
	defer pub.Close()
	svc := rpcserver.New(pub, "prod", "web-01", nil)

	ctx, cancel := context.WithCancel(context.Background())
	stream := newMockStream(ctx)

	done := make(chan error, 1)
	go func() { done <- svc.WatchAlerts(&hostguardpb.WatchRequest{}, stream) }()

	// Give the subscriber time to register before publishing.
	time.Sleep(20 * time.Millisecond)

	pub.Publish(wire.Event{Type: wire.EventTypeHostLog, Operation: wire.OperationFile, File: wire.FileRecord{Pid: 1, Path: "/etc/hosts"}})
	pub.Publish(wire.Event{Type: wire.EventTypeMatchHostPolicy, Blocked: true, Operation: wire.OperationProcess, Process: wire.ProcessRecord{Pid: 2, Path: "/usr/bin/nc"}})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(stream.received()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("WatchAlerts returned error: %v", err)
	}

	got := stream.received()
	if len(got) != 1 {
		t.Fatalf("received %d events, want 1", len(got))
	}
	if got[0].Type != "MatchedPolicy" || got[0].Action != "Block" || got[0].Result != "Permission denied" {
		t.Errorf("unexpected event: %+v", got[0])
	}
	if got[0].ClusterName != "prod" || got[0].HostName != "web-01" {
		t.Errorf("cluster/host stamping wrong: %+v", got[0])
	}
}

func TestWatchLogsReceivesOnlyLogEvents(t *testing.T) {
	pub := fanout.New(8, nil)
	defer pub.Close()
	svc := rpcserver.New(pub, "prod", "web-01", nil)

	ctx, cancel := context.WithCancel(context.Background())
	stream := newMockStream(ctx)

	done := make(chan error, 1)
	go func() { done <- svc.WatchLogs(&hostguardpb.WatchRequest{}, stream) }()
	time.Sleep(20 * time.Millisecond)

	pub.Publish(wire.Event{Type: wire.EventTypeMatchHostPolicy, Operation: wire.OperationProcess, Process: wire.ProcessRecord{Pid: 9}})
	pub.Publish(wire.Event{Type: wire.EventTypeHostLog, Operation: wire.OperationFile, File: wire.FileRecord{Pid: 3, Path: "/var/log/syslog"}})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(stream.received()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	got := stream.received()
	if len(got) != 1 || got[0].ResourcePath != "/var/log/syslog" {
		t.Fatalf("unexpected WatchLogs result: %+v", got)
	}
}

func TestWatchMessagesIsUnimplemented(t *testing.T) {
	pub := fanout.New(8, nil)
	defer pub.Close()
	svc := rpcserver.New(pub, "prod", "web-01", nil)

	err := svc.WatchMessages(&hostguardpb.WatchRequest{}, newMockStream(context.Background()))
	if err == nil {
		t.Fatal("expected WatchMessages to return an error")
	}
	st, ok := grpcstatus.FromError(err)
	if !ok {
		t.Fatalf("expected a gRPC status error, got %v", err)
	}
	if st.Code().String() != "Unimplemented" {
		t.Errorf("code = %s, want Unimplemented", st.Code())
	}
}

func TestHealthCheckEchoesNonce(t *testing.T) {
	pub := fanout.New(8, nil)
	defer pub.Close()
	svc := rpcserver.New(pub, "prod", "web-01", nil)

	resp, err := svc.HealthCheck(context.Background(), &hostguardpb.HealthCheckRequest{Nonce: "abc123"})
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if resp.GetNonce() != "abc123" {
		t.Errorf("Nonce = %q, want abc123", resp.GetNonce())
	}
}

func TestWatchFiltersByPid(t *testing.T) {
	pub := fanout.New(8, nil)
	defer pub.Close()
	svc := rpcserver.New(pub, "prod", "web-01", nil)

	ctx, cancel := context.WithCancel(context.Background())
	stream := newMockStream(ctx)

	done := make(chan error, 1)
	go func() { done <- svc.WatchLogs(&hostguardpb.WatchRequest{Pids: []uint32{42}}, stream) }()
	time.Sleep(20 * time.Millisecond)

	pub.Publish(wire.Event{Type: wire.EventTypeHostLog, Operation: wire.OperationFile, File: wire.FileRecord{Pid: 1, Path: "/tmp/a"}})
	pub.Publish(wire.Event{Type: wire.EventTypeHostLog, Operation: wire.OperationFile, File: wire.FileRecord{Pid: 42, Path: "/tmp/b"}})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(stream.received()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	got := stream.received()
	if len(got) != 1 || got[0].Pid != 42 {
		t.Fatalf("pid filter did not isolate pid 42: %+v", got)
	}
}
