// Package rpcserver implements the gRPC surface consumed by hgctl and any
// other watch client. It plays the role the reference design's
// internal/server/grpc package plays for the dashboard: a thin adapter
// between a generated service interface and an in-process fan-out, with the
// stream goroutine never blocked by a slow subscriber.
package rpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tripwire/hostguard/internal/fanout"
	"github.com/tripwire/hostguard/internal/wire"
	hostguardpb "github.com/tripwire/hostguard/proto/hostguardpb"
)

// Service implements hostguardpb.HostGuardServiceServer against an
// internal/fanout.Publisher. WatchAlerts and WatchLogs each subscribe for
// the duration of the call and unsubscribe on return; WatchMessages is not
// yet implemented, matching the reference design's own placeholder-stream
// convention.
type Service struct {
	hostguardpb.UnimplementedHostGuardServiceServer

	publisher   *fanout.Publisher
	clusterName string
	hostName    string
	logger      *slog.Logger
}

// New constructs a Service that streams events published to publisher,
// stamping every outgoing record with clusterName/hostName.
func New(publisher *fanout.Publisher, clusterName, hostName string, logger *slog.Logger) *Service {
	return &Service{publisher: publisher, clusterName: clusterName, hostName: hostName, logger: logger}
}

// WatchAlerts streams rule-match events until the client disconnects or the
// stream context is cancelled.
func (s *Service) WatchAlerts(req *hostguardpb.WatchRequest, stream hostguardpb.HostGuardService_WatchAlertsServer) error {
	return s.watch(stream.Context(), req, wire.EventTypeMatchHostPolicy, stream.Send)
}

// WatchLogs streams observational log events until the client disconnects
// or the stream context is cancelled.
func (s *Service) WatchLogs(req *hostguardpb.WatchRequest, stream hostguardpb.HostGuardService_WatchLogsServer) error {
	return s.watch(stream.Context(), req, wire.EventTypeHostLog, stream.Send)
}

// WatchMessages is not implemented; no queued-message transport exists in
// this design, unlike the reference's own speculative ServerCommand
// push channel.
func (s *Service) WatchMessages(req *hostguardpb.WatchRequest, stream hostguardpb.HostGuardService_WatchMessagesServer) error {
	return status.Error(codes.Unimplemented, "rpcserver: WatchMessages is not implemented")
}

// HealthCheck echoes the supplied nonce, proving the server is alive and
// the RPC path is wired end-to-end.
func (s *Service) HealthCheck(ctx context.Context, req *hostguardpb.HealthCheckRequest) (*hostguardpb.HealthCheckResponse, error) {
	return &hostguardpb.HealthCheckResponse{Nonce: req.GetNonce()}, nil
}

func (s *Service) watch(ctx context.Context, req *hostguardpb.WatchRequest, defaultType wire.EventType, send func(*hostguardpb.HostGuardEvent) error) error {
	filter := buildFilter(req, defaultType)
	sub := s.publisher.Subscribe(filter)
	defer s.publisher.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := send(toProto(e, s.clusterName, s.hostName)); err != nil {
				if s.logger != nil {
					s.logger.Warn("rpcserver: send failed, closing stream", slog.Any("error", err))
				}
				return err
			}
		}
	}
}

func buildFilter(req *hostguardpb.WatchRequest, defaultType wire.EventType) fanout.Filter {
	filter := fanout.Filter{Types: map[wire.EventType]struct{}{defaultType: {}}}
	if req == nil {
		return filter
	}
	filter.BlockedOnly = req.GetBlockedOnly()
	if pids := req.GetPids(); len(pids) > 0 {
		filter.Pids = make(map[uint32]struct{}, len(pids))
		for _, p := range pids {
			filter.Pids[p] = struct{}{}
		}
	}
	return filter
}

func toProto(e wire.Event, clusterName, hostName string) *hostguardpb.HostGuardEvent {
	out := &hostguardpb.HostGuardEvent{
		ClusterName:      clusterName,
		HostName:         hostName,
		TimestampUnix:    e.Timestamp,
		TimestampIso8601: time.Unix(0, e.Timestamp).UTC().Format(time.RFC3339Nano),
		Source:           "enforcer",
	}

	switch e.Operation {
	case wire.OperationProcess:
		out.Operation = "Process"
		out.Pid = e.Process.Pid
		out.ProcessName = e.Process.Path
		out.ParentProcessName = e.Process.ParentPath
		out.ResourcePath = e.Process.Path
	case wire.OperationFile:
		out.Operation = "File"
		out.Pid = e.File.Pid
		out.ResourcePath = e.File.Path
	case wire.OperationNetwork:
		out.Operation = "Network"
		out.Pid = e.Network.Pid
		out.ResourcePath = fmt.Sprintf("%s:%d", e.Network.RemAddr, e.Network.RemPort)
	}

	// Alerts (policy matches) carry both a rule action and a result;
	// observational logs carry only a result, mirroring the reference
	// publisher's ConvertToAlert/ConvertToLog split.
	if e.Type == wire.EventTypeMatchHostPolicy {
		out.Type = "MatchedPolicy"
		if e.Blocked {
			out.Action = "Block"
			out.Result = "Permission denied"
		} else {
			out.Action = "Audit"
			out.Result = "Passed"
		}
	} else {
		out.Type = "HostLog"
		if e.Blocked {
			out.Result = "Blocked"
		} else {
			out.Result = "Passed"
		}
	}

	return out
}
