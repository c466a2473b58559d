// Command hgctl is the hostguard control-plane client. It talks to a
// running hostguardd over its local Unix control socket to add and remove
// rules, and can watch the daemon's live alert/log streams over gRPC.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tripwire/hostguard/internal/control"
	"github.com/tripwire/hostguard/internal/ruletable"
	hostguardpb "github.com/tripwire/hostguard/proto/hostguardpb"
)

const (
	exitSuccess     = 0
	exitUsageOrOp   = 1
	exitConnectFail = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("hgctl", flag.ContinueOnError)
	sockPath := fs.String("socket", "/run/hostguard/control.sock", "path to the hostguardd control socket")
	grpcAddr := fs.String("grpc-addr", "127.0.0.1:4443", "hostguardd gRPC address, for watch")
	if err := fs.Parse(args); err != nil {
		return exitUsageOrOp
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: hgctl [-socket path] [-grpc-addr addr] <add-rule|remove-rule|watch-alerts|watch-logs> ...")
		return exitUsageOrOp
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	switch rest[0] {
	case "add-rule":
		return runAddRule(*sockPath, rest[1:])
	case "remove-rule":
		return runRemoveRule(*sockPath, rest[1:])
	case "watch-alerts":
		return runWatch(*grpcAddr, logger, true)
	case "watch-logs":
		return runWatch(*grpcAddr, logger, false)
	default:
		fmt.Fprintf(os.Stderr, "hgctl: unknown subcommand %q\n", rest[0])
		return exitUsageOrOp
	}
}

func runAddRule(sockPath string, args []string) int {
	fs := flag.NewFlagSet("add-rule", flag.ContinueOnError)
	path := fs.String("path", "", "path to add a rule for")
	action := fs.String("action", "block", "rule action: allow|audit|block")
	if err := fs.Parse(args); err != nil || *path == "" {
		fmt.Fprintln(os.Stderr, "usage: hgctl add-rule -path <path> [-action allow|audit|block]")
		return exitUsageOrOp
	}

	var ruleAction ruletable.Action
	switch *action {
	case "allow":
		ruleAction = ruletable.ActionAllow
	case "audit":
		ruleAction = ruletable.ActionAudit
	case "block":
		ruleAction = ruletable.ActionBlock
	default:
		fmt.Fprintf(os.Stderr, "hgctl: unknown action %q\n", *action)
		return exitUsageOrOp
	}

	resp, err := sendControlRequest(sockPath, control.Request{Op: control.OpAddRule, Path: *path, Action: ruleAction})
	if err != nil {
		fmt.Fprintf(os.Stderr, "hgctl: %v\n", err)
		return exitConnectFail
	}
	if !resp.OK {
		fmt.Fprintf(os.Stderr, "hgctl: add-rule failed: %s\n", resp.Error)
		return exitUsageOrOp
	}
	fmt.Println("rule added")
	return exitSuccess
}

func runRemoveRule(sockPath string, args []string) int {
	fs := flag.NewFlagSet("remove-rule", flag.ContinueOnError)
	path := fs.String("path", "", "path to remove the rule for")
	if err := fs.Parse(args); err != nil || *path == "" {
		fmt.Fprintln(os.Stderr, "usage: hgctl remove-rule -path <path>")
		return exitUsageOrOp
	}

	resp, err := sendControlRequest(sockPath, control.Request{Op: control.OpRemoveRule, Path: *path})
	if err != nil {
		fmt.Fprintf(os.Stderr, "hgctl: %v\n", err)
		return exitConnectFail
	}
	if !resp.OK {
		fmt.Fprintf(os.Stderr, "hgctl: remove-rule failed: %s\n", resp.Error)
		return exitUsageOrOp
	}
	fmt.Println("rule removed")
	return exitSuccess
}

// sendControlRequest dials sockPath, writes one line-delimited JSON request,
// and reads back one line-delimited JSON response.
func sendControlRequest(sockPath string, req control.Request) (control.Response, error) {
	conn, err := net.DialTimeout("unix", sockPath, 5*time.Second)
	if err != nil {
		return control.Response{}, fmt.Errorf("connect to filter port %s: %w", sockPath, err)
	}
	defer conn.Close()

	line, err := json.Marshal(req)
	if err != nil {
		return control.Response{}, fmt.Errorf("marshal request: %w", err)
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		return control.Response{}, fmt.Errorf("write request: %w", err)
	}

	reader := bufio.NewReader(conn)
	respLine, err := reader.ReadBytes('\n')
	if err != nil {
		return control.Response{}, fmt.Errorf("read response: %w", err)
	}
	var resp control.Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return control.Response{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return resp, nil
}

// runWatch dials the daemon's gRPC surface and streams either alerts or
// logs to stdout until interrupted, reconnecting with exponential backoff
// the same way the reference agent's transport reconnects to its dashboard.
func runWatch(addr string, logger *slog.Logger, alerts bool) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return exitSuccess
		}

		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			logger.Warn("hgctl: dial failed", slog.Any("error", err))
			time.Sleep(b.NextBackOff())
			continue
		}

		client := hostguardpb.NewHostGuardServiceClient(conn)
		var stream grpc.ServerStreamingClient[hostguardpb.HostGuardEvent]
		if alerts {
			stream, err = client.WatchAlerts(ctx, &hostguardpb.WatchRequest{})
		} else {
			stream, err = client.WatchLogs(ctx, &hostguardpb.WatchRequest{})
		}
		if err != nil {
			conn.Close()
			logger.Warn("hgctl: watch stream failed", slog.Any("error", err))
			time.Sleep(b.NextBackOff())
			continue
		}

		b.Reset()
		streamErr := drainWatch(stream)
		conn.Close()
		if streamErr == io.EOF || ctx.Err() != nil {
			return exitSuccess
		}
		logger.Warn("hgctl: watch stream ended, reconnecting", slog.Any("error", streamErr))
		time.Sleep(b.NextBackOff())
	}
}

func drainWatch(stream grpc.ServerStreamingClient[hostguardpb.HostGuardEvent]) error {
	for {
		evt, err := stream.Recv()
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\tpid=%d\t%s\t%s\n",
			evt.GetTimestampIso8601(), evt.GetType(), evt.GetOperation(), evt.GetPid(), evt.GetResourcePath(), evt.GetResult())
	}
}
