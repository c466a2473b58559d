package control_test

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tripwire/hostguard/internal/control"
	"github.com/tripwire/hostguard/internal/ruletable"
)

func startServer(t *testing.T) (*control.Server, string, *ruletable.Table) {
	t.Helper()
	table := ruletable.New(ruletable.PostureAudit)
	srv := control.New(table, nil, nil)
	sockPath := filepath.Join(t.TempDir(), "control.sock")

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Listen(ctx, sockPath); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, sockPath, table
}

func roundTrip(t *testing.T, sockPath string, req control.Request) control.Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		t.Fatalf("write: %v", err)
	}

	reader := bufio.NewReader(conn)
	respLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp control.Response
	if err := json.Unmarshal([]byte(strings.TrimSpace(respLine)), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestAddRule(t *testing.T) {
	_, sockPath, table := startServer(t)

	resp := roundTrip(t, sockPath, control.Request{Op: control.OpAddRule, Path: "/usr/bin/nc", Action: ruletable.ActionBlock})
	if !resp.OK {
		t.Fatalf("AddRule failed: %s", resp.Error)
	}

	action, matched, _ := table.Lookup("/usr/bin/nc")
	if !matched || action != ruletable.ActionBlock {
		t.Errorf("Lookup after AddRule = (%v, %v), want (Block, true)", action, matched)
	}
}

func TestRemoveRule(t *testing.T) {
	_, sockPath, table := startServer(t)
	table.Insert("/bin/sh", ruletable.ActionAudit)

	resp := roundTrip(t, sockPath, control.Request{Op: control.OpRemoveRule, Path: "/bin/sh"})
	if !resp.OK {
		t.Fatalf("RemoveRule failed: %s", resp.Error)
	}
	if _, matched, _ := table.Lookup("/bin/sh"); matched {
		t.Error("expected rule to be removed")
	}
}

func TestRemoveRuleNotFound(t *testing.T) {
	_, sockPath, _ := startServer(t)

	resp := roundTrip(t, sockPath, control.Request{Op: control.OpRemoveRule, Path: "/no/such/rule"})
	if resp.OK {
		t.Error("expected RemoveRule of a missing rule to fail")
	}
}

func TestEmptyPathRejected(t *testing.T) {
	_, sockPath, _ := startServer(t)

	resp := roundTrip(t, sockPath, control.Request{Op: control.OpAddRule, Path: ""})
	if resp.OK {
		t.Error("expected empty path to be rejected")
	}
}

func TestUnknownOpcodeRejected(t *testing.T) {
	_, sockPath, _ := startServer(t)

	resp := roundTrip(t, sockPath, control.Request{Op: "bogus", Path: "/bin/x"})
	if resp.OK {
		t.Error("expected unknown opcode to be rejected")
	}
}
