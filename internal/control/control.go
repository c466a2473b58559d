// Package control implements the local control surface used to mutate the
// rule table at runtime: a Unix domain socket accepting small, line-
// delimited JSON requests. It is the Linux-idiomatic analogue of the
// reference design's device symbolic link and DeviceIoControl codes — both
// are a narrow, local-only control channel with a fixed request shape.
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"unicode/utf8"

	json "github.com/goccy/go-json"

	"github.com/tripwire/hostguard/internal/audit"
	"github.com/tripwire/hostguard/internal/ruletable"
)

// MaxPathRunes mirrors the reference's fixed 260-wchar_t path field. Go has
// no fixed-width embedded string type, so this is enforced as a length
// check instead of a buffer size.
const MaxPathRunes = 260

// Opcode identifies the requested mutation.
type Opcode string

const (
	OpAddRule    Opcode = "add_rule"
	OpRemoveRule Opcode = "remove_rule"
)

// Request is one control-socket frame.
type Request struct {
	Op     Opcode          `json:"op"`
	Path   string          `json:"path"`
	Action ruletable.Action `json:"action,omitempty"`
}

// Response is the reply frame.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

var (
	ErrPathTooLong  = errors.New("control: path exceeds MaxPathRunes")
	ErrEmptyPath    = errors.New("control: path is empty")
	ErrUnknownOp    = errors.New("control: unknown opcode")
)

// Server listens on a Unix domain socket and applies AddRule/RemoveRule
// requests to a ruletable.Table, auditing every successful mutation.
type Server struct {
	table   *ruletable.Table
	auditor *audit.Logger
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New constructs a Server bound to table. auditor may be nil.
func New(table *ruletable.Table, auditor *audit.Logger, logger *slog.Logger) *Server {
	return &Server{table: table, auditor: auditor, logger: logger}
}

// Listen removes any stale socket file at path, binds a new Unix listener,
// and starts accepting connections in the background.
func (s *Server) Listen(ctx context.Context, path string) error {
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("control: remove stale socket %q: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("control: listen on %q: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("control: chmod %q: %w", path, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.logger != nil {
				s.logger.Warn("control: accept error", slog.Any("error", err))
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			writeResponse(conn, Response{OK: false, Error: "malformed request: " + err.Error()})
			continue
		}
		resp := s.apply(req)
		writeResponse(conn, resp)
	}
}

func writeResponse(conn net.Conn, resp Response) {
	line, err := json.Marshal(resp)
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = conn.Write(line)
}

func (s *Server) apply(req Request) Response {
	if req.Path == "" {
		return Response{OK: false, Error: ErrEmptyPath.Error()}
	}
	if utf8.RuneCountInString(req.Path) > MaxPathRunes {
		return Response{OK: false, Error: ErrPathTooLong.Error()}
	}

	switch req.Op {
	case OpAddRule:
		s.table.Insert(req.Path, req.Action)
		if s.auditor != nil {
			if _, err := s.auditor.RuleAdded(req.Path, req.Action); err != nil && s.logger != nil {
				s.logger.Warn("control: audit append failed", slog.Any("error", err))
			}
		}
		return Response{OK: true}
	case OpRemoveRule:
		if !s.table.Remove(req.Path) {
			return Response{OK: false, Error: "no matching rule"}
		}
		if s.auditor != nil {
			if _, err := s.auditor.RuleRemoved(req.Path); err != nil && s.logger != nil {
				s.logger.Warn("control: audit append failed", slog.Any("error", err))
			}
		}
		return Response{OK: true}
	default:
		return Response{OK: false, Error: ErrUnknownOp.Error()}
	}
}

// Close stops accepting new connections and waits for in-flight ones to
// finish.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	s.wg.Wait()
	return err
}
