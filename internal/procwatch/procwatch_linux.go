// Linux implementation of Watcher using the NETLINK_CONNECTOR process
// connector: the kernel pushes PROC_EVENT_EXEC notifications to a bound
// netlink socket with zero polling overhead.
//
// Opening a NETLINK_CONNECTOR socket and subscribing to process events
// requires CAP_NET_ADMIN (or uid 0).
//
//go:build linux

package procwatch

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"
)

// Netlink Connector kernel ABI constants, from <linux/netlink.h> and
// <linux/connector.h>.
const (
	netlinkConnector = 11

	cnIdxProc uint32 = 1
	cnValProc uint32 = 1

	procCNMcastListen uint32 = 1
	procCNMcastIgnore uint32 = 2

	procEventExec uint32 = 0x00000002
)

// Kernel struct sizes, matching <linux/cn_proc.h>:
//
//	struct cn_msg         { idx(4) val(4) seq(4) ack(4) len(2) flags(2) }  → 20 B
//	struct proc_event hdr { what(4) cpu(4) timestamp_ns(8) }               → 16 B
//	struct exec_proc_event{ process_pid(4) process_tgid(4) }               →  8 B
const (
	cnMsgSize       = 20
	procEvtHdrSize  = 16
	execInfoSize    = 8
	nlMsgHdrSize    = 16
	minProcEventLen = cnMsgSize + procEvtHdrSize + execInfoSize
)

// Start opens a NETLINK_CONNECTOR socket, subscribes to kernel process
// events, and begins submitting a wire event for every execve that matches
// a configured pattern. It returns once the subscription is confirmed and
// the background loop has been launched; Ready() closes at the same point.
//
// Calling Start on an already-running Watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return nil
	}

	sock, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_DGRAM, netlinkConnector)
	if err != nil {
		return fmt.Errorf("procwatch: open NETLINK_CONNECTOR socket: %w (requires CAP_NET_ADMIN)", err)
	}

	sa := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Pid: uint32(os.Getpid())}
	if err := syscall.Bind(sock, sa); err != nil {
		_ = syscall.Close(sock)
		return fmt.Errorf("procwatch: bind NETLINK_CONNECTOR: %w", err)
	}

	if err := sendProcCNMsg(sock, procCNMcastListen); err != nil {
		_ = syscall.Close(sock)
		return fmt.Errorf("procwatch: subscribe to proc events: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.readLoop(runCtx, sock)

	close(w.ready)
	w.logger.Info("procwatch: started", slog.Int("patterns", len(w.patterns)))
	return nil
}

// Stop signals the read loop to exit and waits for it to finish. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		cancel := w.cancel
		w.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		w.wg.Wait()
		w.logger.Info("procwatch: stopped")
	})
}

func (w *Watcher) readLoop(ctx context.Context, sock int) {
	defer w.wg.Done()
	defer func() { _ = syscall.Close(sock) }()

	tv := syscall.Timeval{Sec: 1, Usec: 0}
	_ = syscall.SetsockoptTimeval(sock, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv)

	buf := make([]byte, 8*1024)

	for {
		select {
		case <-ctx.Done():
			_ = sendProcCNMsg(sock, procCNMcastIgnore)
			return
		default:
		}

		n, _, err := syscall.Recvfrom(sock, buf, 0)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK || err == syscall.EINTR {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			w.logger.Warn("procwatch: recvfrom error", slog.Any("error", err))
			return
		}

		w.parseNetlinkMessages(ctx, buf[:n])
	}
}

func (w *Watcher) parseNetlinkMessages(ctx context.Context, buf []byte) {
	msgs, err := syscall.ParseNetlinkMessage(buf)
	if err != nil {
		w.logger.Warn("procwatch: parse netlink message", slog.Any("error", err))
		return
	}
	for i := range msgs {
		w.handleNetlinkMessage(ctx, &msgs[i])
	}
}

func (w *Watcher) handleNetlinkMessage(ctx context.Context, msg *syscall.NetlinkMessage) {
	if msg.Header.Type == syscall.NLMSG_ERROR {
		return
	}

	data := msg.Data
	if len(data) < minProcEventLen {
		return
	}

	idx := binary.NativeEndian.Uint32(data[0:4])
	val := binary.NativeEndian.Uint32(data[4:8])
	if idx != cnIdxProc || val != cnValProc {
		return
	}

	payloadLen := int(binary.NativeEndian.Uint16(data[16:18]))
	payload := data[cnMsgSize:]
	if payloadLen > len(payload) {
		return
	}
	payload = payload[:payloadLen]
	if len(payload) < procEvtHdrSize+execInfoSize {
		return
	}

	what := binary.NativeEndian.Uint32(payload[0:4])
	if what != procEventExec {
		return
	}

	pid := int(binary.NativeEndian.Uint32(payload[procEvtHdrSize : procEvtHdrSize+4]))
	comm, exe := readProcInfo(pid)
	w.emitExec(ctx, pid, comm, exe)
}

// readProcInfo reads the short comm name and resolved exe path from
// /proc/<pid>, returning empty strings for any field that cannot be read
// (the process may have already exited).
func readProcInfo(pid int) (comm, exe string) {
	if b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid)); err == nil {
		comm = strings.TrimRight(string(b), "\n\r")
	}
	if link, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
		exe = link
	}
	return comm, exe
}

// sendProcCNMsg builds and sends a NETLINK_CONNECTOR message instructing
// the kernel to start (PROC_CN_MCAST_LISTEN) or stop (PROC_CN_MCAST_IGNORE)
// delivering process events to the calling socket.
func sendProcCNMsg(sock int, op uint32) error {
	const opSize = 4
	const totalSize = nlMsgHdrSize + cnMsgSize + opSize
	buf := make([]byte, totalSize)

	binary.NativeEndian.PutUint32(buf[0:4], uint32(totalSize))
	binary.NativeEndian.PutUint16(buf[4:6], syscall.NLMSG_DONE)
	binary.NativeEndian.PutUint16(buf[6:8], 0)
	binary.NativeEndian.PutUint32(buf[8:12], 0)
	binary.NativeEndian.PutUint32(buf[12:16], uint32(os.Getpid()))

	off := nlMsgHdrSize
	binary.NativeEndian.PutUint32(buf[off+0:off+4], cnIdxProc)
	binary.NativeEndian.PutUint32(buf[off+4:off+8], cnValProc)
	binary.NativeEndian.PutUint32(buf[off+8:off+12], 0)
	binary.NativeEndian.PutUint32(buf[off+12:off+16], 0)
	binary.NativeEndian.PutUint16(buf[off+16:off+18], opSize)
	binary.NativeEndian.PutUint16(buf[off+18:off+20], 0)

	off += cnMsgSize
	binary.NativeEndian.PutUint32(buf[off:off+4], op)

	dst := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Pid: 0}
	return syscall.Sendto(sock, buf, 0, dst)
}
