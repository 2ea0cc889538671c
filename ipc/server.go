// Package ipc provides the runtime control channel of a running daddr
// instance: status queries and rule changes.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSocket is the control socket path used when none is configured.
const DefaultSocket = "/run/daddr/daddr.sock"

// ErrPermissionDenied is returned for a state-changing command from a peer
// that is not allowed to change the rules.
var ErrPermissionDenied = errors.New("permission denied")

// Commands understood by the server.
const (
	CmdPing       = "ping"
	CmdStatus     = "status"
	CmdTable      = "table"
	CmdSetEntry   = "set-entry"
	CmdClearEntry = "clear-entry"
	CmdSetTarget  = "set-target"
	CmdEnable     = "enable"
	CmdDisable    = "disable"
)

// mutating reports whether cmd changes engine state.
func mutating(cmd string) bool {
	switch cmd {
	case CmdSetEntry, CmdClearEntry, CmdSetTarget, CmdEnable, CmdDisable:
		return true
	default:
		return false
	}
}

// StatusResponse contains the current status of the rewrite engine.
type StatusResponse struct {
	Running          bool          `json:"running"`
	Uptime           time.Duration `json:"uptime"`
	UptimeStr        string        `json:"uptime_str"`
	Enabled          bool          `json:"enabled"`
	Active           bool          `json:"active_configuration"`
	Mode             string        `json:"mode"`
	Family           string        `json:"family"`
	Queue            uint16        `json:"queue"`
	Rules            []string      `json:"rules,omitempty"`
	Restore          string        `json:"restore,omitempty"` // run flags reproducing a direct target
	PacketsProcessed uint64        `json:"packets_processed"`
	PacketsRewritten uint64        `json:"packets_rewritten"`
	PacketsUnchanged uint64        `json:"packets_unchanged"`
	TransportSkipped uint64        `json:"transport_skipped"`
	PacketsDropped   uint64        `json:"packets_dropped"`
}

// TableEntry is one occupied codepoint slot.
type TableEntry struct {
	Index   int    `json:"index"`
	Address string `json:"address"`
}

// Request represents an IPC request.
type Request struct {
	Command string `json:"command"`
	Index   *int   `json:"index,omitempty"`
	Address string `json:"address,omitempty"`
}

// Response is the reply to every request.
type Response struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Status *StatusResponse `json:"status,omitempty"`
	Table  []TableEntry    `json:"table,omitempty"`
}

// Controller is the engine surface driven over IPC.
type Controller interface {
	Status() *StatusResponse
	Table() ([]TableEntry, error)
	SetEntry(index int, addr string) error
	ClearEntry(index int) error
	SetTarget(addr string) error
	Enable()
	Disable()
}

// Server serves the control channel on a Unix socket. The socket is created
// owner-only, and state-changing commands additionally require the peer's
// credentials to pass the authorizer.
type Server struct {
	path      string
	listener  net.Listener
	ctrl      Controller
	logger    logrus.FieldLogger
	authorize func(uid uint32) bool
	mu        sync.Mutex
	running   bool
	stopChan  chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuthorizer replaces the check applied to the peer uid of a
// state-changing command.
func WithAuthorizer(fn func(uid uint32) bool) ServerOption {
	return func(s *Server) {
		s.authorize = fn
	}
}

// rootOrSelf allows root and the user the daemon runs as.
func rootOrSelf(uid uint32) bool {
	return uid == 0 || uid == uint32(os.Geteuid())
}

// NewServer creates a new IPC server listening on the socket at path.
func NewServer(path string, ctrl Controller, logger logrus.FieldLogger, opts ...ServerOption) *Server {
	if path == "" {
		path = DefaultSocket
	}
	if logger == nil {
		logger = logrus.WithField("component", "ipc")
	}
	s := &Server{
		path:      path,
		ctrl:      ctrl,
		logger:    logger,
		authorize: rootOrSelf,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins listening for IPC connections. A stale socket file left by a
// previous instance is removed first.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.RemoveAll(s.path); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener
	s.running = true
	s.stopChan = make(chan struct{})

	go s.acceptLoop(listener, s.stopChan)
	return nil
}

// Addr returns the socket path.
func (s *Server) Addr() string {
	return s.path
}

// Stop stops the IPC server and removes the socket. It may be called more
// than once, and the server may be started again afterwards.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.running = false
	close(s.stopChan)
	s.listener.Close()
	s.listener = nil
	os.Remove(s.path)
}

func (s *Server) acceptLoop(listener net.Listener, stop <-chan struct{}) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.WithError(err).Warn("Failed to accept connection")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Read request
	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		return
	}

	var resp *Response
	if err := s.permit(conn, req.Command); err != nil {
		resp = &Response{Error: err.Error()}
	} else {
		resp = s.dispatch(req)
	}
	if resp.Error != "" {
		s.logger.WithField("command", req.Command).Warn(resp.Error)
	}

	// Send response
	encoder := json.NewEncoder(conn)
	encoder.Encode(resp)
}

// permit checks the peer of a state-changing command.
func (s *Server) permit(conn net.Conn, cmd string) error {
	if !mutating(cmd) {
		return nil
	}
	uid, err := peerUID(conn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if !s.authorize(uid) {
		return fmt.Errorf("%w: uid %d may not %s", ErrPermissionDenied, uid, cmd)
	}
	return nil
}

func (s *Server) dispatch(req Request) *Response {
	fail := func(err error) *Response {
		return &Response{Error: err.Error()}
	}
	if s.ctrl == nil && req.Command != CmdPing {
		return &Response{Error: "controller not set"}
	}

	switch req.Command {
	case CmdPing:
		return &Response{OK: true}
	case CmdStatus:
		return &Response{OK: true, Status: s.ctrl.Status()}
	case CmdTable:
		entries, err := s.ctrl.Table()
		if err != nil {
			return fail(err)
		}
		return &Response{OK: true, Table: entries}
	case CmdSetEntry:
		if req.Index == nil {
			return &Response{Error: "index is required"}
		}
		if err := s.ctrl.SetEntry(*req.Index, req.Address); err != nil {
			return fail(err)
		}
		return &Response{OK: true}
	case CmdClearEntry:
		if req.Index == nil {
			return &Response{Error: "index is required"}
		}
		if err := s.ctrl.ClearEntry(*req.Index); err != nil {
			return fail(err)
		}
		return &Response{OK: true}
	case CmdSetTarget:
		if err := s.ctrl.SetTarget(req.Address); err != nil {
			return fail(err)
		}
		return &Response{OK: true}
	case CmdEnable:
		s.ctrl.Enable()
		return &Response{OK: true}
	case CmdDisable:
		s.ctrl.Disable()
		return &Response{OK: true}
	default:
		return &Response{Error: "unknown command"}
	}
}
