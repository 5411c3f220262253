package rpcadapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

const (
	TransportStdio = "stdio"
	TransportTCP   = "tcp"
	TransportHTTP  = "http"
)

type connState int

const (
	stateIdle connState = iota
	stateAwaitingRequest
	stateValidating
	stateDispatching
	stateResponding
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAwaitingRequest:
		return "awaiting_request"
	case stateValidating:
		return "validating"
	case stateDispatching:
		return "dispatching"
	case stateResponding:
		return "responding"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type ServerConfig struct {
	Dispatcher *Dispatcher
	Observer   Observer
	Logger     *slog.Logger
	// MaxConns caps concurrently served TCP connections. Zero means unlimited.
	MaxConns int
}

// Server runs the newline-delimited JSON-RPC loop over byte streams.
type Server struct {
	dispatcher *Dispatcher
	observer   Observer
	logger     *slog.Logger
	maxConns   int

	// trace observes state transitions; tests only.
	trace func(clientID string, s connState)
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		dispatcher: cfg.Dispatcher,
		observer:   cfg.Observer,
		logger:     logger,
		maxConns:   cfg.MaxConns,
	}
}

// ServeConn reads one message per line from r and writes one response per
// line to w until r is exhausted, a write fails or ctx is cancelled.
// Requests on a connection are handled strictly in order.
func (s *Server) ServeConn(ctx context.Context, transport, clientID string, r io.Reader, w io.Writer) error {
	state := stateIdle
	setState := func(next connState) {
		state = next
		if s.trace != nil {
			s.trace(clientID, next)
		}
	}
	if s.observer != nil {
		s.observer.ConnOpened()
		defer s.observer.ConnClosed()
	}
	defer func() { setState(stateClosed) }()

	reader := bufio.NewReaderSize(r, 64*1024)
	writer := bufio.NewWriter(w)
	caller := domain.Caller{ClientID: clientID}

	for {
		setState(stateAwaitingRequest)
		if err := ctx.Err(); err != nil {
			return nil
		}

		message, tooLong, err := readMessage(reader, MaxMessageBytes)
		if len(bytes.TrimSpace(message)) == 0 && !tooLong {
			if err != nil {
				return ignoreEOF(err)
			}
			continue
		}

		var response []byte
		if tooLong {
			setState(stateValidating)
			response = mustEncode(newError(nil, &Error{
				Code:    CodeInvalidRequest,
				Message: fmt.Sprintf("message exceeds %d bytes", MaxMessageBytes),
			}))
			setState(stateResponding)
		} else {
			response = s.dispatcher.handle(ctx, transport, caller, message, setState)
		}

		if response != nil {
			if werr := writeLine(writer, response); werr != nil {
				s.logger.Warn("rpc_write_failed", "transport", transport, "client_id", clientID, "state", state.String(), "error", werr)
				return werr
			}
		}
		if err != nil {
			return ignoreEOF(err)
		}
	}
}

// ListenAndServe serves TCP connections on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen rpc %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln. Connections beyond MaxConns wait in the
// accept queue instead of being served.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("rpc_listening", "addr", ln.Addr().String(), "max_conns", s.maxConns)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept rpc connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveTCP(ctx, conn)
		}()
	}
}

func (s *Server) serveTCP(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	closeOnCancel := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer closeOnCancel()

	clientID := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(clientID); err == nil {
		clientID = host
	}
	if err := s.ServeConn(ctx, TransportTCP, clientID, conn, conn); err != nil && ctx.Err() == nil {
		s.logger.Warn("rpc_connection_closed", "client_id", clientID, "error", err)
	}
}

// readMessage returns the next line without its terminator. A line longer
// than limit is consumed and reported with tooLong set.
func readMessage(r *bufio.Reader, limit int) ([]byte, bool, error) {
	var buf []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > limit+1 {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if tooLong {
			return nil, true, err
		}
		return bytes.TrimRight(buf, "\r\n"), false, err
	}
}

func writeLine(w *bufio.Writer, payload []byte) error {
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

func mustEncode(resp *Response) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return out
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
