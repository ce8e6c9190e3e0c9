// Package changefeed implements the upstream change-notification feed
// of spec.md §6: a listener that decodes filesystem change events from
// the source host and drives internal/indexer's incremental mode, with
// optional forwarding to a downstream proxy.
//
// Grounded on original_source/mucache's ReinotifyServer/Proxy pair: a
// small standalone TCP listener carrying one event per connection,
// reimplemented here as a length-prefixed JSON wire format over
// net.Listener rather than assuming a specific external protocol.
package changefeed

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/gonlo2/mucachefs/internal/circuit"
	"github.com/gonlo2/mucachefs/pkg/retry"
	"github.com/gonlo2/mucachefs/pkg/types"
)

// forwardBreakerName identifies this collaborator in a shared
// circuit.Manager registry alongside "power-manager".
const forwardBreakerName = "changefeed-forward"

// Sink is called for every decoded event. Matches spec.md §6's
// `notify(event)` sink contract.
type Sink func(ctx context.Context, event types.ChangeEvent)

// Server listens for change events on one TCP address and invokes sink
// for each. One connection carries one length-prefixed event.
type Server struct {
	listenAddr string
	sink       Sink
	forwarder  types.ChangeFeedForwarder
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New constructs a Server. forwarder may be nil when no downstream
// proxy is configured.
func New(listenAddr string, sink Sink, forwarder types.ChangeFeedForwarder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listenAddr: listenAddr,
		sink:       sink,
		forwarder:  forwarder,
		logger:     logger.With("component", "changefeed"),
	}
}

// Start begins listening and accepting connections in a background
// goroutine. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("changefeed listen %s: %w", s.listenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and waits for the accept loop to drain.
func (s *Server) Stop() error {
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

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if isClosedErr(err) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err != io.EOF {
			s.logger.Warn("read event length failed", "error", err)
		}
		return
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		s.logger.Warn("read event payload failed", "error", err)
		return
	}

	var wire wireEvent
	if err := json.Unmarshal(payload, &wire); err != nil {
		s.logger.Warn("decode event failed", "error", err)
		return
	}
	event := types.ChangeEvent{Mask: wire.Mask, Path: wire.Path, Name: wire.Name}

	s.sink(ctx, event)
	if s.forwarder != nil {
		if err := s.forwarder.Notify(ctx, event); err != nil {
			s.logger.Warn("forward event failed", "error", err)
		}
	}
}

type wireEvent struct {
	Mask uint32 `json:"mask"`
	Path string `json:"path"`
	Name string `json:"name"`
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// Forwarder is a types.ChangeFeedForwarder that dials a downstream
// address and writes the same length-prefixed wire format, used when
// `--reinotify-forward`/change_feed.forward_addr is set. Each send runs
// through the retryer, but dial and write failures are plain errors,
// which the retryer does not retry: each failed send is attempted once
// and counts once toward the named breaker, whose open state turns
// further sends into logged drops.
type Forwarder struct {
	addr    string
	retryer *retry.Retryer
	breaker *circuit.CircuitBreaker
	logger  *slog.Logger
}

// NewForwarder returns a Forwarder dialing addr for every Notify call.
// breakers may be nil, in which case calls run retry-wrapped only.
func NewForwarder(addr string, retryCfg retry.Config, breakers *circuit.Manager, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Forwarder{
		addr:    addr,
		retryer: retry.New(retryCfg),
		logger:  logger.With("component", "changefeed-forward"),
	}
	if breakers != nil {
		f.breaker = breakers.GetBreaker(forwardBreakerName)
	}
	return f
}

// Notify implements types.ChangeFeedForwarder.
func (f *Forwarder) Notify(ctx context.Context, event types.ChangeEvent) error {
	do := func(ctx context.Context) error {
		return f.dialAndSend(ctx, event)
	}
	if f.breaker == nil {
		return f.retryer.DoWithContext(ctx, do)
	}
	err := f.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return f.retryer.DoWithContext(ctx, do)
	})
	if errors.Is(err, circuit.ErrOpenState) {
		f.logger.Warn("change-feed forward circuit open, dropping event", "path", event.Path)
		return nil
	}
	return err
}

func (f *Forwarder) dialAndSend(ctx context.Context, event types.ChangeEvent) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return fmt.Errorf("changefeed forward dial %s: %w", f.addr, err)
	}
	defer conn.Close()

	payload, err := json.Marshal(wireEvent{Mask: event.Mask, Path: event.Path, Name: event.Name})
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = conn.Write(payload)
	return err
}

var _ types.ChangeFeedForwarder = (*Forwarder)(nil)
