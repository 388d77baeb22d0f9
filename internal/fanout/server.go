package fanout

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrNotRegistered is reported by Notify when no client currently holds
// the target identity. The message is not queued for later.
var ErrNotRegistered = errors.New("no client registered under identity")

// Options tune the fan-out server. Zero values fall back to defaults.
type Options struct {
	// MailboxCapacity bounds each client's outbound queue (default 100).
	MailboxCapacity int

	// WriteTimeout bounds one framed write (default 5s).
	WriteTimeout time.Duration

	// ReadTimeout bounds one liveness read (default 10s). Expiry is not
	// a failure; it just re-arms the read.
	ReadTimeout time.Duration

	// IdentityLimit caps the handshake line length in bytes (default 256).
	IdentityLimit int

	// OnDrop is invoked for each message dropped on a full mailbox.
	OnDrop func()
}

func (o Options) withDefaults() Options {
	if o.MailboxCapacity <= 0 {
		o.MailboxCapacity = 100
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 10 * time.Second
	}
	if o.IdentityLimit <= 0 {
		o.IdentityLimit = 256
	}
	if o.OnDrop == nil {
		o.OnDrop = func() {}
	}
	return o
}

// Server pushes correction frames to operator terminals over persistent
// TCP connections.
//
// Each terminal identifies itself with one newline-terminated identity
// line on connect; the identity is the registry key. A second registration
// under the same identity evicts the first (last-registration-wins). Each
// registered client gets a delivery goroutine draining its bounded
// mailbox and a liveness goroutine whose only job is detecting the peer
// going away; either one triggers the client's teardown exactly once.
type Server struct {
	opts Options
	ln   net.Listener

	mu      sync.Mutex
	clients map[string]*client
	closing bool

	wg sync.WaitGroup
}

type client struct {
	identity string
	conn     net.Conn
	mailbox  chan []byte
	done     chan struct{}
	once     sync.Once
}

// NewServer creates an unstarted server.
func NewServer(opts Options) *Server {
	return &Server{
		opts:    opts.withDefaults(),
		clients: make(map[string]*client),
	}
}

// Listen binds the TCP listener. A bind failure is an unrecoverable
// startup error for the daemon.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind fan-out listener on %s: %w", addr, err)
	}
	s.ln = ln
	slog.Info("fan-out server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until the listener closes. Per-connection
// failures never stop the accept loop.
func (s *Server) Serve(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				slog.Info("fan-out accept loop stopped")
				return
			}
			slog.Error("accept failed", "error", err)
			continue
		}

		// The closing flag and the Add share the registry lock so a
		// connection accepted while Close runs cannot Add after Wait.
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting, closes every client connection, and waits for
// the per-client goroutines to finish.
func (s *Server) Close() {
	if s.ln != nil {
		s.ln.Close()
	}

	s.mu.Lock()
	s.closing = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.teardown(c, "server shutdown")
	}
	s.wg.Wait()
}

// Broadcast enqueues the frame into every currently-registered client's
// mailbox in one pass. Full mailboxes drop for that client only; the
// caller is never blocked. Clients registering after Broadcast returns do
// not receive the frame.
func (s *Server) Broadcast(frame []byte) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	slog.Debug("broadcasting frame", "clients", len(clients))
	for _, c := range clients {
		s.enqueue(c, frame)
	}
}

// Notify enqueues the frame only for the client registered under
// identity. Returns ErrNotRegistered when the identity is absent.
func (s *Server) Notify(identity string, frame []byte) error {
	s.mu.Lock()
	c, ok := s.clients[identity]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, identity)
	}

	s.enqueue(c, frame)
	return nil
}

// Registered reports whether a client currently holds the identity.
func (s *Server) Registered(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.clients[identity]
	return ok
}

// ClientCount returns the number of registered clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// enqueue is the non-blocking mailbox push shared by Broadcast and Notify.
func (s *Server) enqueue(c *client, frame []byte) {
	select {
	case c.mailbox <- frame:
	default:
		slog.Warn("mailbox full, dropping frame", "identity", c.identity)
		s.opts.OnDrop()
	}
}

// handleConn performs the identity handshake, registers the client, and
// runs its delivery and liveness loops. The two loops share one teardown.
func (s *Server) handleConn(conn net.Conn) {
	identity, err := s.readIdentity(conn)
	if err != nil {
		slog.Warn("handshake failed", "peer", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}

	c := &client{
		identity: identity,
		conn:     conn,
		mailbox:  make(chan []byte, s.opts.MailboxCapacity),
		done:     make(chan struct{}),
	}
	if !s.register(c) {
		conn.Close()
		return
	}
	slog.Info("client registered", "identity", identity, "peer", conn.RemoteAddr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliveryLoop(c)
	}()
	s.livenessLoop(c)
}

// readIdentity reads the one-line handshake. An empty line falls back to
// a peer-address-derived name so anonymous terminals still get broadcasts.
func (s *Server) readIdentity(conn net.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
		return "", fmt.Errorf("arm handshake deadline: %w", err)
	}

	r := bufio.NewReaderSize(io.LimitReader(conn, int64(s.opts.IdentityLimit)), s.opts.IdentityLimit)
	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read identity line: %w", err)
	}

	identity := strings.TrimSpace(line)
	if identity == "" {
		identity = "terminal-" + conn.RemoteAddr().String()
	}
	return identity, nil
}

// register installs the client, evicting any prior registration under the
// same identity: its connection is closed and its entry removed before
// the new one goes in. Returns false during shutdown, when a handshake
// that finished after Close snapshotted the registry must not start the
// delivery/liveness pair Close will never see.
func (s *Server) register(c *client) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	prior, ok := s.clients[c.identity]
	s.clients[c.identity] = c
	s.mu.Unlock()

	if ok {
		slog.Info("evicting duplicate client", "identity", c.identity,
			"peer", prior.conn.RemoteAddr().String())
		s.teardown(prior, "duplicate identity")
	}
	return true
}

// teardown closes the client exactly once and removes its registration.
// Safe to trigger from the delivery loop, the liveness loop, eviction,
// and shutdown near-simultaneously.
func (s *Server) teardown(c *client, reason string) {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()

		s.mu.Lock()
		// Only remove the entry if it is still ours - a replacement may
		// already be registered under the same identity.
		if current, ok := s.clients[c.identity]; ok && current == c {
			delete(s.clients, c.identity)
		}
		s.mu.Unlock()

		slog.Info("client closed", "identity", c.identity, "reason", reason)
	})
}

// deliveryLoop drains the client's mailbox, writing one newline-framed
// message per notification. Any write error ends delivery and tears the
// client down.
func (s *Server) deliveryLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.mailbox:
			if err := c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
				s.teardown(c, "arm write deadline: "+err.Error())
				return
			}
			// Copy before framing: broadcast hands every client the same
			// backing slice.
			framed := make([]byte, 0, len(frame)+1)
			framed = append(framed, frame...)
			framed = append(framed, '\n')
			if _, err := c.conn.Write(framed); err != nil {
				slog.Warn("delivery failed", "identity", c.identity, "error", err)
				s.teardown(c, "write failure")
				return
			}
			slog.Debug("frame delivered", "identity", c.identity, "bytes", len(frame))
		}
	}
}

// livenessLoop reads from the connection solely to detect disconnection.
// Peer bytes are discarded; a deadline expiry just re-arms the read so a
// silent client is probed at ReadTimeout granularity.
func (s *Server) livenessLoop(c *client) {
	buf := make([]byte, 1024)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
			s.teardown(c, "arm read deadline: "+err.Error())
			return
		}

		_, err := c.conn.Read(buf)
		if err == nil {
			continue
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			continue
		}
		s.teardown(c, "peer disconnected")
		return
	}
}
