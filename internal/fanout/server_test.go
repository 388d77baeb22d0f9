package fanout

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, opts Options) *Server {
	t.Helper()

	s := NewServer(opts)
	require.NoError(t, s.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
	return s
}

func dialClient(t *testing.T, s *Server, identity string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Write([]byte(identity + "\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.Registered(identity)
	}, 2*time.Second, 5*time.Millisecond, "client %s never registered", identity)
	return conn
}

func readFrame(t *testing.T, conn net.Conn) string {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestServer_NotifyDeliversNewlineFramed(t *testing.T) {
	s := startTestServer(t, Options{})
	conn := dialClient(t, s, "terminal-7")

	require.NoError(t, s.Notify("terminal-7", []byte(`{"dobra_1":0.25}`)))

	assert.Equal(t, `{"dobra_1":0.25}`+"\n", readFrame(t, conn))
}

func TestServer_NotifyUnknownIdentity(t *testing.T) {
	s := startTestServer(t, Options{})

	err := s.Notify("nobody", []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestServer_BroadcastReachesAllClients(t *testing.T) {
	s := startTestServer(t, Options{})
	a := dialClient(t, s, "cell-a")
	b := dialClient(t, s, "cell-b")

	s.Broadcast([]byte("hello"))

	assert.Equal(t, "hello\n", readFrame(t, a))
	assert.Equal(t, "hello\n", readFrame(t, b))
}

func TestServer_DuplicateIdentityEvictsPrior(t *testing.T) {
	s := startTestServer(t, Options{})

	first := dialClient(t, s, "press-1")

	// Second registration under the same identity must win.
	second, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })
	_, err = second.Write([]byte("press-1\n"))
	require.NoError(t, err)

	// The old connection gets closed by the eviction.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	require.Eventually(t, func() bool {
		_, rerr := first.Read(buf)
		return rerr != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return s.ClientCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Notify("press-1", []byte("after-eviction")))
	assert.Equal(t, "after-eviction\n", readFrame(t, second))
}

func TestServer_EmptyIdentityFallsBackToPeerName(t *testing.T) {
	s := startTestServer(t, Options{})

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = conn.Write([]byte("\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.ClientCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	want := "terminal-" + conn.LocalAddr().String()
	assert.True(t, s.Registered(want), "expected fallback identity %s", want)
}

func TestServer_DisconnectedClientIsRemoved(t *testing.T) {
	s := startTestServer(t, Options{ReadTimeout: 50 * time.Millisecond})
	conn := dialClient(t, s, "gone")

	conn.Close()

	require.Eventually(t, func() bool {
		return !s.Registered("gone")
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, s.Notify("gone", []byte("x")), ErrNotRegistered)
}

func TestServer_FullMailboxDropsWithoutBlocking(t *testing.T) {
	drops := 0
	s := NewServer(Options{MailboxCapacity: 2, OnDrop: func() { drops++ }})

	// Hand-built client with no delivery loop running: the mailbox fills
	// and stays full.
	left, right := net.Pipe()
	t.Cleanup(func() { left.Close(); right.Close() })
	c := &client{
		identity: "stalled",
		conn:     right,
		mailbox:  make(chan []byte, 2),
		done:     make(chan struct{}),
	}
	s.clients[c.identity] = c

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			assert.NoError(t, s.Notify("stalled", []byte("frame")))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full mailbox")
	}
	assert.Equal(t, 3, drops)
	assert.Len(t, c.mailbox, 2)
}

func TestServer_CloseDuringConnectionChurn(t *testing.T) {
	s := NewServer(Options{ReadTimeout: 50 * time.Millisecond})
	require.NoError(t, s.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)
	addr := s.Addr().String()

	// A dial loop churning connections while Close runs. Connections
	// landing after the close started are rejected, never tracked.
	stop := make(chan struct{})
	churned := make(chan struct{})
	go func() {
		defer close(churned)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return
			}
			conn.Write([]byte("churn\n"))
			conn.Close()
		}
	}()

	time.Sleep(10 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		s.Close()
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close hung while connections churned")
	}

	close(stop)
	<-churned
	assert.Zero(t, s.ClientCount())
}

func TestServer_BroadcastSkipsLateRegistrations(t *testing.T) {
	s := startTestServer(t, Options{})
	early := dialClient(t, s, "early")

	s.Broadcast([]byte("first"))
	late := dialClient(t, s, "late")

	assert.Equal(t, "first\n", readFrame(t, early))

	// The late client only ever sees frames sent after it registered.
	s.Broadcast([]byte("second"))
	assert.Equal(t, "second\n", readFrame(t, late))
}
