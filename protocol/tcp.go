package protocol

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cellarsync/cellarsync/assertions"
)

const (
	ReadTimeout  = 5 * time.Second
	WriteTimeout = 5 * time.Second
	DialTimeout  = 5 * time.Second

	// A frame is the address header plus a payload of at most MaxMessageSize.
	maxFrameSize = 1 + 255 + MaxMessageSize
)

// TCPTransport sends and receives replication messages over short-lived TCP
// connections. Each message is framed as a 1-byte sender-address length, the
// sender address, then the payload.
type TCPTransport struct {
	addr     string
	listener net.Listener
	handler  func(string, []byte) error
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func NewTCPTransport(addr string, logger *slog.Logger) (*TCPTransport, error) {
	assertions.Assert(addr != "", "transport address cannot be empty")

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	return &TCPTransport{
		addr:     addr,
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With("component", "TCPTransport", "addr", addr),
	}, nil
}

func (t *TCPTransport) Send(addr string, data []byte) error {
	assertions.Assert(addr != "", "target address cannot be empty")
	assertions.Assert(len(data) > 0, "data cannot be empty")
	assertions.Assert(t.addr != addr, "transport cannot send data to itself")

	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		t.logger.Error("connection error", "target", addr, "error", err)
		return err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		t.logger.Error("set deadline error", "error", err)
		return err
	}

	addrBytes := []byte(t.addr)
	addrLen := len(addrBytes)

	// Single buffer for the complete frame to avoid partial writes:
	// [1 byte address length][N bytes address][payload]
	message := make([]byte, 1+addrLen+len(data))
	message[0] = byte(addrLen)
	copy(message[1:1+addrLen], addrBytes)
	copy(message[1+addrLen:], data)

	written, err := conn.Write(message)
	if err != nil {
		t.logger.Error("write error", "target", addr, "error", err)
		return err
	}
	if written != len(message) {
		t.logger.Warn("partial write", "written", written, "total", len(message), "target", addr)
	}

	return nil
}

func (t *TCPTransport) Listen(handler func(string, []byte) error) error {
	assertions.AssertNotNil(handler, "handler function cannot be nil")

	t.handler = handler
	t.wg.Add(1)

	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-t.ctx.Done():
				return
			default:
				// Deadline keeps the accept loop responsive to cancellation.
				deadline := time.Now().Add(1 * time.Second)
				if err := t.listener.(*net.TCPListener).SetDeadline(deadline); err != nil && t.ctx.Err() == nil {
					t.logger.Error("failed to set accept deadline", "error", err)
				}

				conn, err := t.listener.Accept()
				if err != nil {
					if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
						continue
					}
					if t.ctx.Err() == nil {
						t.logger.Error("error accepting connection", "error", err)
					}
					continue
				}

				go t.handleConn(conn)
			}
		}
	}()

	return nil
}

func (t *TCPTransport) handleConn(conn net.Conn) {
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		t.logger.Error("failed to set read deadline", "remote_addr", conn.RemoteAddr(), "error", err)
		return
	}

	// The sender writes one frame and closes the connection, so read until
	// EOF. A push can carry every document snapshot at once, so the frame
	// can be as large as the protocol's message limit; the LimitReader caps
	// what a misbehaving peer can make us buffer.
	buf, err := io.ReadAll(io.LimitReader(conn, maxFrameSize+1))
	if err != nil {
		t.logger.Error("read error", "remote_addr", conn.RemoteAddr(), "error", err)
		return
	}

	n := len(buf)
	if n < 2 { // Need at least the address length byte plus one byte of address
		return
	}
	if n > maxFrameSize {
		t.logger.Error("frame exceeds maximum size", "remote_addr", conn.RemoteAddr(), "bytes", n)
		return
	}

	addrLen := int(buf[0])
	if addrLen == 0 || 1+addrLen >= n {
		t.logger.Error("invalid address length", "remote_addr", conn.RemoteAddr(), "addr_len", addrLen)
		return
	}

	senderAddr := string(buf[1 : 1+addrLen])
	payload := buf[1+addrLen:]

	if t.handler != nil {
		if err := t.handler(senderAddr, payload); err != nil {
			t.logger.Error("handler error", "sender", senderAddr, "error", err)
		}
	}
}

func (t *TCPTransport) Close() error {
	t.logger.Info("closing transport")
	t.cancel()
	if t.listener != nil {
		t.listener.Close()
	}
	t.wg.Wait()
	return nil
}

// Addr returns the transport's listen address.
func (t *TCPTransport) Addr() string {
	return t.addr
}
