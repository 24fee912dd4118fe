// Package testutil provides testing utilities shared by the evaluation
// services.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

// TestServer is a gRPC server for tests. It serves either in memory or on
// a loopback TCP port.
type TestServer struct {
	Listener net.Listener
	Server   *grpc.Server

	buf *bufconn.Listener
}

// NewTestServer creates a new in-memory test server.
func NewTestServer(opts ...grpc.ServerOption) *TestServer {
	buf := bufconn.Listen(bufSize)
	return &TestServer{
		Listener: buf,
		Server:   grpc.NewServer(opts...),
		buf:      buf,
	}
}

// NewLoopbackServer creates a test server on 127.0.0.1 for clients that
// dial by address.
func NewLoopbackServer(t *testing.T, opts ...grpc.ServerOption) *TestServer {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &TestServer{
		Listener: lis,
		Server:   grpc.NewServer(opts...),
	}
}

// Addr is the address clients dial.
func (ts *TestServer) Addr() string {
	if ts.buf != nil {
		return "passthrough:///bufnet"
	}
	return ts.Listener.Addr().String()
}

// Start starts the test server in a goroutine.
func (ts *TestServer) Start() {
	go func() {
		// Serve returns once Stop is called.
		_ = ts.Server.Serve(ts.Listener)
	}()
}

// Stop stops the test server.
func (ts *TestServer) Stop() {
	ts.Server.Stop()
}

// Dial creates a client connection to the test server.
func (ts *TestServer) Dial() (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if ts.buf != nil {
		opts = append(opts, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return ts.buf.DialContext(ctx)
		}))
	}
	return grpc.NewClient(ts.Addr(), opts...)
}

// DiscardLogger returns a logger that discards all output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WaitFor waits for a condition to become true.
func WaitFor(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timeout waiting for condition: %s", msg)
}

// TestContext returns a context with a test timeout.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
