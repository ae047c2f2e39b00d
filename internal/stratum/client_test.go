package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/bitsentry/poolwatch/pkg/log"
	"github.com/bitsentry/poolwatch/pkg/retry"
)

type notifyEvent struct {
	params *NotifyParams
	nonce  NonceParams
}

type captureHandler struct {
	events chan notifyEvent
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{events: make(chan notifyEvent, 16)}
}

func (h *captureHandler) HandleNotify(_ context.Context, params *NotifyParams, nonce NonceParams) error {
	h.events <- notifyEvent{params: params, nonce: nonce}
	return nil
}

func testLogger() *log.Logger {
	return log.New("poolwatch-test", "test", "error", "json")
}

func fastBackoff(maxAttempts int) *retry.Config {
	return &retry.Config{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func testClientConfig(addr string) ClientConfig {
	return ClientConfig{
		Addr:         addr,
		UserAgent:    "poolwatch/test",
		Identity:     "bc1qtestidentity",
		DialTimeout:  2 * time.Second,
		IdleTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
}

// fakePool runs a scripted pool server for one connection.
func fakePool(t *testing.T, script func(conn net.Conn, requests *bufio.Scanner)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		script(conn, bufio.NewScanner(conn))
	}()

	return ln.Addr().String()
}

func reply(conn net.Conn, format string, args ...any) {
	_, _ = fmt.Fprintf(conn, format+"\n", args...)
}

// readRequest reads and decodes the next client request.
func readRequest(t *testing.T, requests *bufio.Scanner) *Message {
	t.Helper()
	if !requests.Scan() {
		t.Error("expected a request from the client")
		return &Message{}
	}
	var msg Message
	if err := json.Unmarshal(requests.Bytes(), &msg); err != nil {
		t.Errorf("bad request from client: %v", err)
	}
	return &msg
}

// serveHandshake answers subscribe and authorize with the given values and
// returns after both replies are written.
func serveHandshake(t *testing.T, conn net.Conn, requests *bufio.Scanner, en1 string, en2size int, authOK bool) {
	t.Helper()

	sub := readRequest(t, requests)
	if sub.Method != MethodSubscribe {
		t.Errorf("first request method = %q, want %q", sub.Method, MethodSubscribe)
	}
	reply(conn, `{"id":%v,"result":[[["mining.notify","deadbeef"]],"%s",%d],"error":null}`, sub.ID, en1, en2size)

	auth := readRequest(t, requests)
	if auth.Method != MethodAuthorize {
		t.Errorf("second request method = %q, want %q", auth.Method, MethodAuthorize)
	}
	reply(conn, `{"id":%v,"result":%v,"error":null}`, auth.ID, authOK)
}

const notifyLine = `{"id":null,"method":"mining.notify","params":["job1",` +
	`"00000000000000000002f9d7c9c56ab1c1a5ab49f2936fc3ef07b4a0d2f8b3d1",` +
	`"01000000","ffffffff",["aa","bb"],"20000000","1800c29f","5a54a978",true]}`

func TestClientHandshakeAndNotify(t *testing.T) {
	done := make(chan struct{})
	addr := fakePool(t, func(conn net.Conn, requests *bufio.Scanner) {
		serveHandshake(t, conn, requests, "f8002c90", 4, true)
		reply(conn, `{"id":null,"method":"mining.set_difficulty","params":[1024]}`)
		reply(conn, notifyLine)
		<-done
	})
	defer close(done)

	handler := newCaptureHandler()
	client := NewClient(testClientConfig(addr), testLogger(), fastBackoff(3), handler)

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()

	select {
	case ev := <-handler.events:
		if ev.params.JobID != "job1" {
			t.Errorf("JobID = %q, want job1", ev.params.JobID)
		}
		if ev.nonce.ExtraNonce1 != "f8002c90" || ev.nonce.ExtraNonce2Size != 4 {
			t.Errorf("nonce = %+v", ev.nonce)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}

	if got := client.State(); got != StateListening {
		t.Errorf("state = %v, want listening", got)
	}

	client.Stop()
	if err := <-runErr; err != nil {
		t.Errorf("Run() after Stop = %v, want nil", err)
	}
	if got := client.State(); got != StateDisconnected {
		t.Errorf("state after stop = %v, want disconnected", got)
	}
}

func TestClientMalformedSubscribeReply(t *testing.T) {
	addr := fakePool(t, func(conn net.Conn, requests *bufio.Scanner) {
		sub := readRequest(t, requests)
		// Only two elements: shape error, fatal to the handshake
		reply(conn, `{"id":%v,"result":[[],"f8002c90"],"error":null}`, sub.ID)
	})

	handler := newCaptureHandler()
	client := NewClient(testClientConfig(addr), testLogger(), fastBackoff(1), handler)

	err := client.Run(context.Background())
	if err != ErrMaxReconnects {
		t.Errorf("Run() = %v, want ErrMaxReconnects", err)
	}
	if client.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", client.State())
	}
	select {
	case <-handler.events:
		t.Error("no notification should be delivered on handshake failure")
	default:
	}
}

func TestClientAuthorizationDeclined(t *testing.T) {
	addr := fakePool(t, func(conn net.Conn, requests *bufio.Scanner) {
		serveHandshake(t, conn, requests, "f8002c90", 4, false)
	})

	client := NewClient(testClientConfig(addr), testLogger(), fastBackoff(1), newCaptureHandler())

	if err := client.Run(context.Background()); err != ErrMaxReconnects {
		t.Errorf("Run() = %v, want ErrMaxReconnects", err)
	}
	if client.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", client.State())
	}
}

func TestClientBackoffCeiling(t *testing.T) {
	// A freshly closed listener port refuses connections
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	client := NewClient(testClientConfig(addr), testLogger(), fastBackoff(3), newCaptureHandler())

	start := time.Now()
	if err := client.Run(context.Background()); err != ErrMaxReconnects {
		t.Errorf("Run() = %v, want ErrMaxReconnects", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("ceiling took %v, backoff not applied correctly", elapsed)
	}
	if client.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", client.State())
	}
}

func TestClientStopCancelsBackoff(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	backoff := &retry.Config{
		MaxAttempts: 10,
		BaseDelay:   time.Hour, // Stop must interrupt this
		MaxDelay:    time.Hour,
		Multiplier:  2.0,
	}
	client := NewClient(testClientConfig(addr), testLogger(), backoff, newCaptureHandler())

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()

	// Give the client time to fail the dial and enter backoff
	time.Sleep(100 * time.Millisecond)
	client.Stop()

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run() after Stop = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the pending reconnect timer")
	}
}

func TestClientSurvivesGarbageRecords(t *testing.T) {
	done := make(chan struct{})
	addr := fakePool(t, func(conn net.Conn, requests *bufio.Scanner) {
		serveHandshake(t, conn, requests, "f8002c90", 4, true)
		reply(conn, `this is not json`)
		reply(conn, `{"id":null,"method":"mining.unknown_method","params":[]}`)
		// Too few notify params: rejected, session continues
		reply(conn, `{"id":null,"method":"mining.notify","params":["short"]}`)
		reply(conn, notifyLine)
		<-done
	})
	defer close(done)

	handler := newCaptureHandler()
	client := NewClient(testClientConfig(addr), testLogger(), fastBackoff(3), handler)

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()
	defer func() {
		client.Stop()
		<-runErr
	}()

	select {
	case ev := <-handler.events:
		if ev.params.JobID != "job1" {
			t.Errorf("JobID = %q, want job1", ev.params.JobID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("valid notification after garbage records was not delivered")
	}

	// Only the valid notification comes through
	select {
	case ev := <-handler.events:
		t.Errorf("unexpected extra notification: %+v", ev.params)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientStateObserver(t *testing.T) {
	done := make(chan struct{})
	addr := fakePool(t, func(conn net.Conn, requests *bufio.Scanner) {
		serveHandshake(t, conn, requests, "f8002c90", 4, true)
		<-done
	})
	defer close(done)

	transitions := make(chan string, 16)
	cfg := testClientConfig(addr)
	cfg.OnStateChange = func(_, to State, _ int) {
		transitions <- to.String()
	}

	client := NewClient(cfg, testLogger(), fastBackoff(3), newCaptureHandler())

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()
	defer func() {
		client.Stop()
		<-runErr
	}()

	want := []string{"connecting", "subscribed", "authorized", "listening"}
	for _, expected := range want {
		select {
		case got := <-transitions:
			if got != expected {
				t.Fatalf("transition = %q, want %q", got, expected)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q transition", expected)
		}
	}
}

func TestClientReconnectsAfterRemoteClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	done := make(chan struct{})
	go func() {
		// First connection: handshake then hang up
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		requests := bufio.NewScanner(conn)
		serveHandshake(t, conn, requests, "f8002c90", 4, true)
		_ = conn.Close()

		// Second connection: full session with a notification
		conn, err = ln.Accept()
		if err != nil {
			return
		}
		requests = bufio.NewScanner(conn)
		serveHandshake(t, conn, requests, "0a0b0c0d", 8, true)
		reply(conn, notifyLine)
		<-done
		_ = conn.Close()
	}()
	defer close(done)

	handler := newCaptureHandler()
	client := NewClient(testClientConfig(ln.Addr().String()), testLogger(), fastBackoff(5), handler)

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()
	defer func() {
		client.Stop()
		<-runErr
	}()

	select {
	case ev := <-handler.events:
		// Nonce params come from the second handshake
		if ev.nonce.ExtraNonce1 != "0a0b0c0d" || ev.nonce.ExtraNonce2Size != 8 {
			t.Errorf("nonce after reconnect = %+v", ev.nonce)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no notification after reconnect")
	}
}
