package dempsy

import (
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type recordingListener struct {
	mu   sync.Mutex
	msgs [][]byte
	seen chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{seen: make(chan struct{}, 64)}
}

func (l *recordingListener) OnMessage(r LazyReader) {
	b := append([]byte(nil), r.Bytes()...)
	r.Close()
	l.mu.Lock()
	l.msgs = append(l.msgs, b)
	l.mu.Unlock()
	l.seen <- struct{}{}
}

func (l *recordingListener) waitN(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-l.seen:
		case <-time.After(timeout):
			t.Fatalf("timed out waiting for message %d/%d", i+1, n)
		}
	}
}

func dialAndHandshake(t *testing.T, addr, guid string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := writeGuidHandshake(conn, guid); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return conn
}

// S1 — receiver delivers a short frame end to end.
func TestReceiver_S1_ShortFrame(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("github.com/mgrinshpon/dempsy.init.0.func1"))

	l := newRecordingListener()
	r, err := NewFramedReceiver("127.0.0.1:0", 2, 1<<20, l, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Start()
	defer r.Stop()

	conn := dialAndHandshake(t, r.Addr(), "peer-1")
	defer conn.Close()

	if err := EncodeFrame(conn, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	l.waitN(t, 1, 2*time.Second)

	l.mu.Lock()
	defer l.mu.Unlock()
	if string(l.msgs[0]) != "hello" {
		t.Fatalf("got %q, want hello", l.msgs[0])
	}
}

// S2 — receiver delivers a long-form frame end to end.
func TestReceiver_S2_LongFrame(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("github.com/mgrinshpon/dempsy.init.0.func1"))

	l := newRecordingListener()
	r, err := NewFramedReceiver("127.0.0.1:0", 2, 1<<20, l, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Start()
	defer r.Stop()

	conn := dialAndHandshake(t, r.Addr(), "peer-2")
	defer conn.Close()

	payload := make([]byte, 40000)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := EncodeFrame(conn, payload); err != nil {
		t.Fatal(err)
	}
	l.waitN(t, 1, 2*time.Second)
}

// S3 — a corrupt frame closes only the offending connection; the receiver
// keeps serving other connections.
func TestReceiver_S3_CorruptFrameClosesOnlyThatConn(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("github.com/mgrinshpon/dempsy.init.0.func1"))

	l := newRecordingListener()
	r, err := NewFramedReceiver("127.0.0.1:0", 2, 1<<20, l, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Start()
	defer r.Stop()

	bad := dialAndHandshake(t, r.Addr(), "bad-peer")
	bad.Write([]byte{0xFF, 0xFE}) // -2, not the sentinel
	bad.Close()

	good := dialAndHandshake(t, r.Addr(), "good-peer")
	defer good.Close()
	if err := EncodeFrame(good, []byte("still alive")); err != nil {
		t.Fatal(err)
	}
	l.waitN(t, 1, 2*time.Second)
}

// Disrupt force-closes a connection identified by its handshake guid, and
// reports whether any connection matched.
func TestReceiver_Disrupt(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("github.com/mgrinshpon/dempsy.init.0.func1"))

	l := newRecordingListener()
	r, err := NewFramedReceiver("127.0.0.1:0", 1, 1<<20, l, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Start()
	defer r.Stop()

	conn := dialAndHandshake(t, r.Addr(), "disrupt-me")
	defer conn.Close()

	// give the handler goroutine time to register the connection
	deadline := time.Now().Add(2 * time.Second)
	for {
		if r.Disrupt("disrupt-me") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("disrupt never found the connection")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if r.Disrupt("no-such-peer") {
		t.Fatal("disrupt should not find a nonexistent peer")
	}

	// the connection should now observe EOF/reset
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected read error after disrupt")
	}
}

// Stop closes the listener and all live connections and returns promptly.
func TestReceiver_StopIsLiveAndIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("github.com/mgrinshpon/dempsy.init.0.func1"))

	l := newRecordingListener()
	r, err := NewFramedReceiver("127.0.0.1:0", 2, 1<<20, l, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Start()

	conn := dialAndHandshake(t, r.Addr(), "peer-3")
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		r.Stop()
		r.Stop() // idempotent
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return promptly")
	}
}

func TestReceiver_BindFailurePropagatesErrBind(t *testing.T) {
	l := newRecordingListener()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	_, err = NewFramedReceiver(ln.Addr().String(), 1, 1<<20, l, nil)
	if err == nil {
		t.Fatal("expected bind error on already-bound address")
	}
}
