package dempsy

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// SenderPool owns one Sender per destination NodeAddress, keyed in a
// sync.Map exactly like the teacher's Transport.peers in transport.go.
// Senders are created lazily on first Get (or Send) and torn down
// explicitly via Stop/Shutdown.
type SenderPool struct {
	localGuid string
	cfg       NodeConfig
	stats     StatsCollector

	senders sync.Map // NodeAddress -> *Sender

	stopOnce sync.Once
}

// NewSenderPool constructs a pool that identifies itself to every peer it
// dials using localGuid (spec §4.1's handshake, mirrored on the sending
// side).
func NewSenderPool(localGuid string, cfg NodeConfig, stats StatsCollector) *SenderPool {
	return &SenderPool{localGuid: localGuid, cfg: cfg, stats: stats}
}

// Get returns the Sender for target, creating and starting it if this is
// the first send to that peer.
func (p *SenderPool) Get(target NodeAddress) *Sender {
	if v, ok := p.senders.Load(target); ok {
		return v.(*Sender)
	}
	s := newSender(target, p.localGuid, p.cfg, p.stats)
	actual, loaded := p.senders.LoadOrStore(target, s)
	if loaded {
		s.close()
		return actual.(*Sender)
	}
	s.start()
	return s
}

// Send frames and enqueues payload for delivery to target, dialing lazily
// on first use. Never blocks: a full outbound queue returns
// ErrSenderUnavailable immediately and is recorded as MessageNotSent.
func (p *SenderPool) Send(target NodeAddress, payload []byte) error {
	return p.Get(target).Send(payload)
}

// Stop tears down the Sender for a single peer, if one exists.
func (p *SenderPool) Stop(target NodeAddress) {
	if v, ok := p.senders.LoadAndDelete(target); ok {
		v.(*Sender).close()
	}
}

// Shutdown tears down every Sender in the pool. Idempotent.
func (p *SenderPool) Shutdown() {
	p.stopOnce.Do(func() {
		p.senders.Range(func(_, v any) bool {
			v.(*Sender).close()
			return true
		})
	})
}

// Sender owns a lazily-dialed connection to one peer, a bounded outbound
// frameQueue, and a single writer goroutine that frames and writes per
// §6.1.
type Sender struct {
	target    NodeAddress
	localGuid string
	backoff   time.Duration
	stats     StatsCollector

	queue    *frameQueue
	doorbell chan struct{}
	done     chan struct{}

	mu   sync.Mutex
	conn net.Conn

	failed    atomic.Bool
	failSince atomic.Int64 // coarseNow value when the current failure streak began
	closed    atomic.Bool
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func newSender(target NodeAddress, localGuid string, cfg NodeConfig, stats StatsCollector) *Sender {
	size := int64(cfg.SenderQueueSize)
	if size <= 0 {
		size = 1024
	}
	backoff := cfg.SenderReconnectBackoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	return &Sender{
		target:    target,
		localGuid: localGuid,
		backoff:   backoff,
		stats:     stats,
		queue:     newFrameQueue(size),
		doorbell:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (s *Sender) start() {
	s.wg.Add(1)
	go s.writeLoop()
}

// Send enqueues payload without blocking. Returns ErrSenderUnavailable if
// the sender has been closed or the outbound queue is full.
func (s *Sender) Send(payload []byte) error {
	if s.closed.Load() {
		return ErrSenderUnavailable
	}
	if err := s.queue.push(payload); err != nil {
		slog.Warn("sender outbound queue full, dropping message", "target", s.target, "depth", s.queue.depth())
		if s.stats != nil {
			s.stats.MessageNotSent()
		}
		return ErrSenderUnavailable
	}
	select {
	case s.doorbell <- struct{}{}:
	default:
	}
	return nil
}

// writeLoop drains the outbound queue and writes framed payloads to the
// peer connection, dialing lazily. On a write failure it discards the
// queued frames, waits a fixed backoff, and redials when the next frame is
// queued. Grounded on the teacher's reconnect-on-SendTo behavior in
// transport.go.
func (s *Sender) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			s.closeConn()
			return
		case <-s.doorbell:
		}

		for {
			payload, ok := s.queue.pop()
			if !ok {
				break
			}
			if err := s.deliver(payload); err != nil {
				if !s.failed.Swap(true) {
					s.failSince.Store(coarseNow.Load())
				}
				slog.Warn("sender write failed", "target", s.target, "error", err,
					"failing_for", time.Duration(coarseNow.Load()-s.failSince.Load())*time.Second)
				if s.stats != nil {
					s.stats.MessageNotSent()
				}
				s.drainAndCountLoss()
				if !s.waitBackoff() {
					return
				}
				break
			}
			if s.failed.Swap(false) {
				slog.Info("sender recovered", "target", s.target,
					"was_down_for", time.Duration(coarseNow.Load()-s.failSince.Load())*time.Second)
			}
			if s.stats != nil {
				s.stats.MessageSent()
			}
		}
	}
}

func (s *Sender) drainAndCountLoss() {
	for {
		_, ok := s.queue.pop()
		if !ok {
			return
		}
		if s.stats != nil {
			s.stats.MessageNotSent()
		}
	}
}

func (s *Sender) waitBackoff() bool {
	select {
	case <-time.After(s.backoff):
		return true
	case <-s.done:
		return false
	}
}

func (s *Sender) deliver(payload []byte) error {
	conn, err := s.ensureConn()
	if err != nil {
		return err
	}
	if err := EncodeFrame(conn, payload); err != nil {
		s.closeConn()
		return err
	}
	return nil
}

func (s *Sender) ensureConn() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	conn, err := net.Dial("tcp", s.target.Addr())
	if err != nil {
		return nil, err
	}
	if err := writeGuidHandshake(conn, s.localGuid); err != nil {
		conn.Close()
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *Sender) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// close stops the writer goroutine and closes the connection. Idempotent.
func (s *Sender) close() {
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.wg.Wait()
	})
}
