package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/taskescrow/logging"
)

// MsgIDHeader carries Message.ID. JetStream streams capturing the subjects
// use it to drop duplicate publications.
const MsgIDHeader = nats.MsgIdHdr

// NATSConfig configures the NATS connection and subscription buffers.
type NATSConfig struct {
	Config

	// URL is the server URL. Default: nats.DefaultURL.
	URL string

	// Name identifies this client in server monitoring.
	Name string

	// CredsFile is a NATS user credentials (JWT + NKey) file.
	CredsFile string

	// Token or User/Password for simple auth.
	Token    string
	User     string
	Password string

	// MaxReconnects is -1 for unlimited.
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration

	// Logger receives connection state changes. Nil discards them.
	Logger *logging.Logger
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

// Connect dials NATS. escrowd shares one connection between the state store
// and the bus.
func Connect(cfg NATSConfig) (*nats.Conn, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, natsOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return conn, nil
}

func natsOptions(cfg NATSConfig) []nats.Option {
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	log = log.WithComponent("nats")

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			fields := map[string]interface{}{}
			if err != nil {
				fields["error"] = err.Error()
			}
			log.Warn("disconnected", fields)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("reconnected", map[string]interface{}{"url": c.ConnectedUrlRedacted()})
		}),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	switch {
	case cfg.CredsFile != "":
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.User != "":
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

// NATSBus implements MessageBus on core NATS.
type NATSBus struct {
	conn       *nats.Conn
	bufferSize int
	owned      bool
	dropped    atomic.Uint64
}

// NewNATSBus dials a connection the bus owns and closes.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	conn, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	b := NewNATSBusFromConn(conn, cfg.Config)
	b.owned = true
	return b, nil
}

// NewNATSBusFromConn wraps a borrowed connection; Close leaves it open.
func NewNATSBusFromConn(conn *nats.Conn, cfg Config) *NATSBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &NATSBus{conn: conn, bufferSize: cfg.BufferSize}
}

// Publish sends data to subject.
func (b *NATSBus) Publish(subject string, data []byte) error {
	return b.PublishMessage(&Message{Subject: subject, Data: data})
}

// PublishMessage sends msg, carrying a non-empty ID in MsgIDHeader.
func (b *NATSBus) PublishMessage(msg *Message) error {
	if err := ValidateSubject(msg.Subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}
	out := nats.NewMsg(msg.Subject)
	out.Data = msg.Data
	if msg.ID != "" {
		out.Header.Set(MsgIDHeader, msg.ID)
	}
	if err := b.conn.PublishMsg(out); err != nil {
		return fmt.Errorf("nats publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Subscribe delivers messages matching pattern. A full buffer drops
// messages; see Dropped.
func (b *NATSBus) Subscribe(pattern string) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	sub := &natsSubscription{ch: make(chan *Message, b.bufferSize), dropped: &b.dropped}
	ns, err := b.conn.Subscribe(pattern, sub.deliver)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", pattern, err)
	}
	sub.sub = ns
	return sub, nil
}

// Dropped returns how many messages were discarded by full subscriptions.
func (b *NATSBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Flush waits until the server has processed everything published so far.
func (b *NATSBus) Flush() error {
	return b.conn.Flush()
}

// Close flushes pending publications and closes an owned connection.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	err := b.conn.FlushTimeout(time.Second)
	if b.owned {
		b.conn.Close()
	}
	return err
}

type natsSubscription struct {
	sub     *nats.Subscription
	ch      chan *Message
	dropped *atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func (s *natsSubscription) deliver(m *nats.Msg) {
	msg := &Message{Subject: m.Subject, Data: m.Data}
	if m.Header != nil {
		msg.ID = m.Header.Get(MsgIDHeader)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
		s.dropped.Add(1)
	}
}

func (s *natsSubscription) Messages() <-chan *Message {
	return s.ch
}

func (s *natsSubscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	return s.sub.Unsubscribe()
}
