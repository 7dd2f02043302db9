package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Session owns one broker connection and one channel on it. A Session is
// either fully open or unusable: Dial never returns a half-built value.
//
// Protocol framing on one channel is not safe for concurrent writers, so a
// Session must be driven from a single goroutine. Close is the exception and
// may be called from anywhere.
type Session struct {
	url         string
	conn        Connection
	ch          Channel
	notifyClose chan *amqp.Error
	logger      *slog.Logger

	mu        sync.Mutex
	closed    bool
	consumers []*consumerRegistration
}

type sessionConfig struct {
	logger         *slog.Logger
	dialer         Dialer
	heartbeat      time.Duration
	connectionName string
	prefetchCount  int
	dialTimeout    time.Duration
}

// SessionOption configures a Session
type SessionOption func(*sessionConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SessionOption {
	return func(cfg *sessionConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithDialer replaces the function used to open the connection
func WithDialer(dialer Dialer) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.dialer = dialer
	}
}

// WithHeartbeat sets the connection heartbeat interval
func WithHeartbeat(interval time.Duration) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.heartbeat = interval
	}
}

// WithConnectionName sets the connection_name client property shown in the
// broker management UI.
func WithConnectionName(name string) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.connectionName = name
	}
}

// WithPrefetch sets the channel prefetch count. Zero leaves the broker default.
func WithPrefetch(count int) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.prefetchCount = count
	}
}

// WithDialTimeout bounds the connection handshake
func WithDialTimeout(timeout time.Duration) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.dialTimeout = timeout
	}
}

type dialResult struct {
	conn Connection
	err  error
}

// Dial connects to the broker at url and opens the session channel
func Dial(ctx context.Context, url string, options ...SessionOption) (*Session, error) {
	cfg := &sessionConfig{
		logger:        slog.Default(),
		dialer:        DialAMQP,
		heartbeat:     10 * time.Second,
		prefetchCount: 10,
		dialTimeout:   30 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.connectionName == "" {
		cfg.connectionName = "rabbitmq-dispatch-" + uuid.NewString()
	}

	safeURL := SanitizeURL(url)
	connErr := func(op string, err error) error {
		return &ConnectionError{Op: op, URL: safeURL, Err: err, Timestamp: time.Now()}
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.dialTimeout)
	defer cancel()

	result := make(chan dialResult, 1)
	go func() {
		conn, err := cfg.dialer(url, amqp.Config{
			Heartbeat:  cfg.heartbeat,
			Locale:     "en_US",
			Properties: amqp.Table{"connection_name": cfg.connectionName},
		})
		result <- dialResult{conn: conn, err: err}
	}()

	var conn Connection
	select {
	case r := <-result:
		if r.err != nil {
			return nil, connErr("dial", r.err)
		}
		conn = r.conn
	case <-dialCtx.Done():
		// The handshake may still complete; make sure it does not leak.
		go func() {
			if r := <-result; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, connErr("dial", ctx.Err())
		}
		return nil, connErr("dial", ErrConnectionTimeout)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, connErr("open channel", fmt.Errorf("%w: %v", ErrChannelCreationFailed, err))
	}

	if cfg.prefetchCount > 0 {
		if err := ch.Qos(cfg.prefetchCount, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, connErr("qos", err)
		}
	}

	s := &Session{
		url:         safeURL,
		conn:        conn,
		ch:          ch,
		notifyClose: ch.NotifyClose(make(chan *amqp.Error, 1)),
		logger:      cfg.logger,
	}

	s.logger.Info("connected to RabbitMQ",
		"url", safeURL,
		"connectionName", cfg.connectionName)
	return s, nil
}

// IsOpen reports whether both the connection and the channel are open
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.ch.IsClosed() && !s.conn.IsClosed()
}

// Close closes the channel and then the connection. It is safe to call more
// than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var chErr error
	if !s.ch.IsClosed() {
		chErr = s.ch.Close()
	}
	var connErr error
	if !s.conn.IsClosed() {
		connErr = s.conn.Close()
	}

	s.logger.Info("session closed", "url", s.url)

	if chErr != nil {
		return &ChannelError{Op: "close", Err: chErr, Timestamp: time.Now()}
	}
	if connErr != nil {
		return &ConnectionError{Op: "close", URL: s.url, Err: connErr, Timestamp: time.Now()}
	}
	return nil
}

// Tx puts the channel in transactional mode
func (s *Session) Tx() error {
	return s.withChannel("tx.select", Channel.Tx)
}

// TxCommit commits the current transaction
func (s *Session) TxCommit() error {
	return s.withChannel("tx.commit", Channel.TxCommit)
}

// TxRollback abandons the current transaction
func (s *Session) TxRollback() error {
	return s.withChannel("tx.rollback", Channel.TxRollback)
}

func (s *Session) withChannel(op string, fn func(Channel) error) error {
	ch, err := s.channel()
	if err != nil {
		return &ChannelError{Op: op, Err: err, Timestamp: time.Now()}
	}
	if err := fn(ch); err != nil {
		return &ChannelError{Op: op, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// channel returns the session channel or an error if it can no longer be used
func (s *Session) channel() (Channel, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil, ErrSessionClosed
	}
	if s.ch.IsClosed() {
		return nil, ErrChannelClosed
	}
	return s.ch, nil
}
