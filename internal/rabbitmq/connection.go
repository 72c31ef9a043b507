package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/glimte/mmate-orders/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Endpoint enumerates the broker connection parameters
type Endpoint struct {
	Host           string
	Port           int
	VirtualHost    string
	Username       string
	Password       string
	Heartbeat      time.Duration
	DialTimeout    time.Duration
	ConnectionName string
}

// Validate checks that the endpoint can be dialed
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("%w: broker host is required", ErrInvalidConfiguration)
	}
	if e.Port < 0 || e.Port > math.MaxUint16 {
		return fmt.Errorf("%w: broker port %d out of range", ErrInvalidConfiguration, e.Port)
	}
	if e.Username == "" {
		return fmt.Errorf("%w: broker username is required", ErrInvalidConfiguration)
	}
	return nil
}

// URL returns the AMQP URI of the endpoint, credentials included
func (e Endpoint) URL() string {
	port := e.Port
	if port == 0 {
		port = 5672
	}
	vhost := e.VirtualHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     e.Host,
		Port:     port,
		Username: e.Username,
		Password: e.Password,
		Vhost:    vhost,
	}.String()
}

// Redacted returns the URL with the password masked
func (e Endpoint) Redacted() string {
	return SanitizeURL(e.URL())
}

func (e Endpoint) amqpConfig() amqp.Config {
	cfg := amqp.Config{
		Heartbeat:  e.Heartbeat,
		Properties: amqp.Table{},
	}
	if e.DialTimeout > 0 {
		cfg.Dial = amqp.DefaultDial(e.DialTimeout)
	}
	if e.ConnectionName != "" {
		cfg.Properties["connection_name"] = e.ConnectionName
	}
	return cfg
}

// ConnectionManager starts broker connections and keeps them alive
type ConnectionManager struct {
	dialer         Dialer
	logger         *slog.Logger
	connectPolicy  reliability.RetryPolicy
	reconnectDelay time.Duration
	maxReconnects  int
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the function used to open sessions
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithConnectPolicy sets the retry policy of the initial dial
func WithConnectPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectPolicy = policy
	}
}

// WithReconnectDelay sets the base delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnectAttempts sets the number of reconnection attempts after a
// connection loss. Zero disables reconnection, negative retries forever.
func WithMaxReconnectAttempts(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxReconnects = attempts
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		dialer:         DialAMQP,
		logger:         slog.Default(),
		connectPolicy:  reliability.NoRetry(),
		reconnectDelay: 5 * time.Second,
		maxReconnects:  -1, // infinite retries by default
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Start dials the broker and returns the connection. It blocks until the
// session is open, the retry policy gives up or ctx is done.
func (cm *ConnectionManager) Start(ctx context.Context, endpoint Endpoint) (*Connection, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, &ConnectionError{
			Op:        "start",
			URL:       endpoint.Redacted(),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	conn := &Connection{
		manager:   cm,
		endpoint:  endpoint,
		logger:    cm.logger,
		bindings:  make(map[*Binding]struct{}),
		resolvers: make(map[*SendEndpointResolver]struct{}),
		done:      make(chan struct{}),
	}

	attempts, err := reliability.Retry(ctx, cm.connectPolicy, func(attempt int) error {
		if attempt > 0 {
			cm.logger.Info("retrying broker connection",
				"url", endpoint.Redacted(),
				"attempt", attempt+1)
		}

		session, err := cm.dial(ctx, endpoint)
		if err != nil {
			cm.logger.Warn("broker connection attempt failed",
				"url", endpoint.Redacted(),
				"attempt", attempt+1,
				"error", err)
			return classifyDialError(err)
		}

		conn.mu.Lock()
		conn.attachLocked(session)
		conn.mu.Unlock()
		return nil
	})
	if err != nil {
		conn.Stop()
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       endpoint.Redacted(),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	cm.logger.Info("connected to RabbitMQ",
		"url", endpoint.Redacted(),
		"attempts", attempts)

	return conn, nil
}

// Stop stops conn; see Connection.Stop
func (cm *ConnectionManager) Stop(conn *Connection) error {
	return conn.Stop()
}

// dial opens a session, giving up when ctx is done
func (cm *ConnectionManager) dial(ctx context.Context, endpoint Endpoint) (Session, error) {
	type result struct {
		session Session
		err     error
	}

	dialed := make(chan result, 1)
	go func() {
		session, err := cm.dialer(endpoint.URL(), endpoint.amqpConfig())
		dialed <- result{session: session, err: err}
	}()

	select {
	case r := <-dialed:
		return r.session, r.err
	case <-ctx.Done():
		// Close a session that completes after the caller gave up
		go func() {
			if r := <-dialed; r.session != nil {
				r.session.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// classifyDialError marks failures that another attempt cannot fix
func classifyDialError(err error) error {
	if errors.Is(err, amqp.ErrCredentials) || errors.Is(err, amqp.ErrSASL) || errors.Is(err, amqp.ErrVhost) {
		return reliability.Permanent(err)
	}
	return err
}

// Connection is the single logical broker connection of a process. It owns
// the send endpoints and bindings created against it.
type Connection struct {
	manager  *ConnectionManager
	endpoint Endpoint
	logger   *slog.Logger

	lifecycle sync.Mutex // serializes Stop

	mu        sync.RWMutex
	session   Session
	stopped   bool
	err       error
	bindings  map[*Binding]struct{}
	resolvers map[*SendEndpointResolver]struct{}
	done      chan struct{}
}

// Channel opens a new channel on the current session
func (c *Connection) Channel() (Channel, error) {
	c.mu.RLock()
	session, stopped := c.session, c.stopped
	c.mu.RUnlock()

	if stopped {
		return nil, ErrConnectionClosed
	}
	if session == nil || session.IsClosed() {
		return nil, ErrNotConnected
	}

	ch, err := session.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// IsConnected reports whether a session is currently open
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.stopped && c.session != nil && !c.session.IsClosed()
}

// Done is closed once Stop has run
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection gave up reconnecting, if it did
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Stop releases every binding (letting in-flight handlers finish), every send
// endpoint and finally the session. It is safe to call more than once and on
// a nil connection.
func (c *Connection) Stop() error {
	if c == nil {
		return nil
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	bindings := make([]*Binding, 0, len(c.bindings))
	for b := range c.bindings {
		bindings = append(bindings, b)
	}
	resolvers := make([]*SendEndpointResolver, 0, len(c.resolvers))
	for r := range c.resolvers {
		resolvers = append(resolvers, r)
	}
	c.mu.Unlock()

	var errs []error
	for _, b := range bindings {
		if err := b.Stop(context.Background()); err != nil {
			errs = append(errs, err)
		}
		// An earlier Stop may have given up waiting on the handler
		<-b.Done()
	}
	for _, r := range resolvers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	close(c.done)

	if session != nil && !session.IsClosed() {
		if err := session.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, &ConnectionError{
				Op:        "close",
				URL:       c.endpoint.Redacted(),
				Err:       err,
				Timestamp: time.Now(),
			})
		}
	}

	c.logger.Info("connection stopped", "url", c.endpoint.Redacted())
	return errors.Join(errs...)
}

// attachLocked installs session and starts supervising it. c.mu must be held.
func (c *Connection) attachLocked(session Session) {
	c.session = session
	notify := session.NotifyClose(make(chan *amqp.Error, 1))
	go c.supervise(session, notify)
}

// supervise waits for session to close and reconnects if it was lost
func (c *Connection) supervise(session Session, notify chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notify:
		if !ok || amqpErr == nil {
			// Graceful close
			return
		}

		c.mu.Lock()
		if c.stopped || c.session != session {
			c.mu.Unlock()
			return
		}
		c.session = nil
		c.mu.Unlock()

		c.logger.Error("connection lost",
			"url", c.endpoint.Redacted(),
			"error", amqpErr)

		c.reconnect(amqpErr)

	case <-c.done:
	}
}

// reconnect redials with exponential backoff until the session is back, the
// attempts are exhausted or the connection is stopped
func (c *Connection) reconnect(cause error) {
	maxReconnects := c.manager.maxReconnects
	if maxReconnects == 0 {
		c.fail(&ConnectionError{
			Op:        "connection",
			URL:       c.endpoint.Redacted(),
			Err:       fmt.Errorf("%w: %v", ErrConnectionClosed, cause),
			Timestamp: time.Now(),
		})
		return
	}
	if maxReconnects < 0 {
		maxReconnects = math.MaxInt
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	policy := reliability.NewExponentialBackoff(c.manager.reconnectDelay, 5*time.Minute, 2.0, maxReconnects-1)
	start := time.Now()

	attempts, err := reliability.Retry(ctx, policy, func(attempt int) error {
		c.logger.Info("attempting to reconnect",
			"attempt", attempt+1,
			"maxRetries", c.manager.maxReconnects)

		session, err := c.manager.dial(ctx, c.endpoint)
		if err != nil {
			c.logger.Error("reconnection failed",
				"error", err,
				"attempt", attempt+1)
			return classifyDialError(err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.stopped {
			session.Close()
			return reliability.Permanent(ErrConnectionClosed)
		}
		c.attachLocked(session)
		return nil
	})

	if err == nil {
		c.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempts,
			"duration", time.Since(start))
		return
	}

	select {
	case <-c.done:
		return
	default:
	}

	c.fail(&ConnectionError{
		Op:  "reconnect",
		URL: c.endpoint.Redacted(),
		Err: fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, &reliability.RetryError{
			Op:          "reconnect",
			Attempts:    attempts,
			MaxAttempts: c.manager.maxReconnects,
			LastError:   err,
			Duration:    time.Since(start),
		}),
		Timestamp: time.Now(),
		Attempts:  attempts,
	})
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.logger.Error("connection gave up", "error", err)
}

func (c *Connection) trackBinding(b *Binding) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrConnectionClosed
	}
	c.bindings[b] = struct{}{}
	return nil
}

func (c *Connection) untrackBinding(b *Binding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bindings, b)
}

func (c *Connection) trackResolver(r *SendEndpointResolver) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrConnectionClosed
	}
	c.resolvers[r] = struct{}{}
	return nil
}

func (c *Connection) untrackResolver(r *SendEndpointResolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.resolvers, r)
}
