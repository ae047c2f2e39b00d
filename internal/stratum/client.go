package stratum

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitsentry/poolwatch/pkg/errors"
	"github.com/bitsentry/poolwatch/pkg/log"
	"github.com/bitsentry/poolwatch/pkg/retry"
)

// State represents the session state machine position
type State int32

// Session states. Disconnected is both the initial state and the terminal
// state after an explicit Stop or an exhausted reconnect ceiling.
const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateAuthorized
	StateListening
	StateBackoff
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateListening:
		return "listening"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// ErrMaxReconnects is returned by Run after the configured number of
// consecutive connection failures. An explicit external restart is the only
// way out of this state.
var ErrMaxReconnects = fmt.Errorf("maximum reconnect attempts reached")

// NonceParams holds the coinbase nonce partition learned during the
// subscribe handshake.
type NonceParams struct {
	ExtraNonce1     string
	ExtraNonce2Size int
}

// NotifyHandler receives every accepted mining.notify together with the
// session's nonce partition snapshotted at receipt time. A handler error is
// logged but never aborts the session.
type NotifyHandler interface {
	HandleNotify(ctx context.Context, params *NotifyParams, nonce NonceParams) error
}

// ClientConfig holds the pool connection parameters
type ClientConfig struct {
	Addr         string
	UserAgent    string
	Identity     string
	DialTimeout  time.Duration
	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	// OnStateChange, when set, observes every state transition together
	// with the consecutive failure count. Called from the session
	// goroutine; keep it fast.
	OnStateChange func(from, to State, attempt int)
}

// Client owns exactly one transport connection to the pool and drives the
// Disconnected → Connecting → Subscribed → Authorized → Listening state
// machine, reconnecting with exponential backoff on any transport or
// handshake error. All byte arrivals are processed sequentially; the Client
// is the sole mutator of its own state.
type Client struct {
	cfg     ClientConfig
	logger  *log.Logger
	backoff *retry.Config
	handler NotifyHandler

	reqID atomic.Uint64

	mu      sync.RWMutex
	state   State
	conn    net.Conn
	nonce   NonceParams
	attempt int

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	runDone  chan struct{}
}

// NewClient creates a pool client. backoff drives the reconnect schedule;
// nil means retry.SessionConfig().
func NewClient(cfg ClientConfig, logger *log.Logger, backoff *retry.Config, handler NotifyHandler) *Client {
	if backoff == nil {
		backoff = retry.SessionConfig()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.WithComponent("stratum").WithFields("pool_addr", cfg.Addr),
		backoff: backoff,
		handler: handler,
		stopCh:  make(chan struct{}),
		runDone: make(chan struct{}),
	}
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// NonceParams returns the nonce partition learned from the last successful
// subscribe handshake.
func (c *Client) NonceParams() NonceParams {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nonce
}

// Run connects and processes notifications until Stop is called, the context
// is cancelled, or the reconnect ceiling is reached. Reconnect delays are
// waited on a cancellable timer, never an uninterruptible sleep.
func (c *Client) Run(ctx context.Context) error {
	c.started.Store(true)
	defer close(c.runDone)
	defer c.setState(StateDisconnected)

	for {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := c.runSession(ctx)
		if err == nil {
			// Explicit stop or context cancellation
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return nil
			}
		}

		c.logger.WithError(err).Warn("session ended", "attempt", c.failedAttempts())
		c.setState(StateBackoff)

		attempt := c.recordFailure()
		if attempt >= c.backoff.MaxAttempts {
			c.logger.Error("reconnect ceiling reached, giving up",
				"attempts", attempt)
			return ErrMaxReconnects
		}

		delay := c.backoff.NextDelay(attempt - 1)
		c.logger.Info("reconnecting after backoff", "delay", delay.String(), "attempt", attempt)

		timer := time.NewTimer(delay)
		select {
		case <-c.stopCh:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Stop cancels any pending reconnect timer, closes the transport, and waits
// for Run to exit. No state transitions occur after Stop returns.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
	if c.started.Load() {
		<-c.runDone
	}
}

// runSession drives one full connection lifecycle: dial, subscribe,
// authorize, listen. Returns nil only when stopped cooperatively.
func (c *Client) runSession(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		if c.stopped() || ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, errors.ErrorTypeTransport, "connect",
			"failed to connect to pool")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	framer := NewFramer()
	defer func() {
		_ = conn.Close()
		framer.Reset()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.logger.LogConnection("disconnected", c.cfg.Addr)
	}()

	c.logger.LogConnection("connected", conn.RemoteAddr().String())

	subID := c.reqID.Add(1)
	if err := c.writeMessage(conn, NewRequest(subID, MethodSubscribe, []any{c.cfg.UserAgent})); err != nil {
		return err
	}

	// authID is assigned once the subscribe reply arrives
	var authID uint64

	buf := make([]byte, 4096)
	for {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTransport, "read",
				"failed to set read deadline")
		}

		n, err := conn.Read(buf)
		if err != nil {
			if c.stopped() || ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return errors.Wrap(err, errors.ErrorTypeTimeout, "read",
					"no data within idle window")
			}
			return errors.Wrap(err, errors.ErrorTypeTransport, "read",
				"pool connection failed")
		}

		for _, record := range framer.Feed(buf[:n]) {
			c.logger.LogStratumMessage("received", string(record))

			msg, err := ParseMessage(record)
			if err != nil {
				// Scoped to this record: subsequent records still process
				c.logger.WithError(err).Warn("discarding unparseable record")
				continue
			}

			if err := c.dispatch(ctx, conn, msg, subID, &authID); err != nil {
				return err
			}
		}
	}
}

// dispatch routes one decoded message. A returned error is fatal to the
// session (handshake failures); notification-level problems are logged and
// swallowed so the session keeps listening.
func (c *Client) dispatch(ctx context.Context, conn net.Conn, msg *Message, subID uint64, authID *uint64) error {
	if msg.IsNotification() {
		c.handleNotification(ctx, msg)
		return nil
	}

	id, ok := msg.ResponseID()
	if !ok {
		c.logger.Warn("response with non-numeric id ignored", "id", msg.ID)
		return nil
	}

	switch {
	case id == subID:
		return c.handleSubscribeReply(conn, msg, authID)
	case *authID != 0 && id == *authID:
		return c.handleAuthorizeReply(msg)
	default:
		c.logger.Debug("response for unknown request ignored", "id", id)
		return nil
	}
}

func (c *Client) handleSubscribeReply(conn net.Conn, msg *Message, authID *uint64) error {
	if msg.Error != nil {
		return errors.New(errors.ErrorTypeHandshake, "subscribe",
			"pool rejected subscription").
			WithContext("code", msg.Error.Code).
			WithContext("message", msg.Error.Message)
	}

	sub, err := ParseSubscribeResult(msg.Result)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeHandshake, "subscribe",
			"unexpected subscribe reply shape")
	}

	c.mu.Lock()
	c.nonce = NonceParams{
		ExtraNonce1:     sub.ExtraNonce1,
		ExtraNonce2Size: sub.ExtraNonce2Size,
	}
	c.mu.Unlock()
	c.setState(StateSubscribed)

	c.logger.Info("subscribed",
		"extranonce1", sub.ExtraNonce1,
		"extranonce2_size", sub.ExtraNonce2Size,
	)

	*authID = c.reqID.Add(1)
	return c.writeMessage(conn, NewRequest(*authID, MethodAuthorize, []any{c.cfg.Identity, "x"}))
}

func (c *Client) handleAuthorizeReply(msg *Message) error {
	if msg.Error != nil {
		return errors.New(errors.ErrorTypeHandshake, "authorize",
			"pool rejected authorization").
			WithContext("code", msg.Error.Code).
			WithContext("message", msg.Error.Message)
	}

	authorized, err := ParseAuthorizeResult(msg.Result)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeHandshake, "authorize",
			"unexpected authorize reply shape")
	}
	if !authorized {
		return errors.New(errors.ErrorTypeHandshake, "authorize",
			"authorization declined").
			WithContext("identity", c.cfg.Identity)
	}

	c.setState(StateAuthorized)
	c.setState(StateListening)
	c.resetFailures()
	c.logger.Info("authorized, listening for work", "identity", c.cfg.Identity)
	return nil
}

func (c *Client) handleNotification(ctx context.Context, msg *Message) {
	switch msg.Method {
	case MethodNotify:
		if c.State() != StateListening {
			c.logger.Debug("work notification before handshake completed, ignored",
				"state", c.State().String())
			return
		}

		params, err := ParseNotifyParams(msg.Params)
		if err != nil {
			c.logger.WithError(err).Warn("rejecting malformed work notification")
			return
		}

		c.logger.LogWorkNotification(params.JobID, params.CleanJobs, len(params.MerkleBranch))

		if err := c.handler.HandleNotify(ctx, params, c.NonceParams()); err != nil {
			c.logger.WithError(err).WithJob(params.JobID).Error("notification handler failed")
		}

	case MethodSetDifficulty:
		difficulty, err := ParseSetDifficulty(msg.Params)
		if err != nil {
			c.logger.WithError(err).Warn("malformed set_difficulty ignored")
			return
		}
		// Acknowledged but not propagated
		c.logger.Debug("difficulty update acknowledged", "difficulty", difficulty)

	default:
		c.logger.Info("unrecognized notification ignored", "method", msg.Method)
	}
}

func (c *Client) writeMessage(conn net.Conn, msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "write",
			"failed to marshal outbound message")
	}
	data = append(data, '\n')

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "write",
			"failed to set write deadline")
	}
	if _, err := conn.Write(data); err != nil {
		if c.stopped() {
			return nil
		}
		return errors.Wrap(err, errors.ErrorTypeTransport, "write",
			"failed to write to pool")
	}

	c.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		c.logger.LogStateChange(prev.String(), s.String())
		if c.cfg.OnStateChange != nil {
			c.cfg.OnStateChange(prev, s, c.failedAttempts())
		}
	}
}

func (c *Client) recordFailure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt++
	return c.attempt
}

func (c *Client) failedAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempt
}

func (c *Client) resetFailures() {
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
}

func (c *Client) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}
