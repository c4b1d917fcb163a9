// ABOUTME: Tests for the session state machine using in-memory pipe connections.
// ABOUTME: A scripted fake agent drives the handshake and receive loop from the other end.

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alzzmetth/Osxnt/internal/protocol"
	"github.com/alzzmetth/Osxnt/internal/registry"
)

const testPassword = "osxnt"

type fakeResults struct {
	mu      sync.Mutex
	results []resolvedResult
	dropped []string
}

type resolvedResult struct {
	botID, cmdID, result string
}

func (f *fakeResults) Resolve(botID, cmdID, result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, resolvedResult{botID, cmdID, result})
}

func (f *fakeResults) DropBot(botID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, botID)
}

func (f *fakeResults) all() []resolvedResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]resolvedResult(nil), f.results...)
}

func (f *fakeResults) droppedBots() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dropped...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// agentConn wraps the agent end of the pipe with codec helpers.
type agentConn struct {
	net.Conn
	enc *protocol.Encoder
	dec *protocol.Decoder
}

func newAgentConn(t *testing.T, c net.Conn) *agentConn {
	t.Helper()
	if err := c.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("setting agent deadline: %v", err)
	}
	return &agentConn{Conn: c, enc: protocol.NewEncoder(c), dec: protocol.NewDecoder(c)}
}

func (a *agentConn) send(t *testing.T, v any) {
	t.Helper()
	if err := a.enc.Encode(v); err != nil {
		t.Fatalf("agent send: %v", err)
	}
}

func (a *agentConn) recv(t *testing.T) *protocol.Envelope {
	t.Helper()
	env, err := a.dec.Decode()
	if err != nil {
		t.Fatalf("agent recv: %v", err)
	}
	return env
}

type harness struct {
	agent   *agentConn
	sess    *Session
	reg     *registry.Registry
	results *fakeResults
	done    chan error
}

func newHarness(t *testing.T, reg *registry.Registry, cfg Config) *harness {
	t.Helper()
	if cfg.Password == "" {
		cfg.Password = testPassword
	}
	if reg == nil {
		reg = registry.New(testLogger(), 100)
	}

	serverEnd, agentEnd := net.Pipe()
	results := &fakeResults{}
	sess := New(Params{
		Conn:     serverEnd,
		Registry: reg,
		Results:  results,
		Config:   cfg,
		Logger:   testLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	h := &harness{
		agent:   newAgentConn(t, agentEnd),
		sess:    sess,
		reg:     reg,
		results: results,
		done:    done,
	}
	t.Cleanup(func() {
		h.agent.Close()
		sess.Close()
	})
	return h
}

// handshake plays the agent's half of a successful handshake and returns the
// assigned bot ID.
func (h *harness) handshake(t *testing.T, password string, info protocol.Registration) string {
	t.Helper()

	env := h.agent.recv(t)
	if env.Type != protocol.TypeAuth {
		t.Fatalf("first frame type = %q, want auth", env.Type)
	}
	var challenge protocol.AuthChallenge
	if err := env.Bind(&challenge); err != nil {
		t.Fatalf("binding challenge: %v", err)
	}
	h.agent.send(t, protocol.AuthReply{Response: protocol.ChallengeResponse(challenge.Challenge, password)})

	var result protocol.AuthResult
	if err := h.agent.recv(t).Bind(&result); err != nil {
		t.Fatalf("binding auth result: %v", err)
	}
	if result.Status != protocol.StatusOK {
		t.Fatalf("auth status = %q: %s", result.Status, result.Message)
	}

	h.agent.send(t, info)
	var ack protocol.RegisterAck
	if err := h.agent.recv(t).Bind(&ack); err != nil {
		t.Fatalf("binding register ack: %v", err)
	}
	if ack.Status != protocol.StatusOK {
		t.Fatalf("register status = %q", ack.Status)
	}
	return ack.BotID
}

func (h *harness) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestHandshakeAssignsBotID(t *testing.T) {
	h := newHarness(t, nil, Config{})

	botID := h.handshake(t, testPassword, protocol.Registration{Hostname: "web01", OS: "linux", Username: "svc"})
	if botID != "BOT-001" {
		t.Errorf("bot id = %q, want BOT-001", botID)
	}

	bot, ok := h.reg.Get(botID)
	if !ok {
		t.Fatal("no bot record after registration")
	}
	if bot.Status != registry.StatusActive {
		t.Errorf("status = %v, want active", bot.Status)
	}
	if bot.Hostname != "web01" || bot.OS != "linux" || bot.Username != "svc" {
		t.Errorf("identity fields not recorded: %+v", bot)
	}
	if _, ok := h.reg.Transport(botID); !ok {
		t.Error("no transport attached after registration")
	}
}

func TestConcurrentHandshakes(t *testing.T) {
	reg := registry.New(testLogger(), 100)
	h1 := newHarness(t, reg, Config{})
	h2 := newHarness(t, reg, Config{})

	ids := make(chan string, 2)
	var wg sync.WaitGroup
	for _, h := range []*harness{h1, h2} {
		wg.Add(1)
		go func(h *harness) {
			defer wg.Done()
			ids <- h.handshake(t, testPassword, protocol.Registration{Hostname: "host", OS: "linux", Username: "u"})
		}(h)
	}
	wg.Wait()
	close(ids)

	got := map[string]bool{}
	for id := range ids {
		got[id] = true
	}
	if !got["BOT-001"] || !got["BOT-002"] {
		t.Errorf("ids = %v, want BOT-001 and BOT-002", got)
	}
}

func TestAuthFailureClosesWithoutRecord(t *testing.T) {
	h := newHarness(t, nil, Config{})

	var challenge protocol.AuthChallenge
	if err := h.agent.recv(t).Bind(&challenge); err != nil {
		t.Fatalf("binding challenge: %v", err)
	}
	h.agent.send(t, protocol.AuthReply{Response: "not-the-mac"})

	var result protocol.AuthResult
	if err := h.agent.recv(t).Bind(&result); err != nil {
		t.Fatalf("binding auth result: %v", err)
	}
	if result.Status != protocol.StatusError {
		t.Errorf("auth status = %q, want error", result.Status)
	}

	if err := h.waitDone(t); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("run err = %v, want ErrAuthFailed", err)
	}
	if snapshot := h.reg.Snapshot(); len(snapshot) != 0 {
		t.Errorf("bot records after failed auth: %v", snapshot)
	}

	// The socket must be closed: the next read reaches EOF.
	if _, err := h.agent.dec.Decode(); err == nil {
		t.Error("expected closed connection after auth failure")
	}
}

func TestMalformedAuthReplyFails(t *testing.T) {
	h := newHarness(t, nil, Config{})

	h.agent.recv(t) // challenge
	if _, err := h.agent.Write([]byte("garbage\n")); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}

	if err := h.waitDone(t); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("run err = %v, want ErrAuthFailed", err)
	}
	if len(h.reg.Snapshot()) != 0 {
		t.Error("bot record created for malformed auth")
	}
}

func TestRegistrationTimeout(t *testing.T) {
	h := newHarness(t, nil, Config{HandshakeTimeout: 100 * time.Millisecond})

	var challenge protocol.AuthChallenge
	if err := h.agent.recv(t).Bind(&challenge); err != nil {
		t.Fatalf("binding challenge: %v", err)
	}
	h.agent.send(t, protocol.AuthReply{Response: protocol.ChallengeResponse(challenge.Challenge, testPassword)})
	h.agent.recv(t) // auth ok

	// Never send registration info; the handshake deadline must fire.
	if err := h.waitDone(t); !errors.Is(err, ErrRegistrationFailed) {
		t.Errorf("run err = %v, want ErrRegistrationFailed", err)
	}
	if len(h.reg.Snapshot()) != 0 {
		t.Error("bot record created without registration")
	}
}

func TestResultRoutedToHandler(t *testing.T) {
	h := newHarness(t, nil, Config{})
	botID := h.handshake(t, testPassword, protocol.Registration{Hostname: "h", OS: "linux", Username: "u"})

	h.agent.send(t, protocol.Result{Type: protocol.TypeResult, CmdID: "cmd-42", Result: "done"})

	waitFor(t, func() bool { return len(h.results.all()) == 1 })
	got := h.results.all()[0]
	if got.botID != botID || got.cmdID != "cmd-42" || got.result != "done" {
		t.Errorf("resolved = %+v", got)
	}
}

func TestMalformedMessagesAreNotFatal(t *testing.T) {
	h := newHarness(t, nil, Config{})
	botID := h.handshake(t, testPassword, protocol.Registration{Hostname: "h", OS: "linux", Username: "u"})

	if _, err := h.agent.Write([]byte("}{ not json\n")); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}
	h.agent.send(t, map[string]any{"type": "no-such-type"})
	h.agent.send(t, protocol.StatusUpdate{Type: protocol.TypeStatus, Data: map[string]string{"arch": "arm64"}})

	waitFor(t, func() bool {
		bot, _ := h.reg.Get(botID)
		return bot.Extra["arch"] == "arm64"
	})

	// Session is still alive and the bot is still active.
	bot, ok := h.reg.Get(botID)
	if !ok || bot.Status != registry.StatusActive {
		t.Errorf("bot after garbage: ok=%v status=%v", ok, bot.Status)
	}
}

func TestErrorReportLoggedNotFatal(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.handshake(t, testPassword, protocol.Registration{Hostname: "h", OS: "linux", Username: "u"})

	h.agent.send(t, protocol.ErrorReport{Type: protocol.TypeError, Error: "payload crashed"})

	waitFor(t, func() bool {
		for _, e := range h.reg.RecentLogs(0) {
			if e.Level == registry.LevelError && strings.Contains(e.Message, "payload crashed") {
				return true
			}
		}
		return false
	})
}

func TestIdleSessionSendsProbe(t *testing.T) {
	h := newHarness(t, nil, Config{ReadTimeout: 50 * time.Millisecond})
	h.handshake(t, testPassword, protocol.Registration{Hostname: "h", OS: "linux", Username: "u"})

	// Send nothing; the session must probe rather than close.
	env := h.agent.recv(t)
	if env.Type != protocol.TypeHeartbeat {
		t.Errorf("probe type = %q, want heartbeat", env.Type)
	}
	var hb protocol.Heartbeat
	if err := env.Bind(&hb); err != nil {
		t.Fatalf("binding probe: %v", err)
	}
	if hb.Timestamp <= 0 {
		t.Errorf("probe timestamp = %v", hb.Timestamp)
	}
}

func TestAgentEOFDisconnects(t *testing.T) {
	h := newHarness(t, nil, Config{})
	botID := h.handshake(t, testPassword, protocol.Registration{Hostname: "h", OS: "linux", Username: "u"})

	h.agent.Close()

	if err := h.waitDone(t); err != nil {
		t.Errorf("clean EOF should not be an error, got %v", err)
	}
	bot, ok := h.reg.Get(botID)
	if !ok || bot.Status != registry.StatusDisconnected {
		t.Errorf("bot after EOF: ok=%v status=%v", ok, bot.Status)
	}
	if _, ok := h.reg.Transport(botID); ok {
		t.Error("transport still attached after disconnect")
	}
	if dropped := h.results.droppedBots(); len(dropped) != 1 || dropped[0] != botID {
		t.Errorf("dropped bots = %v, want [%s]", dropped, botID)
	}
}

func TestCloseDuringRegistration(t *testing.T) {
	// Race the external close paths (sweeper eviction, server shutdown)
	// against a completing handshake. Repeated runs shift the interleaving.
	for i := 0; i < 25; i++ {
		reg := registry.New(testLogger(), 100)
		h := newHarness(t, reg, Config{})

		env, err := h.agent.dec.Decode()
		if err != nil {
			t.Fatalf("reading challenge: %v", err)
		}
		var challenge protocol.AuthChallenge
		if err := env.Bind(&challenge); err != nil {
			t.Fatalf("binding challenge: %v", err)
		}
		if err := h.agent.enc.Encode(protocol.AuthReply{Response: protocol.ChallengeResponse(challenge.Challenge, testPassword)}); err != nil {
			t.Fatalf("sending auth reply: %v", err)
		}
		if _, err := h.agent.dec.Decode(); err != nil {
			t.Fatalf("reading auth result: %v", err)
		}

		stop := make(chan struct{})
		var wg sync.WaitGroup
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
						h.sess.Close()
						_ = h.sess.BotID()
					}
				}
			}()
		}

		// The send and the ack read may fail if the close wins; both
		// outcomes are legal, only the final state matters.
		_ = h.agent.enc.Encode(protocol.Registration{Hostname: "h", OS: "linux", Username: "u"})
		_, _ = h.agent.dec.Decode()

		h.waitDone(t)
		close(stop)
		wg.Wait()

		// Whatever the interleaving: a bot record either never existed or
		// ends Disconnected with no transport left attached.
		for _, b := range reg.Snapshot() {
			if b.Status != registry.StatusDisconnected {
				t.Fatalf("run %d: bot %s status = %v after close, want disconnected", i, b.ID, b.Status)
			}
			if _, ok := reg.Transport(b.ID); ok {
				t.Fatalf("run %d: transport still attached for %s", i, b.ID)
			}
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, Config{})
	botID := h.handshake(t, testPassword, protocol.Registration{Hostname: "h", OS: "linux", Username: "u"})

	// Concurrent closes from the "sweeper" and an error path must not race.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.sess.Close()
		}()
	}
	wg.Wait()
	h.waitDone(t)

	bot, _ := h.reg.Get(botID)
	if bot.Status != registry.StatusDisconnected {
		t.Errorf("status = %v, want disconnected", bot.Status)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
