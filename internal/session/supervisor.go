package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"ro-imap-proxy/internal/config"
	"ro-imap-proxy/internal/forward"
	"ro-imap-proxy/internal/imapmsg"
	"ro-imap-proxy/internal/imapwire"
	"ro-imap-proxy/internal/policy"
	"ro-imap-proxy/internal/tagtrack"
	"ro-imap-proxy/internal/upstream"
)

// SupervisorConfig bounds one session's frame sizes, timeouts, and the
// capability set it advertises pre-auth.
type SupervisorConfig struct {
	Limits               imapwire.Limits
	CommandTimeout       time.Duration
	IdleTimeout          time.Duration
	SweepInterval        time.Duration
	DrainDeadline        time.Duration
	MaxCommandsPerSecond float64
	Capabilities         []string

	// TLSConfig, when non-nil, makes STARTTLS available pre-auth (spec.md
	// §6). RequireTLS reports that clientConn is already TLS (the listener
	// itself is wrapped); in that case STARTTLS is never offered, matching
	// the RFC 3501 convention of not advertising it over an already-secure
	// channel.
	TLSConfig  *tls.Config
	RequireTLS bool
}

func (c SupervisorConfig) orDefaults() SupervisorConfig {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 300 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 1800 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = 5 * time.Second
	}
	if len(c.Capabilities) == 0 {
		c.Capabilities = []string{"IMAP4rev1", "IDLE", "LITERAL+"}
	}
	return c
}

// Supervisor owns one client connection end to end: greeting, local
// authentication, the upstream dial, and the bidirectional forwarding loop.
// It is the dual client/upstream state machine spec.md's session component
// describes, generalized from the teacher's single SessionState int.
type Supervisor struct {
	ID     string
	cfg    *config.Config
	scfg   SupervisorConfig
	logger *slog.Logger

	clientConn net.Conn
	clientR    *imapwire.Reader
	clientW    *imapwire.Writer

	tracker  *tagtrack.Tracker
	pipeline *forward.Pipeline
	limiter  *rate.Limiter

	closeOnce sync.Once

	mu              sync.Mutex
	account         *config.AccountConfig
	upstreamConn    *upstream.Conn
	clientState     State
	upstreamState   State
	selectedMailbox string
	phase           Phase
	lastActivity    time.Time
	drainStarted    time.Time
	tlsActive       bool

	// dialUpstream is a test seam, mirroring the teacher's
	// Session.dialUpstream: production code leaves it nil and
	// dialUpstreamDefault dials and authenticates for real.
	dialUpstream func(ctx context.Context, acct *config.AccountConfig) (*upstream.Conn, error)
}

// NewSupervisor constructs a Supervisor for one freshly-accepted client
// connection. Run does not start until called.
func NewSupervisor(clientConn net.Conn, cfg *config.Config, scfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	scfg = scfg.orDefaults()
	id := uuid.New().String()

	clientW := imapwire.NewWriter(clientConn)
	clientR := imapwire.NewReader(clientConn, clientW, scfg.Limits)

	var limiter *rate.Limiter
	if scfg.MaxCommandsPerSecond > 0 {
		burst := int(scfg.MaxCommandsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(scfg.MaxCommandsPerSecond), burst)
	}

	return &Supervisor{
		ID:           id,
		cfg:          cfg,
		scfg:         scfg,
		logger:       logger.With("session", id),
		clientConn:   clientConn,
		clientR:      clientR,
		clientW:      clientW,
		tracker:      tagtrack.New(),
		limiter:      limiter,
		clientState:  StateUnauth,
		lastActivity: time.Now(),
	}
}

// dialUpstreamDefault dials and authenticates against acct's configured
// remote server. It is the production implementation of the dialUpstream
// seam.
func (s *Supervisor) dialUpstreamDefault(ctx context.Context, acct *config.AccountConfig) (*upstream.Conn, error) {
	upCfg := upstream.Config{
		Host:     acct.RemoteHost,
		Port:     acct.RemotePort,
		TLS:      acct.RemoteTLS,
		StartTLS: acct.RemoteStartTLS,
		Username: acct.RemoteUser,
		Password: acct.RemotePassword,
		Limits:   s.scfg.Limits,
	}
	conn, err := upstream.Dial(ctx, upCfg)
	if err != nil {
		return nil, err
	}
	if err := upstream.Authenticate(conn, acct.RemoteUser, acct.RemotePassword); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Run drives the session through Handshaking, Proxying, Draining, and
// Closed. It blocks until the client or upstream connection ends.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.closeConns()

	if err := s.clientW.WriteLine([]byte("* OK IMAP Granular Access Proxy ready")); err != nil {
		return err
	}
	s.setPhase(PhaseHandshaking)

	authenticated, err := s.handshake(ctx)
	if err != nil || !authenticated {
		return err
	}
	return s.proxy(ctx)
}

// Close tears down both sockets immediately; safe to call more than once
// or concurrently with Run.
func (s *Supervisor) Close() error {
	s.closeConns()
	return nil
}

func (s *Supervisor) closeConns() {
	s.closeOnce.Do(func() {
		s.clientConn.Close()
		s.mu.Lock()
		up := s.upstreamConn
		s.mu.Unlock()
		if up != nil {
			up.Close()
		}
	})
}

// handshake runs the pre-auth command loop: CAPABILITY/NOOP answered
// locally, LOGOUT ends the session, LOGIN dials and authenticates upstream.
// Returns true once the session is ready to enter Proxying.
func (s *Supervisor) handshake(ctx context.Context) (bool, error) {
	for {
		line, err := s.clientR.ReadLine()
		if err != nil {
			s.logger.Info("client disconnected before login", "err", err)
			return false, nil
		}

		cmd, perr := imapmsg.ParseCommand(line)
		if perr != nil {
			if werr := s.clientW.WriteLine([]byte("* BAD Syntax error")); werr != nil {
				return false, werr
			}
			continue
		}

		switch cmd.Verb {
		case "CAPABILITY":
			if err := s.writeCapabilities(cmd.Tag); err != nil {
				return false, err
			}

		case "NOOP":
			if err := s.clientW.WriteLine([]byte(cmd.Tag + " OK NOOP completed")); err != nil {
				return false, err
			}

		case "STARTTLS":
			if err := s.handleStartTLS(cmd); err != nil {
				return false, err
			}

		case "LOGOUT":
			s.clientW.WriteLine([]byte("* BYE ro-imap-proxy logging out"))
			werr := s.clientW.WriteLine([]byte(cmd.Tag + " OK LOGOUT completed"))
			s.setPhase(PhaseClosed)
			return false, werr

		case "LOGIN":
			done, proceed, err := s.handleLogin(ctx, cmd)
			if err != nil {
				return false, err
			}
			if done {
				return proceed, nil
			}

		default:
			if err := s.clientW.WriteLine([]byte(cmd.Tag + " BAD command not recognized")); err != nil {
				return false, err
			}
		}
	}
}

// handleLogin authenticates the client locally, then dials and
// authenticates upstream. done reports whether the handshake loop should
// stop (either to proceed into Proxying, or because a fatal upstream
// failure already sent BYE and closed); a local credential rejection
// leaves done false so the client may retry.
func (s *Supervisor) handleLogin(ctx context.Context, cmd imapmsg.Command) (done, proceed bool, err error) {
	user, pass, perr := parseLoginArgs(string(cmd.Args))
	if perr != nil {
		return false, false, s.clientW.WriteLine([]byte(cmd.Tag + " BAD LOGIN syntax"))
	}

	acct := s.cfg.LookupUser(user)
	if acct == nil || acct.LocalPassword != pass {
		s.logger.Warn("LOGIN rejected", "user", user)
		return false, false, s.clientW.WriteLine([]byte(cmd.Tag + " NO LOGIN failed"))
	}

	dial := s.dialUpstream
	if dial == nil {
		dial = s.dialUpstreamDefault
	}
	conn, derr := dial(ctx, acct)
	if derr != nil {
		s.logger.Error("upstream unavailable", "err", derr)
		s.clientW.WriteLine([]byte("* BYE Upstream unavailable"))
		s.setPhase(PhaseClosed)
		return true, false, nil
	}

	s.mu.Lock()
	s.account = acct
	s.upstreamConn = conn
	s.clientState = StateAuth
	s.upstreamState = StateAuth
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.logger = s.logger.With("user", user)
	s.pipeline = &forward.Pipeline{
		Tracker:       s.tracker,
		Policy:        policy.ReadOnly(acct.FolderRules()),
		Folders:       acct.FolderRules(),
		OnStateChange: s.onStateChange,
	}

	if err := s.clientW.WriteLine([]byte(cmd.Tag + " OK LOGIN completed")); err != nil {
		return true, false, err
	}
	s.setPhase(PhaseProxying)
	s.logger.Info("login successful")
	return true, true, nil
}

// handleStartTLS upgrades the client connection in place, mirroring
// upstream.upgradeStartTLS's read-greeting/issue-command/handshake shape
// for the server side of the same negotiation. Refuses with BAD if no
// TLSConfig is configured, the listener already requires TLS, or the
// connection has already been upgraded once.
func (s *Supervisor) handleStartTLS(cmd imapmsg.Command) error {
	if s.scfg.TLSConfig == nil || s.scfg.RequireTLS || s.isTLSActive() {
		return s.clientW.WriteLine([]byte(cmd.Tag + " BAD STARTTLS not available"))
	}
	if err := s.clientW.WriteLine([]byte(cmd.Tag + " OK Begin TLS negotiation now")); err != nil {
		return err
	}

	tlsConn := tls.Server(s.clientConn, s.scfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}

	s.clientConn = tlsConn
	s.clientW = imapwire.NewWriter(tlsConn)
	s.clientR = imapwire.NewReader(tlsConn, s.clientW, s.scfg.Limits)
	s.mu.Lock()
	s.tlsActive = true
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) isTLSActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tlsActive
}

// proxy runs the bidirectional forwarding loop: the upstream-reading
// goroutine and the timeout sweep run alongside the client-reading loop,
// which blocks the calling goroutine until the client disconnects.
func (s *Supervisor) proxy(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	upDone := make(chan struct{})
	go func() {
		defer close(upDone)
		s.readUpstream()
	}()

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		s.sweepLoop(ctx)
	}()

	s.readClient(ctx)

	cancel()
	s.closeConns()
	<-upDone
	<-sweepDone
	return nil
}

// readClient reads and dispatches client commands until the client
// disconnects or a fatal write error occurs.
func (s *Supervisor) readClient(ctx context.Context) {
	for {
		line, err := s.clientR.ReadLine()
		if err != nil {
			s.logger.Debug("client read failed", "err", err)
			s.handleClientGone()
			return
		}
		s.touchActivity()

		cmd, perr := imapmsg.ParseCommand(line)
		if perr != nil {
			if werr := s.clientW.WriteLine([]byte("* BAD Syntax error")); werr != nil {
				return
			}
			continue
		}

		if s.isDraining() {
			if werr := s.clientW.WriteLine([]byte(cmd.Tag + " BAD Connection closing")); werr != nil {
				return
			}
			continue
		}

		if cmd.Verb == "IDLE" {
			if err := s.handleIdle(cmd); err != nil {
				s.logger.Debug("IDLE handling failed", "err", err)
				return
			}
			continue
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}

		view := forward.SessionView{
			Identity:        s.account.LocalUser,
			ClientState:     string(s.currentClientState()),
			SelectedMailbox: s.currentSelectedMailbox(),
		}
		if _, err := s.pipeline.Dispatch(cmd, view, s.currentUpstream().Writer); err != nil {
			s.logger.Debug("dispatch to upstream failed", "err", err)
			return
		}

		if s.isClosed() {
			return
		}
	}
}

// handleIdle issues IDLE through the normal dispatch path (so it gets a
// tracked upstream tag like any other command) then relays raw client
// lines straight to upstream until DONE, since the continuation and any
// untagged responses in between are already forwarded verbatim by the
// upstream-reading goroutine.
func (s *Supervisor) handleIdle(cmd imapmsg.Command) error {
	view := forward.SessionView{
		Identity:        s.account.LocalUser,
		ClientState:     string(s.currentClientState()),
		SelectedMailbox: s.currentSelectedMailbox(),
	}
	forwarded, err := s.pipeline.Dispatch(cmd, view, s.currentUpstream().Writer)
	if err != nil || !forwarded {
		return err
	}

	for {
		line, err := s.clientR.ReadLine()
		if err != nil {
			return err
		}
		if err := s.currentUpstream().Writer.WriteRaw(line.Raw); err != nil {
			return err
		}
		if strings.EqualFold(strings.TrimSpace(string(bytes.TrimRight(line.Raw, "\r\n"))), "DONE") {
			return nil
		}
	}
}

// handleClientGone drains any in-flight commands and best-effort notifies
// upstream via LOGOUT, per spec.md's client-disconnect failure semantics.
func (s *Supervisor) handleClientGone() {
	s.enterDraining()
	if n := s.tracker.Drain(); n > 0 {
		s.logger.Info("client disconnected with in-flight commands", "count", n)
	}
	if up := s.currentUpstream(); up != nil {
		tag := s.tracker.Allocate()
		up.Writer.WriteLine(append(tag, []byte(" LOGOUT")...))
	}
	s.setPhase(PhaseClosed)
}

// readUpstream reads and routes upstream response lines until the upstream
// connection ends.
func (s *Supervisor) readUpstream() {
	for {
		up := s.currentUpstream()
		if up == nil {
			return
		}
		line, err := up.Reader.ReadLine()
		if err != nil {
			s.logger.Info("upstream disconnected", "err", err)
			s.handleUpstreamGone()
			return
		}
		if _, err := s.pipeline.RouteResponse(line.Raw, s.clientW); err != nil {
			s.logger.Debug("write to client failed", "err", err)
			return
		}
		if s.isClosed() {
			return
		}
	}
}

// handleUpstreamGone synthesizes NO responses for every in-flight command
// in submission order, sends a final BYE, and closes, per spec.md's
// upstream-disconnect failure semantics (scenario S5).
func (s *Supervisor) handleUpstreamGone() {
	s.enterDraining()
	for _, cmd := range s.tracker.InFlight() {
		line := append(append([]byte(nil), cmd.ClientTag...), []byte(" NO Upstream disconnected")...)
		s.clientW.WriteLine(line)
	}
	s.tracker.Drain()
	s.clientW.WriteLine([]byte("* BYE Upstream disconnected"))
	s.setPhase(PhaseClosed)
	s.closeConns()
}

// onStateChange is forward.Pipeline's hook into the supervisor: it updates
// client_state/selected_mailbox on a successfully completed state-changing
// command (spec.md §4.5) and reacts to an upstream BYE by starting Draining.
func (s *Supervisor) onStateChange(ev forward.StateEvent) {
	switch ev.Kind {
	case forward.EventBye:
		s.enterDraining()

	case forward.EventCommandCompleted:
		if ev.Command == nil || !strings.EqualFold(ev.Verdict, "OK") {
			return
		}
		if !imapmsg.StateChanging(strings.Fields(ev.Command.Command)[0]) {
			return
		}
		switch ev.Command.Command {
		case "SELECT", "EXAMINE":
			mailbox, _, ok := imapmsg.FirstArg(ev.Command.Args)
			if !ok {
				return
			}
			s.mu.Lock()
			s.selectedMailbox = strings.Trim(mailbox, `"`)
			s.clientState = StateSelected
			s.mu.Unlock()

		case "CLOSE", "UNSELECT":
			s.mu.Lock()
			s.selectedMailbox = ""
			s.clientState = StateAuth
			s.mu.Unlock()

		case "LOGOUT":
			s.mu.Lock()
			s.clientState = StateLogout
			s.mu.Unlock()
			s.enterDraining()
		}
	}
}

// sweepLoop periodically cancels timed-out in-flight commands and checks
// the idle timeout, per spec.md §5's default 5s sweep interval.
func (s *Supervisor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.scfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
			if s.isClosed() {
				return
			}
		}
	}
}

func (s *Supervisor) sweepOnce() {
	now := time.Now()
	inFlight := s.tracker.InFlight()
	for _, cmd := range inFlight {
		if now.Sub(cmd.SubmittedAt) < s.scfg.CommandTimeout {
			continue
		}
		if s.tracker.Cancel(cmd.ClientTag) == nil {
			continue
		}
		line := append(append([]byte(nil), cmd.ClientTag...), []byte(" BAD Command timeout")...)
		s.clientW.WriteLine(line)
	}

	if s.isIdleTimedOut(now) {
		s.logger.Info("idle timeout")
		s.clientW.WriteLine([]byte("* BYE Idle timeout"))
		s.setPhase(PhaseClosed)
		s.closeConns()
		return
	}

	if s.drainExpired(now, len(s.tracker.InFlight())) {
		s.logger.Info("drain deadline reached", "in_flight", len(s.tracker.InFlight()))
		s.tracker.Drain()
		s.clientW.WriteLine([]byte("* BYE ro-imap-proxy closing connection"))
		s.setPhase(PhaseClosed)
		s.closeConns()
	}
}

func (s *Supervisor) capabilityLine() []byte {
	caps := append([]string(nil), s.scfg.Capabilities...)
	if s.scfg.TLSConfig != nil && !s.scfg.RequireTLS && !s.isTLSActive() {
		caps = append(caps, "STARTTLS")
	}
	if up := s.currentUpstream(); up != nil && len(up.Capabilities) > 0 {
		caps = intersectCapabilities(caps, up.Capabilities)
	}
	return []byte("* CAPABILITY " + strings.Join(caps, " "))
}

func (s *Supervisor) writeCapabilities(tag string) error {
	if err := s.clientW.WriteLine(s.capabilityLine()); err != nil {
		return err
	}
	return s.clientW.WriteLine([]byte(tag + " OK CAPABILITY completed"))
}

func intersectCapabilities(base, upstreamCaps []string) []string {
	up := make(map[string]bool, len(upstreamCaps))
	for _, c := range upstreamCaps {
		up[strings.ToUpper(c)] = true
	}
	out := make([]string, 0, len(base))
	for _, c := range base {
		if up[strings.ToUpper(c)] {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return base
	}
	return out
}

func (s *Supervisor) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == PhaseClosed
}

func (s *Supervisor) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == PhaseDraining
}

// enterDraining moves the session into Draining and starts the drain
// deadline clock, unless it's already Draining or past it into Closed.
func (s *Supervisor) enterDraining() {
	s.mu.Lock()
	if s.phase == PhaseDraining || s.phase == PhaseClosed {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseDraining
	s.drainStarted = time.Now()
	s.mu.Unlock()
}

// drainExpired reports whether the session is Draining and either every
// in-flight command has finished or the drain deadline has elapsed.
func (s *Supervisor) drainExpired(now time.Time, inFlight int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseDraining {
		return false
	}
	if inFlight == 0 {
		return true
	}
	return now.Sub(s.drainStarted) >= s.scfg.DrainDeadline
}

func (s *Supervisor) touchActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Supervisor) isIdleTimedOut(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseProxying {
		return false
	}
	return now.Sub(s.lastActivity) >= s.scfg.IdleTimeout
}

func (s *Supervisor) currentClientState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientState
}

func (s *Supervisor) currentSelectedMailbox() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedMailbox
}

func (s *Supervisor) currentUpstream() *upstream.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstreamConn
}
