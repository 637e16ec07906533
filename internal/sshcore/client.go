package sshcore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/Ducheved/catsolle/internal/apperr"
	"github.com/Ducheved/catsolle/internal/keys"
	"github.com/Ducheved/catsolle/internal/knownhosts"
)

// keepaliveMaxMisses is the number of consecutive unanswered keepalive
// requests tolerated before a session is declared dead.
const keepaliveMaxMisses = 3

// Session wraps an established chain of one or more *ssh.Client values:
// one per jump hop, the last one being the final endpoint. Only the
// final client's channels are exposed to callers; the jump clients exist
// solely to carry the tunneled connections for the hops after them.
type Session struct {
	mu         sync.Mutex
	client     *ssh.Client
	jumpConns  []*ssh.Client
	cfg        ConnectConfig
	closed     bool
	stopKeep   chan struct{}
	misses     int
}

// Connect performs the full three-phase connect described by spec.md:
// dial (direct or via a single proxy hop), authenticate across the jump
// chain ending at the final endpoint, and start the keepalive loop.
func Connect(ctx context.Context, cfg ConnectConfig) (*Session, error) {
	var hosts Store
	if cfg.KnownHostsPath != "" {
		store, err := knownhosts.Load(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("sshcore: %w: load known_hosts: %w", apperr.ErrIO, err)
		}
		hosts = store
	}

	chain := make([]JumpHost, 0, len(cfg.JumpHosts)+1)
	chain = append(chain, cfg.JumpHosts...)
	chain = append(chain, JumpHost{
		Host:       cfg.Host,
		Port:       cfg.Port,
		Username:   cfg.Username,
		AuthMethod: cfg.AuthMethod,
	})

	jumpClients := make([]*ssh.Client, 0, len(chain))
	cleanup := func() {
		for i := len(jumpClients) - 1; i >= 0; i-- {
			jumpClients[i].Close()
		}
	}

	for idx, hop := range chain {
		clientCfg, err := buildClientConfig(ctx, hop, cfg, hosts)
		if err != nil {
			cleanup()
			return nil, err
		}

		var netConn net.Conn
		if idx == 0 {
			netConn, err = dialFirstHop(ctx, cfg.Proxy, hop.Host, hop.Port, cfg.ConnectTimeout)
		} else {
			prev := jumpClients[len(jumpClients)-1]
			netConn, err = prev.DialContext(ctx, "tcp", net.JoinHostPort(hop.Host, fmt.Sprintf("%d", hop.Port)))
		}
		if err != nil {
			cleanup()
			return nil, err
		}

		handshakeTimeout := cfg.ConnectTimeout
		if handshakeTimeout <= 0 {
			handshakeTimeout = 30 * time.Second
		}
		_ = netConn.SetDeadline(time.Now().Add(handshakeTimeout))

		sshConn, chans, reqs, err := ssh.NewClientConn(netConn, net.JoinHostPort(hop.Host, fmt.Sprintf("%d", hop.Port)), clientCfg)
		if err != nil {
			netConn.Close()
			cleanup()
			return nil, fmt.Errorf("sshcore: %w: handshake with %s: %w", apperr.ErrSSHAuth, hop.Host, err)
		}
		_ = netConn.SetDeadline(time.Time{})
		jumpClients = append(jumpClients, ssh.NewClient(sshConn, chans, reqs))
	}

	final := jumpClients[len(jumpClients)-1]
	session := &Session{
		client:    final,
		jumpConns: jumpClients[:len(jumpClients)-1],
		cfg:       cfg,
		stopKeep:  make(chan struct{}),
	}

	interval := cfg.KeepaliveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go session.keepalive(interval)
	go session.monitorTransport()

	return session, nil
}

// monitorTransport blocks on the final client's transport until it
// disconnects, then marks the session closed so IsClosed reflects
// disconnects the keepalive loop did not itself initiate.
func (s *Session) monitorTransport() {
	s.client.Conn.Wait()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Store is the subset of *knownhosts.Store needed during the handshake,
// kept as an interface so tests can substitute a fake.
type Store interface {
	Check(host string, port int, key ssh.PublicKey) knownhosts.Result
	Add(host string, port int, key ssh.PublicKey, comment string) error
}

func buildClientConfig(ctx context.Context, hop JumpHost, cfg ConnectConfig, hosts Store) (*ssh.ClientConfig, error) {
	authMethods, kbHandler, err := buildAuthMethods(hop.AuthMethod, cfg.KeyboardInteractive)
	if err != nil {
		return nil, err
	}
	if kbHandler != nil {
		authMethods = append(authMethods, kbHandler)
	}

	policy := cfg.HostKeyPolicy
	hostKeyCallback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if policy == PolicyInsecureAcceptAny {
			logrus.WithField("host", hop.Host).Warn("sshcore: accepting any host key (insecure policy)")
			return nil
		}
		if hosts == nil {
			return fmt.Errorf("sshcore: %w: known_hosts not configured for %s", apperr.ErrHostKey, hop.Host)
		}
		switch hosts.Check(hop.Host, hop.Port, key) {
		case knownhosts.ResultMatch:
			return nil
		case knownhosts.ResultNotFound:
			if policy == PolicyAcceptNew {
				if err := hosts.Add(hop.Host, hop.Port, key, "catsolle"); err != nil {
					return fmt.Errorf("sshcore: %w: persist new host key: %w", apperr.ErrHostKey, err)
				}
				return nil
			}
			return fmt.Errorf("sshcore: %w: unknown host key for %s", apperr.ErrHostKey, hop.Host)
		case knownhosts.ResultRevoked:
			return fmt.Errorf("sshcore: %w: host key for %s is revoked", apperr.ErrHostKey, hop.Host)
		default:
			return fmt.Errorf("sshcore: %w: host key mismatch for %s", apperr.ErrHostKey, hop.Host)
		}
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &ssh.ClientConfig{
		User:            hop.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// buildAuthMethods translates one AuthMethod into the ssh.AuthMethod(s)
// needed to offer it, returning a separate keyboard-interactive method
// (if applicable) so the caller can append it once the handler is known.
func buildAuthMethods(auth AuthMethod, kb KeyboardInteractiveHandler) ([]ssh.AuthMethod, ssh.AuthMethod, error) {
	switch auth.Kind {
	case AuthPassword:
		return []ssh.AuthMethod{ssh.Password(auth.Password)}, nil, nil

	case AuthKey:
		signer, err := keys.LoadPrivateKey(auth.PrivateKeyPath, auth.Passphrase)
		if err != nil {
			return nil, nil, fmt.Errorf("sshcore: %w: load private key: %w", apperr.ErrSSHAuth, err)
		}
		return []ssh.AuthMethod{rsaHashAwareAuth(signer)}, nil, nil

	case AuthCertificate:
		base, err := keys.LoadPrivateKey(auth.PrivateKeyPath, auth.Passphrase)
		if err != nil {
			return nil, nil, fmt.Errorf("sshcore: %w: load private key: %w", apperr.ErrSSHAuth, err)
		}
		certSigner, err := keys.LoadCertificate(auth.CertPath, base)
		if err != nil {
			return nil, nil, fmt.Errorf("sshcore: %w: load certificate: %w", apperr.ErrSSHAuth, err)
		}
		return []ssh.AuthMethod{rsaHashAwareAuth(certSigner)}, nil, nil

	case AuthAgent:
		agentClient, err := keys.Connect()
		if err != nil {
			return nil, nil, fmt.Errorf("sshcore: %w: connect to ssh-agent: %w", apperr.ErrSSHAuth, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			return agentClient.Signers()
		})}, nil, nil

	case AuthKeyboardInteractive:
		if kb == nil {
			return nil, nil, fmt.Errorf("sshcore: %w: keyboard-interactive handler missing", apperr.ErrMissingCredential)
		}
		method := ssh.KeyboardInteractive(func(name, instruction string, prompts []string, echos []bool) ([]string, error) {
			converted := make([]KeyboardPrompt, len(prompts))
			for i, p := range prompts {
				converted[i] = KeyboardPrompt{Prompt: p, Echo: i < len(echos) && echos[i]}
			}
			return kb.Respond(converted)
		})
		return nil, method, nil

	default:
		return nil, nil, fmt.Errorf("sshcore: %w: unsupported auth method", apperr.ErrUnsupported)
	}
}

// rsaHashAwareAuth wraps a signer in ssh.PublicKeys; golang.org/x/crypto/ssh
// negotiates the rsa-sha2-256/512 signature algorithm automatically for
// any signer implementing ssh.AlgorithmSigner (RSA keys and certificates
// both do), so no explicit hash selection is needed here.
func rsaHashAwareAuth(signer ssh.Signer) ssh.AuthMethod {
	return ssh.PublicKeys(signer)
}

func dialFirstHop(ctx context.Context, proxy *ProxyConfig, host string, port int, timeout time.Duration) (net.Conn, error) {
	dialCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if proxy != nil {
		conn, err := dialViaProxy(dialCtx, proxy, host, port)
		if err != nil {
			if dialCtx.Err() != nil {
				return nil, fmt.Errorf("sshcore: %w: dial %s via proxy", apperr.ErrTimeout, host)
			}
			return nil, err
		}
		return conn, nil
	}

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		if dialCtx.Err() != nil {
			return nil, fmt.Errorf("sshcore: %w: dial %s", apperr.ErrTimeout, host)
		}
		return nil, fmt.Errorf("sshcore: %w: dial %s: %w", apperr.ErrSSHTransport, host, err)
	}
	return conn, nil
}

// keepalive sends periodic keepalive@openssh.com global requests and
// closes the session after keepaliveMaxMisses consecutive failures.
func (s *Session) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopKeep:
			return
		case <-ticker.C:
			ch := make(chan error, 1)
			go func() {
				_, _, err := s.client.Conn.SendRequest("keepalive@openssh.com", true, nil)
				ch <- err
			}()

			select {
			case err := <-ch:
				if err != nil {
					s.recordKeepaliveMiss()
				} else {
					s.resetKeepaliveMisses()
				}
			case <-time.After(interval / 2):
				s.recordKeepaliveMiss()
			}

			if s.keepaliveMissesExceeded() {
				logrus.WithField("host", s.cfg.Host).Warn("sshcore: keepalive missed too many times, closing session")
				s.Disconnect()
				return
			}
		}
	}
}

func (s *Session) recordKeepaliveMiss() {
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
}

func (s *Session) resetKeepaliveMisses() {
	s.mu.Lock()
	s.misses = 0
	s.mu.Unlock()
}

func (s *Session) keepaliveMissesExceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.misses >= keepaliveMaxMisses
}

// IsClosed reports whether this session's client or any jump client in
// its chain has been disconnected.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Disconnect closes the final client and every jump client in the chain,
// in reverse order, and stops the keepalive loop.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopKeep)

	var firstErr error
	if err := s.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for i := len(s.jumpConns) - 1; i >= 0; i-- {
		if err := s.jumpConns[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenSSHClient exposes the underlying final-hop *ssh.Client for callers
// that need to open channels not covered by the shell/exec/sftp helpers
// below (e.g. additional direct-tcpip tunnels).
func (s *Session) OpenSSHClient() *ssh.Client {
	return s.client
}

// Shell represents one interactive (optionally PTY-backed) shell channel.
type Shell struct {
	session *ssh.Session
}

// OpenShell opens an interactive shell channel, requesting a PTY and
// setting environment variables as configured.
func (s *Session) OpenShell() (*Shell, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("sshcore: %w: open session: %w", apperr.ErrSSHTransport, err)
	}

	for _, e := range s.cfg.Env {
		if err := sess.Setenv(e.Key, e.Value); err != nil {
			logrus.WithError(err).WithField("key", e.Key).Debug("sshcore: server rejected Setenv")
		}
	}

	if s.cfg.RequestPTY {
		term := s.cfg.Term
		if term == "" {
			term = "xterm-256color"
		}
		w, h := s.cfg.TermWidth, s.cfg.TermHeight
		if w <= 0 {
			w = 80
		}
		if h <= 0 {
			h = 24
		}
		if err := sess.RequestPty(term, h, w, ssh.TerminalModes{}); err != nil {
			sess.Close()
			return nil, fmt.Errorf("sshcore: %w: request pty: %w", apperr.ErrSSHTransport, err)
		}
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("sshcore: %w: start shell: %w", apperr.ErrSSHTransport, err)
	}

	return &Shell{session: sess}, nil
}

// StdinPipe returns a writer for the shell's standard input.
func (sh *Shell) StdinPipe() (io.WriteCloser, error) {
	return sh.session.StdinPipe()
}

// StdoutPipe returns a reader for the shell's standard output.
func (sh *Shell) StdoutPipe() (io.Reader, error) {
	return sh.session.StdoutPipe()
}

// Resize notifies the server of a terminal window size change.
func (sh *Shell) Resize(width, height int) error {
	return sh.session.WindowChange(height, width)
}

// Wait blocks until the shell exits, returning its exit status.
func (sh *Shell) Wait() error {
	return sh.session.Wait()
}

// Close terminates the shell session.
func (sh *Shell) Close() error {
	return sh.session.Close()
}

// Exec runs a single command to completion and returns its combined
// stdout+stderr output and exit status.
func (s *Session) Exec(command string) (int, []byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return -1, nil, fmt.Errorf("sshcore: %w: open session: %w", apperr.ErrSSHTransport, err)
	}
	defer sess.Close()

	output, err := sess.CombinedOutput(command)
	if err == nil {
		return 0, output, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), output, nil
	}
	return -1, output, fmt.Errorf("sshcore: %w: exec %q: %w", apperr.ErrSSHTransport, command, err)
}

// SendStartupCommands runs every configured startup command in order,
// logging (but not failing the session on) any command that errors.
func (s *Session) SendStartupCommands() {
	for _, cmd := range s.cfg.StartupCommands {
		status, _, err := s.Exec(cmd)
		if err != nil {
			logrus.WithError(err).WithField("command", cmd).Warn("sshcore: startup command failed")
			continue
		}
		if status != 0 {
			logrus.WithField("command", cmd).WithField("status", status).Warn("sshcore: startup command exited non-zero")
		}
	}
}

