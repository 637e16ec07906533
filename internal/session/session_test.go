package session

import (
	"context"
	"crypto/ed25519"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/Ducheved/catsolle/internal/catalog"
	"github.com/Ducheved/catsolle/internal/config"
	"github.com/Ducheved/catsolle/internal/events"
	"github.com/Ducheved/catsolle/internal/vault"
)

// swappableKeyServer accepts password auth on one fixed address and
// serves each new connection with whatever host key is currently
// installed, letting a test simulate a host rotating its key between
// two connects to the exact same (host, port).
type swappableKeyServer struct {
	addr     string
	listener net.Listener
	signer   atomic.Value // ssh.Signer
}

func startSwappableKeyServer(t *testing.T, initial ssh.Signer) *swappableKeyServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &swappableKeyServer{addr: listener.Addr().String(), listener: listener}
	s.signer.Store(initial)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.serveOne(conn)
		}
	}()
	t.Cleanup(func() { _ = listener.Close() })
	return s
}

func (s *swappableKeyServer) setKey(signer ssh.Signer) {
	s.signer.Store(signer)
}

func (s *swappableKeyServer) serveOne(conn net.Conn) {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(s.signer.Load().(ssh.Signer))

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)
	for newChan := range chans {
		_ = newChan.Reject(ssh.UnknownChannelType, "no channels offered")
	}
}

func newEd25519Signer(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

func newTestManager(t *testing.T, hostKeyPolicy string) (*Manager, *catalog.Store) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	store, err := catalog.Open(t.TempDir() + "/catalog.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	v := vault.New("catsolle-session-test", t.TempDir()+"/secrets.enc", true)
	bus := events.NewBus(32)
	cfg := &config.AppConfig{
		SSH: config.SSHDefaults{
			ConnectTimeoutMs:  2000,
			KeepaliveInterval: 3600,
			Term:              "xterm-256color",
			TermWidth:         80,
			TermHeight:        24,
			HostKeyPolicy:     hostKeyPolicy,
		},
	}
	return NewManager(store, v, bus, cfg), store
}

func mustSplitPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// TestHostKeyAcceptNewThenStrict is scenario 6: an empty known_hosts,
// policy AcceptNew, first connect to a stub host with key K1 succeeds
// and persists K1; a second connect to the same address with policy
// Strict and a rotated key K2 is rejected with a HostKey error.
func TestHostKeyAcceptNewThenStrict(t *testing.T) {
	k1 := newEd25519Signer(t)
	server := startSwappableKeyServer(t, k1)
	host, port := mustSplitPort(t, server.addr)

	m, store := newTestManager(t, "accept_new")

	conn := &catalog.Connection{
		ID:       uuid.New(),
		Name:     "stub",
		Host:     host,
		Port:     port,
		Username: "tester",
		AuthMethod: catalog.AuthMethod{
			Kind:      catalog.AuthPassword,
			SecretRef: "conn:stub:password",
		},
	}
	require.NoError(t, store.Create(conn))
	const master = "test-master"
	require.NoError(t, m.vault.Store(conn.AuthMethod.SecretRef, "anything", master))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID, err := m.Connect(ctx, conn.ID, master, nil)
	require.NoError(t, err)
	require.NoError(t, m.Disconnect(sessionID))

	m.cfg.SSH.HostKeyPolicy = "strict"
	k2 := newEd25519Signer(t)
	server.setKey(k2)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()

	_, err = m.Connect(ctx2, conn.ID, master, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "host key")
}
