package transfer

import (
	"context"
	"crypto/ed25519"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	sftpserver "github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/Ducheved/catsolle/internal/events"
	"github.com/Ducheved/catsolle/internal/sshcore"
)

// stubSFTPServer listens on loopback, accepts any password, and serves
// a real SFTP subsystem over github.com/pkg/sftp rooted at the actual
// filesystem — test fixtures use absolute temp-dir paths as "remote"
// paths. Grounded on internal/tunnel/server.go's NewServerConn/host-key
// construction pattern.
type stubSFTPServer struct {
	addr string
}

func startStubSFTPServer(t *testing.T) *stubSFTPServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveStubConn(conn, cfg)
		}
	}()

	t.Cleanup(func() { _ = listener.Close() })
	return &stubSFTPServer{addr: listener.Addr().String()}
}

func serveStubConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer channel.Close()
			for req := range requests {
				if req.Type != "subsystem" || string(req.Payload[4:]) != "sftp" {
					if req.WantReply {
						_ = req.Reply(false, nil)
					}
					continue
				}
				if req.WantReply {
					_ = req.Reply(true, nil)
				}
				server, err := sftpserver.NewServer(channel)
				if err != nil {
					return
				}
				_ = server.Serve()
				return
			}
		}()
	}
}

// fakeSessionProvider implements SessionProvider by dialing the stub
// server fresh on every lookup (the queue opens one SFTP subsystem per
// lookup anyway); opened sessions are tracked and torn down at the end
// of the test.
type fakeSessionProvider struct {
	mu       sync.Mutex
	opened   []*sshcore.Session
	sessionID uuid.UUID
	cfg      sshcore.ConnectConfig
}

func (p *fakeSessionProvider) SFTPSession(id uuid.UUID) (*sshcore.Session, error) {
	sess, err := sshcore.Connect(context.Background(), p.cfg)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.opened = append(p.opened, sess)
	p.mu.Unlock()
	return sess, nil
}

func newFakeProvider(t *testing.T, addr string) (*fakeSessionProvider, uuid.UUID) {
	t.Helper()
	host, port := splitAddr(t, addr)
	id := uuid.New()
	p := &fakeSessionProvider{
		sessionID: id,
		cfg: sshcore.ConnectConfig{
			Host:           host,
			Port:           port,
			Username:       "test",
			AuthMethod:     sshcore.AuthMethod{Kind: sshcore.AuthPassword, Password: "anything"},
			HostKeyPolicy:  sshcore.PolicyInsecureAcceptAny,
			ConnectTimeout: 5 * time.Second,
		},
	}
	t.Cleanup(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, sess := range p.opened {
			_ = sess.Disconnect()
		}
	})
	return p, id
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestTransferProgressScenario(t *testing.T) {
	server := startStubSFTPServer(t)
	provider, sessionID := newFakeProvider(t, server.addr)

	srcDir := t.TempDir()
	dstDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "payload.bin")
	dstPath := filepath.Join(dstDir, "payload.bin")

	const size = 600 * 1024
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(srcPath, payload, 0o644))

	bus := events.NewBus(64)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	q := NewQueue(32, 0, bus, provider)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	job := &Job{
		Source: Endpoint{Kind: EndpointLocal, Path: srcDir},
		Dest:   Endpoint{Kind: EndpointRemote, SessionID: sessionID, Path: dstDir},
		Files: []File{
			{SourcePath: srcPath, DestPath: dstPath, Size: size},
		},
		Options: Options{VerifyChecksum: true, BufferSize: 32 * 1024},
	}
	require.NoError(t, q.Enqueue(job))

	var progressEvents int
	var final events.TransferProgress
	deadline := time.After(10 * time.Second)
waitLoop:
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind != events.KindTransferProgress {
				continue
			}
			progressEvents++
			final = ev.Progress
			if final.FilesCompleted == 1 && final.BytesTransferred == size {
				break waitLoop
			}
		case <-deadline:
			t.Fatal("timed out waiting for transfer completion")
		}
	}

	require.GreaterOrEqual(t, progressEvents, 3)
	require.Equal(t, int64(size), final.BytesTransferred)
	require.Equal(t, 1, final.FilesCompleted)
	require.Equal(t, 1, final.FilesTotal)
	require.Greater(t, final.SpeedBps, 0.0)

	got, ok := q.Get(job.ID)
	require.True(t, ok)
	require.Equal(t, StateCompleted, got.State)

	gotBytes, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	require.Equal(t, payload, gotBytes)
}

// TestTransferChecksumMismatch exercises the real write-then-read-back
// verification path deterministically: it pre-seeds the destination
// with a longer payload and transfers with resume=true, which (per this
// implementation's documented resume caveat — see DESIGN.md) opens the
// destination without TRUNCATE. The shorter new content only overwrites
// the file's leading bytes, leaving stale trailing bytes behind, so the
// destination's full-file hash no longer matches the source's.
func TestTransferChecksumMismatch(t *testing.T) {
	server := startStubSFTPServer(t)
	provider, sessionID := newFakeProvider(t, server.addr)

	srcDir := t.TempDir()
	dstDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "data.bin")
	dstPath := filepath.Join(dstDir, "data.bin")

	newContent := []byte("fresh contents")
	staleContent := []byte("this is much longer stale leftover data that will not be overwritten")
	require.NoError(t, os.WriteFile(srcPath, newContent, 0o644))
	require.NoError(t, os.WriteFile(dstPath, staleContent, 0o644))

	bus := events.NewBus(64)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	q := NewQueue(32, 0, bus, provider)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	job := &Job{
		Source: Endpoint{Kind: EndpointLocal, Path: srcDir},
		Dest:   Endpoint{Kind: EndpointRemote, SessionID: sessionID, Path: dstDir},
		Files: []File{
			{SourcePath: srcPath, DestPath: dstPath, Size: int64(len(newContent))},
		},
		Options: Options{VerifyChecksum: true, Resume: true},
	}
	require.NoError(t, q.Enqueue(job))

	deadline := time.After(10 * time.Second)
waitLoop:
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind != events.KindTransferProgress {
				continue
			}
			got, ok := q.Get(job.ID)
			if ok && (got.State == StateFailed || got.State == StateCompleted) {
				break waitLoop
			}
		case <-deadline:
			t.Fatal("timed out waiting for transfer to finish")
		}
	}

	got, ok := q.Get(job.ID)
	require.True(t, ok)
	require.Equal(t, StateFailed, got.State)
	require.Contains(t, got.FailedReason, "checksum mismatch")
}
