// Package tunnel provides SSH port forwarding for datastores that are not
// directly reachable. The gateway opens a local listener, forwards accepted
// connections through the SSH host, and guarantees teardown regardless of
// how inspection ends.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/getmetamapper/metamapper-engine/pkg/logging"
)

// GatewayError marks a failure in the SSH leg of a connection, so callers
// can tell "the bastion is broken" apart from "the database is broken".
type GatewayError struct {
	Op  string // "parse-key", "dial", "forward", "listen"
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("ssh gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsRetryable reports whether the gateway failure is transient. Key parsing
// never recovers on retry; network failures may.
func (e *GatewayError) IsRetryable() bool {
	return e.Op != "parse-key"
}

// Endpoint is a host/port pair.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) addr() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// Config describes one SSH tunnel: the bastion to authenticate against and
// the remote endpoint to forward to. PrivateKey is the workspace's PEM key
// and must never be logged.
type Config struct {
	SSHHost     string
	SSHPort     int
	SSHUser     string
	PrivateKey  string
	Remote      Endpoint
	DialTimeout time.Duration
}

// Tunnel is one live forwarded listener. Local is the endpoint inspection
// engines should connect to in place of the datastore address.
type Tunnel struct {
	Local Endpoint

	logger   *zap.Logger
	client   *ssh.Client
	listener net.Listener

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	done   chan struct{}
}

// Open establishes the SSH connection and starts a local forwarding
// listener on an ephemeral port.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Tunnel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ssh-tunnel")

	signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, &GatewayError{Op: "parse-key", Err: errors.New("invalid private key")}
	}

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // host keys are not recorded per datastore
		Timeout:         timeout,
	}

	sshAddr := Endpoint{Host: cfg.SSHHost, Port: cfg.SSHPort}.addr()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	netConn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", sshAddr)
	if err != nil {
		return nil, &GatewayError{Op: "dial", Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, sshAddr, clientConfig)
	if err != nil {
		netConn.Close()
		return nil, &GatewayError{Op: "dial", Err: err}
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, &GatewayError{Op: "listen", Err: err}
	}

	localPort := listener.Addr().(*net.TCPAddr).Port
	t := &Tunnel{
		Local:    Endpoint{Host: "127.0.0.1", Port: localPort},
		logger:   logger,
		client:   client,
		listener: listener,
		done:     make(chan struct{}),
	}

	t.wg.Add(1)
	go t.acceptLoop(cfg.Remote)

	logger.Info("SSH tunnel established",
		zap.String("ssh_host", cfg.SSHHost),
		zap.Int("local_port", localPort))
	return t, nil
}

func (t *Tunnel) acceptLoop(remote Endpoint) {
	defer t.wg.Done()

	for {
		local, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.logger.Warn("Tunnel accept failed", zap.String("error", logging.SanitizeError(err)))
			return
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.forward(local, remote)
		}()
	}
}

func (t *Tunnel) forward(local net.Conn, remote Endpoint) {
	defer local.Close()

	target, err := t.client.Dial("tcp", remote.addr())
	if err != nil {
		t.logger.Warn("Tunnel forward failed", zap.String("error", logging.SanitizeError(err)))
		return
	}
	defer target.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(target, local)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(local, target)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-t.done:
	}
}

// Close tears the tunnel down: the local listener, all forwarded
// connections, and the SSH client. Safe to call more than once.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	err := t.listener.Close()
	if cerr := t.client.Close(); err == nil {
		err = cerr
	}
	t.wg.Wait()

	t.logger.Info("SSH tunnel closed")
	return err
}

// WithTunnel runs fn against the tunnel's local endpoint and always closes
// the tunnel afterwards, whether fn succeeds, fails, or panics.
func WithTunnel(ctx context.Context, cfg Config, logger *zap.Logger, fn func(local Endpoint) error) error {
	t, err := Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer t.Close()
	return fn(t.Local)
}
