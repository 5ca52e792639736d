// Package tunnel reaches a device attached to a remote device-farm host
// rather than the orchestrator's own machine. It is adapted from the
// teacher's pkg/delivery/ssh (SSH push-and-verify): the dial, timeout,
// and auth plumbing survive, repurposed from pushing a firmware payload
// to forwarding a local port to the remote host's driverPort/streamPort
// and fetching the occasional file over SFTP.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Config holds SSH tunnel configuration, grounded on the teacher's
// ssh.Config.
type Config struct {
	// Username for SSH authentication.
	Username string

	// PrivateKeyPath is the path to the SSH private key file.
	PrivateKeyPath string

	// Password for SSH authentication (alternative to key-based auth).
	Password string

	// Port for SSH connection (default: 22).
	Port int

	// Timeout for SSH dial and command operations.
	Timeout time.Duration
}

// DefaultConfig returns tunnel configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Username: "root",
		Port:     22,
		Timeout:  10 * time.Second,
	}
}

// Tunnel holds an established SSH connection to a remote device-farm
// host and forwards local ports into it.
type Tunnel struct {
	config *Config
	client *ssh.Client
}

// Dial connects to host (hostname or hostname:port) over SSH.
func Dial(ctx context.Context, host string, config *Config) (*Tunnel, error) {
	if config == nil {
		config = DefaultConfig()
	}

	clientConfig, err := createSSHConfig(config)
	if err != nil {
		return nil, fmt.Errorf("create ssh config: %w", err)
	}

	address := host
	if !hasPort(address) {
		address = fmt.Sprintf("%s:%d", host, config.Port)
	}

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case client := <-connChan:
		return &Tunnel{config: config, client: client}, nil
	case err := <-errChan:
		return nil, fmt.Errorf("connect to ssh server: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(config.Timeout):
		return nil, fmt.Errorf("ssh connection timeout")
	}
}

// Close tears down the underlying SSH connection and everything
// forwarded through it.
func (t *Tunnel) Close() error {
	return t.client.Close()
}

// ForwardLocal opens a local listener on localAddr and, for every
// accepted connection, dials remoteAddr (as seen from the far side of
// the tunnel, e.g. "127.0.0.1:<driverPort>") and pipes bytes both ways.
// It returns the listener's bound address and a close function; the
// caller decides the lifetime, matching how SessionManager.ensure
// tracks per-device resources.
func (t *Tunnel) ForwardLocal(ctx context.Context, localAddr, remoteAddr string) (string, func() error, error) {
	listener, err := net.Listen("tcp", localAddr)
	if err != nil {
		return "", nil, fmt.Errorf("listen on %s: %w", localAddr, err)
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go t.forwardConn(ctx, conn, remoteAddr)
		}
	}()

	return listener.Addr().String(), listener.Close, nil
}

func (t *Tunnel) forwardConn(ctx context.Context, local net.Conn, remoteAddr string) {
	defer local.Close()

	remote, err := t.client.Dial("tcp", remoteAddr)
	if err != nil {
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// FetchFile copies a remote file (a session's crash log, a UI dump) to
// localPath over SFTP.
func (t *Tunnel) FetchFile(ctx context.Context, remotePath, localPath string) error {
	sftpClient, err := sftp.NewClient(t.client)
	if err != nil {
		return fmt.Errorf("create sftp client: %w", err)
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote file: %w", err)
	}
	defer remoteFile.Close()

	localFile, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local file: %w", err)
	}
	defer localFile.Close()

	doneChan := make(chan error, 1)
	go func() {
		_, err := io.Copy(localFile, remoteFile)
		doneChan <- err
	}()

	select {
	case err := <-doneChan:
		if err != nil {
			return fmt.Errorf("transfer file: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func createSSHConfig(config *Config) (*ssh.ClientConfig, error) {
	clientConfig := &ssh.ClientConfig{
		User:            config.Username,
		Timeout:         config.Timeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	if config.PrivateKeyPath != "" {
		key, err := os.ReadFile(config.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}

		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}

		clientConfig.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	} else if config.Password != "" {
		clientConfig.Auth = []ssh.AuthMethod{ssh.Password(config.Password)}
	} else {
		return nil, fmt.Errorf("no authentication method configured (need PrivateKeyPath or Password)")
	}

	return clientConfig, nil
}

func hasPort(address string) bool {
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == ':' {
			return true
		}
		if address[i] == '.' {
			return false
		}
	}
	return false
}
