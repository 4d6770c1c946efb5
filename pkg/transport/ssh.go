package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshTransport runs commands on a remote host over SSH, one session per
// command, with SFTP for file transfer.
type sshTransport struct {
	settings *Settings
	client   *ssh.Client
}

// dialSSH establishes the SSH connection for a host.
func dialSSH(ctx context.Context, s *Settings) (Transport, error) {
	config, err := clientConfig(s)
	if err != nil {
		return nil, &UnreachableError{Host: s.Host, Err: err}
	}

	addr := net.JoinHostPort(s.Address, fmt.Sprintf("%d", s.Port))

	dialer := net.Dialer{Timeout: s.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &UnreachableError{Host: s.Host, Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, &UnreachableError{Host: s.Host, Err: err}
	}

	return &sshTransport{
		settings: s,
		client:   ssh.NewClient(sshConn, chans, reqs),
	}, nil
}

// clientConfig builds the ssh.ClientConfig from settings.
func clientConfig(s *Settings) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if s.PrivateKeyPath != "" {
		keyData, err := os.ReadFile(s.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if s.Password != "" {
		auth = append(auth, ssh.Password(s.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no authentication method configured for host %s", s.Host)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() // #nosec G106 -- opt-in via empty known_hosts
	if s.KnownHostsPath != "" {
		cb, err := knownhosts.New(s.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            s.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         s.ConnectTimeout,
	}, nil
}

// Kind returns KindSSH.
func (t *sshTransport) Kind() string {
	return KindSSH
}

// Execute runs the command in a fresh session. On timeout the remote process
// gets SIGTERM then SIGKILL before TimeoutError is returned.
func (t *sshTransport) Execute(ctx context.Context, command string, timeout time.Duration) (*RawResult, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return nil, &UnreachableError{Host: t.settings.Host, Err: fmt.Errorf("failed to create session: %w", err)}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var runErr error
	select {
	case <-execCtx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Host: t.settings.Host, Command: command, Timeout: timeout}
		}
		return nil, execCtx.Err()
	case runErr = <-done:
	}

	result := &RawResult{
		Stdout:   strings.TrimRight(stdout.String(), "\n"),
		Stderr:   strings.TrimRight(stderr.String(), "\n"),
		Duration: time.Since(start),
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, &UnreachableError{Host: t.settings.Host, Err: runErr}
	}

	return result, nil
}

// Upload writes content to the remote path via SFTP.
func (t *sshTransport) Upload(_ context.Context, content []byte, remotePath string, mode os.FileMode) error {
	client, err := sftp.NewClient(t.client)
	if err != nil {
		return &UnreachableError{Host: t.settings.Host, Err: fmt.Errorf("failed to open sftp: %w", err)}
	}
	defer client.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		// MkdirAll succeeds if the directory already exists.
		if err := client.MkdirAll(dir); err != nil {
			return fmt.Errorf("failed to create remote directory %s: %w", dir, err)
		}
	}

	f, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}

	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write remote file %s: %w", remotePath, err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	return client.Chmod(remotePath, mode)
}

// Close closes the SSH connection.
func (t *sshTransport) Close() error {
	return t.client.Close()
}
