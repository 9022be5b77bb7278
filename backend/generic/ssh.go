package generic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/seantiz/torque/backend"
)

const (
	// defaultSessionAttempts bounds session-open retries on a live
	// connection.
	defaultSessionAttempts = 4

	// sessionWaitFloor and sessionWaitJitter shape the backoff between
	// session-open attempts.
	sessionWaitFloor  = 300 * time.Millisecond
	sessionWaitJitter = 150 * time.Millisecond
)

// sshDriver executes commands on a remote host over one shared SSH
// connection. The connection is established once at backend construction and
// is safe for concurrent sessions.
type sshDriver struct {
	client      *ssh.Client
	shell       string
	maxAttempts int
	logger      *slog.Logger
}

// dialSSH connects and authenticates to the configured host using the
// ambient SSH agent. No password prompt and no key-file loading: identities
// must already be loaded into the agent.
func dialSSH(cfg *SSHConfig, shell string, logger *slog.Logger) (*sshDriver, error) {
	if cfg.Host == "" {
		return nil, errors.New("ssh locale requires a host")
	}

	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("no SSH agent available (SSH_AUTH_SOCK is unset); add your key with ssh-add")
	}
	agentConn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connecting to the SSH agent: %w", err)
	}
	agentClient := agent.NewClient(agentConn)

	identities, err := agentClient.List()
	if err != nil {
		return nil, fmt.Errorf("listing SSH agent identities: %w", err)
	}
	if len(identities) == 0 {
		return nil, errors.New("no identities found in the SSH agent; add your key with ssh-add")
	}

	username := cfg.User
	if username == "" {
		current, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("resolving current user for SSH: %w", err)
		}
		username = current.Username
	}

	port := cfg.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	logger.Debug("connecting to SSH host", "addr", addr, "user", username)
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeysCallback(agentClient.Signers)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	})
	if err != nil {
		agentConn.Close()
		return nil, fmt.Errorf("dialing SSH host %s: %w", addr, err)
	}

	maxAttempts := cfg.MaxSessionAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultSessionAttempts
	}

	return &sshDriver{
		client:      client,
		shell:       shell,
		maxAttempts: maxAttempts,
		logger:      logger,
	}, nil
}

func (d *sshDriver) run(ctx context.Context, command string) (backend.Outcome, error) {
	d.logger.Debug("executing remote command", "command", command)

	session, err := d.newSession()
	if err != nil {
		return backend.Outcome{}, fmt.Errorf("opening SSH session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	// The remote end resolves the shell the same way the local driver does.
	remote := shellquote.Join(envPath, d.shell, "-c", command)

	done := make(chan error, 1)
	go func() {
		done <- session.Run(remote)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		// Closing the session aborts the remote command; the goroutine
		// drains into the buffered channel.
		session.Close()
		return backend.Outcome{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, ctx.Err()
	}

	outcome := backend.Outcome{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		outcome.ExitCode = exitErr.ExitStatus()
	default:
		return outcome, fmt.Errorf("running command over SSH: %w", err)
	}

	return outcome, nil
}

// newSession opens a session on the shared connection, backing off with
// jitter when the server is momentarily out of channels.
func (d *sshDriver) newSession() (*ssh.Session, error) {
	var lastErr error
	wait := time.Duration(0)

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		session, err := d.client.NewSession()
		if err == nil {
			return session, nil
		}
		lastErr = err

		if attempt == d.maxAttempts {
			break
		}
		wait += sessionWaitFloor + rand.N(sessionWaitJitter)
		d.logger.Debug("session open failed, backing off",
			"attempt", attempt, "max_attempts", d.maxAttempts, "wait", wait, "error", err)
		time.Sleep(wait)
	}
	return nil, lastErr
}

func (d *sshDriver) close() error {
	return d.client.Close()
}
