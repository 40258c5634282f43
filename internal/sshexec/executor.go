// Package sshexec runs commands on broker hosts over SSH, pooling one
// connection per (host, port) and evicting it on detected failure.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	dialTimeout         = 30 * time.Second
	keepaliveInterval   = 5 * time.Second
	healthCheckCommand  = "echo ping"
	healthCheckTimeout  = 5 * time.Second
)

// Options configures command execution.
type Options struct {
	Sudo    bool
	Timeout time.Duration
}

// pooledConn is one live SSH connection, keyed by host:port.
type pooledConn struct {
	client *ssh.Client
	mu     sync.Mutex // serializes session creation against concurrent health checks
}

// Executor maintains a pool of SSH connections to broker hosts and runs
// commands against them, reconnecting on failure.
type Executor struct {
	user     string
	keyPath  string
	password string

	mu    sync.Mutex
	conns map[string]*pooledConn

	dialMu sync.Map // per-key single-flight dial guard
}

// NewExecutor builds an Executor. At least one of keyPath or password must
// be supplied before the first Execute call, or it fails with a clear error.
func NewExecutor(user, keyPath, password string) *Executor {
	return &Executor{
		user:     user,
		keyPath:  keyPath,
		password: password,
		conns:    make(map[string]*pooledConn),
	}
}

func connKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

func (e *Executor) authMethods() ([]ssh.AuthMethod, error) {
	if e.keyPath != "" {
		keyData, err := os.ReadFile(e.keyPath)
		if err != nil {
			return nil, fmt.Errorf("sshexec: read private key %s: %w", e.keyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("sshexec: parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if e.password != "" {
		return []ssh.AuthMethod{ssh.Password(e.password)}, nil
	}
	return nil, fmt.Errorf("sshexec: no SSH credentials configured (need key path or password)")
}

func (e *Executor) dial(host string, port int) (*ssh.Client, error) {
	auth, err := e.authMethods()
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            e.user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("sshexec: dial %s: %w", addr, err)
	}

	go e.keepalive(client)
	return client, nil
}

// keepalive sends periodic no-op requests to detect a dead socket early.
func (e *Executor) keepalive(client *ssh.Client) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for range ticker.C {
		if _, _, err := client.SendRequest("keepalive@rollingrestart", true, nil); err != nil {
			return
		}
	}
}

// getOrDial returns the pooled connection for a host, dialing if absent. A
// per-key mutex in Go's sync.Map avoids duplicate concurrent dials.
func (e *Executor) getOrDial(host string, port int) (*pooledConn, error) {
	key := connKey(host, port)

	e.mu.Lock()
	if pc, ok := e.conns[key]; ok {
		e.mu.Unlock()
		return pc, nil
	}
	e.mu.Unlock()

	lockIface, _ := e.dialMu.LoadOrStore(key, &sync.Mutex{})
	dialLock := lockIface.(*sync.Mutex)
	dialLock.Lock()
	defer dialLock.Unlock()

	e.mu.Lock()
	if pc, ok := e.conns[key]; ok {
		e.mu.Unlock()
		return pc, nil
	}
	e.mu.Unlock()

	client, err := e.dial(host, port)
	if err != nil {
		return nil, err
	}

	pc := &pooledConn{client: client}
	e.mu.Lock()
	e.conns[key] = pc
	e.mu.Unlock()
	return pc, nil
}

func (e *Executor) evict(host string, port int) {
	key := connKey(host, port)
	e.mu.Lock()
	pc, ok := e.conns[key]
	if ok {
		delete(e.conns, key)
	}
	e.mu.Unlock()
	if ok {
		pc.client.Close()
	}
}

// Execute runs command on the given host, optionally under sudo with a PTY,
// and returns trimmed combined stdout. A non-zero exit code is an error
// whose message includes combined stdout+stderr.
func (e *Executor) Execute(ctx context.Context, host string, port int, command string, opts Options) (string, error) {
	pc, err := e.getOrDial(host, port)
	if err != nil {
		return "", err
	}

	pc.mu.Lock()
	session, err := pc.client.NewSession()
	pc.mu.Unlock()
	if err != nil {
		e.evict(host, port)
		return "", fmt.Errorf("sshexec: new session on %s:%d: %w", host, port, err)
	}
	defer session.Close()

	cmd := command
	if opts.Sudo {
		if err := session.RequestPty("xterm", 80, 40, ssh.TerminalModes{}); err != nil {
			return "", fmt.Errorf("sshexec: request pty: %w", err)
		}
		cmd = "sudo " + command
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err := <-done:
		if err != nil {
			combined := strings.TrimSpace(stdout.String() + stderr.String())
			return "", fmt.Errorf("sshexec: command %q on %s:%d failed: %w: %s", command, host, port, err, combined)
		}
		return strings.TrimSpace(stdout.String()), nil
	case <-time.After(timeout):
		return "", fmt.Errorf("sshexec: command %q on %s:%d timed out after %s", command, host, port, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// HealthCheck verifies a pooled connection still works by running a
// lightweight command, evicting it from the pool on failure.
func (e *Executor) HealthCheck(host string, port int) error {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if _, err := e.Execute(ctx, host, port, healthCheckCommand, Options{Timeout: healthCheckTimeout}); err != nil {
		log.Printf("[HostExecutor] health check failed for %s:%d: %v", host, port, err)
		e.evict(host, port)
		return err
	}
	return nil
}

// Close disposes every pooled connection. Call on process shutdown.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, pc := range e.conns {
		pc.client.Close()
		delete(e.conns, key)
	}
}
