package sshexec

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestConnKey(t *testing.T) {
	assert.Equal(t, "10.0.0.1:22", connKey("10.0.0.1", 22))
}

func TestAuthMethods_NoCredentialsConfigured(t *testing.T) {
	e := NewExecutor("root", "", "")
	_, err := e.authMethods()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no SSH credentials")
}

func TestAuthMethods_PasswordConfigured(t *testing.T) {
	e := NewExecutor("root", "", "secret")
	methods, err := e.authMethods()
	require.NoError(t, err)
	assert.Len(t, methods, 1)
}

func TestAuthMethods_MissingKeyFile(t *testing.T) {
	e := NewExecutor("root", "/nonexistent/key", "")
	_, err := e.authMethods()
	assert.Error(t, err)
}

// testSSHServer starts a minimal in-process SSH server accepting password
// auth and echoing commands, for exercising Execute end to end.
func testSSHServer(t *testing.T) (addr string, stop func()) {
	t.Helper()

	signer, err := ssh.ParsePrivateKey(testHostKeyPEM)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == "testpass" {
				return nil, nil
			}
			return nil, assert.AnError
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for {
			nConn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleConn(nConn, config)
		}
	}()

	return listener.Addr().String(), func() {
		listener.Close()
		close(done)
	}
}

func handleConn(nConn net.Conn, config *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range requests {
				if req.Type == "exec" {
					channel.Write([]byte("ok\n"))
					req.Reply(true, nil)
					channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
					channel.Close()
				} else {
					req.Reply(req.Type == "pty-req", nil)
				}
			}
		}()
		_ = channel
	}
}

func TestExecute_RunsCommandAgainstLocalServer(t *testing.T) {
	addr, stop := testSSHServer(t)
	defer stop()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	_, err = fmtSscan(portStr, &port)
	require.NoError(t, err)

	e := NewExecutor("tester", "", "testpass")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := e.Execute(ctx, host, port, "echo hi", Options{Timeout: 3 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func fmtSscan(s string, out *int) (int, error) {
	n := 0
	val := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		val = val*10 + int(r-'0')
		n++
	}
	*out = val
	return n, nil
}
