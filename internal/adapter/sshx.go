package adapter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/nerv-lab/tachikoma/internal/router"
)

// maxSSHOutput caps bytes captured from a remote command. nvram dumps on
// consumer routers stay well under this.
const maxSSHOutput = 1 << 20

// SSHRunner executes shell commands on a router over SSH. One runner per
// target; the client connection is reused across commands and re-dialed
// when stale.
type SSHRunner struct {
	addr    string
	config  *ssh.ClientConfig
	timeout time.Duration

	client *ssh.Client
}

// NewSSHRunner builds a runner for the target using password or key auth
// from the credential view.
func NewSSHRunner(target router.Target, creds router.Credentials, timeout time.Duration) (*SSHRunner, error) {
	var methods []ssh.AuthMethod
	if creds.SSHKeyPath != "" {
		pem, err := os.ReadFile(creds.SSHKeyPath)
		if err != nil {
			return nil, router.E(router.ErrCredentialsMissing, fmt.Sprintf("read ssh key: %v", err), err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, router.E(router.ErrCredentialsMissing, fmt.Sprintf("parse ssh key %s: %v", creds.SSHKeyPath, err), err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
	}
	if len(methods) == 0 {
		return nil, router.Errorf(router.ErrCredentialsMissing, "ssh to %s needs a password or key", target.Address)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	port := creds.SSHPort
	if port == 0 {
		port = 22
	}
	return &SSHRunner{
		addr: target.HostPort(port),
		config: &ssh.ClientConfig{
			User: creds.Username,
			Auth: methods,
			// Consumer routers regenerate host keys on reset; pinning
			// them would make every factory reset an outage.
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         timeout,
		},
		timeout: timeout,
	}, nil
}

func (r *SSHRunner) dial() (*ssh.Client, error) {
	if r.client != nil {
		return r.client, nil
	}
	client, err := ssh.Dial("tcp", r.addr, r.config)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, router.E(router.ErrAuthenticationFailed, fmt.Sprintf("ssh auth to %s rejected", r.addr), err)
		}
		return nil, classify(err, "ssh dial "+r.addr)
	}
	r.client = client
	return client, nil
}

// Run executes one command and returns combined output. The connection is
// re-dialed once if the cached session is stale.
func (r *SSHRunner) Run(ctx context.Context, cmd string) (string, error) {
	client, err := r.dial()
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		// Stale connection; reconnect once.
		r.Close()
		if client, err = r.dial(); err != nil {
			return "", err
		}
		if session, err = client.NewSession(); err != nil {
			return "", classify(err, "ssh session "+r.addr)
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	select {
	case err := <-done:
		out := stdout.String()
		if stderr.Len() > 0 {
			out += "\n" + stderr.String()
		}
		if len(out) > maxSSHOutput {
			out = out[:maxSSHOutput]
		}
		if err != nil {
			if _, ok := err.(*ssh.ExitError); ok {
				return out, router.Errorf(router.ErrValidationFailed, "remote command failed: %v", err)
			}
			return out, classify(err, "ssh run")
		}
		return out, nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		r.Close()
		return "", classify(ctx.Err(), "ssh run")
	}
}

// Close tears down the cached connection.
func (r *SSHRunner) Close() {
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}
