// Package remote pushes a release archive to another host over SSH and runs
// deployctl there.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"deployctl/internal/logger"
)

var log = logger.PackageLogger("remote", "")

// Target is the host a release is pushed to.
type Target struct {
	// Addr is host or host:port; port 22 is assumed when missing.
	Addr       string
	User       string
	KeyFile    string
	KnownHosts string
	Timeout    time.Duration
}

func (t Target) address() string {
	if _, _, err := net.SplitHostPort(t.Addr); err == nil {
		return t.Addr
	}
	return net.JoinHostPort(t.Addr, "22")
}

type Client struct {
	conn *ssh.Client
	addr string
}

// Dial connects to the target. The host key must be listed in the known
// hosts file; unknown hosts are refused.
func Dial(ctx context.Context, t Target) (*Client, error) {
	key, err := os.ReadFile(t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	knownHosts := t.KnownHosts
	if knownHosts == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		knownHosts = filepath.Join(home, ".ssh", "known_hosts")
	}
	hostKeys, err := knownhosts.New(knownHosts)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", knownHosts, err)
	}

	timeout := t.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	config := &ssh.ClientConfig{
		User:            t.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	addr := t.address()
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(nc, addr, config)
	if err != nil {
		nc.Close()
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return nil, fmt.Errorf("host %s is not in %s", addr, knownHosts)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	log.Debug("connected to %s as %s", addr, t.User)
	return &Client{conn: ssh.NewClient(c, chans, reqs), addr: addr}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Run executes cmd on the remote host, streaming its output. The session
// is closed when ctx is cancelled.
func (c *Client) Run(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) error {
	session, err := c.conn.NewSession()
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-done:
		}
	}()

	log.Debug("%s: %s", c.addr, cmd)
	if err := session.Run(cmd); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("remote command %q: %w", cmd, err)
	}
	return nil
}

// Upload copies the local file to remotePath.
func (c *Client) Upload(ctx context.Context, local, remotePath string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	log.Info("uploading %s (%d bytes) to %s:%s", filepath.Base(local), st.Size(), c.addr, remotePath)

	cmd := fmt.Sprintf("cat > %s && chmod 0644 %s", Quote(remotePath), Quote(remotePath))
	var stderr strings.Builder
	if err := c.Run(ctx, cmd, f, io.Discard, &stderr); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// Quote makes s a single POSIX shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@%+,", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Command joins argv into a quoted remote command line.
func Command(argv ...string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}
