// Package sftptransport implements transport.Transport over an SFTP
// connection, for any source or destination address.Parse reports as
// remote.
package sftptransport

import (
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/coldvault/coldvault/internal/transport"
)

// Dial opens an SSH connection to host as user, authenticating with
// password, and wraps it in an SFTP client. When host is literally
// "localhost" host-key verification is skipped (the common case for
// local integration testing against a loopback SFTP server); for every
// other host, known_hosts is consulted.
func Dial(user, host, password string) (*Transport, error) {
	hostOnly := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostOnly = h
	}
	hostKeyCallback, err := hostKeyCallback(hostOnly)
	if err != nil {
		return nil, fmt.Errorf("sftptransport: host key callback: %w", err)
	}

	addr := host
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(host, "22")
	}

	sshConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: hostKeyCallback,
	}

	conn, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("sftptransport: ssh dial %s: %w", addr, err)
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftptransport: new sftp client: %w", err)
	}

	return &Transport{conn: conn, client: client}, nil
}

func hostKeyCallback(host string) (ssh.HostKeyCallback, error) {
	if host == "localhost" {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	known := filepath.Join(home, ".ssh", "known_hosts")
	return knownhosts.New(known)
}

// Transport is a transport.Transport backed by a live SFTP session.
type Transport struct {
	conn   *ssh.Client
	client *sftp.Client
	root   string
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Chdir(dir string) error {
	if err := t.client.MkdirAll(dir); err != nil {
		return fmt.Errorf("sftptransport: mkdir %s: %w", dir, err)
	}
	t.root = dir
	return nil
}

func (t *Transport) resolve(name string) string {
	return path.Join(t.root, name)
}

func (t *Transport) IsDir(name string) bool {
	info, err := t.client.Stat(t.resolve(name))
	return err == nil && info.IsDir()
}

func (t *Transport) IsFile(name string) bool {
	info, err := t.client.Stat(t.resolve(name))
	return err == nil && info.Mode().IsRegular()
}

func (t *Transport) ListDir() ([]string, error) {
	entries, err := t.client.ReadDir(t.root)
	if err != nil {
		return nil, fmt.Errorf("sftptransport: readdir %s: %w", t.root, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (t *Transport) OpenRead(name string) (io.ReadCloser, error) {
	f, err := t.client.Open(t.resolve(name))
	if err != nil {
		return nil, fmt.Errorf("sftptransport: open %s: %w", name, err)
	}
	return f, nil
}

func (t *Transport) OpenWrite(name string) (transport.WriteCloser, error) {
	f, err := t.client.Create(t.resolve(name))
	if err != nil {
		return nil, fmt.Errorf("sftptransport: create %s: %w", name, err)
	}
	return f, nil
}

func (t *Transport) OpenAppend(name string) (io.WriteCloser, error) {
	f, err := t.client.OpenFile(t.resolve(name), os.O_WRONLY|os.O_CREATE|os.O_APPEND)
	if err != nil {
		return nil, fmt.Errorf("sftptransport: open-append %s: %w", name, err)
	}
	return f, nil
}

func (t *Transport) Rename(oldName, newName string) error {
	if err := t.client.Remove(t.resolve(newName)); err != nil && !os.IsNotExist(err) {
		// Best-effort: most SFTP servers reject a rename onto an
		// existing name, so clear the way first. A missing target is
		// the common case and not an error.
		_ = err
	}
	return t.client.Rename(t.resolve(oldName), t.resolve(newName))
}

func (t *Transport) Remove(name string) error {
	return t.client.Remove(t.resolve(name))
}

func (t *Transport) GetToBuffer(name string) ([]byte, error) {
	f, err := t.client.Open(t.resolve(name))
	if err != nil {
		return nil, fmt.Errorf("sftptransport: open %s: %w", name, err)
	}
	defer f.Close()
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("sftptransport: read %s: %w", name, err)
	}
	return buf, nil
}

func (t *Transport) Close() error {
	cerr := t.client.Close()
	if err := t.conn.Close(); err != nil {
		return err
	}
	return cerr
}
