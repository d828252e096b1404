// Package transfer moves files to and from the vendor SFTP server: list the
// reports directory, download with a local cache, and upload outputs.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"patron-tools/config"
	"patron-tools/ledger"
)

var (
	// ErrFingerprintMismatch is returned when the server host key does not
	// match the configured fingerprint.
	ErrFingerprintMismatch = errors.New("host fingerprint verification failed")

	// ErrRemoteEmpty is returned when a remote file (or its download) has no content.
	ErrRemoteEmpty = errors.New("remote file is empty")

	// ErrRemoteNotFound is returned when a remote file does not exist.
	ErrRemoteNotFound = errors.New("remote file not found")

	// ErrNoHost is returned when HOST_NAME is not configured.
	ErrNoHost = errors.New("HOST_NAME not set")
)

// RemoteFS is the part of an SFTP session the client needs.
type RemoteFS interface {
	ReadDir(dir string) ([]os.FileInfo, error)
	Stat(path string) (os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Close() error
}

// DownloadRecorder is told about every download and cache hit.
type DownloadRecorder interface {
	RecordDownload(ledger.Download) error
}

// Client is an open transfer session.
type Client struct {
	fs       RemoteFS
	conn     io.Closer
	logger   *slog.Logger
	recorder DownloadRecorder
}

// NewClient wraps an already-open remote filesystem.
func NewClient(fs RemoteFS, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{fs: fs, logger: logger}
}

// SetRecorder makes the client report downloads to r.
func (c *Client) SetRecorder(r DownloadRecorder) { c.recorder = r }

// Dial connects to the configured server, verifies its host key and opens an
// SFTP session.
func Dial(ctx context.Context, cfg config.SFTPConfig, creds config.Credentials, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Host == "" {
		return nil, ErrNoHost
	}
	logger.Info("connecting to sftp", "addr", cfg.Addr(), "user", creds.User)

	sshCfg := &ssh.ClientConfig{
		User: creds.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(creds.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = creds.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: HostKeyVerifier(cfg.Fingerprint, logger),
		Timeout:         cfg.Timeout,
	}

	sshClient, err := dialSSH(ctx, cfg, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("sftp connection failed: %w", err)
	}
	logger.Info("ssh connection established")

	sc, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("open sftp session: %w", err)
	}

	c := NewClient(sftpFS{c: sc}, logger)
	c.conn = sshClient
	return c, nil
}

func dialSSH(ctx context.Context, cfg config.SFTPConfig, sshCfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, cfg.Addr(), sshCfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	// The deadline only guards the handshake.
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// Close ends the SFTP session and the SSH connection.
func (c *Client) Close() error {
	err := c.fs.Close()
	if c.conn != nil {
		if cerr := c.conn.Close(); err == nil {
			err = cerr
		}
	}
	c.logger.Info("sftp connection closed")
	return err
}

// List returns the names of the regular files in dir, sorted.
func (c *Client) List(dir string) ([]string, error) {
	entries, err := c.fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Download copies remoteDir/name into localDir and returns the local path. A
// non-empty local copy is reused without contacting the server; an empty one
// is replaced. Partial downloads are removed on failure.
func (c *Client) Download(remoteDir, name, localDir string) (string, error) {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	local := filepath.Join(localDir, name)
	remote := RemotePath(remoteDir, name)

	c.logger.Info("downloading", "remote", remote, "local", local)

	if info, err := os.Stat(local); err == nil {
		if info.Size() > 0 {
			c.logger.Info("using cached file (skipping download)", "file", name, "bytes", info.Size())
			c.record(remote, local, info.Size(), true)
			return local, nil
		}
		c.logger.Warn("local file empty, re-downloading", "file", name)
		if err := os.Remove(local); err != nil {
			return "", err
		}
	}

	st, err := c.fs.Stat(remote)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.logger.Error("remote file not found", "remote", remote)
			c.logAvailable(remoteDir)
			return "", fmt.Errorf("%w: %s", ErrRemoteNotFound, remote)
		}
		return "", fmt.Errorf("stat %s: %w", remote, err)
	}
	if st.Size() == 0 {
		return "", fmt.Errorf("%w: %s", ErrRemoteEmpty, remote)
	}
	c.logger.Info("remote file size", "bytes", st.Size())

	n, err := c.copyDown(remote, local)
	if err != nil {
		os.Remove(local)
		c.logger.Error("download failed", "remote", remote, "error", err)
		return "", err
	}
	if n == 0 {
		os.Remove(local)
		return "", fmt.Errorf("%w: downloaded %s has no content", ErrRemoteEmpty, name)
	}
	if n != st.Size() {
		c.logger.Warn("size mismatch", "remote_bytes", st.Size(), "local_bytes", n)
	}

	c.logger.Info("download complete", "file", name, "bytes", n)
	c.record(remote, local, n, false)
	return local, nil
}

func (c *Client) copyDown(remote, local string) (int64, error) {
	src, err := c.fs.Open(remote)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", remote, err)
	}
	defer src.Close()

	dst, err := os.Create(local)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (c *Client) logAvailable(dir string) {
	names, err := c.List(dir)
	if err != nil {
		c.logger.Error("could not list directory", "dir", dir, "error", err)
		return
	}
	if len(names) > 10 {
		names = names[:10]
	}
	c.logger.Info("files in directory", "dir", dir, "first", strings.Join(names, ", "))
}

func (c *Client) record(remote, local string, size int64, cached bool) {
	if c.recorder == nil {
		return
	}
	err := c.recorder.RecordDownload(ledger.Download{
		RemotePath: remote,
		LocalPath:  local,
		SizeBytes:  size,
		Cached:     cached,
		At:         time.Now(),
	})
	if err != nil {
		c.logger.Warn("could not record download", "error", err)
	}
}

// Upload copies localPath into remoteDir under its own name and returns the
// remote path. Empty files are refused.
func (c *Client) Upload(localPath, remoteDir string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("local file: %w", err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("cannot upload empty file: %s", localPath)
	}
	remote := RemotePath(remoteDir, filepath.Base(localPath))

	c.logger.Info("uploading", "local", localPath, "remote", remote, "bytes", info.Size())

	src, err := os.Open(filepath.Clean(localPath))
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := c.fs.Create(remote)
	if err != nil {
		c.logger.Error("upload failed", "error", err)
		return "", fmt.Errorf("create %s: %w", remote, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		c.logger.Error("upload failed", "error", err)
		return "", fmt.Errorf("upload %s: %w", remote, err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("upload %s: %w", remote, err)
	}
	c.logger.Info("upload successful", "remote", remote)
	return remote, nil
}

// RemotePath joins a remote directory and a file name with a single slash.
func RemotePath(dir, name string) string {
	return strings.TrimRight(dir, `/\`) + "/" + name
}

// sftpFS adapts *sftp.Client to RemoteFS.
type sftpFS struct {
	c *sftp.Client
}

func (s sftpFS) ReadDir(dir string) ([]os.FileInfo, error) { return s.c.ReadDir(dir) }
func (s sftpFS) Stat(p string) (os.FileInfo, error)        { return s.c.Stat(p) }
func (s sftpFS) Close() error                              { return s.c.Close() }

func (s sftpFS) Open(p string) (io.ReadCloser, error) {
	f, err := s.c.Open(p)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s sftpFS) Create(p string) (io.WriteCloser, error) {
	f, err := s.c.Create(p)
	if err != nil {
		return nil, err
	}
	return f, nil
}
