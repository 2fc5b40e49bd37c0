package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/netsoc/instanced/pkg/config"
	"github.com/netsoc/instanced/pkg/log"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// NodeShell is a per-task handle to a cluster node's shell, acquired via
// ScopedNodeShell. It is not shareable across tasks (§5): each task
// acquires, uses, and closes its own.
type NodeShell interface {
	// Exec runs cmd synchronously, waiting for the remote exit status
	// rather than just the channel closing (§4.1).
	Exec(ctx context.Context, cmd string) (exitStatus int, stdout, stderr []byte, err error)
	// PutFile writes data to path on the node with the given mode and
	// ownership.
	PutFile(ctx context.Context, path string, data []byte, mode os.FileMode, owner, group string) error
	Close() error
}

// scopedShell bundles the four handles opened to reach a node: a bastion
// SSH client, a tunnelled TCP channel to the node, an SSH client over that
// channel, and an SFTP client over the same SSH connection. All four are
// released together on Close, regardless of outcome.
type scopedShell struct {
	bastion *ssh.Client
	conn    net.Conn
	node    *ssh.Client
	sftp    *sftp.Client
}

// ScopedNodeShell opens a bastion-then-node double-hop SSH session plus an
// SFTP channel, per §4.1. Auth is by private key for both hops.
func ScopedNodeShell(ctx context.Context, cfg config.Hypervisor, node string) (NodeShell, error) {
	logger := log.WithNode(node)

	bastionSigner, err := loadSigner(cfg.BastionKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load bastion key: %w", err)
	}
	bastionClient, err := ssh.Dial("tcp", cfg.BastionAddr, &ssh.ClientConfig{
		User:            cfg.BastionUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(bastionSigner)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // cluster management network
		Timeout:         15 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dial bastion %s: %w", cfg.BastionAddr, err)
	}

	nodeAddr := net.JoinHostPort(node, "22")
	conn, err := bastionClient.Dial("tcp", nodeAddr)
	if err != nil {
		bastionClient.Close()
		return nil, fmt.Errorf("tunnel to node %s via bastion: %w", nodeAddr, err)
	}

	nodeSigner, err := loadSigner(cfg.NodeSSHKeyPath)
	if err != nil {
		conn.Close()
		bastionClient.Close()
		return nil, fmt.Errorf("load node key: %w", err)
	}
	nodeClientConn, chans, reqs, err := ssh.NewClientConn(conn, nodeAddr, &ssh.ClientConfig{
		User:            cfg.NodeSSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(nodeSigner)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // cluster management network
		Timeout:         15 * time.Second,
	})
	if err != nil {
		conn.Close()
		bastionClient.Close()
		return nil, fmt.Errorf("ssh handshake with node %s: %w", node, err)
	}
	nodeClient := ssh.NewClient(nodeClientConn, chans, reqs)

	sftpClient, err := sftp.NewClient(nodeClient)
	if err != nil {
		nodeClient.Close()
		conn.Close()
		bastionClient.Close()
		return nil, fmt.Errorf("open sftp to node %s: %w", node, err)
	}

	logger.Debug().Msg("acquired scoped node shell")
	return &scopedShell{bastion: bastionClient, conn: conn, node: nodeClient, sftp: sftpClient}, nil
}

func (s *scopedShell) Exec(ctx context.Context, cmd string) (int, []byte, []byte, error) {
	session, err := s.node.NewSession()
	if err != nil {
		return -1, nil, nil, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return -1, stdout.Bytes(), stderr.Bytes(), ctx.Err()
	case err := <-done:
		if err == nil {
			return 0, stdout.Bytes(), stderr.Bytes(), nil
		}
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return exitErr.ExitStatus(), stdout.Bytes(), stderr.Bytes(), nil
		}
		return -1, stdout.Bytes(), stderr.Bytes(), fmt.Errorf("exec %q: %w", cmd, err)
	}
}

func (s *scopedShell) PutFile(ctx context.Context, path string, data []byte, mode os.FileMode, owner, group string) error {
	f, err := s.sftp.Create(path)
	if err != nil {
		return fmt.Errorf("sftp create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("sftp write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("sftp close %s: %w", path, err)
	}
	if err := s.sftp.Chmod(path, mode); err != nil {
		return fmt.Errorf("sftp chmod %s: %w", path, err)
	}
	if owner != "" || group != "" {
		if _, _, _, err := s.Exec(ctx, fmt.Sprintf("chown %s:%s %s", owner, group, path)); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
	}
	return nil
}

func (s *scopedShell) Close() error {
	var firstErr error
	if s.sftp != nil {
		if err := s.sftp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.node != nil {
		if err := s.node.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.bastion != nil {
		if err := s.bastion.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func loadSigner(keyPath string) (ssh.Signer, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", keyPath, err)
	}
	return signer, nil
}
