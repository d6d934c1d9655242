// Package sshauth resolves the authenticated, trust-verified SSH channel
// used to push to Gerrit. A running agent is preferred; an isolated
// file-based key is the fallback. Host trust always derives from the
// endpoint passed in, never from ambient environment state.
package sshauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/lfit/github2gerrit/internal/gerrit"
	"github.com/lfit/github2gerrit/internal/logging"
)

var (
	ErrNoIdentity      = errors.New("no usable ssh agent identity and no key configured")
	ErrKeyPermission   = errors.New("ssh key file permissions too open")
	ErrHostKeyMismatch = errors.New("ssh host key mismatch")
)

type Kind int

const (
	KindAgent Kind = iota
	KindKeyFile
)

func (k Kind) String() string {
	switch k {
	case KindAgent:
		return "agent"
	case KindKeyFile:
		return "keyfile"
	}
	return "unknown"
}

// Credentials carries the caller-supplied identity material. The agent
// socket is explicit rather than read from the environment so behavior is
// reproducible across environments.
type Credentials struct {
	User        string
	AgentSocket string
	Key         string // private key PEM
	KeyFile     string // path to a private key file, alternative to Key
	Passphrase  string
}

// Handle is the resolved transport. File-backed keys and the known-hosts
// set live in a private 0700 temporary directory that Close purges.
type Handle struct {
	Kind           Kind
	User           string
	Auth           gitssh.AuthMethod
	KnownHostsPath string

	dir  string
	conn net.Conn // agent connection, nil for keyfile handles
}

// Close purges the temporary key material and releases the agent
// connection. Safe to call on a nil handle.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	if h.conn != nil {
		h.conn.Close()
	}
	if h.dir == "" {
		return nil
	}
	return os.RemoveAll(h.dir)
}

// Resolve establishes the SSH transport for info's endpoint. The remote's
// offered host keys are scanned and pinned into a run-private known-hosts
// set before any authentication attempt; a conflicting pinned key is fatal
// and never retried.
func Resolve(ctx context.Context, creds Credentials, info gerrit.Info, log *logging.Logger) (*Handle, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if creds.User == "" {
		return nil, errors.New("ssh user is required")
	}

	dir, err := os.MkdirTemp("", "g2g-ssh-")
	if err != nil {
		return nil, fmt.Errorf("creating transport directory: %w", err)
	}

	entries, err := Keyscan(ctx, info.Host, info.Port, 10*time.Second)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	khPath := filepath.Join(dir, "known_hosts")
	if err := MergeKnownHosts(khPath, entries); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	hostKeys, err := knownhosts.New(khPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("loading known hosts: %w", err)
	}

	if creds.AgentSocket != "" {
		h, err := resolveAgent(ctx, creds, hostKeys, khPath, dir)
		if err == nil {
			log.Debugf("ssh transport resolved via agent socket %s", creds.AgentSocket)
			return h, nil
		}
		if !errors.Is(err, ErrNoIdentity) {
			os.RemoveAll(dir)
			return nil, err
		}
		log.Debugf("ssh agent unusable, falling back to key file: %v", err)
	}

	if creds.Key != "" || creds.KeyFile != "" {
		h, err := resolveKeyFile(creds, hostKeys, khPath, dir)
		if err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
		log.Debugf("ssh transport resolved via isolated key file")
		return h, nil
	}

	os.RemoveAll(dir)
	return nil, ErrNoIdentity
}

// usableKeyFormats lists the agent key types accepted for Gerrit pushes.
var usableKeyFormats = map[string]bool{
	ssh.KeyAlgoED25519:     true,
	ssh.KeyAlgoECDSA256:    true,
	ssh.KeyAlgoECDSA384:    true,
	ssh.KeyAlgoECDSA521:    true,
	ssh.KeyAlgoRSA:         true,
	ssh.CertAlgoED25519v01: true,
	ssh.CertAlgoRSAv01:     true,
}

func resolveAgent(ctx context.Context, creds Credentials, hostKeys ssh.HostKeyCallback, khPath, dir string) (*Handle, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", creds.AgentSocket)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing agent: %v", ErrNoIdentity, err)
	}

	ag := agent.NewClient(conn)
	keys, err := ag.List()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: listing agent identities: %v", ErrNoIdentity, err)
	}

	usable := 0
	for _, k := range keys {
		if usableKeyFormats[k.Format] {
			usable++
		}
	}
	if usable == 0 {
		conn.Close()
		return nil, fmt.Errorf("%w: agent offers %d identities, none of a usable type", ErrNoIdentity, len(keys))
	}

	return &Handle{
		Kind: KindAgent,
		User: creds.User,
		Auth: &gitssh.PublicKeysCallback{
			User:     creds.User,
			Callback: ag.Signers,
			HostKeyCallbackHelper: gitssh.HostKeyCallbackHelper{
				HostKeyCallback: hostKeys,
			},
		},
		KnownHostsPath: khPath,
		dir:            dir,
		conn:           conn,
	}, nil
}

func resolveKeyFile(creds Credentials, hostKeys ssh.HostKeyCallback, khPath, dir string) (*Handle, error) {
	pem := []byte(creds.Key)
	if creds.KeyFile != "" {
		fi, err := os.Stat(creds.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key: %w", err)
		}
		if fi.Mode().Perm()&0o077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o, want 0600", ErrKeyPermission, creds.KeyFile, fi.Mode().Perm())
		}
		pem, err = os.ReadFile(creds.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key: %w", err)
		}
	}

	// The key is copied into the run-private directory so nothing outside a
	// securely scoped temporary location ever holds it on disk.
	keyPath := filepath.Join(dir, "id_g2g")
	if err := os.WriteFile(keyPath, pem, 0o600); err != nil {
		return nil, fmt.Errorf("writing isolated key file: %w", err)
	}

	var signer ssh.Signer
	var err error
	if creds.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(creds.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key: %w", err)
	}

	// A single explicit signer gives "identities only" semantics: nothing
	// inherited from ambient user configuration is ever offered.
	return &Handle{
		Kind: KindKeyFile,
		User: creds.User,
		Auth: &gitssh.PublicKeys{
			User:   creds.User,
			Signer: signer,
			HostKeyCallbackHelper: gitssh.HostKeyCallbackHelper{
				HostKeyCallback: hostKeys,
			},
		},
		KnownHostsPath: khPath,
		dir:            dir,
	}, nil
}
