package sshauth

import (
	"context"
	"crypto/ed25519"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	glssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/lfit/github2gerrit/internal/gerrit"
	"github.com/lfit/github2gerrit/internal/logging"
)

// startServer runs a throwaway SSH server with an ed25519 host key and
// returns the endpoint it listens on.
func startServer(t *testing.T) (gerrit.Info, ssh.PublicKey) {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &glssh.Server{Handler: func(s glssh.Session) {}}
	srv.AddHostKey(signer)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	port := ln.Addr().(*net.TCPAddr).Port
	info := gerrit.Info{Host: "127.0.0.1", Port: port, Project: "releng/builder", Branch: "main"}
	return info, signer.PublicKey()
}

func clientKeyPEM(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(block)), priv
}

// startAgent serves an in-memory keyring over a unix socket.
func startAgent(t *testing.T, keys ...ed25519.PrivateKey) string {
	t.Helper()
	keyring := agent.NewKeyring()
	for _, k := range keys {
		if err := keyring.Add(agent.AddedKey{PrivateKey: k}); err != nil {
			t.Fatal(err)
		}
	}

	sock := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go agent.ServeAgent(keyring, conn)
		}
	}()
	return sock
}

func TestKeyscan(t *testing.T) {
	info, hostKey := startServer(t)

	entries, err := Keyscan(context.Background(), info.Host, info.Port, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("scanned %d keys, want 1 (ed25519)", len(entries))
	}
	e := entries[0]
	if e.Type != ssh.KeyAlgoED25519 {
		t.Fatalf("scanned key type %q", e.Type)
	}
	if string(e.Key.Marshal()) != string(hostKey.Marshal()) {
		t.Fatal("scanned key does not match the server host key")
	}
}

func TestKeyscanCached(t *testing.T) {
	info, _ := startServer(t)

	first, err := Keyscan(context.Background(), info.Host, info.Port, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	addr := net.JoinHostPort(info.Host, strconv.Itoa(info.Port))
	if _, ok := scanCache.Get(addr); !ok {
		t.Fatal("scan result not cached")
	}
	second, err := Keyscan(context.Background(), info.Host, info.Port, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("cached scan differs: %d vs %d entries", len(first), len(second))
	}
}

func TestResolveKeyFile(t *testing.T) {
	info, _ := startServer(t)
	pemKey, _ := clientKeyPEM(t)

	h, err := Resolve(context.Background(), Credentials{User: "bot", Key: pemKey}, info, logging.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if h.Kind != KindKeyFile {
		t.Fatalf("resolved kind %v, want keyfile", h.Kind)
	}
	if h.Auth == nil {
		t.Fatal("handle has no auth method")
	}
	if _, err := os.Stat(h.KnownHostsPath); err != nil {
		t.Fatalf("known hosts not materialized: %v", err)
	}

	dir := filepath.Dir(h.KnownHostsPath)
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("Close did not purge the transport directory")
	}
}

func TestResolveAgentPreferred(t *testing.T) {
	info, _ := startServer(t)
	pemKey, priv := clientKeyPEM(t)
	sock := startAgent(t, priv)

	// Both an agent and a key are available; the agent wins.
	h, err := Resolve(context.Background(), Credentials{User: "bot", AgentSocket: sock, Key: pemKey}, info, logging.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if h.Kind != KindAgent {
		t.Fatalf("resolved kind %v, want agent", h.Kind)
	}
}

func TestResolveEmptyAgentFallsBack(t *testing.T) {
	info, _ := startServer(t)
	pemKey, _ := clientKeyPEM(t)
	sock := startAgent(t) // no identities

	h, err := Resolve(context.Background(), Credentials{User: "bot", AgentSocket: sock, Key: pemKey}, info, logging.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if h.Kind != KindKeyFile {
		t.Fatalf("resolved kind %v, want keyfile fallback", h.Kind)
	}
}

func TestResolveNoIdentity(t *testing.T) {
	info, _ := startServer(t)
	sock := startAgent(t) // no identities, no key configured

	_, err := Resolve(context.Background(), Credentials{User: "bot", AgentSocket: sock}, info, logging.NewNopLogger())
	if !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("err = %v, want ErrNoIdentity", err)
	}
}

func TestResolveKeyFilePermissions(t *testing.T) {
	info, _ := startServer(t)
	pemKey, _ := clientKeyPEM(t)

	keyPath := filepath.Join(t.TempDir(), "id_test")
	if err := os.WriteFile(keyPath, []byte(pemKey), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Resolve(context.Background(), Credentials{User: "bot", KeyFile: keyPath}, info, logging.NewNopLogger())
	if !errors.Is(err, ErrKeyPermission) {
		t.Fatalf("err = %v, want ErrKeyPermission", err)
	}
}
