package sshauth

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/ssh"

	"github.com/lfit/github2gerrit/internal/metrics"
)

// hostKeyAlgorithms are probed one handshake each; a server offers at most
// one key per type, so results are deduplicated by key type.
var hostKeyAlgorithms = []string{
	ssh.KeyAlgoED25519,
	ssh.KeyAlgoECDSA256,
	ssh.KeyAlgoECDSA384,
	ssh.KeyAlgoECDSA521,
	ssh.KeyAlgoRSASHA512,
	ssh.KeyAlgoRSASHA256,
	ssh.KeyAlgoRSA,
}

// scanCache holds keyscan results per host:port for the process lifetime.
// Bulk runs against the same Gerrit then pay for discovery once.
var scanCache = func() *lru.Cache {
	c, err := lru.New(64)
	if err != nil {
		panic(err)
	}
	return c
}()

// Keyscan queries the remote for the host key types it offers. Each
// algorithm is probed with a handshake that records the key and then aborts
// before authentication.
func Keyscan(ctx context.Context, host string, port int, timeout time.Duration) ([]Entry, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	if v, ok := scanCache.Get(addr); ok {
		metrics.KeyscanCacheHit()
		return v.([]Entry), nil
	}
	metrics.KeyscanCacheMiss()

	var entries []Entry
	seen := map[string]bool{}
	var lastErr error
	for _, algo := range hostKeyAlgorithms {
		key, err := scanOne(ctx, addr, algo, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		if key == nil || seen[key.Type()] {
			continue
		}
		seen[key.Type()] = true
		entries = append(entries, Entry{Host: host, Port: port, Type: key.Type(), Key: key})
	}

	if len(entries) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("keyscan %s: %w", addr, lastErr)
		}
		return nil, fmt.Errorf("keyscan %s: no host keys offered", addr)
	}

	scanCache.Add(addr, entries)
	return entries, nil
}

func scanOne(ctx context.Context, addr, algo string, timeout time.Duration) (ssh.PublicKey, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var captured ssh.PublicKey
	cfg := &ssh.ClientConfig{
		User:              "keyscan",
		HostKeyAlgorithms: []string{algo},
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			captured = key
			return nil
		},
		Timeout: timeout,
	}

	// No auth methods are offered, so the handshake fails after the host
	// key exchange. That is the point: we only want the key.
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err == nil {
		ssh.NewClient(c, chans, reqs).Close()
	}
	if captured != nil {
		return captured, nil
	}
	return nil, err
}
