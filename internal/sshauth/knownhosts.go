package sshauth

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Entry is one scanned host key, addressed by host, port and key type.
type Entry struct {
	Host string
	Port int
	Type string
	Key  ssh.PublicKey
}

// Address returns the entry's normalized known-hosts address, bracketed for
// non-default ports ("[gerrit.example.org]:29418").
func (e Entry) Address() string {
	return knownhosts.Normalize(net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
}

// Line renders the entry as a known-hosts file line.
func (e Entry) Line() string {
	return knownhosts.Line([]string{net.JoinHostPort(e.Host, strconv.Itoa(e.Port))}, e.Key)
}

// MergeKnownHosts merges entries into the known-hosts file at path,
// creating it if absent. The merge is idempotent: entries are deduplicated
// by (address, key type), so inserting the same host:port:type twice leaves
// exactly one line. A pinned key of the same type but different material is
// reported as ErrHostKeyMismatch: possible identity spoofing, never retried.
func MergeKnownHosts(path string, entries []Entry) error {
	var lines []string
	index := map[string]string{} // "addr keytype" -> full line

	if data, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 3 {
				continue
			}
			lines = append(lines, line)
			index[fields[0]+" "+fields[1]] = line
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	changed := false
	for _, e := range entries {
		line := e.Line()
		key := e.Address() + " " + e.Key.Type()
		if existing, ok := index[key]; ok {
			if existing == line {
				continue
			}
			return fmt.Errorf("%w: %s offers a different %s key than pinned", ErrHostKeyMismatch, e.Address(), e.Key.Type())
		}
		index[key] = line
		lines = append(lines, line)
		changed = true
	}

	if !changed && len(lines) > 0 {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600)
}
