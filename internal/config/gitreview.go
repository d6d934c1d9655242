package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// GitReview holds the [gerrit] section of a repository's .gitreview file,
// the conventional place Gerrit-reviewed projects record their server
// coordinates.
type GitReview struct {
	Host          string
	Port          int
	Project       string
	DefaultBranch string
}

// ParseGitReview reads a .gitreview file. The format is a tiny INI subset:
// one [gerrit] section of key=value lines. Keys outside that section and
// unknown keys are ignored.
func ParseGitReview(filename string) (*GitReview, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var gr GitReview
	inGerrit := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			inGerrit = strings.EqualFold(strings.TrimSpace(line[1:len(line)-1]), "gerrit")
			continue
		}
		if !inGerrit {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch strings.ToLower(key) {
		case "host":
			gr.Host = value
		case "port":
			port, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid port %q in %s: %w", value, filename, err)
			}
			gr.Port = port
		case "project":
			gr.Project = strings.TrimSuffix(value, ".git")
		case "defaultbranch":
			gr.DefaultBranch = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if gr.Host == "" {
		return nil, fmt.Errorf("no gerrit host in %s", filename)
	}
	return &gr, nil
}
