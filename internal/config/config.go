package config

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/goccy/go-yaml"
)

// Internal configuration data structures for github2gerrit.

// Root is the top-level configuration structure.
type Root struct {
	Gerrit  *Gerrit            `json:"gerrit,omitempty"`
	Sync    Sync               `json:"sync,omitzero"`
	Secrets map[string]*Secret `json:"secrets,omitempty"` // Schema validation overrides Secret to object type.
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for the Root
// struct. It injects the secret store into each secret reference so that
// internal callers can resolve secret values as needed.
func (r *Root) UnmarshalYAML(bs []byte) error {
	type rawRoot Root // avoid recursive calls to UnmarshalYAML by type aliasing
	var raw rawRoot

	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw) // Assign the unmarshaled data back to the original struct
	return r.unmarshal(r)
}

func (r *Root) UnmarshalJSON(bs []byte) error {
	type rawRoot Root // avoid recursive calls to UnmarshalYAML by type aliasing
	var raw rawRoot

	if err := json.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw) // Assign the unmarshaled data back to the original struct
	return r.unmarshal(r)
}

func (r *Root) Unmarshal() error {
	return r.unmarshal(r)
}

func (*Root) unmarshal(raw *Root) error {
	for name := range raw.Secrets {
		raw.Secrets[name] = cmp.Or(raw.Secrets[name], &Secret{})
		raw.Secrets[name].Name = name
	}

	if raw.Gerrit != nil {
		if raw.Gerrit.Credentials != nil {
			raw.Gerrit.Credentials.value = raw.Secrets[raw.Gerrit.Credentials.Name]
		}
		if raw.Gerrit.HTTPCredentials != nil {
			raw.Gerrit.HTTPCredentials.value = raw.Secrets[raw.Gerrit.HTTPCredentials.Name]
		}
	}

	return nil
}

// ApplyGitReview fills Gerrit connection fields left empty in the
// configuration from a repository's .gitreview file. Explicit configuration
// always wins.
func (r *Root) ApplyGitReview(gr *GitReview) {
	if gr == nil {
		return
	}
	if r.Gerrit == nil {
		r.Gerrit = &Gerrit{}
	}
	if r.Gerrit.Host == "" {
		r.Gerrit.Host = gr.Host
	}
	if r.Gerrit.Port == 0 {
		r.Gerrit.Port = gr.Port
	}
	if r.Gerrit.Project == "" {
		r.Gerrit.Project = gr.Project
	}
	if r.Gerrit.Branch == "" {
		r.Gerrit.Branch = gr.DefaultBranch
	}
}

func Validate(data []byte) error {
	var config any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return err
	}

	return rootSchema.Validate(config)
}

func ParseFile(filename string) (root *Root, err error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	return Parse(bs)
}

func Parse(bs []byte) (*Root, error) {
	if err := Validate(bs); err != nil {
		return nil, err
	}

	var root Root
	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &root, nil
}

// Gerrit defines the connection to the Gerrit server: where to push over
// SSH and where to query over REST.
type Gerrit struct {
	Host     string  `json:"host"`
	Port     int     `json:"port,omitempty" minimum:"1" maximum:"65535"`
	Project  string  `json:"project"`
	Branch   string  `json:"branch,omitempty"`
	SSHUser  string  `json:"ssh_user,omitempty"`
	URL      string  `json:"url,omitempty"`       // REST base URL; derived from host when empty.
	BasePath *string `json:"base_path,omitempty"` // If nil, the REST base path is probed at runtime.

	Credentials     *SecretRef `json:"credentials,omitempty"`      // SSH identity; if nil, a running ssh-agent is the only option.
	HTTPCredentials *SecretRef `json:"http_credentials,omitempty"` // Optional REST basic auth.

	_ struct{} `additionalProperties:"false"`
}

func (g *Gerrit) Validate() error {
	if g == nil {
		return errors.New("gerrit configuration is required")
	}
	if g.Host == "" {
		return errors.New("gerrit host is required")
	}
	if g.Project == "" {
		return errors.New("gerrit project is required")
	}
	if g.Port < 0 || g.Port > 65535 {
		return fmt.Errorf("gerrit port %d out of range", g.Port)
	}
	if g.URL != "" {
		if _, err := url.Parse(g.URL); err != nil {
			return fmt.Errorf("invalid gerrit url %q: %w", g.URL, err)
		}
	}
	return nil
}

func (g *Gerrit) PortOrDefault() int {
	if g.Port != 0 {
		return g.Port
	}
	return 29418
}

func (g *Gerrit) BranchOrDefault() string {
	if g.Branch != "" {
		return g.Branch
	}
	return "master"
}

func (g *Gerrit) SSHUserOrDefault() string {
	if g.SSHUser != "" {
		return g.SSHUser
	}
	return "github2gerrit"
}

// BaseURL is the REST endpoint root, without any base path.
func (g *Gerrit) BaseURL() string {
	if g.URL != "" {
		return strings.TrimRight(g.URL, "/")
	}
	return "https://" + g.Host
}

func (g *Gerrit) Equal(other *Gerrit) bool {
	return fastEqual(g, other, func(g, other *Gerrit) bool {
		return g.Host == other.Host &&
			g.Port == other.Port &&
			g.Project == other.Project &&
			g.Branch == other.Branch &&
			g.SSHUser == other.SSHUser &&
			g.URL == other.URL &&
			stringPtrEqual(g.BasePath, other.BasePath) &&
			g.Credentials.Equal(other.Credentials) &&
			g.HTTPCredentials.Equal(other.HTTPCredentials)
	})
}

// Sync defines how pull requests are turned into Gerrit changes.
type Sync struct {
	Mode            string    `json:"mode,omitempty" enum:"single,squash"`
	Topic           string    `json:"topic,omitempty"`
	DryRun          bool      `json:"dry_run,omitempty"`
	Workers         int       `json:"workers,omitempty" minimum:"1"`
	Branches        StringSet `json:"branches,omitempty"` // Glob patterns of target branches eligible for synchronization.
	RequireExisting bool      `json:"require_existing,omitempty"`
	InstallHook     bool      `json:"install_hook,omitempty"`

	PushAttempts    int      `json:"push_attempts,omitempty" minimum:"1"`
	PushBaseDelay   Duration `json:"push_base_delay,omitzero"`
	PushMaxDelay    Duration `json:"push_max_delay,omitzero"`
	ResolveBudget   Duration `json:"resolve_budget,omitzero"`
	ResolveInterval Duration `json:"resolve_interval,omitzero"`
	RunTimeout      Duration `json:"run_timeout,omitzero"`

	_ struct{} `additionalProperties:"false"`
}

func (s *Sync) UnmarshalYAML(bs []byte) error {
	type rawSync Sync // avoid recursive calls to UnmarshalYAML by type aliasing
	var raw rawSync

	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode sync: %w", err)
	}

	*s = Sync(raw)
	return s.validate()
}

func (s *Sync) UnmarshalJSON(bs []byte) error {
	type rawSync Sync // avoid recursive calls to UnmarshalYAML by type aliasing
	var raw rawSync

	if err := json.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode sync: %w", err)
	}

	*s = Sync(raw)
	return s.validate()
}

func (s *Sync) validate() error {
	switch s.Mode {
	case "", "single", "squash":
	default:
		return fmt.Errorf("unknown sync mode %q", s.Mode)
	}

	if strings.Contains(s.Topic, ",") {
		return fmt.Errorf("sync topic %q must not contain a comma", s.Topic)
	}

	for _, pattern := range s.Branches {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("failed to compile branch pattern %q: %w", pattern, err)
		}
	}

	return nil
}

// BranchEligible reports whether a target branch matches the configured
// patterns. An empty pattern set admits every branch.
func (s *Sync) BranchEligible(branch string) bool {
	if len(s.Branches) == 0 {
		return true
	}
	for _, pattern := range s.Branches {
		g, err := glob.Compile(pattern)
		if err != nil {
			continue // validated at unmarshal time
		}
		if g.Match(branch) {
			return true
		}
	}
	return false
}

func (s *Sync) WorkersOrDefault() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return 4
}

func (s *Sync) Equal(other *Sync) bool {
	return fastEqual(s, other, func(s, other *Sync) bool {
		return s.Mode == other.Mode &&
			s.Topic == other.Topic &&
			s.DryRun == other.DryRun &&
			s.Workers == other.Workers &&
			s.Branches.Equal(other.Branches) &&
			s.RequireExisting == other.RequireExisting &&
			s.InstallHook == other.InstallHook &&
			s.PushAttempts == other.PushAttempts &&
			s.PushBaseDelay == other.PushBaseDelay &&
			s.PushMaxDelay == other.PushMaxDelay &&
			s.ResolveBudget == other.ResolveBudget &&
			s.ResolveInterval == other.ResolveInterval &&
			s.RunTimeout == other.RunTimeout
	})
}

// Instead of marshaling and unmarshaling as int64 it uses strings, like "5m" or "0.5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	val, err := time.ParseDuration(str)
	*d = Duration(val)
	return err
}

func (d *Duration) UnmarshalYAML(bs []byte) error {
	var s string
	if err := yaml.Unmarshal(bs, &s); err != nil {
		return err
	}
	val, err := time.ParseDuration(s)
	*d = Duration(val)
	return err
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

type StringSet []string

func (a StringSet) Equal(b StringSet) bool {
	return setEqual(a, b, func(s string) string { return s }, func(a, b string) bool { return a == b })
}

func (a StringSet) Add(value string) StringSet {
	i := sort.Search(len(a), func(i int) bool { return a[i] >= value })
	if i < len(a) && a[i] == value {
		return a
	}

	return slices.Insert(a, i, value)
}

func setEqual[K comparable, V any](a, b []V, key func(V) K, eq func(a, b V) bool) bool {
	if len(a) == 1 && len(b) == 1 {
		return eq(a[0], b[0])
	}

	m := make(map[K]V, len(a))
	for _, v := range a {
		m[key(v)] = v
	}

	n := make(map[K]V, len(b))
	for _, v := range b {
		n[key(v)] = v
	}

	if len(m) != len(n) {
		return false
	}
	for k, v := range m {
		w, ok := n[k]
		if !ok || !eq(v, w) {
			return false
		}
	}
	return true
}

func stringPtrEqual(a, b *string) bool {
	return fastEqual(a, b, func(a, b *string) bool { return *a == *b })
}

func fastEqual[V any](a, b *V, slowEqual func(a, b *V) bool) bool {
	if a == b {
		return true
	}

	if a == nil || b == nil {
		return false
	}

	return slowEqual(a, b)
}
