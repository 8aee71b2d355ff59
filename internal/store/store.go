// Package store implements the Credential Store (C1): discovery, validation
// and read-only vending of credential bundles by index.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Mode selects how the store discovers candidate credential bundles.
type Mode int

const (
	// ModeEnv scans environment variables matching AUTH_JSON_<N>.
	ModeEnv Mode = iota
	// ModeDir scans a directory for files matching auth-<N>.json.
	ModeDir
)

// Bundle is an opaque JSON credential payload plus its discovered metadata.
type Bundle struct {
	Index       int
	AccountName string
	Raw         json.RawMessage
}

var dirFilePattern = regexp.MustCompile(`^auth-(\d+)\.json$`)
var envVarPattern = regexp.MustCompile(`^AUTH_JSON_(\d+)$`)

// Store is a read-only, index-keyed registry of credential bundles.
// It never caches: Load re-reads the backing source on every call so
// externally rotated credentials are observed on next use.
type Store struct {
	mode    Mode
	dir     string
	indices []int
	names   map[int]string
}

// candidate describes a discovered but not-yet-validated source for index.
type candidate struct {
	index int
	read  func() ([]byte, error)
}

// New discovers and validates credential bundles. Mode selection happens
// once here: if any AUTH_JSON_<N> environment variable is present, the
// store runs in ModeEnv; otherwise it scans dir for auth-<N>.json files.
// New fails fatally (returns an error) when no valid bundle is found,
// matching the "non-empty at startup or the process refuses to run"
// invariant in the specification.
func New(dir string) (*Store, error) {
	envCandidates := discoverEnvCandidates()
	var candidates []candidate
	mode := ModeDir
	if len(envCandidates) > 0 {
		mode = ModeEnv
		candidates = envCandidates
	} else {
		candidates = discoverDirCandidates(dir)
	}

	s := &Store{mode: mode, dir: dir, names: make(map[int]string)}
	for _, c := range candidates {
		raw, err := c.read()
		if err != nil {
			log.Warnf("credential store: failed to read bundle %d: %v", c.index, err)
			continue
		}
		name, ok := validateBundle(c.index, raw)
		if !ok {
			continue
		}
		s.indices = append(s.indices, c.index)
		s.names[c.index] = name
	}
	sort.Ints(s.indices)

	if len(s.indices) == 0 {
		return nil, fmt.Errorf("credential store: no valid credential bundles found (mode=%v, dir=%q)", mode, dir)
	}
	return s, nil
}

func discoverEnvCandidates() []candidate {
	var out []candidate
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		name := kv[:eq]
		m := envVarPattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 {
			continue
		}
		envName := name
		out = append(out, candidate{
			index: idx,
			read: func() ([]byte, error) {
				v, ok := os.LookupEnv(envName)
				if !ok {
					return nil, fmt.Errorf("env var %s vanished", envName)
				}
				return []byte(v), nil
			},
		})
	}
	return out
}

func discoverDirCandidates(dir string) []candidate {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warnf("credential store: cannot read directory %q: %v", dir, err)
		return nil
	}
	var out []candidate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := dirFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		out = append(out, candidate{
			index: idx,
			read: func() ([]byte, error) {
				return os.ReadFile(path)
			},
		})
	}
	return out
}

// validateBundle parses raw as JSON and extracts accountName when present.
// Parse failures are logged and the candidate is excluded.
func validateBundle(index int, raw []byte) (accountName string, ok bool) {
	var payload struct {
		AccountName *string `json:"accountName"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Warnf("credential store: bundle %d is not valid JSON: %v", index, err)
		return "", false
	}
	if payload.AccountName != nil {
		return *payload.AccountName, true
	}
	return "", true
}

// AvailableIndices returns the ordered (ascending) list of valid indices.
func (s *Store) AvailableIndices() []int {
	out := make([]int, len(s.indices))
	copy(out, s.indices)
	return out
}

// NameOf returns the display name for index, or nil if unknown.
func (s *Store) NameOf(index int) *string {
	if name, ok := s.names[index]; ok {
		return &name
	}
	return nil
}

// MaxIndex returns the highest valid index, or 0 if the store is empty.
func (s *Store) MaxIndex() int {
	if len(s.indices) == 0 {
		return 0
	}
	return s.indices[len(s.indices)-1]
}

// Load re-reads and returns the bundle at index, or nil if index is not a
// currently valid credential. This never caches: a bundle rotated on disk
// or in the environment after startup is picked up on the next call.
func (s *Store) Load(index int) *Bundle {
	switch s.mode {
	case ModeEnv:
		envName := fmt.Sprintf("AUTH_JSON_%d", index)
		raw, ok := os.LookupEnv(envName)
		if !ok {
			return nil
		}
		name, ok := validateBundle(index, []byte(raw))
		if !ok {
			return nil
		}
		return &Bundle{Index: index, AccountName: name, Raw: json.RawMessage(raw)}
	default:
		path := filepath.Join(s.dir, fmt.Sprintf("auth-%d.json", index))
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		name, ok := validateBundle(index, raw)
		if !ok {
			return nil
		}
		return &Bundle{Index: index, AccountName: name, Raw: json.RawMessage(raw)}
	}
}

// Mode reports which discovery mode this store was initialised with.
func (s *Store) Mode() Mode { return s.mode }

func (m Mode) String() string {
	switch m {
	case ModeEnv:
		return "env"
	case ModeDir:
		return "dir"
	default:
		return "unknown"
	}
}
