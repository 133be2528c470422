package suite

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultTimeout bounds runs that do not override their timeout.
	DefaultTimeout = 5 * time.Minute
	// ZeroKnowledgeTimeout is the override used by the proof-backed scenario.
	ZeroKnowledgeTimeout = 1_200_000 * time.Millisecond
)

// Declaration binds a description to a test identifier and an optional
// timeout override. A zero Timeout uses the suite default.
type Declaration struct {
	Description string
	ID          string
	Timeout     time.Duration
}

// Suite is the ordered set of declared cases.
type Suite struct {
	DefaultTimeout time.Duration
	Tests          []Declaration
}

// BuiltIn returns the compact public key suite.
func BuiltIn() Suite {
	return Suite{
		DefaultTimeout: DefaultTimeout,
		Tests: []Declaration{
			{
				Description: "Compressed Compact Public Key Test Small 256 Bit",
				ID:          "compressedCompactPublicKeyTest256BitSmall",
			},
			{
				Description: "Compressed Compact Public Key Test Big 256 Bit",
				ID:          "compressedCompactPublicKeyTest256BitBig",
			},
			{
				Description: "Compact Public Key Test Big 64 Bit With Zero Knowledge",
				ID:          "compactPublicKeyZeroKnowledge",
				Timeout:     ZeroKnowledgeTimeout,
			},
		},
	}
}

type fileDeclaration struct {
	Description string `yaml:"description"`
	ID          string `yaml:"id"`
	TimeoutMS   *int64 `yaml:"timeout_ms"`
}

type fileSuite struct {
	DefaultTimeoutMS *int64            `yaml:"default_timeout_ms"`
	Tests            []fileDeclaration `yaml:"tests"`
}

// Load reads declarations from a YAML file. An empty path returns BuiltIn.
func Load(path string) (Suite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return BuiltIn(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Suite{}, fmt.Errorf("read declarations %q: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes YAML declarations. source names the input in errors.
func Parse(data []byte, source string) (Suite, error) {
	var raw fileSuite
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&raw); err != nil {
		return Suite{}, fmt.Errorf("parse declarations %q: %w", source, err)
	}

	s := Suite{DefaultTimeout: DefaultTimeout}
	if raw.DefaultTimeoutMS != nil {
		s.DefaultTimeout = time.Duration(*raw.DefaultTimeoutMS) * time.Millisecond
		if s.DefaultTimeout <= 0 {
			return Suite{}, fmt.Errorf("parse declarations %q: default_timeout_ms must be > 0, got %d", source, *raw.DefaultTimeoutMS)
		}
	}
	for i, test := range raw.Tests {
		declaration := Declaration{
			Description: strings.TrimSpace(test.Description),
			ID:          strings.TrimSpace(test.ID),
		}
		if test.TimeoutMS != nil {
			if *test.TimeoutMS <= 0 {
				return Suite{}, fmt.Errorf("parse declarations %q: tests[%d] (%s) timeout_ms must be > 0, got %d", source, i, declaration.ID, *test.TimeoutMS)
			}
			declaration.Timeout = time.Duration(*test.TimeoutMS) * time.Millisecond
		}
		s.Tests = append(s.Tests, declaration)
	}
	if err := s.Validate(); err != nil {
		return Suite{}, fmt.Errorf("parse declarations %q: %w", source, err)
	}
	return s, nil
}

// Validate checks that identifiers are present and unique and timeouts are
// positive.
func (s Suite) Validate() error {
	if s.DefaultTimeout <= 0 {
		return fmt.Errorf("default timeout must be > 0, got %s", s.DefaultTimeout)
	}
	if len(s.Tests) == 0 {
		return errors.New("no tests declared")
	}
	seen := make(map[string]int, len(s.Tests))
	for i, test := range s.Tests {
		if strings.TrimSpace(test.ID) == "" {
			return fmt.Errorf("tests[%d] has an empty id", i)
		}
		if previous, ok := seen[test.ID]; ok {
			return fmt.Errorf("tests[%d] repeats id %q from tests[%d]", i, test.ID, previous)
		}
		seen[test.ID] = i
		if test.Timeout < 0 {
			return fmt.Errorf("tests[%d] (%s) timeout must be > 0, got %s", i, test.ID, test.Timeout)
		}
	}
	return nil
}

// TimeoutFor returns the declaration's override or the suite default.
func (s Suite) TimeoutFor(test Declaration) time.Duration {
	if test.Timeout != 0 {
		return test.Timeout
	}
	return s.DefaultTimeout
}

// Select keeps only the named cases, in declaration order.
func (s Suite) Select(ids []string) (Suite, error) {
	if len(ids) == 0 {
		return s, nil
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[strings.TrimSpace(id)] = true
	}
	selected := Suite{DefaultTimeout: s.DefaultTimeout}
	for _, test := range s.Tests {
		if wanted[test.ID] {
			selected.Tests = append(selected.Tests, test)
			delete(wanted, test.ID)
		}
	}
	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for id := range wanted {
			missing = append(missing, id)
		}
		sort.Strings(missing)
		return Suite{}, fmt.Errorf("unknown test ids: %s", strings.Join(missing, ", "))
	}
	return selected, nil
}

// Label returns the description, falling back to the identifier.
func (d Declaration) Label() string {
	if d.Description != "" {
		return d.Description
	}
	return d.ID
}
