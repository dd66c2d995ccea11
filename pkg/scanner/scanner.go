package scanner

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/hearthci/stoker/pkg/config"
	"github.com/hearthci/stoker/pkg/types"
)

// Pattern is one secret-detection rule. MaxLen bounds the longest
// match the pattern can produce; the streaming window is sized from
// it, so patterns must be length-bounded.
type Pattern struct {
	Kind     string
	Severity string
	MaxLen   int
	re       *regexp.Regexp
}

// DefaultPatterns covers platform tokens, cloud keys, private-key
// headers, and generic credential assignments.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Kind:     "github_token",
			Severity: "high",
			MaxLen:   255,
			re:       regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,251}`),
		},
		{
			Kind:     "github_fine_grained_pat",
			Severity: "high",
			MaxLen:   255,
			re:       regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,244}`),
		},
		{
			Kind:     "aws_access_key",
			Severity: "critical",
			MaxLen:   20,
			re:       regexp.MustCompile(`(?:AKIA|ASIA)[0-9A-Z]{16}`),
		},
		{
			Kind:     "gcp_api_key",
			Severity: "critical",
			MaxLen:   39,
			re:       regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`),
		},
		{
			Kind:     "private_key_header",
			Severity: "critical",
			MaxLen:   64,
			re:       regexp.MustCompile(`-----BEGIN [A-Z ]{0,20}PRIVATE KEY-----`),
		},
		{
			Kind:     "generic_assignment",
			Severity: "medium",
			MaxLen:   320,
			re:       regexp.MustCompile(`(?i)(?:password|passwd|secret|token|api[_-]?key)\s*[:=]\s*["'][^"'\n]{4,256}["']`),
		},
	}
}

// Compile appends configured extra patterns to the default set.
func Compile(extra []config.PatternConfig) ([]Pattern, error) {
	patterns := DefaultPatterns()
	for _, pc := range extra {
		re, err := regexp.Compile(pc.Regex)
		if err != nil {
			return nil, fmt.Errorf("scanner pattern %q: %w", pc.Kind, err)
		}
		severity := pc.Severity
		if severity == "" {
			severity = "medium"
		}
		patterns = append(patterns, Pattern{
			Kind:     pc.Kind,
			Severity: severity,
			MaxLen:   512,
			re:       re,
		})
	}
	return patterns, nil
}

// Scanner holds the compiled pattern set and per-(container, kind)
// match counters for rate-based alerting.
type Scanner struct {
	patterns []Pattern
	window   int

	mu     sync.Mutex
	counts map[string]int // containerID + "/" + kind

	// OnHit receives every match. The hit record carries kind, offset
	// and severity only; matched bytes are never propagated.
	OnHit func(types.SecretHit)
}

// New builds a scanner. The carry window spans the longest pattern so
// a match split across two writes is still caught.
func New(patterns []Pattern, onHit func(types.SecretHit)) *Scanner {
	window := 0
	for _, p := range patterns {
		if p.MaxLen > window {
			window = p.MaxLen
		}
	}
	return &Scanner{
		patterns: patterns,
		window:   window,
		counts:   make(map[string]int),
		OnHit:    onHit,
	}
}

// MatchCount returns how many times kind matched for the container.
func (s *Scanner) MatchCount(containerID, kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[containerID+"/"+kind]
}

func (s *Scanner) recordHit(containerID, jobID, kind, severity string, offset int64) {
	s.mu.Lock()
	s.counts[containerID+"/"+kind]++
	s.mu.Unlock()

	if s.OnHit != nil {
		s.OnHit(types.SecretHit{
			ContainerID: containerID,
			JobID:       jobID,
			PatternKind: kind,
			ByteOffset:  offset,
			Severity:    severity,
			Timestamp:   time.Now(),
		})
	}
}

// Forget drops the counters for a container after it is removed.
func (s *Scanner) Forget(containerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := containerID + "/"
	for k := range s.counts {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(s.counts, k)
		}
	}
}
