// Package knownhosts implements the Known-Hosts Store: loading,
// matching, and appending entries in OpenSSH known_hosts format,
// including hashed hostnames and glob patterns with negation.
//
// Matching semantics are ported directly from the Rust reference
// implementation's known_hosts module rather than golang.org/x/crypto/ssh/knownhosts,
// which has no notion of the Revoked marker or this exact match
// ordering.
package knownhosts

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // OpenSSH known_hosts hashing is defined to use SHA-1
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Marker distinguishes plain entries from CertAuthority/Revoked ones.
type Marker int

const (
	MarkerNone Marker = iota
	MarkerCertAuthority
	MarkerRevoked
)

// Entry is one parsed known_hosts line.
type Entry struct {
	// Patterns holds plain/glob patterns (set when Hashed is false).
	Patterns []string
	// Hashed entries carry a salt and the HMAC-SHA1 digest instead of
	// plaintext patterns.
	Hashed    bool
	Salt      []byte
	HashValue []byte

	Marker    Marker
	PublicKey ssh.PublicKey
	raw       string
}

// Result is the outcome of checking a (host, port, key) against the store.
type Result int

const (
	ResultNotFound Result = iota
	ResultMatch
	ResultMismatch
	ResultRevoked
)

// Store holds all entries loaded from a known_hosts file.
type Store struct {
	path    string
	Entries []Entry
}

// Load reads and parses path. A missing file yields an empty Store
// (not an error), matching the original's "absent file means no
// entries yet" behavior.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("knownhosts: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, ok := parseLine(line)
		if ok {
			s.Entries = append(s.Entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("knownhosts: read %s: %w", path, err)
	}
	return s, nil
}

func parseLine(line string) (Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Entry{}, false
	}

	idx := 0
	marker := MarkerNone
	switch fields[idx] {
	case "@cert-authority":
		marker = MarkerCertAuthority
		idx++
	case "@revoked":
		marker = MarkerRevoked
		idx++
	}
	if idx+2 >= len(fields) {
		return Entry{}, false
	}

	hostField := fields[idx]
	keyType := fields[idx+1]
	keyB64 := fields[idx+2]

	keyBytes, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return Entry{}, false
	}
	pub, err := ssh.ParsePublicKey(keyBytes)
	if err != nil {
		_ = keyType
		return Entry{}, false
	}

	entry := Entry{Marker: marker, PublicKey: pub, raw: line}

	if strings.HasPrefix(hostField, "|1|") {
		parts := strings.Split(hostField, "|")
		if len(parts) != 4 {
			return Entry{}, false
		}
		salt, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			return Entry{}, false
		}
		hashVal, err := base64.StdEncoding.DecodeString(parts[3])
		if err != nil {
			return Entry{}, false
		}
		entry.Hashed = true
		entry.Salt = salt
		entry.HashValue = hashVal
	} else {
		entry.Patterns = strings.Split(hostField, ",")
	}

	return entry, true
}

// TargetPattern builds the pattern a host/port pair is matched against:
// the bare host for the default SSH port, or "[host]:port" otherwise.
func TargetPattern(host string, port int) string {
	if port == 22 {
		return host
	}
	return fmt.Sprintf("[%s]:%d", host, port)
}

// Check looks up (host, port) against every entry and returns the
// strongest applicable result: a Revoked match always wins over a
// later Match for the same target.
func (s *Store) Check(host string, port int, key ssh.PublicKey) Result {
	target := TargetPattern(host, port)
	result := ResultNotFound

	for _, e := range s.Entries {
		if !hostMatches(e, target) {
			continue
		}
		sameKey := keysEqual(e.PublicKey, key)

		if e.Marker == MarkerRevoked {
			return ResultRevoked
		}
		if sameKey {
			if result != ResultRevoked {
				result = ResultMatch
			}
		} else if result == ResultNotFound {
			result = ResultMismatch
		}
	}
	return result
}

func keysEqual(a, b ssh.PublicKey) bool {
	if a == nil || b == nil {
		return false
	}
	return string(a.Marshal()) == string(b.Marshal())
}

func hostMatches(e Entry, target string) bool {
	if e.Hashed {
		mac := hmac.New(sha1.New, e.Salt)
		mac.Write([]byte(target))
		return hmac.Equal(mac.Sum(nil), e.HashValue)
	}
	return matchPlainPatterns(e.Patterns, target)
}

// matchPlainPatterns applies OpenSSH's negation-rejects-overall rule:
// if any "!pattern" matches, the whole entry is rejected for this
// target regardless of other positive matches.
func matchPlainPatterns(patterns []string, target string) bool {
	matched := false
	for _, p := range patterns {
		if strings.HasPrefix(p, "!") {
			if globMatch(p[1:], target) {
				return false
			}
			continue
		}
		if globMatch(p, target) {
			matched = true
		}
	}
	return matched
}

// globMatch implements OpenSSH's '*'/'?' glob semantics via two-pointer
// backtracking: '*' may match the empty string, '?' matches exactly
// one character.
func globMatch(pattern, s string) bool {
	var sIdx, pIdx int
	var starIdx = -1
	var matchIdx int

	for sIdx < len(s) {
		if pIdx < len(pattern) && (pattern[pIdx] == '?' || pattern[pIdx] == s[sIdx]) {
			sIdx++
			pIdx++
		} else if pIdx < len(pattern) && pattern[pIdx] == '*' {
			starIdx = pIdx
			matchIdx = sIdx
			pIdx++
		} else if starIdx != -1 {
			pIdx = starIdx + 1
			matchIdx++
			sIdx = matchIdx
		} else {
			return false
		}
	}
	for pIdx < len(pattern) && pattern[pIdx] == '*' {
		pIdx++
	}
	return pIdx == len(pattern)
}

// Add appends a single-line entry for (host, port, key) and reloads
// the store from disk.
func (s *Store) Add(host string, port int, key ssh.PublicKey, comment string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("knownhosts: mkdir: %w", err)
	}

	pattern := TargetPattern(host, port)
	line := pattern + " " + key.Type() + " " + base64.StdEncoding.EncodeToString(key.Marshal())
	if comment != "" {
		line += " " + comment
	}
	line += "\n"

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("knownhosts: open %s: %w", s.path, err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("knownhosts: write %s: %w", s.path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	reloaded, err := Load(s.path)
	if err != nil {
		return err
	}
	s.Entries = reloaded.Entries
	return nil
}
