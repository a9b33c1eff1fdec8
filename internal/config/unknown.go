package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownTopKeys are the valid top-level keys in the bootstrap file.
var knownTopKeys = map[string]bool{
	"sync_root": true, "cloud": true,
	"filter": true, "transfers": true, "safety": true,
	"sync": true, "logging": true, "network": true,
}

// knownSectionKeys are the valid keys within each named sub-table.
var knownSectionKeys = map[string]map[string]bool{
	"cloud": {
		"name": true, "type": true, "root_path": true, "addressing": true,
		"client_id": true, "client_secret": true, "token_file": true, "enabled": true,
	},
	"filter": {
		"skip_files": true, "skip_dirs": true, "skip_dotfiles": true,
		"skip_symlinks": true, "max_file_size": true, "ignore_marker": true,
	},
	"transfers": {
		"max_in_flight": true, "max_retry_attempts": true, "chunk_size": true,
		"bandwidth_limit": true, "bandwidth_schedule": true, "transfer_order": true,
	},
	"safety": {
		"big_delete_threshold": true, "big_delete_percentage": true,
		"min_free_space": true, "use_local_trash": true,
		"sync_dir_permissions": true, "sync_file_permissions": true,
	},
	"sync": {
		"poll_interval": true, "websocket": true, "shutdown_timeout": true,
	},
	"logging": {
		"log_level": true, "log_file": true, "log_format": true,
	},
	"network": {
		"connect_timeout": true, "data_timeout": true, "user_agent": true,
	},
}

// knownTopKeysList is the sorted slice form of knownTopKeys for Levenshtein
// matching. Sorted for deterministic suggestions when two candidates have
// the same edit distance.
var knownTopKeysList = sortedKeys(knownTopKeys)

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		parts := key.String()

		top := strings.SplitN(parts, ".", 2)[0]
		// "cloud" is an array-of-tables; entries look like "cloud.0.field".
		top = strings.SplitN(top, "[", 2)[0]

		if err := buildKeyError(parts, top); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// buildKeyError creates a descriptive error for an unknown key, optionally
// suggesting the closest known top-level key. Returns nil for keys that are
// valid nested sub-fields of a known section.
func buildKeyError(fullKey, top string) error {
	if sub, ok := knownSectionKeys[top]; ok {
		segs := strings.Split(fullKey, ".")
		leaf := segs[len(segs)-1]

		if sub[leaf] {
			return nil
		}

		return fmt.Errorf("unknown config key %q in [%s]", leaf, top)
	}

	if knownTopKeys[top] {
		return nil
	}

	suggestion := closestMatch(top, knownTopKeysList)
	if suggestion != "" {
		return fmt.Errorf("unknown config key %q — did you mean %q?", top, suggestion)
	}

	return fmt.Errorf("unknown config key %q", top)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
