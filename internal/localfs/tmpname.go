package localfs

import "strings"

// tmpPrefixes and tmpSuffixes are the fixed tmp-name classification lists:
// editor atomic-save and partial-download artifacts that must never be
// treated as real content.
var (
	tmpPrefixes = []string{
		".-tmp-SyncHarbor-",
		".goutputstream-",
		".kate-swp",
		".#",
		".~lock.",
	}

	tmpSuffixes = []string{
		".swp", ".swo", ".swx",
		".tmp", ".temp",
		".bak", ".orig",
		"~",
	}
)

// IsTmpName reports whether name matches one of the fixed tmp-name
// prefixes or suffixes.
func IsTmpName(name string) bool {
	for _, p := range tmpPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}

	for _, s := range tmpSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}

	return false
}
