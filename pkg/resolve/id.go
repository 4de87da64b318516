package resolve

import "strings"

// idLength is the length of an undashed content id.
const idLength = 32

// NormalizeID strips dashes from a content id and lowercases it. Values that
// are not 32 hex digits after stripping are returned trimmed but otherwise
// unchanged, so slugs and paths pass through.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	stripped := strings.ReplaceAll(id, "-", "")
	if !isHex32(stripped) {
		return id
	}
	return strings.ToLower(stripped)
}

// IsValidID reports whether id is a content id with or without dashes.
func IsValidID(id string) bool {
	return isHex32(strings.ReplaceAll(strings.TrimSpace(id), "-", ""))
}

func isHex32(s string) bool {
	if len(s) != idLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// normalizeTitle folds case and whitespace so "About  Us" and "about us" collide.
func normalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}

// SplitIDs normalizes ids and drops repeats of the same content id, keeping
// first-seen order. Values that are not content ids are returned in invalid.
func SplitIDs(ids []string) (valid, invalid []string) {
	seen := make(map[string]struct{}, len(ids))
	for _, raw := range ids {
		if !IsValidID(raw) {
			invalid = append(invalid, raw)
			continue
		}
		id := NormalizeID(raw)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		valid = append(valid, id)
	}
	return valid, invalid
}
