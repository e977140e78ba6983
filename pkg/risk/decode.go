package risk

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// decoder is one reversible transform tried during variant expansion.
// accepts is a cheap structural check run before the (costlier) decode.
type decoder struct {
	name    string
	accepts func(string) bool
	decode  func(string) (string, bool)
}

// decoders are tried in a fixed order on every input. The order matters only
// for which variants survive the attempt cap.
var decoders = []decoder{
	{
		name:    "base64",
		accepts: looksLikeBase64,
		decode: func(s string) (string, bool) {
			raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
			if err != nil || !utf8.Valid(raw) {
				return "", false
			}
			return string(raw), true
		},
	},
	{
		name:    "hex",
		accepts: looksLikeHex,
		decode: func(s string) (string, bool) {
			raw, err := hex.DecodeString(strings.TrimSpace(s))
			if err != nil || !utf8.Valid(raw) {
				return "", false
			}
			return string(raw), true
		},
	},
	{
		name:    "rot13",
		accepts: func(s string) bool { return strings.ContainsFunc(s, isASCIILetter) },
		decode:  func(s string) (string, bool) { return rot13(s), true },
	},
}

// DecodeAttempts returns text followed by up to maxAttempts decoded variants.
// Every transform is tried at most once against the original text; duplicates
// are dropped and the result is capped at maxAttempts+1 entries, which bounds
// cost against nested-encoding attacks.
func DecodeAttempts(text string, maxAttempts int) []string {
	variants := []string{text}
	if maxAttempts <= 0 {
		return variants
	}
	seen := map[string]bool{text: true}
	for _, d := range decoders {
		if len(variants) > maxAttempts {
			break
		}
		if !d.accepts(text) {
			continue
		}
		decoded, ok := d.decode(text)
		if !ok || decoded == "" || seen[decoded] {
			continue
		}
		seen[decoded] = true
		variants = append(variants, decoded)
	}
	return variants
}

func looksLikeBase64(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 8 || len(s)%4 != 0 {
		return false
	}
	for _, r := range s {
		if !isASCIILetter(r) && (r < '0' || r > '9') && r != '+' && r != '/' && r != '=' {
			return false
		}
	}
	return true
}

func looksLikeHex(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 8 || len(s)%2 != 0 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func rot13(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'a' + (r-'a'+13)%26
		case r >= 'A' && r <= 'Z':
			return 'A' + (r-'A'+13)%26
		}
		return r
	}, s)
}
