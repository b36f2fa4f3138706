package util

// TokenLogLength is how many leading characters of a code or token value may
// be logged.
const TokenLogLength = 8

// SafeTruncate returns at most the first maxLen bytes of s.
// A negative maxLen yields "".
func SafeTruncate(s string, maxLen int) string {
	switch {
	case maxLen <= 0:
		return ""
	case len(s) <= maxLen:
		return s
	default:
		return s[:maxLen]
	}
}

// TokenPrefix returns the part of a token value that is safe to log, e.g.
// the "token_prefix" attribute of store and server log lines.
func TokenPrefix(value string) string {
	return SafeTruncate(value, TokenLogLength)
}
