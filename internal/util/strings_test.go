package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"", 0, ""},
		{"", 4, ""},
		{"abc", -3, ""},
		{"abc", 0, ""},
		{"abc", 3, "abc"},
		{"abc", 64, "abc"},
		{"9f3a7c1be2d04a55", 8, "9f3a7c1b"},
		// Byte based: a multi-byte rune may be cut in half
		{"héllo", 2, "h\xc3"},
	}

	for _, tt := range tests {
		if got := SafeTruncate(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

func TestTokenPrefix(t *testing.T) {
	tests := map[string]string{
		"":                            "",
		"short":                       "short",
		"8chars!!":                    "8chars!!",
		"Kq2Wm0_xYtV9aZ-pL3cR7nDfGh1": "Kq2Wm0_x",
	}

	for value, want := range tests {
		if got := TokenPrefix(value); got != want {
			t.Errorf("TokenPrefix(%q) = %q, want %q", value, got, want)
		}
		if n := len(TokenPrefix(value)); n > TokenLogLength {
			t.Errorf("TokenPrefix(%q) has %d characters, limit is %d", value, n, TokenLogLength)
		}
	}
}
