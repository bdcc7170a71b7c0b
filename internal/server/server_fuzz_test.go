package server

import (
	"strings"
	"testing"
)

// FuzzIsSafeName tests the workspace id validation with various inputs
func FuzzIsSafeName(f *testing.F) {
	f.Add("valid-name_123")
	f.Add("")
	f.Add("..")
	f.Add("../etc/passwd")
	f.Add("name/with/slash")
	f.Add("name\\with\\backslash")
	f.Add("valid.name")
	f.Add("...dotted")
	f.Add("unicode한글name")
	f.Add("name\x00null")
	f.Add("name\nnewline")

	f.Fuzz(func(t *testing.T, name string) {
		if len(name) > 200 {
			t.Skip("name too long")
		}
		result := isSafeName(name)
		if name == "" && result {
			t.Error("empty name should not be safe")
		}
		if strings.Contains(name, "..") && result {
			t.Errorf("name with .. should not be safe: %q", name)
		}
		if strings.ContainsAny(name, "/\\\x00\n") && result {
			t.Errorf("name with separators or control bytes should not be safe: %q", name)
		}
	})
}

// FuzzSanitizeBase tests base path sanitization
func FuzzSanitizeBase(f *testing.F) {
	f.Add("")
	f.Add("/")
	f.Add("/api")
	f.Add("/api/")
	f.Add("api")
	f.Add("  /api/v1/  ")
	f.Add("//multiple//slashes//")

	f.Fuzz(func(t *testing.T, basePath string) {
		if len(basePath) > 200 {
			t.Skip("base path too long")
		}
		result := sanitizeBase(basePath)
		if result != "" {
			if !strings.HasPrefix(result, "/") {
				t.Errorf("sanitized base should start with /: %q -> %q", basePath, result)
			}
			if strings.HasSuffix(result, "/") {
				t.Errorf("sanitized base should not end with /: %q -> %q", basePath, result)
			}
		}
		trimmed := strings.TrimSpace(basePath)
		if (trimmed == "" || trimmed == "/") && result != "" {
			t.Errorf("empty or root base should result in empty: %q -> %q", basePath, result)
		}
	})
}
