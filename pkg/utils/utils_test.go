package utils

import (
	"testing"

	"github.com/google/uuid"
)

func TestGenerateID(t *testing.T) {
	id1 := GenerateID("test")
	id2 := GenerateID("test")

	if id1 == id2 {
		t.Errorf("GenerateID() should generate unique IDs")
	}
	if !HasPrefix(id1, "test") {
		t.Errorf("GenerateID() should have prefix 'test_', got: %s", id1)
	}
	if _, err := uuid.Parse(id1[len("test_"):]); err != nil {
		t.Errorf("GenerateID() suffix should be a UUID: %v", err)
	}
}

func TestGenerateHandleID(t *testing.T) {
	id := GenerateHandleID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("GenerateHandleID() = %q is not a UUID", id)
	}
	if !HasPrefix(GenerateConnectionID(), "conn") {
		t.Errorf("connection ids should carry the conn prefix")
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal string", "hello world", "hello world"},
		{"with whitespace", "  hello  ", "hello"},
		{"with control chars", "hello\x00world", "helloworld"},
		{"with newline", "al\nice", "alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := SanitizeString(tt.input); result != tt.expected {
				t.Errorf("SanitizeString() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"short", 10, "short"},
		{"very long string", 10, "very lo..."},
		{"abc", 2, "ab"},
	}

	for _, tt := range tests {
		if result := TruncateString(tt.input, tt.maxLen); result != tt.expected {
			t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, result, tt.expected)
		}
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]struct{}{"carol": {}, "alice": {}, "bob": {}})
	if len(keys) != 3 || keys[0] != "alice" || keys[1] != "bob" || keys[2] != "carol" {
		t.Errorf("SortedKeys() = %v", keys)
	}
	if len(SortedKeys(map[string]int(nil))) != 0 {
		t.Errorf("SortedKeys(nil) should be empty")
	}
}

func TestIsEmpty(t *testing.T) {
	if !IsEmpty("   ") {
		t.Errorf("IsEmpty() should be true for whitespace")
	}
	if IsEmpty("x") {
		t.Errorf("IsEmpty() should be false for text")
	}
}
