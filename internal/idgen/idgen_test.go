package idgen

import (
	"regexp"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	idPattern := regexp.MustCompile(`^acc_[0-9a-f]{24}$`)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix("acc_")
		if !idPattern.MatchString(id) {
			t.Fatalf("ID %q does not match the expected shape", id)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %q", id)
		}
		seen[id] = true
	}
}

func TestHex(t *testing.T) {
	for _, n := range []int{1, 8, 16} {
		s := Hex(n)
		if len(s) != 2*n {
			t.Errorf("Hex(%d) length = %d, want %d", n, len(s), 2*n)
		}
	}
}
