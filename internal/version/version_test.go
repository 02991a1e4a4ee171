package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	v, c, d := Info()
	switch {
	case v == "":
		t.Error("version should not be empty")
	case c == "":
		t.Error("commit should not be empty")
	case d == "":
		t.Error("date should not be empty")
	}
	if Version() != v {
		t.Errorf("Version (%s) should match Info version (%s)", Version(), v)
	}
}

func TestString(t *testing.T) {
	s := String()
	for _, part := range []string{"version=", "commit=", "date="} {
		if !strings.Contains(s, part) {
			t.Errorf("String should contain %q, got %q", part, s)
		}
	}
}

func TestFields(t *testing.T) {
	f := Fields()
	for _, key := range []string{"version", "commit", "build_date"} {
		if f[key] == "" {
			t.Errorf("field %s should not be empty", key)
		}
	}
}
