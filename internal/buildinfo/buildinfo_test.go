package buildinfo

import (
	"strings"
	"testing"
)

func TestBuildInfo_Fields(t *testing.T) {
	info := BuildInfo()
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch", "uptime"} {
		if info[k] == "" {
			t.Errorf("field %q empty", k)
		}
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, "marill/") {
		t.Errorf("UserAgent = %q", ua)
	}
}

func TestString(t *testing.T) {
	if s := String(); !strings.HasPrefix(s, "Marill ") {
		t.Errorf("String = %q", s)
	}
}
