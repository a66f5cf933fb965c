package buildinfo

import (
	"strings"
	"testing"
)

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "Tally/"+Version) {
		t.Errorf("UserAgent() = %q, want Tally/%s prefix", ua, Version)
	}
}

func TestRuntimeInfoIncludesUptime(t *testing.T) {
	info := RuntimeInfo()
	if _, ok := info["uptime"]; !ok {
		t.Error("RuntimeInfo() missing uptime")
	}
	if _, ok := BuildInfo()["uptime"]; ok {
		t.Error("BuildInfo() should not include uptime")
	}
}

func TestString(t *testing.T) {
	if s := String(); !strings.HasPrefix(s, "Tally ") {
		t.Errorf("String() = %q, want Tally prefix", s)
	}
}
