package buildinfo

import (
	"runtime"
	"runtime/debug"
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	info := Get()

	if info.Version == "" || info.Commit == "" || info.BuildTime == "" {
		t.Errorf("Get() has empty fields: %+v", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q, want %q", info.GoVersion, runtime.Version())
	}
}

func TestFill(t *testing.T) {
	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "v1.2.3"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		},
	}

	t.Run("defaults replaced", func(t *testing.T) {
		info := Info{Version: "dev", Commit: "unknown", BuildTime: "unknown"}
		fill(&info, bi)
		if info.Version != "v1.2.3" {
			t.Errorf("Version = %q", info.Version)
		}
		if info.Commit != "0123456789ab" {
			t.Errorf("Commit = %q", info.Commit)
		}
		if info.BuildTime != "2026-01-02T03:04:05Z" {
			t.Errorf("BuildTime = %q", info.BuildTime)
		}
	})

	t.Run("ldflags win", func(t *testing.T) {
		info := Info{Version: "v9.0.0", Commit: "feedbeef", BuildTime: "yesterday"}
		fill(&info, bi)
		if info.Version != "v9.0.0" || info.Commit != "feedbeef" || info.BuildTime != "yesterday" {
			t.Errorf("fill() overrode ldflags: %+v", info)
		}
	})

	t.Run("devel ignored", func(t *testing.T) {
		info := Info{Version: "dev", Commit: "unknown", BuildTime: "unknown"}
		fill(&info, &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
		if info.Version != "dev" {
			t.Errorf("Version = %q, want dev", info.Version)
		}
	})
}

func TestString(t *testing.T) {
	if s := String(); !strings.Contains(s, "built at") {
		t.Errorf("String() = %q", s)
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent("cli")
	if !strings.HasPrefix(ua, "mailsync-cli/") {
		t.Errorf("UserAgent() = %q", ua)
	}
}
