package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".chatsync", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestQueueDBPath(t *testing.T) {
	got := QueueDBPath("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "queue.db")) {
		t.Errorf("QueueDBPath(test) = %q, want suffix profiles/test/queue.db", got)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix profiles/test/LOCK", got)
	}
}

func TestLogPath(t *testing.T) {
	got := LogPath("test")
	if !strings.HasSuffix(got, filepath.Join("test", "logs", "chatsyncd.log")) {
		t.Errorf("LogPath(test) = %q", got)
	}
}

func TestConfigPath(t *testing.T) {
	got := ConfigPath("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "config.toml")) {
		t.Errorf("ConfigPath(test) = %q", got)
	}
}
