package browser

import (
	"context"
	"errors"
	"os"
	"testing"
)

func fakeLauncher(installed map[string]string) *Launcher {
	l := NewLauncher(Config{ProxyPort: 8888})
	l.lookPath = func(bin string) (string, error) {
		if p, ok := installed[bin]; ok {
			return p, nil
		}
		return "", errors.New("not found")
	}
	l.stat = func(string) (os.FileInfo, error) { return nil, os.ErrNotExist }
	return l
}

func TestDetect(t *testing.T) {
	l := fakeLauncher(map[string]string{
		"chromium-browser": "/usr/bin/chromium-browser",
		"brave":            "/opt/brave/brave",
	})
	got := l.Detect()
	if len(got) != 2 {
		t.Fatalf("Detect() = %+v; want 2 browsers", got)
	}
	if got[0].Name != "chromium" || got[0].Path != "/usr/bin/chromium-browser" {
		t.Fatalf("Detect()[0] = %+v", got[0])
	}
	if got[1].Name != "brave" {
		t.Fatalf("Detect()[1] = %+v", got[1])
	}
}

func TestLaunchUnknownBrowser(t *testing.T) {
	l := fakeLauncher(nil)
	if err := l.Launch(context.Background(), "chrome"); err == nil {
		t.Fatalf("Launch() succeeded with nothing installed")
	}
}
