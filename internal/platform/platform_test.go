package platform

import "testing"

func TestName(t *testing.T) {
	switch Name() {
	case "android", "ios", "linux", "macos", "windows", "unknown":
	default:
		t.Fatal("unexpected platform name")
	}
}

func TestNameMapping(t *testing.T) {
	var runs = []struct {
		goos     string
		expected string
	}{
		{goos: "android", expected: "android"},
		{goos: "darwin", expected: "macos"},
		{goos: "freebsd", expected: "unknown"},
		{goos: "ios", expected: "ios"},
		{goos: "linux", expected: "linux"},
		{goos: "windows", expected: "windows"},
	}
	for _, run := range runs {
		if name(run.goos) != run.expected {
			t.Fatal("unexpected mapping for", run.goos)
		}
	}
}
