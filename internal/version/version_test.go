package version

import (
	"strings"
	"testing"
)

func TestFullInfoCarriesBuildMetadata(t *testing.T) {
	old := Commit
	Commit = "abc123"
	defer func() { Commit = old }()

	info := FullInfo()
	if !strings.HasPrefix(info, "taskd "+Version) {
		t.Fatalf("unexpected prefix: %q", info)
	}
	if !strings.Contains(info, "commit=abc123") {
		t.Fatalf("commit missing: %q", info)
	}
	if got := UserAgent(); got != "taskd/"+Version {
		t.Fatalf("UserAgent() = %q", got)
	}
}
