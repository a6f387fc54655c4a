package lanes

import "testing"

func TestWatchdogSignatureV2StableAndSensitive(t *testing.T) {
	a := WatchdogSignatureV2("build", "tool-watchdog", "Bash", "go test ./...")
	b := WatchdogSignatureV2("build", "tool-watchdog", "Bash", "go test ./...")
	if a != b {
		t.Fatalf("identical inputs produced different signatures: %d != %d", a, b)
	}

	variants := []uint64{
		WatchdogSignatureV2("plan", "tool-watchdog", "Bash", "go test ./..."),
		WatchdogSignatureV2("build", "session.abort", "Bash", "go test ./..."),
		WatchdogSignatureV2("build", "tool-watchdog", "Write", "go test ./..."),
		WatchdogSignatureV2("build", "tool-watchdog", "Bash", "go build ./..."),
	}
	for i, v := range variants {
		if v == a {
			t.Fatalf("variant %d unexpectedly matched the base signature", i)
		}
	}
}

func TestWatchdogSignatureV2TruncatesArgsPreview(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	same := WatchdogSignatureV2("build", "tool-watchdog", "Bash", string(long)+"tail-that-gets-dropped")
	truncated := WatchdogSignatureV2("build", "tool-watchdog", "Bash", string(long)+"tail-that-differs-but-is-past-200")
	if same != truncated {
		t.Fatalf("expected signatures to match once both previews are truncated past 200 chars")
	}
}

func TestCITriageSignatureV3OrderIndependent(t *testing.T) {
	a := CITriageSignatureV3(false, []CheckFailure{
		{Name: "lint", Excerpt: "exit 1"},
		{Name: "test", Excerpt: "FAIL TestFoo"},
	})
	b := CITriageSignatureV3(false, []CheckFailure{
		{Name: "test", Excerpt: "FAIL TestFoo"},
		{Name: "lint", Excerpt: "exit 1"},
	})
	if a != b {
		t.Fatalf("expected signature to be independent of check ordering")
	}
}

func TestCITriageSignatureV3NormalizesNoise(t *testing.T) {
	a := CITriageSignatureV3(false, []CheckFailure{
		{Name: "test", Excerpt: "2026-07-30T10:00:00Z FAIL after 12.3s at main.go:42:7 (commit abcdef1234567)"},
	})
	b := CITriageSignatureV3(false, []CheckFailure{
		{Name: "test", Excerpt: "2026-07-30T10:05:33Z FAIL after 45.1s at main.go:42:9 (commit fedcba7654321)"},
	})
	if a != b {
		t.Fatalf("expected volatile timestamp/duration/hex/position noise to normalize away")
	}
}

func TestCITriageSignatureV3DiffersOnRealChange(t *testing.T) {
	a := CITriageSignatureV3(false, []CheckFailure{{Name: "test", Excerpt: "FAIL TestFoo: expected 1 got 2"}})
	b := CITriageSignatureV3(false, []CheckFailure{{Name: "test", Excerpt: "FAIL TestBar: nil pointer"}})
	if a == b {
		t.Fatalf("expected a genuinely different failure to produce a different signature")
	}
}
