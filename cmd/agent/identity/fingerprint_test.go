package identity

import (
	"strings"
	"testing"
)

func TestFingerprintIsStable(t *testing.T) {
	first := Fingerprint()
	second := Fingerprint()

	if first != second {
		t.Errorf("fingerprint not stable across calls: %s vs %s", first, second)
	}
	if !strings.HasPrefix(first, "v1:") {
		t.Errorf("fingerprint = %s, want v1: prefix", first)
	}
	if len(first) != len("v1:")+64 {
		t.Errorf("fingerprint length = %d, want versioned 64-hex digest", len(first))
	}
}

func TestParseCPUID(t *testing.T) {
	x86 := []byte(`processor	: 0
vendor_id	: GenuineIntel
model name	: Intel(R) Xeon(R) CPU E5-2680 v4 @ 2.40GHz
cache size	: 35840 KB
`)
	if got := parseCPUID(x86); got != "Intel(R) Xeon(R) CPU E5-2680 v4 @ 2.40GHz" {
		t.Errorf("parseCPUID(x86) = %q", got)
	}

	// ARM boards carry a Serial line and no model name.
	arm := []byte(`processor	: 0
BogoMIPS	: 108.00
Serial		: 10000000a1b2c3d4
`)
	if got := parseCPUID(arm); got != "10000000a1b2c3d4" {
		t.Errorf("parseCPUID(arm) = %q", got)
	}

	if got := parseCPUID([]byte("no colons here\n")); got != "" {
		t.Errorf("parseCPUID(garbage) = %q, want empty", got)
	}
}

func TestParseMemTotal(t *testing.T) {
	meminfo := []byte(`MemTotal:       16314440 kB
MemFree:         1862444 kB
`)
	if got := parseMemTotal(meminfo); got != "16705986560" {
		t.Errorf("parseMemTotal = %q, want 16705986560", got)
	}

	if got := parseMemTotal([]byte("MemFree: 100 kB\n")); got != "" {
		t.Errorf("parseMemTotal without MemTotal = %q, want empty", got)
	}
	if got := parseMemTotal([]byte("MemTotal: lots kB\n")); got != "" {
		t.Errorf("parseMemTotal with bad number = %q, want empty", got)
	}
}
