package records

import (
	"regexp"
	"testing"
	"time"
)

var doctorCodePattern = regexp.MustCompile(`^DR[A-Z0-9]{6}$`)

func TestGenerateDoctorCodeFormat(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for iteration := 0; iteration < 200; iteration++ {
		code, err := GenerateDoctorCode()
		if err != nil {
			t.Fatalf("generate doctor code: %v", err)
		}
		if !doctorCodePattern.MatchString(code) {
			t.Fatalf("code %q does not match %s", code, doctorCodePattern)
		}
		seen[code] = struct{}{}
	}
	// 36^6 possible codes; 200 draws colliding more than a handful of times means the draws are not independent.
	if len(seen) < 195 {
		t.Fatalf("expected independent codes, got only %d distinct of 200", len(seen))
	}
}

func TestGeneratePatientCode(t *testing.T) {
	t.Parallel()

	code := GeneratePatientCode(time.UnixMilli(1712345678901))
	if code != "P678901" {
		t.Fatalf("expected P678901, got %s", code)
	}
}
