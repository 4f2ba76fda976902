package partnum

import "testing"

func TestNormalizeStripsVendorFormatting(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"AB-1020", "AB1020"},
		{"ab 1020", "AB1020"},
		{`AB"1020"`, "AB1020"},
		{"  wdg-7 ", "WDG7"},
		{"WDG7", "WDG7"},
		{"'abc'-01", "ABC01"},
		{"", ""},
		{"- -", ""},
	}
	for _, tc := range cases {
		if got := Normalize(tc.raw); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestEqualToleratesFormattingDifferences(t *testing.T) {
	if !Equal("AB-1020", "ab 1020") {
		t.Fatalf("expected AB-1020 and ab 1020 to match")
	}
	if Equal("AB-1020", "AB-1021") {
		t.Fatalf("expected distinct parts not to match")
	}
}
