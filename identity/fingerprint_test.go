package identity

import "testing"

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"The Janion":       "the janion",
		"  the   JANION  ": "the janion",
		"Hudson\tPlace":    "hudson place",
		"":                 "",
	}
	for in, want := range cases {
		if got := NormalizeName(in); got != want {
			t.Fatalf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"1 Main Street, Victoria": "1 main st victoria",
		"1 main st victoria":      "1 main st victoria",
		"845 Yates St.":           "845 yates st",
		"100 Westside Avenue":     "100 westside ave",
		"2 North Park Road":       "2 n park rd",
	}
	for in, want := range cases {
		if got := NormalizeAddress(in); got != want {
			t.Fatalf("NormalizeAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestListingKey(t *testing.T) {
	if got := ListingKey(" V123 ", 7, "301", "realtor"); got != "ext:V123" {
		t.Fatalf("expected external id key, got %s", got)
	}
	a := ListingKey("", 7, "301", "Realtor")
	b := ListingKey("", 7, " 301", "realtor")
	if a != b {
		t.Fatalf("fallback keys differ: %s vs %s", a, b)
	}
	if a != "bup:7|301|realtor" {
		t.Fatalf("unexpected fallback key %s", a)
	}
}

func TestCleanUnit(t *testing.T) {
	cases := map[string]string{
		" PH2 ":    "PH2",
		"Suite  4": "Suite 4",
		"":         "",
	}
	for in, want := range cases {
		got := CleanUnit(in)
		if got != want {
			t.Fatalf("CleanUnit(%q) = %q, want %q", in, got, want)
		}
		if NormalizeName(got) != NormalizeName(in) {
			t.Fatalf("CleanUnit(%q) changed the unit key", in)
		}
	}
}
