package identity

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	streetReplacements = map[string]string{
		"street":    "st",
		"avenue":    "ave",
		"drive":     "dr",
		"road":      "rd",
		"boulevard": "blvd",
		"lane":      "ln",
		"court":     "ct",
		"place":     "pl",
		"circle":    "cir",
		"crescent":  "cres",
		"terrace":   "ter",
		"highway":   "hwy",
		"parkway":   "pkwy",
		"square":    "sq",
		"north":     "n",
		"south":     "s",
		"east":      "e",
		"west":      "w",
		"northeast": "ne",
		"northwest": "nw",
		"southeast": "se",
		"southwest": "sw",
		"apartment": "apt",
		"suite":     "ste",
		"floor":     "fl",
		"building":  "bldg",
	}
	multiSpaceRegex = regexp.MustCompile(`\s+`)
	nonAlnumRegex   = regexp.MustCompile(`[^a-z0-9\s]`)
)

// NormalizeName lowercases and collapses whitespace. "The  Janion" and
// "the janion" share a key.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return multiSpaceRegex.ReplaceAllString(name, " ")
}

// CleanUnit trims and collapses whitespace but keeps case, so a stored unit
// lowercases to its NormalizeName key
func CleanUnit(unit string) string {
	return multiSpaceRegex.ReplaceAllString(strings.TrimSpace(unit), " ")
}

// NormalizeCity is NormalizeName; kept separate so city rules can diverge
func NormalizeCity(city string) string {
	return NormalizeName(city)
}

// NormalizeAddress strips punctuation and abbreviates street words token by
// token, so "1 Main Street, Victoria" and "1 main st victoria" match.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	addr = nonAlnumRegex.ReplaceAllString(addr, " ")
	tokens := strings.Fields(addr)
	for i, tok := range tokens {
		if abbrev, ok := streetReplacements[tok]; ok {
			tokens[i] = abbrev
		}
	}
	return strings.Join(tokens, " ")
}

// ListingKey is the serialization key for a reconciliation. External ids
// win; otherwise the building/unit/platform triple is used.
func ListingKey(externalID string, buildingID int64, unit, platform string) string {
	if externalID = strings.TrimSpace(externalID); externalID != "" {
		return "ext:" + externalID
	}
	return "bup:" + strconv.FormatInt(buildingID, 10) + "|" + NormalizeName(unit) + "|" + NormalizeName(platform)
}
