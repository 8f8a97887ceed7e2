package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	spaceRe  = regexp.MustCompile(`\s+`)
	kmRe     = regexp.MustCompile(`(\d[\d\s]{1,12})\s?(?:км|КМ|[kK][mM])(?:[^\p{L}]|$)`)
	bareKMRe = regexp.MustCompile(`\b(\d{4,7})\b`)
	yearRe   = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
)

// CleanText folds compatibility characters (full-width digits, non-breaking
// spaces) and collapses runs of whitespace.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFKC.String(s)
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// FoldKey trims and case-folds s for matching attribute keys and
// categories. Full Unicode folding is used, so keys that differ only in
// case compare equal in any script.
func FoldKey(s string) string {
	// A Caser keeps state; one per call keeps FoldKey safe across workers.
	return cases.Fold().String(strings.TrimSpace(s))
}

// ExtractKilometers finds the first mileage figure in text like
// "123,456 km" or "98 000км". Without a unit it falls back to the first
// standalone 4 to 7 digit number.
func ExtractKilometers(text string) (int, bool) {
	t := strings.ReplaceAll(CleanText(text), ",", " ")
	if t == "" {
		return 0, false
	}

	if m := kmRe.FindStringSubmatch(t); m != nil {
		n, err := strconv.Atoi(spaceRe.ReplaceAllString(m[1], ""))
		if err != nil {
			return 0, false
		}
		return n, true
	}

	if m := bareKMRe.FindStringSubmatch(t); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		return n, true
	}

	return 0, false
}

// ExtractYear finds a plausible model year (1900-2099) in text.
func ExtractYear(text string) (int, bool) {
	m := yearRe.FindString(CleanText(text))
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseCoordinate parses a latitude or longitude, rejecting values outside
// the given absolute bound.
func ParseCoordinate(text string, bound float64) (float64, bool) {
	f, err := strconv.ParseFloat(CleanText(text), 64)
	if err != nil || f < -bound || f > bound {
		return 0, false
	}
	return f, true
}
