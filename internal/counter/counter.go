package counter

import (
	"regexp"
	"strconv"
)

var (
	stackedRe     = regexp.MustCompile(`(?i)\bstacked\s*:\s*(\d+)`)
	storedRe      = regexp.MustCompile(`(?i)\bstored\s*:\s*(\d+)`)
	coinsPaidInRe = regexp.MustCompile(`(?i)\bcoins\s+paid\s+in\s*:\s*(\d+)`)
)

// Counters holds the values parsed from a device counter report such as
// "Stacked: 76 / Stored: 42 / Coins paid in: 3".
type Counters struct {
	Stacked     int64
	Stored      int64
	CoinsPaidIn int64

	// ParseSucceeded is false only when none of the labels were found.
	// A report of all zeros is a successful parse.
	ParseSucceeded bool
}

// ParseCounters extracts each labelled counter independently. An absent
// label leaves its field at zero.
func ParseCounters(report string) Counters {
	var c Counters
	var found bool
	c.Stacked, found = extract(stackedRe, report, found)
	c.Stored, found = extract(storedRe, report, found)
	c.CoinsPaidIn, found = extract(coinsPaidInRe, report, found)
	c.ParseSucceeded = found
	return c
}

func extract(re *regexp.Regexp, s string, found bool) (int64, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, found
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		// Overflowing digits are not a reading we can trust.
		return 0, found
	}
	return n, true
}
