package beiwe

import (
	"fmt"
	"strings"
	"time"

	dps "github.com/markusmobius/go-dateparser"
)

// consentKeyword defers the backfill start to the subject's consent date.
const consentKeyword = "consent"

// ResolveBackfillStart turns the backfill_start config value into a
// concrete start time for one subject. The empty string and the literal
// "consent" resolve to the subject's consent date. Anything else is
// parsed leniently, supporting both ISO-8601 and human-readable dates.
func ResolveBackfillStart(value string, consent time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, consentKeyword) {
		return consent, nil
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}

	parser := dps.Parser{}
	cfg := &dps.Configuration{
		PreferredDateSource: dps.CurrentPeriod,
	}

	parsed, err := parser.Parse(cfg, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse backfill_start %q: %w", value, err)
	}
	if parsed.IsZero() {
		return time.Time{}, fmt.Errorf("backfill_start %q did not resolve to a date", value)
	}

	return parsed.Time, nil
}
