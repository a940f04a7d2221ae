package timeparse

import (
	"sort"
	"strings"
	"time"
)

// zoneAliases maps common abbreviations and country/region names to canonical
// identifiers. Region names with more than one plausible zone get a pragmatic
// default rather than no answer.
var zoneAliases = map[string]string{
	"utc":       "UTC",
	"est":       "US/Eastern",
	"cst":       "US/Central",
	"mst":       "US/Mountain",
	"pst":       "US/Pacific",
	"ist":       "Asia/Kolkata",
	"gmt":       "Europe/London",
	"cet":       "Europe/Paris",
	"jst":       "Asia/Tokyo",
	"aest":      "Australia/Sydney",
	"asia":      "Asia/Kolkata",
	"europe":    "Europe/London",
	"us":        "US/Eastern",
	"usa":       "US/Eastern",
	"india":     "Asia/Kolkata",
	"uk":        "Europe/London",
	"japan":     "Asia/Tokyo",
	"australia": "Australia/Sydney",
	"china":     "Asia/Shanghai",
	"russia":    "Europe/Moscow",
	"canada":    "America/Toronto",
	"brazil":    "America/Sao_Paulo",
	"mexico":    "America/Mexico_City",
	"germany":   "Europe/Berlin",
	"france":    "Europe/Paris",
	"italy":     "Europe/Rome",
	"spain":     "Europe/Madrid",
}

// knownZones is the identifier list used for near-match suggestions. It is a
// UX aid only: ResolveZone accepts any identifier the tz database knows,
// whether or not it appears here.
var knownZones = []string{
	"Africa/Cairo", "Africa/Johannesburg", "Africa/Lagos", "Africa/Nairobi",
	"America/Anchorage", "America/Argentina/Buenos_Aires", "America/Bogota",
	"America/Chicago", "America/Denver", "America/Halifax", "America/Lima",
	"America/Los_Angeles", "America/Mexico_City", "America/New_York",
	"America/Phoenix", "America/Santiago", "America/Sao_Paulo",
	"America/Toronto", "America/Vancouver",
	"Asia/Bangkok", "Asia/Dhaka", "Asia/Dubai", "Asia/Hong_Kong",
	"Asia/Jakarta", "Asia/Jerusalem", "Asia/Karachi", "Asia/Kolkata",
	"Asia/Kuala_Lumpur", "Asia/Manila", "Asia/Riyadh", "Asia/Seoul",
	"Asia/Shanghai", "Asia/Singapore", "Asia/Taipei", "Asia/Tokyo",
	"Atlantic/Reykjavik",
	"Australia/Adelaide", "Australia/Brisbane", "Australia/Melbourne",
	"Australia/Perth", "Australia/Sydney",
	"Europe/Amsterdam", "Europe/Athens", "Europe/Berlin", "Europe/Brussels",
	"Europe/Bucharest", "Europe/Budapest", "Europe/Copenhagen",
	"Europe/Dublin", "Europe/Helsinki", "Europe/Istanbul", "Europe/Kyiv",
	"Europe/Lisbon", "Europe/London", "Europe/Madrid", "Europe/Moscow",
	"Europe/Oslo", "Europe/Paris", "Europe/Prague", "Europe/Rome",
	"Europe/Stockholm", "Europe/Vienna", "Europe/Warsaw", "Europe/Zurich",
	"Pacific/Auckland", "Pacific/Honolulu",
	"US/Alaska", "US/Central", "US/Eastern", "US/Hawaii", "US/Mountain",
	"US/Pacific",
	"UTC",
}

const (
	maxZoneSuggestions  = 5
	maxAliasSuggestions = 3
)

// ResolveZone resolves a user-supplied timezone name through the alias table
// and then the tz database. On failure it returns an *UnknownZoneError
// carrying suggestions.
func ResolveZone(name string) (canonical string, loc *time.Location, err error) {
	canonical = strings.TrimSpace(name)
	if canonical == "" {
		return "", nil, ErrTimezoneRequired
	}

	if full, ok := zoneAliases[strings.ToLower(canonical)]; ok {
		canonical = full
	}

	loc, lerr := time.LoadLocation(canonical)
	if lerr != nil {
		return "", nil, &UnknownZoneError{
			Input:            name,
			Suggestions:      suggestZones(name),
			AliasSuggestions: suggestAliases(name),
		}
	}
	return canonical, loc, nil
}

// suggestZones returns known identifiers containing the input as a substring,
// case-insensitively, capped at maxZoneSuggestions.
func suggestZones(input string) []string {
	needle := strings.ToLower(strings.TrimSpace(input))
	if needle == "" {
		return nil
	}
	var out []string
	for _, tz := range knownZones {
		if strings.Contains(strings.ToLower(tz), needle) {
			out = append(out, tz)
			if len(out) >= maxZoneSuggestions {
				break
			}
		}
	}
	return out
}

func suggestAliases(input string) []string {
	needle := strings.ToLower(strings.TrimSpace(input))
	if needle == "" {
		return nil
	}
	aliases := make([]string, 0, len(zoneAliases))
	for a := range zoneAliases {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)

	var out []string
	for _, a := range aliases {
		if strings.Contains(a, needle) {
			out = append(out, strings.ToUpper(a)+" ("+zoneAliases[a]+")")
			if len(out) >= maxAliasSuggestions {
				break
			}
		}
	}
	return out
}
