package google

import (
	"strconv"
	"strings"

	ports "pillars/internal/sheets"
)

// parseAwardRow converts one values row (as returned by the Sheets API)
// into an AwardRow. Header rows and rows with unparseable numbers are
// skipped rather than failing the whole read.
func parseAwardRow(row []any) (ports.AwardRow, bool) {
	if len(row) < 5 {
		return ports.AwardRow{}, false
	}
	period := cellString(row[0])
	user := cellString(row[1])
	pillar := cellString(row[2])
	if period == "" || user == "" || pillar == "" {
		return ports.AwardRow{}, false
	}
	if strings.EqualFold(period, "period") {
		// header row
		return ports.AwardRow{}, false
	}
	points, ok := cellFloat(row[3])
	if !ok {
		return ports.AwardRow{}, false
	}
	tokens, ok := cellFloat(row[4])
	if !ok {
		return ports.AwardRow{}, false
	}
	return ports.AwardRow{
		Period: period,
		UserID: user,
		Pillar: pillar,
		Points: points,
		Tokens: tokens,
	}, true
}

func cellString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func cellFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(x, ",", "."))
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
