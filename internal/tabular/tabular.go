// Package tabular converts between the allocation core's maps and the
// tabular upload/export form used by operators: CSV rows of
// user,pillar,points,claim on the way in and user,pillar,tokens on the
// way out.
package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"pillars/internal/core"
)

var (
	ErrEmptyUpload = errors.New("upload contains no data rows")
	ErrBadRow      = errors.New("malformed row")
)

// ParseContributions reads contribution rows and builds the core's input
// maps. Rows are `user,pillar,points,claim`; a header row is detected and
// skipped. Points from repeated user/pillar rows are summed, while the
// last-seen claim value wins. The claim column is a case-insensitive
// "yes"; any other value means the payout is deferred.
func ParseContributions(r io.Reader) (core.ContributionSet, core.ClaimSet, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	contribs := core.ContributionSet{}
	claims := core.ClaimSet{}

	line := 0
	first := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read upload: %w", err)
		}
		line++

		if isBlank(record) {
			continue
		}
		// The header is the first non-blank record, wherever it sits.
		if first {
			first = false
			if isHeader(record) {
				continue
			}
		}
		if len(record) < 4 {
			return nil, nil, fmt.Errorf("line %d: expected user,pillar,points,claim: %w", line, ErrBadRow)
		}

		user := strings.TrimSpace(record[0])
		pillar := strings.TrimSpace(record[1])
		if user == "" || pillar == "" {
			return nil, nil, fmt.Errorf("line %d: empty user or pillar: %w", line, ErrBadRow)
		}

		points, err := strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: parse points %q: %w", line, record[2], ErrBadRow)
		}

		if contribs[user] == nil {
			contribs[user] = core.PointsByPillar{}
			claims[user] = map[string]bool{}
		}
		contribs[user][pillar] += points
		claims[user][pillar] = ParseClaim(record[3])
	}

	if len(contribs) == 0 {
		return nil, nil, ErrEmptyUpload
	}
	return contribs, claims, nil
}

// ParseClaim maps the upload's claim column to a decision. Only a
// case-insensitive "yes" claims; everything else defers.
func ParseClaim(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "yes")
}

// WriteAwards flattens the per-user token awards into `user,pillar,tokens`
// rows, sorted by user then pillar so exports are stable.
func WriteAwards(w io.Writer, userTokens map[string]map[string]float64) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"user", "pillar", "tokens"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range flatten(userTokens) {
		if err := writer.Write([]string{row.user, row.pillar, formatAmount(row.value)}); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteRollover exports the next period's starting state as
// `user,pillar,points` rows for display and audit.
func WriteRollover(w io.Writer, state core.RolloverState) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"user", "pillar", "points"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	asMaps := make(map[string]map[string]float64, len(state))
	for user, pts := range state {
		asMaps[user] = pts
	}
	for _, row := range flatten(asMaps) {
		if err := writer.Write([]string{row.user, row.pillar, formatAmount(row.value)}); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

type flatRow struct {
	user   string
	pillar string
	value  float64
}

func flatten(m map[string]map[string]float64) []flatRow {
	rows := make([]flatRow, 0, len(m))
	for user, inner := range m {
		for pillar, value := range inner {
			rows = append(rows, flatRow{user: user, pillar: pillar, value: value})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].user != rows[j].user {
			return rows[i].user < rows[j].user
		}
		return rows[i].pillar < rows[j].pillar
	})
	return rows
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func isHeader(record []string) bool {
	return len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), "user")
}
