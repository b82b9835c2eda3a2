package syncclient

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/maruel/natural"
	"github.com/stv-board/internal/domain"
)

// Column is a sortable cheater field, named after its JSON key.
type Column string

const (
	ColumnPlayerName     Column = "playerName"
	ColumnSteamID        Column = "steamId"
	ColumnServerName     Column = "serverName"
	ColumnDetectionCount Column = "detectionCount"
	ColumnCheatTypes     Column = "cheatTypes"
	ColumnDetectedAt     Column = "detectedAt"
	ColumnCreatedAt      Column = "createdAt"
	ColumnUpdatedAt      Column = "updatedAt"
)

// Columns lists every sortable column.
var Columns = []Column{
	ColumnPlayerName, ColumnSteamID, ColumnServerName, ColumnDetectionCount,
	ColumnCheatTypes, ColumnDetectedAt, ColumnCreatedAt, ColumnUpdatedAt,
}

// Direction is a sort order.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// timestamps sort as fixed width strings
const sortTimeLayout = "2006-01-02T15:04:05.000Z"

// Query describes how a view filters and orders records.
type Query struct {
	Search    string
	Column    Column
	Direction Direction
}

// DefaultQuery shows the newest records first.
func DefaultQuery() Query {
	return Query{Column: ColumnCreatedAt, Direction: Descending}
}

// SortBy returns the query after selecting col. Selecting the current column
// flips the direction; a new column starts descending.
func (q Query) SortBy(col Column) Query {
	if q.Column == col {
		if q.Direction == Descending {
			q.Direction = Ascending
		} else {
			q.Direction = Descending
		}
		return q
	}
	q.Column = col
	q.Direction = Descending
	return q
}

// View returns the records matching q.Search, ordered by q. list is not modified.
func View(list []domain.Cheater, q Query) []domain.Cheater {
	term := strings.ToLower(strings.TrimSpace(q.Search))
	out := make([]domain.Cheater, 0, len(list))
	for _, c := range list {
		if term == "" ||
			strings.Contains(strings.ToLower(c.PlayerName), term) ||
			strings.Contains(strings.ToLower(c.SteamID), term) {
			out = append(out, c)
		}
	}

	col := q.Column
	if col == "" {
		col = ColumnCreatedAt
	}
	desc := q.Direction != Ascending
	slices.SortStableFunc(out, func(a, b domain.Cheater) int {
		cmp := compareValues(SortValue(a, col), SortValue(b, col))
		if desc {
			return -cmp
		}
		return cmp
	})
	return out
}

func compareValues(a, b string) int {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	switch {
	case natural.Less(la, lb):
		return -1
	case natural.Less(lb, la):
		return 1
	default:
		return 0
	}
}

// SortValue is the string form of c's col field used for ordering. Unset
// values are empty and sort first.
func SortValue(c domain.Cheater, col Column) string {
	switch col {
	case ColumnPlayerName:
		return c.PlayerName
	case ColumnSteamID:
		return c.SteamID
	case ColumnServerName:
		return c.ServerName
	case ColumnDetectionCount:
		if c.DetectionCount == 0 {
			return ""
		}
		return strconv.Itoa(c.DetectionCount)
	case ColumnCheatTypes:
		return strings.Join(c.CheatTypes, ",")
	case ColumnDetectedAt:
		return formatSortTime(c.DetectedAt)
	case ColumnCreatedAt:
		return formatSortTime(c.CreatedAt)
	case ColumnUpdatedAt:
		return formatSortTime(c.UpdatedAt)
	default:
		return ""
	}
}

func formatSortTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(sortTimeLayout)
}

// ParseColumn resolves a column name; ok is false for unknown names.
func ParseColumn(name string) (Column, bool) {
	for _, c := range Columns {
		if strings.EqualFold(string(c), name) {
			return c, true
		}
	}
	return "", false
}

// FungunLinks splits a fungun report into its comma separated entries.
func FungunLinks(report string) []string {
	return domain.CleanTags(strings.Split(report, ","))
}
