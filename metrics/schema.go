package metrics

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/TFMV/drainage/lakehouse"
)

// SchemaDiff counts the column level changes between two schemas.
type SchemaDiff struct {
	Breaking    int
	NonBreaking int
}

// DiffSchemas compares prev and next. Iceberg columns are matched by field
// id, Delta columns by name. Removing a column, narrowing or replacing its
// type, or making it required is breaking. Adding a column, widening a type
// or relaxing nullability is not.
func DiffSchemas(format lakehouse.Format, prev, next []lakehouse.Column) SchemaDiff {
	key := func(c lakehouse.Column) string { return strings.ToLower(c.Name) }
	if format == lakehouse.FormatIceberg {
		key = func(c lakehouse.Column) string { return strconv.Itoa(c.ID) }
	}

	before := make(map[string]lakehouse.Column, len(prev))
	for _, c := range prev {
		before[key(c)] = c
	}

	var d SchemaDiff
	seen := make(map[string]struct{}, len(next))
	for _, c := range next {
		k := key(c)
		seen[k] = struct{}{}
		old, ok := before[k]
		if !ok {
			d.NonBreaking++
			continue
		}
		if old.Name != c.Name {
			// Renames keep the field id so readers resolve them.
			d.NonBreaking++
		}
		if !sameType(old.Type, c.Type) {
			if widens(old.Type, c.Type) {
				d.NonBreaking++
			} else {
				d.Breaking++
			}
		}
		switch {
		case old.Nullable && !c.Nullable:
			d.Breaking++
		case !old.Nullable && c.Nullable:
			d.NonBreaking++
		}
	}
	for k := range before {
		if _, ok := seen[k]; !ok {
			d.Breaking++
		}
	}
	return d
}

func schemaEvolution(st *lakehouse.TableState, now time.Time) *SchemaEvolution {
	if len(st.SchemaHistory) == 0 {
		return nil
	}

	se := &SchemaEvolution{CurrentSchemaVersion: st.SchemaID}
	for i := 1; i < len(st.SchemaHistory); i++ {
		d := DiffSchemas(st.Format, st.SchemaHistory[i-1].Columns, st.SchemaHistory[i].Columns)
		se.BreakingChanges += d.Breaking
		se.NonBreakingChanges += d.NonBreaking
	}
	se.TotalSchemaChanges = se.BreakingChanges + se.NonBreakingChanges
	se.SchemaStabilityScore = 1 / (1 + float64(se.BreakingChanges) + 0.1*float64(se.NonBreakingChanges))

	first := st.SchemaHistory[0].Timestamp
	last := st.SchemaHistory[len(st.SchemaHistory)-1].Timestamp
	se.DaysSinceLastChange = ageDays(now, last)
	if se.TotalSchemaChanges > 0 {
		if se.DaysSinceLastChange < 7 {
			se.SchemaStabilityScore *= 0.8
		}
		se.SchemaChangeFrequency = float64(se.TotalSchemaChanges) / math.Max(1, ageDays(now, first))
	}
	return se
}

var decimalPattern = regexp.MustCompile(`^decimal\((\d+),(\d+)\)$`)

// integral ranks integer types by width. Both Delta and Iceberg spellings
// are present.
var integral = map[string]int{
	"byte": 1, "tinyint": 1,
	"short": 2, "smallint": 2,
	"int": 3, "integer": 3,
	"long": 4, "bigint": 4,
}

func normalizeType(t string) string {
	return strings.ToLower(strings.ReplaceAll(t, " ", ""))
}

func sameType(a, b string) bool {
	a, b = normalizeType(a), normalizeType(b)
	if a == b {
		return true
	}
	ra, okA := integral[a]
	rb, okB := integral[b]
	return okA && okB && ra == rb
}

func widens(from, to string) bool {
	from, to = normalizeType(from), normalizeType(to)
	if rf, ok := integral[from]; ok {
		if rt, ok := integral[to]; ok {
			return rt > rf
		}
		return false
	}
	if from == "float" && to == "double" {
		return true
	}
	fm := decimalPattern.FindStringSubmatch(from)
	tm := decimalPattern.FindStringSubmatch(to)
	if fm == nil || tm == nil {
		return false
	}
	fp, _ := strconv.Atoi(fm[1])
	tp, _ := strconv.Atoi(tm[1])
	return fm[2] == tm[2] && tp > fp
}
