package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/drainage/lakehouse"
)

func cols(defs ...lakehouse.Column) []lakehouse.Column { return defs }

func TestDiffSchemas(t *testing.T) {
	base := cols(
		lakehouse.Column{ID: 1, Name: "id", Type: "int", Nullable: false},
		lakehouse.Column{ID: 2, Name: "price", Type: "decimal(10, 2)", Nullable: true},
		lakehouse.Column{ID: 3, Name: "note", Type: "string", Nullable: true},
	)

	tests := []struct {
		name   string
		format lakehouse.Format
		next   []lakehouse.Column
		want   SchemaDiff
	}{
		{"unchanged", lakehouse.FormatIceberg, base, SchemaDiff{}},
		{"added column", lakehouse.FormatDelta, append(append([]lakehouse.Column{}, base...),
			lakehouse.Column{ID: 4, Name: "extra", Type: "string", Nullable: true}), SchemaDiff{NonBreaking: 1}},
		{"removed column", lakehouse.FormatDelta, base[:2], SchemaDiff{Breaking: 1}},
		{"widened int", lakehouse.FormatIceberg, cols(
			lakehouse.Column{ID: 1, Name: "id", Type: "long"}, base[1], base[2]), SchemaDiff{NonBreaking: 1}},
		{"widened decimal", lakehouse.FormatIceberg, cols(
			base[0], lakehouse.Column{ID: 2, Name: "price", Type: "decimal(12,2)", Nullable: true}, base[2]), SchemaDiff{NonBreaking: 1}},
		{"decimal scale change", lakehouse.FormatIceberg, cols(
			base[0], lakehouse.Column{ID: 2, Name: "price", Type: "decimal(12,3)", Nullable: true}, base[2]), SchemaDiff{Breaking: 1}},
		{"narrowed", lakehouse.FormatDelta, cols(
			lakehouse.Column{ID: 1, Name: "id", Type: "short"}, base[1], base[2]), SchemaDiff{Breaking: 1}},
		{"incompatible", lakehouse.FormatDelta, cols(
			base[0], base[1], lakehouse.Column{ID: 3, Name: "note", Type: "binary", Nullable: true}), SchemaDiff{Breaking: 1}},
		{"made required", lakehouse.FormatDelta, cols(
			base[0], base[1], lakehouse.Column{ID: 3, Name: "note", Type: "string"}), SchemaDiff{Breaking: 1}},
		{"made optional", lakehouse.FormatDelta, cols(
			lakehouse.Column{ID: 1, Name: "id", Type: "integer", Nullable: true}, base[1], base[2]), SchemaDiff{NonBreaking: 1}},
		{"iceberg rename", lakehouse.FormatIceberg, cols(
			base[0], base[1], lakehouse.Column{ID: 3, Name: "comment", Type: "string", Nullable: true}), SchemaDiff{NonBreaking: 1}},
		{"delta rename", lakehouse.FormatDelta, cols(
			base[0], base[1], lakehouse.Column{ID: 3, Name: "comment", Type: "string", Nullable: true}), SchemaDiff{Breaking: 1, NonBreaking: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DiffSchemas(tt.format, base, tt.next))
		})
	}
}

func TestSchemaEvolution(t *testing.T) {
	v0 := cols(lakehouse.Column{ID: 1, Name: "id", Type: "long"})
	v1 := cols(lakehouse.Column{ID: 1, Name: "id", Type: "long"}, lakehouse.Column{ID: 2, Name: "ts", Type: "timestamp", Nullable: true})
	v2 := cols(lakehouse.Column{ID: 2, Name: "ts", Type: "timestamp", Nullable: true})

	st := &lakehouse.TableState{
		Format:   lakehouse.FormatIceberg,
		SchemaID: 2,
		SchemaHistory: []lakehouse.SchemaVersion{
			{ID: 0, Timestamp: now.Add(-20 * day), Columns: v0},
			{ID: 1, Timestamp: now.Add(-15 * day), Columns: v1},
			{ID: 2, Timestamp: now.Add(-10 * day), Columns: v2},
		},
	}
	se := schemaEvolution(st, now)
	require.NotNil(t, se)
	assert.Equal(t, 2, se.TotalSchemaChanges)
	assert.Equal(t, 1, se.BreakingChanges)
	assert.Equal(t, 1, se.NonBreakingChanges)
	assert.InDelta(t, 1/2.1, se.SchemaStabilityScore, 1e-9)
	assert.InDelta(t, 10, se.DaysSinceLastChange, 1e-9)
	assert.InDelta(t, 0.1, se.SchemaChangeFrequency, 1e-9)
	assert.Equal(t, 2, se.CurrentSchemaVersion)

	st.SchemaHistory[2].Timestamp = now.Add(-2 * day)
	assert.InDelta(t, 0.8/2.1, schemaEvolution(st, now).SchemaStabilityScore, 1e-9)
}

func TestSchemaEvolutionSingleVersion(t *testing.T) {
	st := &lakehouse.TableState{SchemaHistory: []lakehouse.SchemaVersion{{Timestamp: now}}}
	se := schemaEvolution(st, now)
	require.NotNil(t, se)
	assert.Zero(t, se.TotalSchemaChanges)
	assert.Equal(t, 1.0, se.SchemaStabilityScore)
	assert.Zero(t, se.SchemaChangeFrequency)

	assert.Nil(t, schemaEvolution(&lakehouse.TableState{}, now))
}
