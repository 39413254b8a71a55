package generic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coachdesk/generic"
)

func TestDefaultSchemas_CoverAllTables(t *testing.T) {
	reg := generic.DefaultSchemas()
	require.NoError(t, reg.Err())
	for _, table := range []generic.Table{
		generic.TableClients, generic.TableSchedules, generic.TableWorkouts, generic.TablePackages,
		generic.TableClientPackages, generic.TableInvoices, generic.TableSessionParticipants,
	} {
		assert.True(t, reg.Known(table), table)
	}
	assert.Len(t, reg.Tables(), 7)
}

func TestSchema_Validate(t *testing.T) {
	reg := generic.DefaultSchemas()

	tests := []struct {
		name    string
		table   generic.Table
		record  generic.Record
		kind    generic.OpKind
		wantErr error
	}{
		{"valid insert", generic.TableClients, generic.Record{"trainer_id": "t1", "name": "Jane"}, generic.OpInsert, nil},
		{"insert missing required", generic.TableClients, generic.Record{"trainer_id": "t1"}, generic.OpInsert, generic.ErrSchema},
		{"insert missing owner", generic.TableClients, generic.Record{"name": "Jane"}, generic.OpInsert, generic.ErrSchema},
		{"update may be partial", generic.TableClients, generic.Record{"id": "c1", "email": "j@x"}, generic.OpUpdate, nil},
		{"wrong type", generic.TableSchedules, generic.Record{"capacity": "three"}, generic.OpUpdate, generic.ErrSchema},
		{"unknown column", generic.TableInvoices, generic.Record{"colour": "red"}, generic.OpUpdate, generic.ErrSchema},
		{"null is allowed", generic.TableClients, generic.Record{"email": nil}, generic.OpUpdate, nil},
		{"array column", generic.TableWorkouts, generic.Record{"exercises": []any{"squat"}}, generic.OpUpdate, nil},
		{"delete always passes", generic.TableClients, nil, generic.OpDelete, nil},
		{"unknown table", generic.Table("payroll"), generic.Record{}, generic.OpUpdate, generic.ErrTableUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Validate(tt.table, tt.record, tt.kind)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseSchemas(t *testing.T) {
	reg, err := generic.ParseSchemas([]byte(`
tables:
  notes:
    columns:
      body: {required: true}
`))
	require.NoError(t, err)
	assert.NoError(t, reg.Validate("notes", generic.Record{"trainer_id": "t", "body": 3.0}, generic.OpInsert))

	_, err = generic.ParseSchemas([]byte(`
tables:
  notes:
    columns:
      body: {type: blob}
`))
	assert.Error(t, err)
}
