package generic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultSchemas_BrokenDocumentFailsClosed(t *testing.T) {
	// GIVEN: a schema document with an unknown column type
	doc := []byte("tables:\n  clients:\n    columns:\n      name: {type: text}\n")

	// WHEN: loading it as the default registry
	var reg *SchemaRegistry
	require.NotPanics(t, func() { reg = loadDefaultSchemas(doc) })

	// THEN: the cause is reported and every record is refused
	require.Error(t, reg.Err())
	assert.Contains(t, reg.Err().Error(), "unknown type")
	assert.False(t, reg.Known(TableClients))
	assert.Empty(t, reg.Tables())
	err := reg.Validate(TableClients, Record{"trainer_id": "t1", "name": "Jane"}, OpInsert)
	assert.ErrorIs(t, err, reg.Err())
}

func TestLoadDefaultSchemas_EmbeddedDocumentParses(t *testing.T) {
	reg := loadDefaultSchemas(defaultSchemas)
	require.NoError(t, reg.Err())
	assert.Len(t, reg.Tables(), 7)
}
