package generic

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// SCHEMA - Per-table shape validation at the store boundary
// =============================================================================

// ColumnType is the JSON type a column must hold.
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeNumber  ColumnType = "number"
	TypeBoolean ColumnType = "boolean"
	TypeObject  ColumnType = "object"
	TypeArray   ColumnType = "array"
	TypeAny     ColumnType = "any"
)

// Column describes one column of a table.
type Column struct {
	Type     ColumnType `yaml:"type"`
	Required bool       `yaml:"required"`
}

// TableSchema lists a table's columns. The reserved columns are implicit.
type TableSchema struct {
	Columns map[string]Column `yaml:"columns"`
}

type schemaDocument struct {
	Tables map[Table]TableSchema `yaml:"tables"`
}

var implicitColumns = map[string]Column{
	ColumnID:        {Type: TypeString},
	ColumnTrainerID: {Type: TypeString, Required: true},
	ColumnCreatedAt: {Type: TypeString},
	ColumnUpdatedAt: {Type: TypeString},
}

//go:embed schemas.yaml
var defaultSchemas []byte

// SchemaRegistry validates records per table.
type SchemaRegistry struct {
	tables map[Table]TableSchema
	err    error // set when the registry could not be built
}

// ParseSchemas builds a registry from a YAML document.
func ParseSchemas(data []byte) (*SchemaRegistry, error) {
	var doc schemaDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schemas: %w", err)
	}
	for table, ts := range doc.Tables {
		for name, col := range ts.Columns {
			switch col.Type {
			case TypeString, TypeNumber, TypeBoolean, TypeObject, TypeArray, TypeAny:
			case "":
				col.Type = TypeAny
				ts.Columns[name] = col
			default:
				return nil, fmt.Errorf("table %s column %s: unknown type %q", table, name, col.Type)
			}
		}
	}
	return &SchemaRegistry{tables: doc.Tables}, nil
}

var defaultRegistry = loadDefaultSchemas(defaultSchemas)

func loadDefaultSchemas(data []byte) *SchemaRegistry {
	reg, err := ParseSchemas(data)
	if err != nil {
		return &SchemaRegistry{err: fmt.Errorf("embedded schemas: %w", err)}
	}
	return reg
}

// DefaultSchemas returns the registry for the application's tables. If the
// embedded document failed to parse, the registry knows no tables, refuses
// every record and reports the cause through Err.
func DefaultSchemas() *SchemaRegistry {
	return defaultRegistry
}

// Err returns why the registry could not be built, or nil.
func (s *SchemaRegistry) Err() error { return s.err }

// Tables lists the registered tables in name order.
func (s *SchemaRegistry) Tables() []Table {
	out := make([]Table, 0, len(s.tables))
	for t := range s.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Known reports whether table has a schema.
func (s *SchemaRegistry) Known(table Table) bool {
	_, ok := s.tables[table]
	return ok
}

// Validate checks record against table's schema. INSERT additionally
// requires every required column; UPDATE checks only the columns present.
// DELETE carries no payload and always passes.
func (s *SchemaRegistry) Validate(table Table, record Record, kind OpKind) error {
	if s.err != nil {
		return s.err
	}
	ts, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableUnknown, table)
	}
	if kind == OpDelete {
		return nil
	}

	for name, value := range record {
		col, ok := ts.Columns[name]
		if !ok {
			col, ok = implicitColumns[name]
		}
		if !ok {
			return &SchemaError{Table: table, Column: name, Reason: "unknown column"}
		}
		if value != nil && !col.Type.accepts(value) {
			return &SchemaError{Table: table, Column: name, Reason: fmt.Sprintf("expected %s, got %T", col.Type, value)}
		}
	}

	if kind == OpInsert {
		for name, col := range ts.Columns {
			if col.Required && record[name] == nil {
				return &SchemaError{Table: table, Column: name, Reason: "required"}
			}
		}
		if record.TrainerID() == "" {
			return &SchemaError{Table: table, Column: ColumnTrainerID, Reason: "required"}
		}
	}
	return nil
}

func (t ColumnType) accepts(v any) bool {
	switch t {
	case TypeAny:
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		_, ok := toFloat(v)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		if !ok {
			_, ok = v.(Record)
		}
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}
