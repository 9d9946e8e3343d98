package schema

import (
	"encoding/json"

	"go.powersync.dev/core/protocol"
)

// Schema is the user-provided description of synced tables.
type Schema struct {
	Tables    []Table    `json:"tables"`
	RawTables []RawTable `json:"raw_tables,omitempty"`
}

// Parse decodes and validates a schema document.
func Parse(data string) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, protocol.ConfigErrorf("invalid schema: %v", err)
	}
	for i := range s.Tables {
		if err := s.Tables[i].validate(); err != nil {
			return nil, err
		}
	}
	for i := range s.RawTables {
		if s.RawTables[i].Name == "" {
			return nil, protocol.ConfigErrorf("raw table without a name")
		}
	}
	return &s, nil
}

// Table is one synced (or local-only) table of the schema.
type Table struct {
	Name             string   `json:"name"`
	ViewNameOverride string   `json:"view_name,omitempty"`
	Columns          []Column `json:"columns"`
	Indexes          []Index  `json:"indexes,omitempty"`

	LocalOnly   bool `json:"local_only,omitempty"`
	InsertOnly  bool `json:"insert_only,omitempty"`
	IncludeMeta bool `json:"include_metadata,omitempty"`

	// IncludeOld selects whether (and for which columns) triggers attach the
	// previous row values to CRUD entries: true, or a list of column names.
	IncludeOld               *IncludeOld `json:"include_old,omitempty"`
	IncludeOldOnlyWhenChange bool        `json:"include_old_only_when_changed,omitempty"`
	IgnoreEmptyUpdate        bool        `json:"ignore_empty_update,omitempty"`
}

func (t *Table) validate() error {
	if t.Name == "" {
		return protocol.ConfigErrorf("table without a name")
	}
	for i := range t.Columns {
		if t.Columns[i].Name == "" {
			return protocol.ConfigErrorf("table %s has a column without a name", t.Name)
		}
	}
	return nil
}

// ViewName is the user-visible name of the table's view.
func (t *Table) ViewName() string {
	if t.ViewNameOverride != "" {
		return t.ViewNameOverride
	}
	return t.Name
}

// InternalName is the name of the backing data table.
func (t *Table) InternalName() string {
	if t.LocalOnly {
		return "ps_data_local__" + t.Name
	}
	return "ps_data__" + t.Name
}

// insertOnly resolves the insert_only flag. It's incompatible with
// local_only and silently ignored in that combination, for backwards
// compatibility.
func (t *Table) insertOnly() bool {
	return t.InsertOnly && !t.LocalOnly
}

// Column declares one projected column of a table's view.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Index declares one index over a table's projected columns.
type Index struct {
	Name    string          `json:"name"`
	Columns []IndexedColumn `json:"columns"`
}

// IndexedColumn is one column of an Index.
type IndexedColumn struct {
	Name      string `json:"name"`
	Ascending bool   `json:"ascending"`
	Type      string `json:"type"`
}

// IncludeOld is either "all columns" or an explicit column list.
type IncludeOld struct {
	All     bool
	Columns []string
}

func (o *IncludeOld) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		o.All = b
		return nil
	}
	o.All = false
	return json.Unmarshal(data, &o.Columns)
}

func (o *IncludeOld) MarshalJSON() ([]byte, error) {
	if o.Columns == nil {
		return json.Marshal(o.All)
	}
	return json.Marshal(o.Columns)
}

// filteredColumns returns the table columns matched by names, preserving
// table order.
func (t *Table) filteredColumns(names []string) []Column {
	var wanted = make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}
	var out []Column
	for _, c := range t.Columns {
		if _, ok := wanted[c.Name]; ok {
			out = append(out, c)
		}
	}
	return out
}

// RawTable routes synced rows of one object type into a table the
// application manages itself.
type RawTable struct {
	// Name is the object type whose rows are forwarded to this table. It is
	// not necessarily the local table name.
	Name string `json:"name"`
	// TableName is the local table, used to generate CRUD-capture triggers.
	TableName     string   `json:"table_name,omitempty"`
	SyncedColumns []string `json:"synced_columns,omitempty"`

	Put    *PendingStatement `json:"put,omitempty"`
	Delete *PendingStatement `json:"delete,omitempty"`
	Clear  string            `json:"clear,omitempty"`

	IncludeOld               *IncludeOld `json:"include_old,omitempty"`
	IncludeOldOnlyWhenChange bool        `json:"include_old_only_when_changed,omitempty"`
	IgnoreEmptyUpdate        bool        `json:"ignore_empty_update,omitempty"`
}

// PendingStatement is a user-supplied statement template executed by the
// sync_local materializer, with one Param per SQL parameter.
type PendingStatement struct {
	SQL    string  `json:"sql"`
	Params []Param `json:"params"`
}

// ParamKind says where a statement parameter's value comes from.
type ParamKind int

const (
	// ParamID binds the row id of the affected row.
	ParamID ParamKind = iota
	// ParamColumn binds one column of the synced row data.
	ParamColumn
	// ParamRest binds a JSON object of all columns not referenced by
	// ParamColumn entries.
	ParamRest
)

// Param is one parameter of a PendingStatement.
type Param struct {
	Kind   ParamKind
	Column string
}

func (p *Param) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "Id":
			p.Kind = ParamID
			return nil
		case "Rest":
			p.Kind = ParamRest
			return nil
		}
		return protocol.ConfigErrorf("unknown statement parameter %q", s)
	}

	var obj struct {
		Column *string `json:"Column"`
	}
	if err := json.Unmarshal(data, &obj); err != nil || obj.Column == nil {
		return protocol.ConfigErrorf("invalid statement parameter %s", data)
	}
	p.Kind, p.Column = ParamColumn, *obj.Column
	return nil
}

func (p Param) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case ParamID:
		return json.Marshal("Id")
	case ParamRest:
		return json.Marshal("Rest")
	default:
		return json.Marshal(struct {
			Column string `json:"Column"`
		}{p.Column})
	}
}

// RawTableFor returns the raw table routing rows of the given object type,
// or nil.
func (s *Schema) RawTableFor(objectType string) *RawTable {
	if s == nil {
		return nil
	}
	for i := range s.RawTables {
		if s.RawTables[i].Name == objectType {
			return &s.RawTables[i]
		}
	}
	return nil
}
