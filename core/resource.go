package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type (
	// Resource is a backend-owned record. Identity, ownership and the display
	// fields are first-class; everything else travels in Fields.
	Resource struct {
		ID        string         `json:"id"`
		UserID    string         `json:"user_id,omitempty"`
		Name      string         `json:"name,omitempty"`
		Icon      string         `json:"icon,omitempty"`
		Fields    map[string]any `json:"fields,omitempty"`
		CreatedAt time.Time      `json:"created_at"`
		UpdatedAt time.Time      `json:"updated_at"`
	}

	// ResourceType describes a named collection the cache and the mutation
	// coordinator know about.
	ResourceType struct {
		Name       string
		Table      string
		UserScoped bool
		ReadOnly   bool
		OrderBy    string
		Descending bool
		// Required fields must be non-empty on create and cannot be cleared.
		Required []string
		// Dependents are resource types whose cached data derives from this one
		// and must be invalidated together with it.
		Dependents []string
		// HasImages marks records that own a list of image assets.
		HasImages bool
		// Project trims a row to what the cache keeps for this type. Nil keeps
		// the whole row.
		Project func(Resource) Resource
	}
)

const (
	TypeGames     = "games"
	TypeGameIcons = "gameIcons"
	TypeOpponents = "opponents"
	TypeBoxes     = "boxes"
	TypeModels    = "models"
	TypeBattles   = "battles"

	TableImages = "images"
)

// Column names shared by every table.
const (
	FieldID        = "id"
	FieldUserID    = "user_id"
	FieldName      = "name"
	FieldIcon      = "icon"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// Battle columns that feed the local recents lists.
const (
	FieldDatePlayed = "date_played"
	FieldGameID     = "game_id"
	FieldLocation   = "location"
)

var resourceTypes = map[string]ResourceType{
	TypeGames: {
		Name:       TypeGames,
		Table:      "games",
		OrderBy:    FieldName,
		Required:   []string{FieldName},
		Dependents: []string{TypeGameIcons},
	},
	TypeGameIcons: {
		Name:     TypeGameIcons,
		Table:    "games",
		ReadOnly: true,
		OrderBy:  FieldName,
		Project: func(r Resource) Resource {
			return Resource{ID: r.ID, Name: r.Name, Icon: r.Icon}
		},
	},
	TypeOpponents: {Name: TypeOpponents, Table: "opponents", UserScoped: true, OrderBy: FieldName, Required: []string{FieldName}},
	TypeBoxes:     {Name: TypeBoxes, Table: "boxes", UserScoped: true, OrderBy: FieldName, Required: []string{FieldName}, HasImages: true},
	TypeModels:    {Name: TypeModels, Table: "models", UserScoped: true, OrderBy: FieldName, Required: []string{FieldName}, HasImages: true},
	TypeBattles:   {Name: TypeBattles, Table: "battles", UserScoped: true, OrderBy: FieldDatePlayed, Descending: true, HasImages: true},
}

// LookupType returns the registered resource type with the given name.
func LookupType(name string) (ResourceType, bool) {
	rt, ok := resourceTypes[name]
	return rt, ok
}

// ResourceTypes lists every registered type ordered by name.
func ResourceTypes() []ResourceType {
	types := make([]ResourceType, 0, len(resourceTypes))
	for _, rt := range resourceTypes {
		types = append(types, rt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })
	return types
}

// Clone returns a copy whose Fields map can be modified independently.
func (r Resource) Clone() Resource {
	c := r
	if r.Fields != nil {
		c.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	return c
}

// Value returns the named column, looking in Fields for anything that is not
// a first-class column.
func (r Resource) Value(field string) (any, bool) {
	switch field {
	case FieldID:
		return r.ID, true
	case FieldUserID:
		return r.UserID, true
	case FieldName:
		return r.Name, true
	case FieldIcon:
		return r.Icon, true
	case FieldCreatedAt:
		return r.CreatedAt, true
	case FieldUpdatedAt:
		return r.UpdatedAt, true
	}
	v, ok := r.Fields[field]
	return v, ok
}

// Apply merges fields into the resource. First-class columns are assigned to
// their struct fields; id and timestamps are never overwritten.
func (r *Resource) Apply(fields map[string]any) {
	for k, v := range fields {
		switch k {
		case FieldID, FieldCreatedAt, FieldUpdatedAt:
		case FieldUserID:
			r.UserID = AsString(v)
		case FieldName:
			r.Name = AsString(v)
		case FieldIcon:
			r.Icon = AsString(v)
		default:
			if r.Fields == nil {
				r.Fields = make(map[string]any)
			}
			if v == nil {
				delete(r.Fields, k)
				continue
			}
			r.Fields[k] = v
		}
	}
}

// Text returns the named field as a string, or "" when absent.
func (r Resource) Text(field string) string {
	v, _ := r.Value(field)
	return AsString(v)
}

// Int returns the named field as an int, or 0 when absent or not numeric.
func (r Resource) Int(field string) int {
	v, _ := r.Value(field)
	n, _ := AsInt(v)
	return n
}

// Bool returns the named field as a bool.
func (r Resource) Bool(field string) bool {
	v, _ := r.Value(field)
	return AsBool(v)
}

// AsString converts a loosely typed value (as produced by JSON decoding) to a
// string.
func AsString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// AsInt converts numbers decoded by encoding/json or database drivers to int.
func AsInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float32:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	}
	return 0, false
}

// AsBool converts booleans stored as bool, number or string.
func AsBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	if n, ok := AsInt(v); ok {
		return n != 0
	}
	return false
}

// ValuesEqual compares two loosely typed values, treating numbers of
// different Go types as equal when they hold the same value.
func ValuesEqual(a, b any) bool {
	if an, ok := AsInt(a); ok {
		if _, isString := a.(string); !isString {
			if bn, ok := AsInt(b); ok {
				if _, isString := b.(string); !isString {
					return an == bn
				}
			}
		}
	}
	if ab, ok := a.(bool); ok {
		return ab == AsBool(b)
	}
	if bb, ok := b.(bool); ok {
		return bb == AsBool(a)
	}
	return AsString(a) == AsString(b)
}

// EqualFold reports whether the natural key (name) of r matches key, ignoring
// case and surrounding whitespace.
func (r Resource) EqualFold(key string) bool {
	return strings.EqualFold(strings.TrimSpace(r.Name), strings.TrimSpace(key))
}
