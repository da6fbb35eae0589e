// Package schema declares the collections and indexes of the smart-house database.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names
const (
	CollectionUsers       = "users"
	CollectionDevices     = "devices"
	CollectionSensors     = "sensors"
	CollectionEvents      = "events"
	CollectionAutomations = "automations"
	CollectionActions     = "actions"
)

// Direction is the sort order of an index key.
type Direction int

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

func (d Direction) String() string {
	switch d {
	case Ascending:
		return "ascending"
	case Descending:
		return "descending"
	default:
		return fmt.Sprintf("invalid(%d)", int(d))
	}
}

// MarshalText renders the direction by name for JSON and YAML plan output.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// IndexKey is one (field, direction) entry of an index key pattern.
type IndexKey struct {
	Field     string    `json:"field" yaml:"field"`
	Direction Direction `json:"direction" yaml:"direction"`
}

// IndexSpec describes one index on one collection.
type IndexSpec struct {
	Name       string     `json:"name" yaml:"name"`
	Collection string     `json:"collection" yaml:"collection"`
	Keys       []IndexKey `json:"keys" yaml:"keys"`
	Unique     bool       `json:"unique" yaml:"unique"`
}

// KeyDocument returns the ordered key pattern sent to the server.
func (s IndexSpec) KeyDocument() bson.D {
	doc := make(bson.D, 0, len(s.Keys))
	for _, k := range s.Keys {
		doc = append(doc, bson.E{Key: k.Field, Value: int32(k.Direction)})
	}
	return doc
}

// Model builds the driver index model for this spec.
func (s IndexSpec) Model() mongo.IndexModel {
	opts := options.Index().SetName(s.Name)
	if s.Unique {
		opts.SetUnique(true)
	}
	return mongo.IndexModel{
		Keys:    s.KeyDocument(),
		Options: opts,
	}
}

// SameKeys reports whether an existing index key document has exactly this
// spec's fields in the same order with the same directions.
// The server may report directions as int32, int64 or double.
func (s IndexSpec) SameKeys(existing bson.D) bool {
	if len(existing) != len(s.Keys) {
		return false
	}
	for i, e := range existing {
		if e.Key != s.Keys[i].Field {
			return false
		}
		dir, ok := directionOf(e.Value)
		if !ok || dir != s.Keys[i].Direction {
			return false
		}
	}
	return true
}

// KeyString renders the key pattern as "field:1,other:-1" for logs and tables.
func (s IndexSpec) KeyString() string {
	parts := make([]string, 0, len(s.Keys))
	for _, k := range s.Keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k.Field, int(k.Direction)))
	}
	return strings.Join(parts, ",")
}

func directionOf(v interface{}) (Direction, bool) {
	var n float64
	switch t := v.(type) {
	case int32:
		n = float64(t)
	case int64:
		n = float64(t)
	case int:
		n = float64(t)
	case float64:
		n = t
	default:
		return 0, false
	}
	switch n {
	case 1:
		return Ascending, true
	case -1:
		return Descending, true
	}
	return 0, false
}

// Layout is the full set of collections and indexes to ensure, in order.
type Layout struct {
	Collections []string    `json:"collections" yaml:"collections"`
	Indexes     []IndexSpec `json:"indexes" yaml:"indexes"`
}

// DefaultLayout returns the smart-house application layout.
func DefaultLayout() Layout {
	return Layout{
		Collections: []string{
			CollectionUsers,
			CollectionDevices,
			CollectionSensors,
			CollectionEvents,
			CollectionAutomations,
			CollectionActions,
		},
		Indexes: []IndexSpec{
			uniqueAscending(CollectionUsers, "email"),
			uniqueAscending(CollectionDevices, "device_id"),
			uniqueAscending(CollectionSensors, "sensor_id"),
			{
				Name:       "events_timestamp_desc",
				Collection: CollectionEvents,
				Keys:       []IndexKey{{Field: "timestamp", Direction: Descending}},
			},
			uniqueAscending(CollectionAutomations, "name"),
			{
				Name:       "actions_automation_id",
				Collection: CollectionActions,
				Keys:       []IndexKey{{Field: "automation_id", Direction: Ascending}},
			},
		},
	}
}

func uniqueAscending(collection, field string) IndexSpec {
	return IndexSpec{
		Name:       collection + "_" + field + "_unique",
		Collection: collection,
		Keys:       []IndexKey{{Field: field, Direction: Ascending}},
		Unique:     true,
	}
}

// IndexesFor returns the index specs declared on a collection, in layout order.
func (l Layout) IndexesFor(collection string) []IndexSpec {
	var specs []IndexSpec
	for _, s := range l.Indexes {
		if s.Collection == collection {
			specs = append(specs, s)
		}
	}
	return specs
}

// Validate checks the layout is internally consistent.
func (l Layout) Validate() error {
	if len(l.Collections) == 0 {
		return errors.New("layout declares no collections")
	}

	collections := make(map[string]bool, len(l.Collections))
	for _, name := range l.Collections {
		if strings.TrimSpace(name) == "" {
			return errors.New("collection name cannot be empty")
		}
		if strings.Contains(name, "$") {
			return fmt.Errorf("collection name %q cannot contain '$'", name)
		}
		if collections[name] {
			return fmt.Errorf("collection %q declared more than once", name)
		}
		collections[name] = true
	}

	names := make(map[string]bool, len(l.Indexes))
	for _, s := range l.Indexes {
		if s.Name == "" {
			return fmt.Errorf("index on %q has no name", s.Collection)
		}
		if names[s.Name] {
			return fmt.Errorf("index name %q declared more than once", s.Name)
		}
		names[s.Name] = true

		if !collections[s.Collection] {
			return fmt.Errorf("index %q references undeclared collection %q", s.Name, s.Collection)
		}
		if len(s.Keys) == 0 {
			return fmt.Errorf("index %q has no keys", s.Name)
		}
		for _, k := range s.Keys {
			if k.Field == "" {
				return fmt.Errorf("index %q has an empty field name", s.Name)
			}
			if k.Direction != Ascending && k.Direction != Descending {
				return fmt.Errorf("index %q field %q has invalid direction %d", s.Name, k.Field, int(k.Direction))
			}
		}
	}

	return nil
}
