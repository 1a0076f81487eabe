package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/pgvector/pgvector-go"
)

// Record is the plain key-value form of an entity produced by ToRecord.
type Record map[string]any

// JSONMap is a free-form JSONB object column.
type JSONMap map[string]any

// Value implements driver.Valuer for JSONMap
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONMap
func (m *JSONMap) Scan(src interface{}) error {
	data, err := jsonBytes(src)
	if err != nil {
		return err
	}
	out := JSONMap{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
	}
	*m = out
	return nil
}

// StringList is a JSONB array-of-strings column.
type StringList []string

// Value implements driver.Valuer for StringList
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(l))
}

// Scan implements sql.Scanner for StringList
func (l *StringList) Scan(src interface{}) error {
	data, err := jsonBytes(src)
	if err != nil {
		return err
	}
	out := StringList{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
	}
	*l = out
	return nil
}

func jsonBytes(src interface{}) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported JSON column type %T", src)
	}
}

// Embedding is a nullable pgvector column. A nil Embedding is stored as NULL.
type Embedding []float32

// Value implements driver.Valuer for Embedding
func (e Embedding) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	return pgvector.NewVector([]float32(e)).Value()
}

// Scan implements sql.Scanner for Embedding
func (e *Embedding) Scan(src interface{}) error {
	if src == nil {
		*e = nil
		return nil
	}
	var v pgvector.Vector
	if err := v.Scan(src); err != nil {
		return err
	}
	*e = v.Slice()
	return nil
}

func optionalTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func optionalString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

var uuidType = reflect.TypeOf(uuid.UUID{})

func stringToUUIDHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || t != uuidType {
		return data, nil
	}
	str := reflect.ValueOf(data).String()
	if str == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(str)
}

// decodeRecord re-hydrates a Record produced by ToRecord into out.
func decodeRecord(rec Record, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stringToUUIDHook,
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(rec))
}
