package valuemanager

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Parser turns a raw pushed string into the value applications read.
// An error rejects the push.
type Parser func(raw string) (any, error)

func ParseString(raw string) (any, error) {
	return raw, nil
}

func ParseInt(raw string) (any, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return n, nil
}

func ParseInt64(raw string) (any, error) {
	return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
}

func ParseFloat(raw string) (any, error) {
	return strconv.ParseFloat(strings.TrimSpace(raw), 64)
}

func ParseBool(raw string) (any, error) {
	return strconv.ParseBool(strings.TrimSpace(raw))
}

// ParseJSON decodes raw into generic JSON values (map[string]any, []any, float64, ...).
func ParseJSON(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// JSONInto returns a parser decoding into a fresh value of typ.
func JSONInto(typ reflect.Type) Parser {
	return func(raw string) (any, error) {
		ptr := reflect.New(typ)
		if err := json.Unmarshal([]byte(raw), ptr.Interface()); err != nil {
			return nil, err
		}
		return ptr.Elem().Interface(), nil
	}
}

// InferParser picks a parser producing values of the same type as def.
func InferParser(def any) Parser {
	switch def.(type) {
	case nil, string:
		return ParseString
	case int:
		return ParseInt
	case int64:
		return ParseInt64
	case float64:
		return ParseFloat
	case bool:
		return ParseBool
	default:
		return JSONInto(reflect.TypeOf(def))
	}
}

// WithValidation runs check on every successfully parsed value.
func WithValidation(p Parser, check func(v any) error) Parser {
	return func(raw string) (any, error) {
		v, err := p(raw)
		if err != nil {
			return nil, err
		}
		if err := check(v); err != nil {
			return nil, fmt.Errorf("invalid value %v: %w", v, err)
		}
		return v, nil
	}
}
