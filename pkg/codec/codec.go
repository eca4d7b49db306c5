// Package codec holds the value encodings objects are stored with, selected
// by name.
package codec

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

type Codec interface {
	Name() string
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

var registry = map[string]Codec{}

func init() {
	Register(Binary{})
	Register(UTF8{})
	Register(JSON{})
	Register(CBOR{})
}

// Register makes c available under its name. A later registration with the
// same name replaces the earlier one.
func Register(c Codec) {
	registry[strings.ToLower(c.Name())] = c
}

// Lookup returns the codec registered under name. The empty name selects
// binary; "utf8" is accepted for "utf-8".
func Lookup(name string) (Codec, error) {
	name = strings.ToLower(name)
	switch name {
	case "":
		name = "binary"
	case "utf8":
		name = "utf-8"
	}
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown value encoding %q, known: %s", name, strings.Join(Names(), ", "))
	}
	return c, nil
}

// Names lists the registered codecs.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Binary stores byte slices unchanged. Strings are stored as their bytes.
type Binary struct{}

func (Binary) Name() string { return "binary" }

func (Binary) Encode(v any) ([]byte, error) {
	switch v := v.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return nil, fmt.Errorf("binary codec cannot encode %T", v)
}

func (Binary) Decode(data []byte) (any, error) {
	return append([]byte(nil), data...), nil
}

// UTF8 stores strings.
type UTF8 struct{}

func (UTF8) Name() string { return "utf-8" }

func (UTF8) Encode(v any) ([]byte, error) {
	switch v := v.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case fmt.Stringer:
		return []byte(v.String()), nil
	}
	return nil, fmt.Errorf("utf-8 codec cannot encode %T", v)
}

func (UTF8) Decode(data []byte) (any, error) {
	return string(data), nil
}

// JSON stores any JSON-marshalable value. Decoded values use the generic
// encoding/json representation.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (JSON) Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// CBOR stores values in the concise binary object representation.
type CBOR struct{}

func (CBOR) Name() string { return "cbor" }

func (CBOR) Encode(v any) ([]byte, error) { return cbor.Marshal(v) }

func (CBOR) Decode(data []byte) (any, error) {
	var v any
	if err := cbor.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
