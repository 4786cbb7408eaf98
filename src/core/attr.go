package core

import (
	"encoding/json"
	"fmt"
	"sort"
)

// An AttrKind labels which variant an Attr value holds.
type AttrKind int

const (
	NoneAttr AttrKind = iota
	StringAttr
	NumberAttr
	BoolAttr
	ListAttr
	MapAttr
)

// An Attr is one loosely-typed attribute value as produced by the build file
// interpreter: a string, number, bool, list or map. We keep it as an explicit
// tagged variant rather than interface{} so the conversion into typed target
// nodes can switch exhaustively and reject anything unexpected.
type Attr struct {
	kind AttrKind
	str  string
	num  float64
	b    bool
	list []Attr
	m    map[string]Attr
}

// Convenience constructors, mostly used by tests and the rule registry.

func StringValue(s string) Attr    { return Attr{kind: StringAttr, str: s} }
func NumberValue(n float64) Attr   { return Attr{kind: NumberAttr, num: n} }
func BoolValue(b bool) Attr        { return Attr{kind: BoolAttr, b: b} }
func ListValue(vals ...Attr) Attr  { return Attr{kind: ListAttr, list: vals} }
func StringsValue(ss ...string) Attr {
	vals := make([]Attr, len(ss))
	for i, s := range ss {
		vals[i] = StringValue(s)
	}
	return Attr{kind: ListAttr, list: vals}
}
func MapValue(m map[string]Attr) Attr { return Attr{kind: MapAttr, m: m} }

// Kind returns which variant this value holds.
func (a Attr) Kind() AttrKind { return a.kind }

// IsNone returns true for the zero Attr, i.e. an absent attribute.
func (a Attr) IsNone() bool { return a.kind == NoneAttr }

// String returns the string form of the value; non-strings render as their JSON form.
func (a Attr) String() string {
	if a.kind == StringAttr {
		return a.str
	}
	b, _ := json.Marshal(a)
	return string(b)
}

// AsString returns the value as a string, or an error if it isn't one.
func (a Attr) AsString() (string, error) {
	if a.kind != StringAttr {
		return "", fmt.Errorf("expected a string, got %s", a.kind)
	}
	return a.str, nil
}

// AsNumber returns the value as a number, or an error if it isn't one.
func (a Attr) AsNumber() (float64, error) {
	if a.kind != NumberAttr {
		return 0, fmt.Errorf("expected a number, got %s", a.kind)
	}
	return a.num, nil
}

// AsBool returns the value as a bool, or an error if it isn't one.
func (a Attr) AsBool() (bool, error) {
	if a.kind != BoolAttr {
		return false, fmt.Errorf("expected a bool, got %s", a.kind)
	}
	return a.b, nil
}

// AsList returns the value's elements, or an error if it isn't a list.
func (a Attr) AsList() ([]Attr, error) {
	if a.kind != ListAttr {
		return nil, fmt.Errorf("expected a list, got %s", a.kind)
	}
	return a.list, nil
}

// AsStrings returns the value as a list of strings, or an error if it isn't one.
func (a Attr) AsStrings() ([]string, error) {
	list, err := a.AsList()
	if err != nil {
		return nil, err
	}
	ret := make([]string, len(list))
	for i, v := range list {
		if ret[i], err = v.AsString(); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return ret, nil
}

// AsMap returns the value's entries, or an error if it isn't a map.
func (a Attr) AsMap() (map[string]Attr, error) {
	if a.kind != MapAttr {
		return nil, fmt.Errorf("expected a map, got %s", a.kind)
	}
	return a.m, nil
}

func (k AttrKind) String() string {
	switch k {
	case NoneAttr:
		return "none"
	case StringAttr:
		return "string"
	case NumberAttr:
		return "number"
	case BoolAttr:
		return "bool"
	case ListAttr:
		return "list"
	case MapAttr:
		return "map"
	}
	return "unknown"
}

// UnmarshalJSON implements json.Unmarshaler; attribute values arrive from the
// interpreter as arbitrary JSON.
func (a *Attr) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*a = fromInterface(raw)
	return nil
}

// MarshalJSON implements json.Marshaler, mostly for diagnostics output.
func (a Attr) MarshalJSON() ([]byte, error) {
	switch a.kind {
	case StringAttr:
		return json.Marshal(a.str)
	case NumberAttr:
		return json.Marshal(a.num)
	case BoolAttr:
		return json.Marshal(a.b)
	case ListAttr:
		return json.Marshal(a.list)
	case MapAttr:
		return json.Marshal(a.m)
	}
	return []byte("null"), nil
}

func fromInterface(raw interface{}) Attr {
	switch v := raw.(type) {
	case string:
		return StringValue(v)
	case float64:
		return NumberValue(v)
	case bool:
		return BoolValue(v)
	case []interface{}:
		list := make([]Attr, len(v))
		for i, x := range v {
			list[i] = fromInterface(x)
		}
		return Attr{kind: ListAttr, list: list}
	case map[string]interface{}:
		m := make(map[string]Attr, len(v))
		for k, x := range v {
			m[k] = fromInterface(x)
		}
		return Attr{kind: MapAttr, m: m}
	}
	return Attr{}
}

// hashInto feeds the value into a hash in a deterministic order.
func (a Attr) hashInto(w func([]byte)) {
	w([]byte{byte(a.kind)})
	switch a.kind {
	case StringAttr:
		w([]byte(a.str))
	case NumberAttr:
		w([]byte(fmt.Sprintf("%v", a.num)))
	case BoolAttr:
		if a.b {
			w([]byte{1})
		} else {
			w([]byte{0})
		}
	case ListAttr:
		for _, v := range a.list {
			v.hashInto(w)
		}
	case MapAttr:
		keys := make([]string, 0, len(a.m))
		for k := range a.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			w([]byte(k))
			a.m[k].hashInto(w)
		}
	}
}
