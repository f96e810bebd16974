package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValueKind はメタデータ値の型を表す。
type ValueKind int

const (
	KindString ValueKind = iota + 1
	KindNumber
	KindBool
	KindList
	KindMap
)

// String はValueKindの名前を返す。
func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value はライセンスのメタデータに格納するタグ付きの値。
// 呼び出し側は Kind で分岐し、対応するアクセサで値を取り出す。
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	list []Value
	m    map[string]Value
}

// StringValue は文字列値を生成する。
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// NumberValue は数値を生成する。
func NumberValue(n float64) Value { return Value{kind: KindNumber, num: n} }

// BoolValue は真偽値を生成する。
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// ListValue はリスト値を生成する。
func ListValue(items ...Value) Value { return Value{kind: KindList, list: items} }

// MapValue はマップ値を生成する。
func MapValue(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// Clone はリストとマップを再帰的に複製した値を返す。
func (v Value) Clone() Value {
	out := v
	if v.list != nil {
		out.list = make([]Value, len(v.list))
		for i, item := range v.list {
			out.list[i] = item.Clone()
		}
	}
	if v.m != nil {
		out.m = make(map[string]Value, len(v.m))
		for k, item := range v.m {
			out.m[k] = item.Clone()
		}
	}
	return out
}

// Kind は値の型を返す。ゼロ値の Value は 0 を返す。
func (v Value) Kind() ValueKind { return v.kind }

// Str は文字列値を返す。
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Number は数値を返す。
func (v Value) Number() (float64, bool) { return v.num, v.kind == KindNumber }

// Bool は真偽値を返す。
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// List はリスト値を返す。
func (v Value) List() ([]Value, bool) { return v.list, v.kind == KindList }

// Map はマップ値を返す。
func (v Value) Map() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// MarshalJSON は値をJSONのネイティブ表現で出力する。
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		// encoding/json はマップのキーをソートして出力する
		return json.Marshal(v.m)
	default:
		return nil, fmt.Errorf("%w: metadata value has no kind", ErrInvalidArgument)
	}
}

// UnmarshalJSON はJSONから値を復元する。null は受け付けない。
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty metadata value", ErrInvalidArgument)
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case '[':
		var items []Value
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*v = ListValue(items...)
	case '{':
		var m map[string]Value
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		*v = MapValue(m)
	case 'n':
		return fmt.Errorf("%w: null metadata value", ErrInvalidArgument)
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = NumberValue(n)
	}
	return nil
}
