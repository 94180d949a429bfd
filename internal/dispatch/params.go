package dispatch

import "github.com/tidwall/gjson"

// params wraps the free-form parameter map of an action envelope.
// Reads coerce across JSON primitive types: a numeric id arriving as
// "42" and as 42 behave the same.
type params struct {
	doc gjson.Result
}

func parseParams(raw []byte) params {
	if len(raw) == 0 {
		return params{}
	}
	return params{doc: gjson.ParseBytes(raw)}
}

func (p params) has(key string) bool {
	return p.doc.Get(key).Exists()
}

// str returns the field as a string; numbers and booleans stringify.
// Missing fields return "".
func (p params) str(key string) string {
	v := p.doc.Get(key)
	if !v.Exists() || v.Type == gjson.Null {
		return ""
	}
	return v.String()
}

// i64 returns the field as an int64, coercing numeric strings.
func (p params) i64(key string) int64 {
	return p.doc.Get(key).Int()
}

// boolean returns the field as a bool; "true"/1 coerce.
func (p params) boolean(key string) bool {
	return p.doc.Get(key).Bool()
}

func (p params) strPtr(key string) *string {
	v := p.doc.Get(key)
	if !v.Exists() {
		return nil
	}
	s := v.String()
	return &s
}

func (p params) intPtr(key string) *int {
	v := p.doc.Get(key)
	if !v.Exists() {
		return nil
	}
	n := int(v.Int())
	return &n
}

func (p params) i64Ptr(key string) *int64 {
	v := p.doc.Get(key)
	if !v.Exists() {
		return nil
	}
	n := v.Int()
	return &n
}

func (p params) boolPtr(key string) *bool {
	v := p.doc.Get(key)
	if !v.Exists() {
		return nil
	}
	b := v.Bool()
	return &b
}
