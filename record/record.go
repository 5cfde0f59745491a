package record

import (
	"encoding/json"
	"strconv"
)

// Record 是各组件之间流转的通用数据单元
// 字段值只允许半结构化类型：string、float64/int64、bool、nil、[]any、map[string]any
// 上层组件不依赖任何后端的原生类型
type Record map[string]any

// Clone 浅拷贝一份 Record
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Has 判断字段是否存在
func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// IsNull 字段存在且为 nil 时返回 true
func (r Record) IsNull(key string) bool {
	v, ok := r[key]
	return ok && v == nil
}

// String 尽力把字段值转成字符串，失败返回空串和 false
func (r Record) String(key string) (string, bool) {
	v, ok := r[key]
	if !ok {
		return "", false
	}
	return ToString(v)
}

// ToString 通用标量转字符串，非标量转换失败
func ToString(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case int:
		return strconv.Itoa(t), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

// Float 尽力把字段值转成 float64
func (r Record) Float(key string) (float64, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, false
	}
	return ToFloat(v)
}

// Bool 尽力把字段值转成 bool
func (r Record) Bool(key string) (bool, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Strings 把数组字段转成字符串切片，非数组返回 nil
func (r Record) Strings(key string) []string {
	v, ok := r[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// ToFloat 通用数值转换，覆盖 JSON/BSON 解码后的常见数值形态
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

// Equal 比较两个半结构化值是否相等，通过 JSON 归一化处理嵌套结构
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if fa, ok := ToFloat(a); ok {
		if fb, ok := ToFloat(b); ok {
			return fa == fb
		}
		return false
	}
	switch ta := a.(type) {
	case string:
		tb, ok := b.(string)
		return ok && ta == tb
	case bool:
		tb, ok := b.(bool)
		return ok && ta == tb
	}
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ja) == string(jb)
}
