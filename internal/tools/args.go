package tools

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"riskguard/internal/riskerr"
	"riskguard/internal/venue"
)

// Args 是宽松的参数读取器：数字可以是字符串，键名同时接受 camelCase 与 snake_case。
type Args struct {
	root gjson.Result
}

func parseArgs(op string, raw []byte) (Args, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return Args{root: gjson.Parse("{}")}, nil
	}
	if !gjson.Valid(text) {
		return Args{}, riskerr.Validation(op, "arguments are not valid JSON")
	}
	root := gjson.Parse(text)
	if !root.IsObject() {
		return Args{}, riskerr.Validation(op, "arguments must be a JSON object")
	}
	return Args{root: root}, nil
}

func (a Args) get(key string) gjson.Result {
	if v := a.root.Get(key); v.Exists() {
		return v
	}
	return a.root.Get(snakeCase(key))
}

func (a Args) present(key string) bool {
	v := a.get(key)
	return v.Exists() && v.Type != gjson.Null && !(v.Type == gjson.String && strings.TrimSpace(v.Str) == "")
}

func (a Args) String(key string) string {
	return strings.TrimSpace(a.get(key).String())
}

func (a Args) Side(op, key string) (venue.Side, error) {
	side, err := venue.ParseSide(a.String(key))
	if err != nil {
		return "", riskerr.Validation(op, "%s: %v", key, err)
	}
	return side, nil
}

// Decimal 读取必填的数值参数，保留原始精度。
func (a Args) Decimal(op, key string) (decimal.Decimal, error) {
	if !a.present(key) {
		return decimal.Zero, riskerr.Validation(op, "%s is required", key)
	}
	v := a.get(key)
	raw := v.Raw
	if v.Type == gjson.String {
		raw = strings.TrimSpace(v.Str)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, riskerr.Validation(op, "%s must be a number, got %s", key, v.Raw)
	}
	return d, nil
}

func (a Args) OptDecimal(op, key string) (*decimal.Decimal, error) {
	if !a.present(key) {
		return nil, nil
	}
	d, err := a.Decimal(op, key)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (a Args) Int(key string, def int) int {
	if !a.present(key) {
		return def
	}
	return int(a.get(key).Int())
}

func (a Args) Bool(key string, def bool) bool {
	if !a.present(key) {
		return def
	}
	return a.get(key).Bool()
}

// Map 把参数解码为通用结构，数字保留为 json.Number，供 schema 校验使用。
func (a Args) Map() map[string]any {
	out := map[string]any{}
	dec := json.NewDecoder(strings.NewReader(a.root.Raw))
	dec.UseNumber()
	_ = dec.Decode(&out)
	for k, v := range out {
		if !strings.Contains(k, "_") {
			continue
		}
		if camel := camelCase(k); camel != k {
			if _, ok := out[camel]; !ok {
				out[camel] = v
			}
			delete(out, k)
		}
	}
	return out
}

func camelCase(key string) string {
	parts := strings.Split(key, "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i > 0 && b.Len() > 0 {
			p = strings.ToUpper(p[:1]) + p[1:]
		}
		b.WriteString(p)
	}
	return b.String()
}

func snakeCase(key string) string {
	var b strings.Builder
	for i, r := range key {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
