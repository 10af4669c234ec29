package symbol

import "strings"

type GateConverter struct{}

func (GateConverter) ToExchange(internal string) string {
	s := strings.ToUpper(strings.TrimSpace(internal))
	if s == "" {
		return ""
	}
	if sym := Parse(s); sym.Base != "" {
		return sym.Base + "_" + sym.Quote
	}
	return strings.ReplaceAll(s, "/", "_")
}

func (GateConverter) FromExchange(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	return Parse(s).Internal()
}

func (GateConverter) Format() Format {
	return FormatGate
}

var Gate = GateConverter{}
