package vm

import (
	"strconv"
	"strings"
)

const maxPrintDepth = 20

// formatReal prints a real the way PostScript shows it: shortest single
// precision digits, always with a decimal point or exponent.
func formatReal(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 32)
	if strings.ContainsAny(s, ".eEn") {
		return s
	}
	return s + ".0"
}

// Format renders r the way == prints it.
func (v *VM) Format(r Ref) string { return v.cvs(r, true) }

// cvs renders r. The short form is what = and cvs produce; the full form
// is the syntax-like rendering of ==.
func (v *VM) cvs(r Ref, full bool) string {
	var sb strings.Builder
	v.render(&sb, r, full, 0)
	return sb.String()
}

func (v *VM) render(sb *strings.Builder, r Ref, full bool, depth int) {
	m := v.mem
	switch r.BType() {
	case TInteger:
		sb.WriteString(strconv.FormatInt(r.Int(), 10))
	case TReal:
		sb.WriteString(formatReal(r.Real()))
	case TBoolean:
		sb.WriteString(strconv.FormatBool(r.Bool()))
	case TString:
		if !r.HasAccess(ARead) {
			sb.WriteString("--nostringval--")
			return
		}
		if !full {
			sb.Write(m.bytesOf(r))
			return
		}
		writeStringLiteral(sb, m.bytesOf(r))
	case TName:
		if full && !r.IsExec() {
			sb.WriteByte('/')
		}
		sb.WriteString(m.names.String(r.NameIndex()))
	case TOperator:
		name := "unknown"
		if op := v.op(r.OpIndex()); op != nil {
			name = op.name
		}
		if full {
			sb.WriteString("--" + name + "--")
		} else {
			sb.WriteString(name)
		}
	case TNull:
		if full {
			sb.WriteString("null")
		} else {
			sb.WriteString("--nostringval--")
		}
	case TArray, TMixedArray, TShortArray:
		if !full {
			sb.WriteString("--nostringval--")
			return
		}
		if !r.HasAccess(ARead) {
			sb.WriteString("-array-")
			return
		}
		open, close := "[", "]"
		if r.IsExec() {
			open, close = "{", "}"
		}
		if depth >= maxPrintDepth {
			sb.WriteString(open + "..." + close)
			return
		}
		sb.WriteString(open)
		for i, e := range m.ArrayElems(r) {
			if i > 0 {
				sb.WriteByte(' ')
			}
			v.render(sb, e, true, depth+1)
		}
		sb.WriteString(close)
	default:
		if !full {
			sb.WriteString("--nostringval--")
			return
		}
		switch r.Type() {
		case TDictionary:
			sb.WriteString("-dict-")
		case TMark:
			sb.WriteString("-mark-")
		case TFile:
			sb.WriteString("-file-")
		case TSave:
			sb.WriteString("-save-")
		case TFontID:
			sb.WriteString("-fontid-")
		case TDevice:
			sb.WriteString("-device-")
		default:
			sb.WriteString("-" + r.Type().String() + "-")
		}
	}
}

// writeStringLiteral writes b as a parenthesised string, escaping what
// the scanner would not read back unchanged.
func writeStringLiteral(sb *strings.Builder, b []byte) {
	sb.WriteByte('(')
	for _, ch := range b {
		switch ch {
		case '(', ')', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(ch)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		default:
			if ch < 32 || ch >= 127 {
				sb.WriteString("\\" + padOctal(ch))
			} else {
				sb.WriteByte(ch)
			}
		}
	}
	sb.WriteByte(')')
}

func padOctal(ch byte) string {
	s := strconv.FormatInt(int64(ch), 8)
	return strings.Repeat("0", 3-len(s)) + s
}
