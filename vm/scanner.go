package vm

import (
	"encoding/ascii85"
	"errors"
	"math"
	"strconv"
	"strings"
)

type scanStatus int

const (
	scanOK scanStatus = iota
	scanEOF
	scanNeedInput
)

const maxProcDepth = 1000

// errProcEnd is how the token reader reports a closing brace to the
// procedure being collected.
var errProcEnd = errors.New("}")

// scanner reads one token from a stream. It keeps no state between
// tokens: when the stream runs dry mid-token, the caller rewinds to the
// token start and tries again once input has arrived.
type scanner struct {
	c   *Context
	s   *Stream
	bos bool
}

// scanToken reads the next token of s. When the token is a binary object
// sequence, bos is set: such a token is executed immediately rather than
// pushed, even when it is an executable array.
func (c *Context) scanToken(s *Stream) (tok Ref, st scanStatus, bos bool, err error) {
	s.discard()
	start := s.pos
	sc := &scanner{c: c, s: s}
	tok, ok, err := sc.token(0)
	switch {
	case err == ErrNeedInput:
		s.pos = start
		return Ref{}, scanNeedInput, false, nil
	case err == errProcEnd:
		return Ref{}, scanOK, false, ErrSyntaxError
	case err != nil:
		return Ref{}, scanOK, false, err
	case !ok:
		return Ref{}, scanEOF, false, nil
	}
	return tok, scanOK, sc.bos, nil
}

// next returns the next byte. ok is false at the end of the data; the
// error is ErrNeedInput when more data may still arrive.
func (sc *scanner) next() (byte, bool, error) {
	s := sc.s
	for s.pos >= len(s.buf) {
		st, err := s.fill()
		if err != nil {
			return 0, false, ErrIOError
		}
		switch st {
		case StreamEOF:
			return 0, false, nil
		case StreamNeedInput:
			return 0, false, ErrNeedInput
		}
	}
	b := s.buf[s.pos]
	s.pos++
	return b, true, nil
}

func (sc *scanner) unread() { sc.s.pos-- }

// read returns exactly n bytes; running out at the end of data is a
// syntax error.
func (sc *scanner) read(n int) ([]byte, error) {
	out := make([]byte, n)
	for i := range out {
		b, ok, err := sc.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrSyntaxError
		}
		out[i] = b
	}
	return out, nil
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', '\f', 0:
		return true
	}
	return false
}

func isDelimiter(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// token reads one token. depth is the procedure nesting level.
func (sc *scanner) token(depth int) (Ref, bool, error) {
	for {
		b, ok, err := sc.next()
		if err != nil || !ok {
			return Ref{}, false, err
		}
		switch {
		case isSpace(b):
			continue
		case b == '%':
			if err := sc.skipComment(); err != nil {
				return Ref{}, false, err
			}
			continue
		case b == '(':
			r, err := sc.literalString()
			return r, err == nil, err
		case b == '<':
			r, err := sc.angle()
			return r, err == nil, err
		case b == '>':
			c, ok, err := sc.next()
			if err != nil {
				return Ref{}, false, err
			}
			if !ok || c != '>' {
				return Ref{}, false, ErrSyntaxError
			}
			r, err := sc.execName(">>")
			return r, err == nil, err
		case b == '[' || b == ']':
			r, err := sc.execName(string(b))
			return r, err == nil, err
		case b == '{':
			if depth >= maxProcDepth {
				return Ref{}, false, ErrLimitCheck
			}
			r, err := sc.proc(depth + 1)
			return r, err == nil, err
		case b == '}':
			if depth == 0 {
				return Ref{}, false, ErrSyntaxError
			}
			return Ref{}, false, errProcEnd
		case b == ')':
			return Ref{}, false, ErrSyntaxError
		case b == '/':
			r, err := sc.slashName()
			return r, err == nil, err
		case b >= 128 && b <= 159:
			r, err := sc.binaryToken(b)
			return r, err == nil, err
		default:
			sc.unread()
			r, err := sc.regular()
			return r, err == nil, err
		}
	}
}

func (sc *scanner) skipComment() error {
	for {
		b, ok, err := sc.next()
		if err != nil {
			return err
		}
		if !ok || b == '\n' || b == '\r' || b == '\f' {
			return nil
		}
	}
}

// collect reads the characters of a name or number up to a delimiter or
// whitespace. A whitespace terminator is consumed; a delimiter is not.
func (sc *scanner) collect() (string, error) {
	var sb strings.Builder
	for {
		b, ok, err := sc.next()
		if err != nil {
			return "", err
		}
		if !ok {
			break
		}
		if isSpace(b) {
			if b == '\r' {
				if c, ok, err := sc.next(); err == nil && ok && c != '\n' {
					sc.unread()
				} else if err != nil {
					return "", err
				}
			}
			break
		}
		if isDelimiter(b) {
			sc.unread()
			break
		}
		sb.WriteByte(b)
	}
	if sb.Len() > maxNameString {
		return "", ErrLimitCheck
	}
	return sb.String(), nil
}

func (sc *scanner) execName(s string) (Ref, error) {
	idx, err := sc.c.mem.names.Intern(s)
	if err != nil {
		return Ref{}, err
	}
	return MakeExecName(idx), nil
}

// regular reads a number or an executable name.
func (sc *scanner) regular() (Ref, error) {
	s, err := sc.collect()
	if err != nil {
		return Ref{}, err
	}
	if r, ok := parseNumber(s); ok {
		return r, nil
	}
	return sc.execName(s)
}

// slashName reads a literal name, or with a second slash an immediately
// evaluated one.
func (sc *scanner) slashName() (Ref, error) {
	immediate := false
	b, ok, err := sc.next()
	if err != nil {
		return Ref{}, err
	}
	if ok {
		if b == '/' {
			immediate = true
		} else {
			sc.unread()
		}
	}
	s, err := sc.collect()
	if err != nil {
		return Ref{}, err
	}
	idx, err := sc.c.mem.names.Intern(s)
	if err != nil {
		return Ref{}, err
	}
	if !immediate {
		return MakeName(idx), nil
	}
	v, found := sc.c.lookup(idx)
	if !found {
		return Ref{}, ErrUndefined
	}
	return v, nil
}

// literalString reads a (...) string: balanced parentheses, backslash
// escapes, and end-of-line normalised to newline.
func (sc *scanner) literalString() (Ref, error) {
	var out []byte
	depth := 1
	for {
		b, ok, err := sc.next()
		if err != nil {
			return Ref{}, err
		}
		if !ok {
			return Ref{}, ErrSyntaxError
		}
		switch b {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return sc.newString(out)
			}
		case '\r':
			if c, ok, err := sc.next(); err != nil {
				return Ref{}, err
			} else if ok && c != '\n' {
				sc.unread()
			}
			b = '\n'
		case '\\':
			c, ok, err := sc.next()
			if err != nil {
				return Ref{}, err
			}
			if !ok {
				return Ref{}, ErrSyntaxError
			}
			switch c {
			case 'n':
				b = '\n'
			case 'r':
				b = '\r'
			case 't':
				b = '\t'
			case 'b':
				b = '\b'
			case 'f':
				b = '\f'
			case '\r':
				if d, ok, err := sc.next(); err != nil {
					return Ref{}, err
				} else if ok && d != '\n' {
					sc.unread()
				}
				continue
			case '\n':
				continue
			case '0', '1', '2', '3', '4', '5', '6', '7':
				v := int(c - '0')
				for i := 0; i < 2; i++ {
					d, ok, err := sc.next()
					if err != nil {
						return Ref{}, err
					}
					if !ok {
						break
					}
					if d < '0' || d > '7' {
						sc.unread()
						break
					}
					v = v*8 + int(d-'0')
				}
				b = byte(v)
			default:
				b = c
			}
		}
		out = append(out, b)
		if len(out) > maxStringSize {
			return Ref{}, ErrLimitCheck
		}
	}
}

// angle handles everything starting with '<': the << name, hex strings
// and ASCII base-85 strings.
func (sc *scanner) angle() (Ref, error) {
	b, ok, err := sc.next()
	if err != nil {
		return Ref{}, err
	}
	if !ok {
		return Ref{}, ErrSyntaxError
	}
	switch b {
	case '<':
		return sc.execName("<<")
	case '~':
		return sc.base85String()
	}
	sc.unread()
	var out []byte
	var hi byte
	half := false
	for {
		b, ok, err := sc.next()
		if err != nil {
			return Ref{}, err
		}
		if !ok {
			return Ref{}, ErrSyntaxError
		}
		if isSpace(b) {
			continue
		}
		if b == '>' {
			break
		}
		d, valid := hexDigit(b)
		if !valid {
			return Ref{}, ErrSyntaxError
		}
		if half {
			out = append(out, hi<<4|d)
		} else {
			hi = d
		}
		half = !half
	}
	if half {
		out = append(out, hi<<4)
	}
	return sc.newString(out)
}

func hexDigit(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}

func (sc *scanner) base85String() (Ref, error) {
	var src []byte
	for {
		b, ok, err := sc.next()
		if err != nil {
			return Ref{}, err
		}
		if !ok {
			return Ref{}, ErrSyntaxError
		}
		if b == '~' {
			c, ok, err := sc.next()
			if err != nil {
				return Ref{}, err
			}
			if !ok || c != '>' {
				return Ref{}, ErrSyntaxError
			}
			break
		}
		if isSpace(b) {
			continue
		}
		if (b < '!' || b > 'u') && b != 'z' {
			return Ref{}, ErrSyntaxError
		}
		src = append(src, b)
	}
	dst := make([]byte, 4*len(src)+4)
	n, _, err := ascii85.Decode(dst, src, true)
	if err != nil {
		return Ref{}, ErrSyntaxError
	}
	return sc.newString(dst[:n])
}

func (sc *scanner) newString(b []byte) (Ref, error) {
	m := sc.c.mem
	r, err := m.AllocString(m.current, len(b))
	if err != nil {
		return Ref{}, err
	}
	copy(m.bytesOf(r), b)
	return r, nil
}

// proc collects tokens up to the matching brace into an executable array,
// packed when array packing is on.
func (sc *scanner) proc(depth int) (Ref, error) {
	var elems []Ref
	for {
		r, ok, err := sc.token(depth)
		if err == errProcEnd {
			break
		}
		if err != nil {
			return Ref{}, err
		}
		if !ok {
			return Ref{}, ErrSyntaxError
		}
		elems = append(elems, r)
	}
	return sc.c.vm.makeProc(elems)
}

// makeProc builds an executable array in the current space.
func (v *VM) makeProc(elems []Ref) (Ref, error) {
	m := v.mem
	for _, r := range elems {
		if err := m.checkStore(m.current, r); err != nil {
			return Ref{}, err
		}
	}
	if v.Packing() {
		r, err := m.AllocPacked(m.current, elems)
		if err != nil {
			return Ref{}, err
		}
		return r.Cvx(), nil
	}
	r, err := m.AllocArray(m.current, len(elems))
	if err != nil {
		return Ref{}, err
	}
	refs := m.refsOf(r)
	for i, e := range elems {
		refs[i] = m.stamp(e)
	}
	return r.Cvx(), nil
}

// ---------------------------------------------------------------------------
// Numbers
// ---------------------------------------------------------------------------

// parseNumber recognises integers, reals and radix numbers. Integers that
// do not fit in 32 bits become reals.
func parseNumber(s string) (Ref, bool) {
	if s == "" {
		return Ref{}, false
	}
	if i := strings.IndexByte(s, '#'); i > 0 {
		return parseRadix(s[:i], s[i+1:])
	}
	body := s
	if body[0] == '+' || body[0] == '-' {
		body = body[1:]
	}
	if body == "" {
		return Ref{}, false
	}
	if allDigits(body) {
		v, err := strconv.ParseInt(s, 10, 64)
		if err == nil && v >= math.MinInt32 && v <= math.MaxInt32 {
			return MakeInt(v), true
		}
		f, _ := strconv.ParseFloat(s, 64)
		return makeReal(f), true
	}
	if !isRealSyntax(body) {
		return Ref{}, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return Ref{}, false
	}
	return makeReal(f), true
}

func parseRadix(base, digits string) (Ref, bool) {
	if !allDigits(base) || digits == "" {
		return Ref{}, false
	}
	b, err := strconv.Atoi(base)
	if err != nil || b < 2 || b > 36 {
		return Ref{}, false
	}
	v, err := strconv.ParseUint(digits, b, 32)
	if err != nil {
		return Ref{}, false
	}
	return MakeInt(int64(int32(uint32(v)))), true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// isRealSyntax checks digits with a point and/or an exponent.
func isRealSyntax(s string) bool {
	mant, exp := s, ""
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		mant, exp = s[:i], s[i+1:]
		if exp != "" && (exp[0] == '+' || exp[0] == '-') {
			exp = exp[1:]
		}
		if !allDigits(exp) {
			return false
		}
	}
	intPart, frac := mant, ""
	if i := strings.IndexByte(mant, '.'); i >= 0 {
		intPart, frac = mant[:i], mant[i+1:]
	}
	if intPart == "" && frac == "" {
		return false
	}
	return (intPart == "" || allDigits(intPart)) && (frac == "" || allDigits(frac))
}

// makeReal stores f at the precision PostScript reals have.
func makeReal(f float64) Ref { return MakeReal(float64(float32(f))) }
