package vm

import (
	"encoding/binary"
	"math"
)

// Binary object sequence object types.
const (
	bosNull        = 0
	bosInteger     = 1
	bosReal        = 2
	bosName        = 3
	bosBoolean     = 4
	bosString      = 5
	bosEvalName    = 6
	bosArray       = 9
	bosMark        = 10
	bosDict        = 15
	bosExecFlag    = 0x80
	bosObjSize     = 8
	bosSystemIndex = 0xffff
)

const maxBinaryDepth = 100

func byteOrder(lsb bool) binary.ByteOrder {
	if lsb {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// binaryToken decodes the token introduced by byte b.
func (sc *scanner) binaryToken(b byte) (Ref, error) {
	switch {
	case b <= 131:
		sc.bos = true
		return sc.objectSequence(b)
	case b == 132 || b == 133:
		p, err := sc.read(4)
		if err != nil {
			return Ref{}, err
		}
		return MakeInt(int64(int32(byteOrder(b == 133).Uint32(p)))), nil
	case b == 134 || b == 135:
		p, err := sc.read(2)
		if err != nil {
			return Ref{}, err
		}
		return MakeInt(int64(int16(byteOrder(b == 135).Uint16(p)))), nil
	case b == 136:
		p, err := sc.read(1)
		if err != nil {
			return Ref{}, err
		}
		return MakeInt(int64(int8(p[0]))), nil
	case b == 137:
		p, err := sc.read(1)
		if err != nil {
			return Ref{}, err
		}
		return sc.number(p[0])
	case b == 138 || b == 139:
		p, err := sc.read(4)
		if err != nil {
			return Ref{}, err
		}
		return makeReal(float64(math.Float32frombits(byteOrder(b == 139).Uint32(p)))), nil
	case b == 140:
		p, err := sc.read(4)
		if err != nil {
			return Ref{}, err
		}
		return makeReal(float64(math.Float32frombits(binary.LittleEndian.Uint32(p)))), nil
	case b == 141:
		p, err := sc.read(1)
		if err != nil {
			return Ref{}, err
		}
		return MakeBool(p[0] != 0), nil
	case b == 142:
		p, err := sc.read(1)
		if err != nil {
			return Ref{}, err
		}
		return sc.counted(int(p[0]))
	case b == 143 || b == 144:
		p, err := sc.read(2)
		if err != nil {
			return Ref{}, err
		}
		return sc.counted(int(byteOrder(b == 144).Uint16(p)))
	case b == 145 || b == 146:
		p, err := sc.read(1)
		if err != nil {
			return Ref{}, err
		}
		r, err := sc.c.vm.systemName(int(p[0]))
		if err != nil {
			return Ref{}, err
		}
		if b == 146 {
			r = r.Cvx()
		}
		return r, nil
	case b == 147 || b == 148:
		p, err := sc.read(1)
		if err != nil {
			return Ref{}, err
		}
		r, err := sc.c.vm.userName(int(p[0]))
		if err != nil {
			return Ref{}, err
		}
		if b == 148 {
			r = r.Cvx()
		}
		return r, nil
	case b == 149:
		return sc.numberArray()
	}
	return Ref{}, ErrSyntaxError
}

func (sc *scanner) counted(n int) (Ref, error) {
	p, err := sc.read(n)
	if err != nil {
		return Ref{}, err
	}
	return sc.newString(p)
}

// numRepr describes a number representation byte.
type numRepr struct {
	width int
	scale int
	ieee  bool
	order binary.ByteOrder
}

func parseRepr(r byte) (numRepr, error) {
	n := numRepr{order: byteOrder(r >= 128)}
	r &= 0x7f
	switch {
	case r < 32:
		n.width, n.scale = 4, int(r)
	case r < 48:
		n.width, n.scale = 2, int(r-32)
	case r == 48:
		n.width, n.ieee = 4, true
	case r == 49:
		n.width, n.ieee, n.order = 4, true, binary.LittleEndian
	default:
		return n, ErrSyntaxError
	}
	return n, nil
}

func (n numRepr) decode(p []byte) Ref {
	if n.ieee {
		return makeReal(float64(math.Float32frombits(n.order.Uint32(p))))
	}
	var v int64
	if n.width == 2 {
		v = int64(int16(n.order.Uint16(p)))
	} else {
		v = int64(int32(n.order.Uint32(p)))
	}
	if n.scale == 0 {
		return MakeInt(v)
	}
	return makeReal(float64(v) / float64(int64(1)<<n.scale))
}

func (sc *scanner) number(repr byte) (Ref, error) {
	n, err := parseRepr(repr)
	if err != nil {
		return Ref{}, err
	}
	p, err := sc.read(n.width)
	if err != nil {
		return Ref{}, err
	}
	return n.decode(p), nil
}

// numberArray reads a homogeneous number array: a representation byte, a
// count, and the numbers.
func (sc *scanner) numberArray() (Ref, error) {
	h, err := sc.read(3)
	if err != nil {
		return Ref{}, err
	}
	n, err := parseRepr(h[0])
	if err != nil {
		return Ref{}, err
	}
	count := int(n.order.Uint16(h[1:]))
	body, err := sc.read(count * n.width)
	if err != nil {
		return Ref{}, err
	}
	m := sc.c.mem
	arr, err := m.AllocArray(m.current, count)
	if err != nil {
		return Ref{}, err
	}
	refs := m.refsOf(arr)
	for i := 0; i < count; i++ {
		refs[i] = m.stamp(n.decode(body[i*n.width:]))
	}
	return arr, nil
}

// ---------------------------------------------------------------------------
// Binary object sequences
// ---------------------------------------------------------------------------

type bosDecoder struct {
	sc    *scanner
	order binary.ByteOrder
	data  []byte
	dicts map[int]Ref // dictionaries by object offset
}

// objectSequence reads a whole binary object sequence and returns its
// top-level objects as an executable array.
func (sc *scanner) objectSequence(b byte) (Ref, error) {
	h, err := sc.read(3)
	if err != nil {
		return Ref{}, err
	}
	order := byteOrder(b&1 == 1)
	top := int(h[0])
	total := int(order.Uint16(h[1:]))
	hdr := 4
	if top == 0 {
		x, err := sc.read(4)
		if err != nil {
			return Ref{}, err
		}
		top = int(order.Uint16(h[1:]))
		total = int(order.Uint32(x))
		hdr = 8
	}
	if total < hdr+top*bosObjSize {
		return Ref{}, ErrSyntaxError
	}
	data, err := sc.read(total - hdr)
	if err != nil {
		return Ref{}, err
	}
	d := &bosDecoder{sc: sc, order: order, data: data, dicts: make(map[int]Ref)}
	arr, err := d.array(0, top, 0)
	if err != nil {
		return Ref{}, err
	}
	return arr.Cvx(), nil
}

func (d *bosDecoder) array(off, n, depth int) (Ref, error) {
	if depth > maxBinaryDepth {
		return Ref{}, ErrLimitCheck
	}
	if off < 0 || off+n*bosObjSize > len(d.data) {
		return Ref{}, ErrSyntaxError
	}
	m := d.sc.c.mem
	arr, err := m.AllocArray(m.current, n)
	if err != nil {
		return Ref{}, err
	}
	for i := 0; i < n; i++ {
		r, err := d.object(off+i*bosObjSize, depth)
		if err != nil {
			return Ref{}, err
		}
		if err := m.PutElem(arr, i, r); err != nil {
			return Ref{}, err
		}
	}
	return arr, nil
}

func (d *bosDecoder) object(off, depth int) (Ref, error) {
	o := d.data[off : off+bosObjSize]
	typ := o[0] &^ bosExecFlag
	exec := o[0]&bosExecFlag != 0
	length := int(d.order.Uint16(o[2:]))
	val := d.order.Uint32(o[4:])
	var r Ref
	var err error
	switch typ {
	case bosNull:
		r = MakeNull()
	case bosInteger:
		r = MakeInt(int64(int32(val)))
	case bosReal:
		if length == 0 {
			r = makeReal(float64(math.Float32frombits(val)))
		} else {
			r = makeReal(float64(int32(val)) / math.Exp2(float64(length)))
		}
	case bosBoolean:
		r = MakeBool(val != 0)
	case bosMark:
		r = MakeMark()
	case bosString:
		var s []byte
		if s, err = d.bytes(int(val), length); err == nil {
			r, err = d.sc.newString(s)
		}
	case bosName, bosEvalName:
		r, err = d.name(length, val)
		if err == nil && typ == bosEvalName {
			v, found := d.sc.c.lookup(r.NameIndex())
			if !found {
				return Ref{}, ErrUndefined
			}
			return v, nil
		}
	case bosArray:
		r, err = d.array(int(val), length, depth+1)
	case bosDict:
		r, err = d.dict(off, int(val), length, depth+1)
	default:
		return Ref{}, ErrSyntaxError
	}
	if err != nil {
		return Ref{}, err
	}
	if exec {
		r = r.Cvx()
	}
	return r, nil
}

func (d *bosDecoder) bytes(off, n int) ([]byte, error) {
	if off < 0 || off+n > len(d.data) {
		return nil, ErrSyntaxError
	}
	return d.data[off : off+n], nil
}

func (d *bosDecoder) name(length int, val uint32) (Ref, error) {
	v := d.sc.c.vm
	switch length {
	case 0:
		return v.userName(int(val))
	case bosSystemIndex:
		return v.systemName(int(val))
	}
	s, err := d.bytes(int(val), length)
	if err != nil {
		return Ref{}, err
	}
	idx, err := d.sc.c.mem.names.Intern(string(s))
	if err != nil {
		return Ref{}, err
	}
	return MakeName(idx), nil
}

// dict decodes the dictionary object at self. Its length counts keys and
// values; a length of 1 refers to another dictionary object of the same
// sequence, so a dictionary can appear in several places.
func (d *bosDecoder) dict(self, off, length, depth int) (Ref, error) {
	if r, ok := d.dicts[self]; ok {
		return r, nil
	}
	if depth > maxBinaryDepth {
		return Ref{}, ErrLimitCheck
	}
	if length == 1 {
		return d.indirect(off, depth)
	}
	if length&1 != 0 || off < 0 || off+length*bosObjSize > len(d.data) {
		return Ref{}, ErrSyntaxError
	}
	pairs := length / 2
	m := d.sc.c.mem
	dict, err := m.NewDict(m.current, pairs)
	if err != nil {
		return Ref{}, err
	}
	d.dicts[self] = dict
	for i := 0; i < pairs; i++ {
		k, err := d.object(off+2*i*bosObjSize, depth)
		if err != nil {
			return Ref{}, err
		}
		v, err := d.object(off+(2*i+1)*bosObjSize, depth)
		if err != nil {
			return Ref{}, err
		}
		if _, err := m.DictPut(dict, k, v); err != nil {
			return Ref{}, err
		}
	}
	return dict, nil
}

// indirect resolves a reference to the dictionary object at target.
func (d *bosDecoder) indirect(target, depth int) (Ref, error) {
	if target < 0 || target%bosObjSize != 0 || target+bosObjSize > len(d.data) {
		return Ref{}, ErrSyntaxError
	}
	o := d.data[target : target+bosObjSize]
	if o[0]&^bosExecFlag != bosDict || d.order.Uint16(o[2:]) == 1 {
		return Ref{}, ErrSyntaxError
	}
	return d.dict(target, int(d.order.Uint32(o[4:])), int(d.order.Uint16(o[2:])), depth)
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// bosEncoder lays out a binary object sequence: objects first, breadth by
// breadth, then the string bytes.
type bosEncoder struct {
	v       *VM
	order   binary.ByteOrder
	objs    []byte
	strs    []byte
	pending []Ref
	slots   []int
}

// encodeObject writes obj as a binary object sequence with the given
// object format (1..4) and tag byte.
func (v *VM) encodeObject(obj Ref, format int, tag byte) ([]byte, error) {
	lsb := format == 2 || format == 4
	e := &bosEncoder{v: v, order: byteOrder(lsb)}
	e.objs = make([]byte, bosObjSize)
	if err := e.put(0, obj, 0); err != nil {
		return nil, err
	}
	e.objs[1] = tag
	for len(e.pending) > 0 {
		r, slot := e.pending[0], e.slots[0]
		e.pending, e.slots = e.pending[1:], e.slots[1:]
		if err := e.children(r, slot); err != nil {
			return nil, err
		}
	}
	// String offsets were recorded relative to the string area; shift
	// them past the objects.
	for off := 0; off < len(e.objs); off += bosObjSize {
		t := e.objs[off] &^ bosExecFlag
		n := e.order.Uint16(e.objs[off+2:])
		if t == bosString || (t == bosName || t == bosEvalName) && n != 0 && n != bosSystemIndex {
			s := e.order.Uint32(e.objs[off+4:])
			e.order.PutUint32(e.objs[off+4:], s+uint32(len(e.objs)))
		}
	}
	body := append(e.objs, e.strs...)
	head := []byte{byte(127 + format), 1, 0, 0}
	if len(body)+4 > math.MaxUint16 {
		head = []byte{byte(127 + format), 0, 0, 0, 0, 0, 0, 0}
		e.order.PutUint16(head[2:], 1)
		e.order.PutUint32(head[4:], uint32(len(body)+8))
	} else {
		e.order.PutUint16(head[2:], uint16(len(body)+4))
	}
	return append(head, body...), nil
}

func (e *bosEncoder) put(slot int, r Ref, depth int) error {
	if depth > maxBinaryDepth {
		return ErrLimitCheck
	}
	o := e.objs[slot : slot+bosObjSize]
	if r.IsExec() {
		o[0] = bosExecFlag
	}
	m := e.v.mem
	switch r.BType() {
	case TNull:
		o[0] |= bosNull
	case TInteger:
		o[0] |= bosInteger
		e.order.PutUint32(o[4:], uint32(int32(r.Int())))
	case TReal:
		o[0] |= bosReal
		e.order.PutUint32(o[4:], math.Float32bits(float32(r.Real())))
	case TBoolean:
		o[0] |= bosBoolean
		if r.Bool() {
			e.order.PutUint32(o[4:], 1)
		}
	case TMark:
		o[0] |= bosMark
	case TName:
		o[0] |= bosName
		s := m.names.String(r.NameIndex())
		if len(s) == 0 {
			return ErrRangeCheck
		}
		e.order.PutUint16(o[2:], uint16(len(s)))
		e.order.PutUint32(o[4:], uint32(len(e.strs)))
		e.strs = append(e.strs, s...)
	case TString:
		if !r.HasAccess(ARead) {
			return ErrInvalidAccess
		}
		o[0] |= bosString
		b := m.bytesOf(r)
		e.order.PutUint16(o[2:], uint16(len(b)))
		e.order.PutUint32(o[4:], uint32(len(e.strs)))
		e.strs = append(e.strs, b...)
	case TArray, TMixedArray, TShortArray:
		if !r.HasAccess(ARead) {
			return ErrInvalidAccess
		}
		o[0] |= bosArray
		e.order.PutUint16(o[2:], uint16(r.Size()))
		e.pending = append(e.pending, r)
		e.slots = append(e.slots, slot)
	case TDictionary:
		if !e.v.dictReadable(r) {
			return ErrInvalidAccess
		}
		n := 2 * m.DictLength(r)
		if n > math.MaxUint16 {
			return ErrLimitCheck
		}
		o[0] |= bosDict
		e.order.PutUint16(o[2:], uint16(n))
		e.pending = append(e.pending, r)
		e.slots = append(e.slots, slot)
	default:
		return ErrTypeCheck
	}
	return nil
}

// children allocates the element objects of an array, or the key and
// value objects of a dictionary, and fills them.
func (e *bosEncoder) children(r Ref, slot int) error {
	m := e.v.mem
	var elems []Ref
	if r.BType() == TDictionary {
		for i := m.DictFirst(r); ; {
			var k, v Ref
			var ok bool
			if i, k, v, ok = m.DictNext(r, i); !ok {
				break
			}
			elems = append(elems, k, v)
		}
	} else {
		elems = m.ArrayElems(r)
	}
	first := len(e.objs)
	e.order.PutUint32(e.objs[slot+4:], uint32(first))
	e.objs = append(e.objs, make([]byte, len(elems)*bosObjSize)...)
	if len(e.objs) > 1<<24 {
		return ErrLimitCheck
	}
	for i, el := range elems {
		if err := e.put(first+i*bosObjSize, el, 1); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Name encodings
// ---------------------------------------------------------------------------

// systemName returns the literal name with the given system name index.
func (v *VM) systemName(i int) (Ref, error) {
	if i < 0 || i >= len(systemNames) {
		return Ref{}, ErrUndefined
	}
	return v.mem.names.Ref(systemNames[i])
}

// userName returns the literal name defined by defineusername for i.
func (v *VM) userName(i int) (Ref, error) {
	if i < 0 || i >= len(v.userNames) || !v.userNames[i].IsValid() {
		return Ref{}, ErrUndefined
	}
	return v.userNames[i], nil
}

// defineUserName binds user name index i to name.
func (v *VM) defineUserName(i int, name Ref) error {
	if i < 0 || i > maxUserName {
		return ErrRangeCheck
	}
	for len(v.userNames) <= i {
		v.userNames = append(v.userNames, Ref{})
	}
	v.userNames[i] = name.Cvlit()
	return nil
}

const maxUserName = 1<<16 - 2

// systemNames is the system name table for encoded names.
var systemNames = []string{
	"abs", "add", "aload", "anchorsearch", "and", "arc", "arcn", "arct", "arcto", "array",
	"ashow", "astore", "awidthshow", "begin", "bind", "bitshift", "ceiling", "charpath", "clear", "cleartomark",
	"clip", "clippath", "closepath", "concat", "concatmatrix", "copy", "copypage", "cos", "count", "countdictstack",
	"countexecstack", "counttomark", "currentcmykcolor", "currentdash", "currentdict", "currentfile", "currentfont", "currentgray", "currentgstate", "currenthsbcolor",
	"currentlinecap", "currentlinejoin", "currentlinewidth", "currentmatrix", "currentpoint", "currentrgbcolor", "currentshared", "curveto", "cvi", "cvlit",
	"cvn", "cvr", "cvrs", "cvs", "cvx", "def", "defineusername", "dict", "div", "dtransform",
	"dup", "end", "eoclip", "eofill", "eq", "exch", "exec", "exit", "file", "fill",
	"findfont", "flattenpath", "floor", "flush", "flushfile", "for", "forall", "ge", "get", "getinterval",
	"grestore", "gsave", "gstate", "gt", "identmatrix", "idiv", "idtransform", "if", "ifelse", "image",
	"imagemask", "index", "ineofill", "infill", "initviewclip", "inueofill", "inufill", "invertmatrix", "itransform", "known",
	"le", "length", "lineto", "load", "loop", "lt", "makefont", "matrix", "maxlength", "mod",
	"moveto", "mul", "ne", "neg", "newpath", "not", "null", "or", "pathbbox", "pathforall",
	"pop", "print", "printobject", "put", "putinterval", "rcurveto", "read", "readhexstring", "readline", "readstring",
	"rectclip", "rectfill", "rectstroke", "rectviewclip", "repeat", "restore", "rlineto", "rmoveto", "roll", "rotate",
	"round", "save", "scale", "scalefont", "search", "selectfont", "setbbox", "setcachedevice", "setcachedevice2", "setcharwidth",
	"setcmykcolor", "setdash", "setfont", "setgray", "setgstate", "sethsbcolor", "setlinecap", "setlinejoin", "setlinewidth", "setmatrix",
	"setrgbcolor", "setshared", "shareddict", "show", "showpage", "stop", "stopped", "store", "string", "stringwidth",
	"stroke", "strokepath", "sub", "systemdict", "token", "transform", "translate", "truncate", "type", "uappend",
	"ucache", "ueofill", "ufill", "undef", "upath", "userdict", "ustroke", "viewclip", "viewclippath", "where",
	"widthshow", "write", "writehexstring", "writeobject", "writestring", "wtranslation", "xor", "xshow", "xyshow", "yshow",
	"FontDirectory", "SharedFontDirectory", "Courier", "Courier-Bold", "Courier-BoldOblique", "Courier-Oblique", "Helvetica", "Helvetica-Bold", "Helvetica-BoldOblique", "Helvetica-Oblique",
	"Symbol", "Times-Bold", "Times-BoldItalic", "Times-Italic", "Times-Roman", "execuserobject", "currentcolor", "currentcolorspace", "currentglobal", "execform",
	"filter", "findresource", "globaldict", "makepattern", "setcolor", "setcolorspace", "setglobal", "setpagedevice", "setpattern",
}
