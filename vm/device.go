package vm

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Output device callbacks
// ---------------------------------------------------------------------------

// Device is the backend the page operators talk to. Parameters cross the
// boundary as plain Go values: int64, float64, bool, string, []any,
// map[string]any and nil.
type Device interface {
	Name() string
	PutParams(params map[string]any) error
	GetParams() map[string]any
	// ShowPage emits the current page; erase is false for copypage.
	ShowPage(erase bool) error
}

// NullDevice accepts any parameters and counts pages.
type NullDevice struct {
	params map[string]any
	Pages  int
}

// NewNullDevice returns a null device with a US Letter page.
func NewNullDevice() *NullDevice {
	return &NullDevice{params: map[string]any{
		"PageSize":     []any{612.0, 792.0},
		"HWResolution": []any{72.0, 72.0},
	}}
}

func (d *NullDevice) Name() string { return "nullpage" }

func (d *NullDevice) PutParams(params map[string]any) error {
	for k, v := range params {
		d.params[k] = v
	}
	return nil
}

func (d *NullDevice) GetParams() map[string]any {
	out := make(map[string]any, len(d.params))
	for k, v := range d.params {
		out[k] = v
	}
	return out
}

func (d *NullDevice) ShowPage(erase bool) error {
	d.Pages++
	return nil
}

type deviceHolder struct {
	dev Device
}

var deviceStructType = &StructType{Name: "device", Size: 32, Type: TDevice}

var deviceOps = []OpDef{
	{"1setpagedevice", opSetPageDevice},
	{"0currentpagedevice", opCurrentPageDevice},
	{"0showpage", opShowPage},
	{"0copypage", opCopyPage},
	{"0currentdevice", opCurrentDevice},
}

// deviceError maps a device failure to a PostScript error.
func deviceError(err error) error {
	if ec, ok := err.(ErrorCode); ok && ec.IsPostScript() {
		return ec
	}
	vmLog.Warningf("device: %s", err)
	return ErrConfigurationError
}

func opSetPageDevice(c *Context) error {
	d, err := c.dictArg(0)
	if err != nil {
		return err
	}
	if err := c.readable(d); err != nil {
		return err
	}
	params, err := c.vm.DictToMap(d)
	if err != nil {
		return err
	}
	if err := c.vm.device.PutParams(params); err != nil {
		return deviceError(err)
	}
	c.vm.pageCount = 0
	c.pop(1)
	return nil
}

func opCurrentPageDevice(c *Context) error {
	if err := c.room(1); err != nil {
		return err
	}
	d, err := c.vm.MapToDict(c.vm.device.GetParams())
	if err != nil {
		return err
	}
	c.push(d)
	return nil
}

func opShowPage(c *Context) error { return c.endPage(0, true) }

func opCopyPage(c *Context) error { return c.endPage(1, false) }

// endPage transmits the current page. When EndPage is defined as a
// procedure it runs first, with the showpage count and the reason (0 for
// showpage, 1 for copypage), and the page goes out only if it returns
// true. The operator is retried once the procedure has run.
func (c *Context) endPage(reason int64, erase bool) error {
	if c.pageWait && c.e.Count() == c.pageDepth {
		c.pageWait = false
		if err := c.need(1); err != nil {
			return err
		}
		emit, err := c.boolArg(0)
		if err != nil {
			return err
		}
		c.pop(1)
		c.countPage(erase)
		if !emit {
			return nil
		}
		return c.transmit(erase)
	}
	c.pageWait = false
	proc, ok := c.Lookup("EndPage")
	if !ok || !proc.IsProc() {
		c.countPage(erase)
		return c.transmit(erase)
	}
	if err := c.room(2); err != nil {
		return err
	}
	if err := c.e.Need(2); err != nil {
		return err
	}
	depth := c.e.Count()
	c.e.Push(proc)
	c.push(MakeInt(c.vm.pageCount))
	c.push(MakeInt(reason))
	c.pageWait, c.pageDepth = true, depth
	return InsertProc
}

func (c *Context) countPage(erase bool) {
	if erase {
		c.vm.pageCount++
	}
}

func (c *Context) transmit(erase bool) error {
	if err := c.vm.device.ShowPage(erase); err != nil {
		return deviceError(err)
	}
	return nil
}

func opCurrentDevice(c *Context) error {
	if !c.vm.devRef.IsValid() {
		return ErrUndefined
	}
	return c.pushRef(c.vm.devRef)
}

// ---------------------------------------------------------------------------
// Parameter conversion
// ---------------------------------------------------------------------------

const maxParamDepth = 10

// DictToMap converts a parameter dictionary to Go values. Keys that are
// neither names nor strings are skipped.
func (v *VM) DictToMap(d Ref) (map[string]any, error) {
	return v.dictToMap(d, 0)
}

func (v *VM) dictToMap(d Ref, depth int) (map[string]any, error) {
	if depth > maxParamDepth {
		return nil, ErrLimitCheck
	}
	out := make(map[string]any)
	m := v.mem
	for i := m.DictFirst(d); ; {
		next, k, val, ok := m.DictNext(d, i)
		if !ok {
			break
		}
		i = next
		key, ok := m.textOf(k)
		if !ok {
			continue
		}
		gv, err := v.goValue(val, depth)
		if err != nil {
			return nil, err
		}
		out[string(key)] = gv
	}
	return out, nil
}

func (v *VM) goValue(r Ref, depth int) (any, error) {
	switch r.BType() {
	case TInteger:
		return r.Int(), nil
	case TReal:
		return r.Real(), nil
	case TBoolean:
		return r.Bool(), nil
	case TNull:
		return nil, nil
	case TString, TName:
		b, _ := v.mem.textOf(r)
		return string(b), nil
	case TArray, TMixedArray, TShortArray:
		if depth > maxParamDepth {
			return nil, ErrLimitCheck
		}
		elems := v.mem.ArrayElems(r)
		out := make([]any, len(elems))
		for i, e := range elems {
			gv, err := v.goValue(e, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = gv
		}
		return out, nil
	case TDictionary:
		return v.dictToMap(r, depth+1)
	}
	return v.cvs(r, true), nil
}

// MapToDict builds a dictionary in the current space from Go values.
func (v *VM) MapToDict(params map[string]any) (Ref, error) {
	return v.mapToDict(params, 0)
}

func (v *VM) mapToDict(params map[string]any, depth int) (Ref, error) {
	if depth > maxParamDepth {
		return Ref{}, ErrLimitCheck
	}
	d, err := v.mem.NewDict(v.mem.current, len(params))
	if err != nil {
		return Ref{}, err
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key, err := v.mem.names.Ref(k)
		if err != nil {
			return Ref{}, err
		}
		val, err := v.psValue(params[k], depth)
		if err != nil {
			return Ref{}, err
		}
		if _, err := v.mem.DictPut(d, key, val); err != nil {
			return Ref{}, err
		}
	}
	return d, nil
}

func (v *VM) psValue(x any, depth int) (Ref, error) {
	switch x := x.(type) {
	case nil:
		return MakeNull(), nil
	case bool:
		return MakeBool(x), nil
	case int:
		return intResult(int64(x)), nil
	case int64:
		return intResult(x), nil
	case float64:
		return makeReal(x), nil
	case string:
		return v.mem.NewString(x)
	case []any:
		a, err := v.mem.AllocArray(v.mem.current, len(x))
		if err != nil {
			return Ref{}, err
		}
		for i, e := range x {
			r, err := v.psValue(e, depth+1)
			if err != nil {
				return Ref{}, err
			}
			if err := v.mem.PutElem(a, i, r); err != nil {
				return Ref{}, err
			}
		}
		return a, nil
	case map[string]any:
		return v.mapToDict(x, depth+1)
	}
	return v.mem.NewString(fmt.Sprint(x))
}
