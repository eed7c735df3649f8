package vm

import "bytes"

// ---------------------------------------------------------------------------
// File operators
// ---------------------------------------------------------------------------

var fileOps = []OpDef{
	{"2file", opFile},
	{"0currentfile", opCurrentFile},
	{"1closefile", opCloseFile},
	{"1read", opRead},
	{"2readstring", opReadString},
	{"2readline", opReadLine},
	{"1bytesavailable", opBytesAvailable},
	{"2write", opWrite},
	{"2writestring", opWriteString},
	{"0flush", opFlush},
	{"1flushfile", opFlushFile},
	{"1token", opToken},
	{"1run", opRun},
}

func (c *Context) fileArg(i int, access uint16) (*Stream, error) {
	f := c.arg(i)
	if f.Type() != TFile {
		return nil, ErrTypeCheck
	}
	if !f.HasAccess(access) {
		return nil, ErrInvalidAccess
	}
	return c.vm.fileStream(f), nil
}

func (c *Context) stringArg(i int, access uint16) (Ref, error) {
	s := c.arg(i)
	if s.Type() != TString {
		return Ref{}, ErrTypeCheck
	}
	if !s.HasAccess(access) {
		return Ref{}, ErrInvalidAccess
	}
	return s, nil
}

// openFile opens a standard stream or, through Options.Open, a named
// file for reading.
func (c *Context) openFile(name string, mode string) (Ref, error) {
	v := c.vm
	switch name {
	case "%stdin":
		if mode != "r" {
			return Ref{}, ErrInvalidFileAccess
		}
		return v.newFile(v.stdin, false)
	case "%stdout", "%stderr":
		if mode != "w" && mode != "a" {
			return Ref{}, ErrInvalidFileAccess
		}
		return v.newFile(v.stdout, false)
	}
	if mode != "r" {
		return Ref{}, ErrInvalidFileAccess
	}
	if v.opts.Open == nil {
		return Ref{}, ErrUndefinedFilename
	}
	rc, err := v.opts.Open(name)
	if err != nil {
		vmLog.Debugf("open %s: %s", name, err)
		return Ref{}, ErrUndefinedFilename
	}
	return v.newFile(NewReaderStream(name, rc), true)
}

func opFile(c *Context) error {
	name, err := c.stringArg(1, ARead)
	if err != nil {
		return err
	}
	mode, err := c.stringArg(0, ARead)
	if err != nil {
		return err
	}
	f, err := c.openFile(string(c.mem.bytesOf(name)), string(c.mem.bytesOf(mode)))
	if err != nil {
		return err
	}
	c.pop(1)
	c.replace(0, f)
	return nil
}

// opCurrentFile returns the file being executed, or a closed file when
// there is none.
func opCurrentFile(c *Context) error {
	if err := c.room(1); err != nil {
		return err
	}
	for i := 0; i < c.e.Count(); i++ {
		r, _ := c.e.Index(i)
		if r.Type() == TFile && r.IsExec() {
			c.push(r.Cvlit())
			return nil
		}
	}
	s := NewStringStream("currentfile", nil)
	s.Close()
	f, err := c.vm.newFile(s, false)
	if err != nil {
		return err
	}
	c.push(f)
	return nil
}

// closeFile closes a file that owns its stream; closing one of the
// standard streams only ends its use by this file object.
func (v *VM) closeFile(f Ref) {
	fo := v.mem.structOf(f).(*fileObj)
	if fo.owned {
		fo.s.Close()
	}
}

func opCloseFile(c *Context) error {
	f := c.arg(0)
	if f.Type() != TFile {
		return ErrTypeCheck
	}
	c.vm.closeFile(f)
	c.pop(1)
	return nil
}

// streamResult maps a stream status that stopped a read to an error.
func streamResult(st StreamStatus, err error) error {
	switch {
	case err != nil:
		return ErrIOError
	case st == StreamNeedInput:
		return ErrNeedInput
	}
	return nil
}

func opRead(c *Context) error {
	s, err := c.fileArg(0, ARead)
	if err != nil {
		return err
	}
	if err := c.room(1); err != nil {
		return err
	}
	b, st, err := s.ReadByte()
	if st != StreamOK || err != nil {
		if err := streamResult(st, err); err != nil {
			return err
		}
		c.vm.closeFile(c.arg(0))
		c.replace(0, MakeBool(false))
		return nil
	}
	c.replace(0, MakeInt(int64(b)))
	c.push(MakeBool(true))
	return nil
}

// opReadString fills the string from the file. At end of file it returns
// the part that was filled and false.
func opReadString(c *Context) error {
	s, err := c.fileArg(1, ARead)
	if err != nil {
		return err
	}
	str, err := c.stringArg(0, AWrite)
	if err != nil {
		return err
	}
	if str.Size() == 0 {
		return ErrRangeCheck
	}
	st, err := s.ensure(str.Size())
	if err := streamResult(st, err); err != nil {
		return err
	}
	n := copy(c.mem.bytesOf(str), s.buf[s.pos:])
	s.pos += n
	c.pop(1)
	c.replace(0, str.offset(0, n))
	c.push(MakeBool(n == str.Size()))
	return nil
}

// opReadLine reads up to an end of line (LF, CR or CRLF), which is
// consumed but not stored.
func opReadLine(c *Context) error {
	s, err := c.fileArg(1, ARead)
	if err != nil {
		return err
	}
	str, err := c.stringArg(0, AWrite)
	if err != nil {
		return err
	}
	for {
		data := s.buf[s.pos:]
		i := bytes.IndexAny(data, "\r\n")
		// A CR at the end of the buffer may be the first half of a CRLF.
		if i >= 0 && (data[i] == '\n' || i+1 < len(data) || s.eof) {
			skip := 1
			if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
				skip = 2
			}
			return c.finishLine(s, str, data[:i], skip, true)
		}
		st, err := s.ensure(len(data) + 1)
		if st == StreamEOF && err == nil {
			if i >= 0 {
				continue
			}
			return c.finishLine(s, str, data, 0, false)
		}
		if err := streamResult(st, err); err != nil {
			return err
		}
	}
}

func (c *Context) finishLine(s *Stream, str Ref, line []byte, skip int, found bool) error {
	if len(line) > str.Size() {
		return ErrRangeCheck
	}
	copy(c.mem.bytesOf(str), line)
	s.pos += len(line) + skip
	c.pop(1)
	c.replace(0, str.offset(0, len(line)))
	c.push(MakeBool(found))
	return nil
}

func opBytesAvailable(c *Context) error {
	s, err := c.fileArg(0, ARead)
	if err != nil {
		return err
	}
	n := int64(s.Buffered())
	if s.Closed() || (n == 0 && s.eof) {
		n = -1
	}
	c.replace(0, MakeInt(n))
	return nil
}

func (c *Context) writeTo(s *Stream, p []byte) error {
	if _, err := s.Write(p); err != nil {
		if err == ErrInvalidAccess {
			return ErrInvalidAccess
		}
		return ErrIOError
	}
	return nil
}

func opWrite(c *Context) error {
	s, err := c.fileArg(1, AWrite)
	if err != nil {
		return err
	}
	b, err := c.intArg(0)
	if err != nil {
		return err
	}
	if err := c.writeTo(s, []byte{byte(b)}); err != nil {
		return err
	}
	c.pop(2)
	return nil
}

func opWriteString(c *Context) error {
	s, err := c.fileArg(1, AWrite)
	if err != nil {
		return err
	}
	str, err := c.stringArg(0, ARead)
	if err != nil {
		return err
	}
	if err := c.writeTo(s, c.mem.bytesOf(str)); err != nil {
		return err
	}
	c.pop(2)
	return nil
}

func opFlush(c *Context) error {
	if err := c.vm.stdout.Flush(); err != nil {
		return ErrIOError
	}
	return nil
}

// opFlushFile flushes an output file, or discards the buffered input of
// an input file.
func opFlushFile(c *Context) error {
	f := c.arg(0)
	if f.Type() != TFile {
		return ErrTypeCheck
	}
	s := c.vm.fileStream(f)
	if s.IsOutput() {
		if err := s.Flush(); err != nil {
			return ErrIOError
		}
	} else {
		s.pos = len(s.buf)
	}
	c.pop(1)
	return nil
}

// opToken scans one token from a string or a file.
func opToken(c *Context) error {
	src := c.arg(0)
	switch src.Type() {
	case TString:
		if !src.HasAccess(ARead) {
			return ErrInvalidAccess
		}
		if err := c.room(2); err != nil {
			return err
		}
		s := NewStringStream("token", c.mem.bytesOf(src))
		tok, st, _, err := c.scanToken(s)
		if err != nil {
			return err
		}
		if st != scanOK {
			c.replace(0, MakeBool(false))
			return nil
		}
		c.replace(0, src.offset(s.pos, src.Size()-s.pos))
		c.push(tok)
		c.push(MakeBool(true))
	case TFile:
		if !src.HasAccess(ARead) {
			return ErrInvalidAccess
		}
		if err := c.room(1); err != nil {
			return err
		}
		tok, st, _, err := c.scanToken(c.vm.fileStream(src))
		if err != nil {
			return err
		}
		switch st {
		case scanNeedInput:
			return ErrNeedInput
		case scanEOF:
			c.vm.closeFile(src)
			c.replace(0, MakeBool(false))
			return nil
		}
		c.replace(0, tok)
		c.push(MakeBool(true))
	default:
		return ErrTypeCheck
	}
	return nil
}

func opRun(c *Context) error {
	name, err := c.stringArg(0, ARead)
	if err != nil {
		return err
	}
	if err := c.e.Need(1); err != nil {
		return err
	}
	f, err := c.openFile(string(c.mem.bytesOf(name)), "r")
	if err != nil {
		return err
	}
	c.pop(1)
	return c.execProc(f.Cvx())
}
