package cot

import (
	"bytes"

	"github.com/c360/cotrelay/errors"
)

// DefaultMaxElementSize bounds a single buffered element.
const DefaultMaxElementSize = 1 << 20

// Frame is one top-level element cut from the stream. Exactly one of Event
// and Err is set. Raw holds the element bytes when they were captured.
type Frame struct {
	Event *Event
	Err   error
	Raw   []byte
}

// FramerOption configures a Framer.
type FramerOption func(*Framer)

// WithMaxElementSize caps the bytes buffered for one element. Larger elements
// are dropped with ErrElementTooLarge. Zero or negative disables the cap.
func WithMaxElementSize(n int) FramerOption {
	return func(f *Framer) { f.maxSize = n }
}

type lexState int

const (
	lexText lexState = iota
	lexLT
	lexBang
	lexComment
	lexCDATA
	lexPI
	lexDecl
	lexStartName
	lexTagBody
	lexQuote
	lexEndName
	lexEndTail
)

const eventOpen = "<event"

// Framer cuts a continuous CoT byte stream into top-level elements.
// State survives between Feed calls, so chunk boundaries may fall anywhere.
// A Framer is not safe for concurrent use; each session owns one.
type Framer struct {
	buf     []byte
	pos     int
	maxSize int

	lex       lexState
	resync    bool
	stack     []string
	name      []byte
	bang      []byte
	quote     byte
	selfClose bool
	marks     int

	elemStart   int
	markupStart int

	frames []Frame
}

// NewFramer creates a Framer.
func NewFramer(opts ...FramerOption) *Framer {
	f := &Framer{
		maxSize:     DefaultMaxElementSize,
		elemStart:   -1,
		markupStart: -1,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Feed appends chunk to the stream and returns the frames it completed, in
// stream order.
func (f *Framer) Feed(chunk []byte) []Frame {
	f.buf = append(f.buf, chunk...)
	f.frames = nil

	for f.pos < len(f.buf) {
		if f.resync {
			if !f.seekEvent() {
				break
			}
			continue
		}
		i := f.pos
		f.pos++
		f.step(f.buf[i], i)
	}

	f.compact()
	frames := f.frames
	f.frames = nil
	return frames
}

// Buffered returns the number of bytes held for incomplete elements.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset discards all buffered state.
func (f *Framer) Reset() {
	*f = Framer{maxSize: f.maxSize, elemStart: -1, markupStart: -1, buf: f.buf[:0]}
}

func (f *Framer) step(c byte, i int) {
	if f.maxSize > 0 {
		start := f.elemStart
		if start < 0 {
			start = f.markupStart
		}
		if start >= 0 && i-start+1 > f.maxSize {
			f.fail(errors.WrapInvalid(errors.ErrElementTooLarge, "cot", "Feed", "buffer element"), nil)
			f.enterResync(i + 1)
			return
		}
	}

	switch f.lex {
	case lexText:
		switch {
		case c == '<':
			f.markupStart = i
			f.lex = lexLT
		case len(f.stack) == 0 && !isSpace(c):
			f.fail(errors.WrapInvalid(errors.ErrStrayData, "cot", "Feed", "scan between elements"), nil)
			f.enterResync(i + 1)
		}

	case lexLT:
		switch {
		case c == '?':
			f.lex, f.marks = lexPI, 0
		case c == '!':
			f.lex, f.bang = lexBang, f.bang[:0]
		case c == '/':
			f.lex, f.name = lexEndName, f.name[:0]
		case isNameStart(c):
			f.lex, f.name = lexStartName, append(f.name[:0], c)
		default:
			f.corrupt(i, i+1, "start tag")
		}

	case lexBang:
		f.bang = append(f.bang, c)
		switch {
		case bytes.HasPrefix([]byte("--"), f.bang):
			if len(f.bang) == 2 {
				f.lex, f.marks = lexComment, 0
			}
		case bytes.HasPrefix([]byte("[CDATA["), f.bang):
			if len(f.bang) == 7 {
				f.lex, f.marks = lexCDATA, 0
			}
		case c == '>':
			f.endMarkup()
		default:
			f.lex = lexDecl
		}

	case lexComment, lexCDATA:
		term := byte('-')
		if f.lex == lexCDATA {
			term = ']'
		}
		switch {
		case c == term:
			f.marks = min(f.marks+1, 2)
		case c == '>' && f.marks == 2:
			f.endMarkup()
		default:
			f.marks = 0
		}

	case lexPI:
		switch {
		case c == '?':
			f.marks = 1
		case c == '>' && f.marks == 1:
			f.endMarkup()
		default:
			f.marks = 0
		}

	case lexDecl:
		if c == '>' {
			f.endMarkup()
		}

	case lexStartName:
		switch {
		case isNameChar(c):
			f.name = append(f.name, c)
		case isSpace(c) || c == '/' || c == '>':
			f.startName()
			f.lex = lexTagBody
			f.tagBody(c, i)
		case c == '<':
			f.corrupt(i, i, "start tag name")
		default:
			f.corrupt(i, i+1, "start tag name")
		}

	case lexTagBody:
		f.tagBody(c, i)

	case lexQuote:
		switch c {
		case f.quote:
			f.lex = lexTagBody
		case '<':
			f.corrupt(i, i, "attribute value")
		}

	case lexEndName:
		switch {
		case isNameChar(c):
			f.name = append(f.name, c)
		case isSpace(c):
			f.lex = lexEndTail
		case c == '>':
			f.endTag(i)
		case c == '<':
			f.corrupt(i, i, "end tag")
		default:
			f.corrupt(i, i+1, "end tag")
		}

	case lexEndTail:
		switch {
		case isSpace(c):
		case c == '>':
			f.endTag(i)
		case c == '<':
			f.corrupt(i, i, "end tag")
		default:
			f.corrupt(i, i+1, "end tag")
		}
	}
}

func (f *Framer) tagBody(c byte, i int) {
	switch c {
	case '"', '\'':
		f.quote = c
		f.lex = lexQuote
		f.selfClose = false
	case '>':
		f.startTag(i, f.selfClose)
	case '<':
		f.corrupt(i, i, "tag")
	default:
		f.selfClose = c == '/'
	}
}

// startName runs once the start tag name is known. A nested <event> means the
// enclosing element was cut short; it is abandoned and the new start tag
// opens a fresh element.
func (f *Framer) startName() {
	name := string(f.name)
	f.selfClose = false

	if len(f.stack) > 0 && name == "event" {
		f.fail(
			errors.WrapInvalid(errors.ErrIncompleteElement, "cot", "Feed", "element interrupted by <event>"),
			f.buf[f.elemStart:f.markupStart])
		f.stack = f.stack[:0]
	}
	if len(f.stack) == 0 {
		f.elemStart = f.markupStart
	}
}

func (f *Framer) startTag(i int, selfClose bool) {
	f.markupStart = -1
	f.lex = lexText
	if !selfClose {
		f.stack = append(f.stack, string(f.name))
	}
	if len(f.stack) == 0 {
		f.emit(i)
	}
}

func (f *Framer) endTag(i int) {
	name := string(f.name)
	f.markupStart = -1
	f.lex = lexText

	if len(f.stack) == 0 {
		f.fail(errors.WrapInvalid(errors.ErrStrayData, "cot", "Feed", "end tag </"+name+"> outside element"), nil)
		f.enterResync(i + 1)
		return
	}
	if top := f.stack[len(f.stack)-1]; top != name {
		f.corrupt(i, i+1, "end tag </"+name+"> for <"+top+">")
		return
	}

	f.stack = f.stack[:len(f.stack)-1]
	if len(f.stack) == 0 {
		f.emit(i)
	}
}

func (f *Framer) endMarkup() {
	f.lex = lexText
	f.markupStart = -1
}

// emit decodes the element that ends at i.
func (f *Framer) emit(i int) {
	raw := bytes.Clone(f.buf[f.elemStart : i+1])
	f.elemStart = -1

	ev, err := Decode(raw)
	if err != nil {
		f.frames = append(f.frames, Frame{Err: err, Raw: raw})
		return
	}
	f.frames = append(f.frames, Frame{Event: ev, Raw: raw})
}

func (f *Framer) fail(err error, raw []byte) {
	f.frames = append(f.frames, Frame{Err: err, Raw: bytes.Clone(raw)})
}

// corrupt abandons the current element and resynchronizes from resume.
func (f *Framer) corrupt(i, resume int, what string) {
	var raw []byte
	if f.elemStart >= 0 {
		raw = f.buf[f.elemStart:i]
	}
	f.fail(errors.WrapInvalid(errors.ErrParsingFailed, "cot", "Feed", "malformed "+what), raw)
	f.enterResync(resume)
}

func (f *Framer) enterResync(from int) {
	f.resync = true
	f.pos = from
	f.stack = f.stack[:0]
	f.elemStart = -1
	f.markupStart = -1
	f.lex = lexText
}

// seekEvent advances pos to the next "<event" start token. It reports false
// when more input is needed.
func (f *Framer) seekEvent() bool {
	for {
		rest := f.buf[f.pos:]
		j := bytes.Index(rest, []byte(eventOpen))
		if j < 0 {
			// keep a possible partial match at the tail
			if keep := len(eventOpen) - 1; len(rest) > keep {
				f.pos += len(rest) - keep
			}
			return false
		}

		k := j + len(eventOpen)
		if k >= len(rest) {
			f.pos += j
			return false
		}
		if d := rest[k]; isSpace(d) || d == '>' || d == '/' {
			f.pos += j
			f.resync = false
			return true
		}
		f.pos += j + 1
	}
}

func (f *Framer) compact() {
	keep := f.pos
	if f.elemStart >= 0 && f.elemStart < keep {
		keep = f.elemStart
	}
	if f.markupStart >= 0 && f.markupStart < keep {
		keep = f.markupStart
	}
	if keep == 0 {
		return
	}

	n := copy(f.buf, f.buf[keep:])
	f.buf = f.buf[:n]
	f.pos -= keep
	if f.elemStart >= 0 {
		f.elemStart -= keep
	}
	if f.markupStart >= 0 {
		f.markupStart -= keep
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isNameStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' || c == ':' || c >= 0x80
}

func isNameChar(c byte) bool {
	return isNameStart(c) || c >= '0' && c <= '9' || c == '-' || c == '.'
}
