package cot

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/c360/cotrelay/errors"
)

var requiredAttrs = []string{"uid", "type", "time", "start", "stale"}

// Decode parses one <event> element. Unknown attributes and elements are
// preserved; a missing required attribute or unparseable timestamp fails
// with ErrMalformedEvent, broken XML with ErrParsingFailed.
func Decode(data []byte) (*Event, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true

	root, err := firstElement(dec)
	if err != nil {
		return nil, errors.WrapInvalid(errors.Join(errors.ErrParsingFailed, err), "cot", "Decode", "read root element")
	}
	if root.Name.Local != "event" {
		return nil, errors.WrapInvalid(errors.ErrUnexpectedElement, "cot", "Decode", "root <"+root.Name.Local+">")
	}

	ev := &Event{Point: UnknownPoint()}
	seen := make(map[string]string, 7)
	for _, a := range root.Attr {
		if a.Name.Space == "" {
			switch a.Name.Local {
			case "version", "uid", "type", "how", "time", "start", "stale":
				seen[a.Name.Local] = a.Value
				continue
			}
		}
		ev.Attrs = append(ev.Attrs, a)
	}

	var missing []string
	for _, name := range requiredAttrs {
		if seen[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, errors.WrapInvalid(errors.ErrMalformedEvent, "cot", "Decode",
			"required attribute "+strings.Join(missing, ","))
	}

	ev.Version = seen["version"]
	ev.UID = seen["uid"]
	ev.Type = seen["type"]
	ev.How = seen["how"]
	if ev.Time, err = ParseTime(seen["time"]); err != nil {
		return nil, err
	}
	if ev.Start, err = ParseTime(seen["start"]); err != nil {
		return nil, err
	}
	if ev.Stale, err = ParseTime(seen["stale"]); err != nil {
		return nil, err
	}

	for {
		off := dec.InputOffset()
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.WrapInvalid(errors.Join(errors.ErrParsingFailed, err), "cot", "Decode", "read event body")
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "point":
				if err := decodePoint(dec, &t, &ev.Point); err != nil {
					return nil, err
				}
			case "detail":
				inner, children, err := readDetail(dec, data)
				if err != nil {
					return nil, errors.WrapInvalid(errors.Join(errors.ErrParsingFailed, err), "cot", "Decode", "read detail")
				}
				ev.Detail = classifyDetail(ev.Type, inner, children)
			default:
				if err := dec.Skip(); err != nil {
					return nil, errors.WrapInvalid(errors.Join(errors.ErrParsingFailed, err), "cot", "Decode", "skip element")
				}
				ev.Extra = append(ev.Extra, data[off:dec.InputOffset()]...)
			}
		case xml.EndElement:
			return ev, nil
		}
	}
}

// firstElement skips prolog tokens up to the first start element.
func firstElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

type xmlPoint struct {
	Lat string `xml:"lat,attr"`
	Lon string `xml:"lon,attr"`
	HAE string `xml:"hae,attr"`
	CE  string `xml:"ce,attr"`
	LE  string `xml:"le,attr"`
}

func decodePoint(dec *xml.Decoder, start *xml.StartElement, p *Point) error {
	var xp xmlPoint
	if err := dec.DecodeElement(&xp, start); err != nil {
		return errors.WrapInvalid(errors.Join(errors.ErrParsingFailed, err), "cot", "Decode", "read point")
	}

	fields := []struct {
		name string
		raw  string
		dst  *float64
		def  float64
	}{
		{"lat", xp.Lat, &p.Lat, 0},
		{"lon", xp.Lon, &p.Lon, 0},
		{"hae", xp.HAE, &p.HAE, UnknownValue},
		{"ce", xp.CE, &p.CE, UnknownValue},
		{"le", xp.LE, &p.LE, UnknownValue},
	}
	for _, f := range fields {
		if f.raw == "" {
			*f.dst = f.def
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(f.raw), 64)
		if err != nil {
			return errors.WrapInvalid(errors.ErrMalformedEvent, "cot", "Decode", "point "+f.name)
		}
		*f.dst = v
	}
	return nil
}

// readDetail consumes tokens up to </detail> and returns the inner bytes
// together with each direct child element's raw bytes.
func readDetail(dec *xml.Decoder, data []byte) ([]byte, []child, error) {
	start := dec.InputOffset()
	var children []child
	for {
		off := dec.InputOffset()
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if err := dec.Skip(); err != nil {
				return nil, nil, err
			}
			children = append(children, child{name: t.Name.Local, raw: data[off:dec.InputOffset()]})
		case xml.EndElement:
			return data[start:off], children, nil
		}
	}
}

// Encode renders ev as a single <event> element.
func Encode(ev *Event) ([]byte, error) {
	if ev == nil || ev.UID == "" || ev.Type == "" {
		return nil, errors.WrapInvalid(errors.ErrMalformedEvent, "cot", "Encode", "envelope uid and type")
	}

	version := ev.Version
	if version == "" {
		version = Version
	}

	w := &writer{}
	w.open("event",
		"version", version,
		"uid", ev.UID,
		"type", ev.Type,
		"how", ev.How,
		"time", FormatTime(ev.Time),
		"start", FormatTime(ev.Start),
		"stale", FormatTime(ev.Stale))
	writeEnvelopeAttrs(w, ev.Attrs)
	w.closeStart()

	w.open("point",
		"lat", formatFloat(ev.Point.Lat),
		"lon", formatFloat(ev.Point.Lon),
		"hae", formatFloat(ev.Point.HAE),
		"ce", formatFloat(ev.Point.CE),
		"le", formatFloat(ev.Point.LE))
	w.closeEmpty()

	if ev.Detail != nil {
		w.open("detail")
		w.closeStart()
		ev.Detail.encodeInner(w)
		w.end("detail")
	}
	w.raw(ev.Extra)
	w.end("event")

	return w.buf.Bytes(), nil
}

const xmlNamespaceURL = "http://www.w3.org/XML/1998/namespace"

// writeEnvelopeAttrs writes the preserved envelope attributes. The decoder
// reports a prefixed attribute by its namespace URL, so the prefix is taken
// back from the xmlns declarations kept alongside it. A URL with no
// declaration gets a generated prefix and is declared after the attributes.
func writeEnvelopeAttrs(w *writer, attrs []xml.Attr) {
	prefixes := map[string]string{xmlNamespaceURL: "xml"}
	used := map[string]bool{"xml": true}
	for _, a := range attrs {
		if a.Name.Space != "xmlns" {
			continue
		}
		used[a.Name.Local] = true
		if _, ok := prefixes[a.Value]; !ok {
			prefixes[a.Value] = a.Name.Local
		}
	}

	var declare []xml.Attr
	for _, a := range attrs {
		name := a.Name.Local
		switch space := a.Name.Space; space {
		case "":
		case "xmlns":
			name = "xmlns:" + name
		default:
			prefix, ok := prefixes[space]
			if !ok {
				for n := len(declare) + 1; ; n++ {
					prefix = "ns" + strconv.Itoa(n)
					if !used[prefix] {
						break
					}
				}
				used[prefix] = true
				prefixes[space] = prefix
				declare = append(declare, xml.Attr{Name: xml.Name{Space: "xmlns", Local: prefix}, Value: space})
			}
			name = prefix + ":" + name
		}
		w.attr(name, a.Value)
	}
	for _, d := range declare {
		w.attr("xmlns:"+d.Name.Local, d.Value)
	}
}

// MarshalCoT encodes the event.
func (e *Event) MarshalCoT() ([]byte, error) {
	return Encode(e)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) open(name string, kv ...string) {
	w.buf.WriteByte('<')
	w.buf.WriteString(name)
	for i := 0; i+1 < len(kv); i += 2 {
		w.attr(kv[i], kv[i+1])
	}
}

func (w *writer) attr(name, value string) {
	w.buf.WriteByte(' ')
	w.buf.WriteString(name)
	w.buf.WriteString(`="`)
	_ = xml.EscapeText(&w.buf, []byte(value))
	w.buf.WriteByte('"')
}

func (w *writer) closeStart() { w.buf.WriteByte('>') }

func (w *writer) closeEmpty() { w.buf.WriteString("/>") }

func (w *writer) end(name string) {
	w.buf.WriteString("</")
	w.buf.WriteString(name)
	w.buf.WriteByte('>')
}

func (w *writer) text(s string) { _ = xml.EscapeText(&w.buf, []byte(s)) }

func (w *writer) raw(b []byte) { w.buf.Write(b) }
