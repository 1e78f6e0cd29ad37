package cot

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"
	"time"
)

// Kind discriminates Detail variants.
type Kind int

const (
	KindNone Kind = iota
	KindOpaque
	KindPosition
	KindChat
)

// String returns the kind name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindOpaque:
		return "opaque"
	case KindPosition:
		return "position"
	case KindChat:
		return "chat"
	default:
		return "none"
	}
}

// Detail is the payload of an event. The set of variants is closed:
// *Position, *Chat and *Opaque.
type Detail interface {
	Kind() Kind
	encodeInner(w *writer)
}

// ChatTypePrefix marks GeoChat events.
const ChatTypePrefix = "b-t-f"

// AllChatRooms is the chatroom name ATAK uses for room-wide messages.
const AllChatRooms = "All Chat Rooms"

// Position is the identity detail announced periodically by every client.
type Position struct {
	Callsign string
	Endpoint string
	// Marker is the event type of the announcing event. It is not encoded
	// inside the detail.
	Marker string
	Group  *Group
	Device Device
	Droid  string
	// Extra holds unrecognized children byte-for-byte.
	Extra []byte

	// received is the detail this value was decoded from. It is written
	// back unchanged while the fields still equal decoded.
	received []byte
	decoded  positionFields
}

type positionFields struct {
	callsign, endpoint, droid string
	hasGroup                  bool
	group                     Group
	device                    Device
	extra                     string
}

func (p *Position) fields() positionFields {
	f := positionFields{
		callsign: p.Callsign,
		endpoint: p.Endpoint,
		droid:    p.Droid,
		device:   p.Device,
		extra:    string(p.Extra),
	}
	if p.Group != nil {
		f.hasGroup, f.group = true, *p.Group
	}
	return f
}

// Group is the team affiliation.
type Group struct {
	Name string
	Role string
}

// Device identifies the client software (takv).
type Device struct {
	Device   string
	Platform string
	OS       string
	Version  string
}

// Kind implements Detail.
func (*Position) Kind() Kind { return KindPosition }

// Chat is a GeoChat message.
type Chat struct {
	ID            string
	SrcUID        string
	SrcCallsign   string
	SrcMarker     string
	DstUID        string // empty for room-wide messages
	Chatroom      string
	ChatParent    string
	GroupOwner    bool
	MessageID     string
	Message       string
	MessageTS     time.Time
	RemarksSource string
	Extra         []byte

	received []byte
	decoded  chatFields
}

type chatFields struct {
	id, srcUID, srcCallsign, srcMarker, dstUID string
	chatroom, chatParent, messageID, message   string
	groupOwner                                 bool
	messageTS                                  int64
	hasTS                                      bool
	remarksSource, extra                       string
}

func (c *Chat) fields() chatFields {
	f := chatFields{
		id:            c.ID,
		srcUID:        c.SrcUID,
		srcCallsign:   c.SrcCallsign,
		srcMarker:     c.SrcMarker,
		dstUID:        c.DstUID,
		chatroom:      c.Chatroom,
		chatParent:    c.ChatParent,
		messageID:     c.MessageID,
		message:       c.Message,
		groupOwner:    c.GroupOwner,
		remarksSource: c.RemarksSource,
		extra:         string(c.Extra),
	}
	if !c.MessageTS.IsZero() {
		f.hasTS, f.messageTS = true, c.MessageTS.UnixNano()
	}
	return f
}

// Kind implements Detail.
func (*Chat) Kind() Kind { return KindChat }

// Opaque is any detail the relay does not interpret. Raw holds the bytes
// between <detail> and </detail>.
type Opaque struct {
	Raw []byte
}

// Kind implements Detail.
func (*Opaque) Kind() Kind { return KindOpaque }

// child is one element directly under <detail>.
type child struct {
	name string
	raw  []byte
}

func findChild(children []child, name string) *child {
	for i := range children {
		if children[i].name == name {
			return &children[i]
		}
	}
	return nil
}

// classifyDetail picks the variant for a parsed detail. Variant decode
// failures fall back to Opaque. Recognized variants keep inner so that
// attributes and children outside the model survive a relay.
func classifyDetail(eventType string, inner []byte, children []child) Detail {
	if strings.HasPrefix(eventType, ChatTypePrefix) && findChild(children, "__chat") != nil {
		if c, err := decodeChat(children); err == nil {
			c.received = bytes.Clone(inner)
			c.decoded = c.fields()
			return c
		}
	} else if findChild(children, "takv") != nil && findChild(children, "contact") != nil {
		if p, err := decodePosition(eventType, children); err == nil && p.Callsign != "" {
			p.received = bytes.Clone(inner)
			p.decoded = p.fields()
			return p
		}
	}

	if len(inner) == 0 {
		return &Opaque{}
	}
	return &Opaque{Raw: append([]byte(nil), inner...)}
}

type xmlTakv struct {
	Device   string `xml:"device,attr"`
	Platform string `xml:"platform,attr"`
	OS       string `xml:"os,attr"`
	Version  string `xml:"version,attr"`
}

type xmlContact struct {
	Callsign string `xml:"callsign,attr"`
	Endpoint string `xml:"endpoint,attr"`
}

type xmlDroid struct {
	Droid string `xml:"Droid,attr"`
}

type xmlGroup struct {
	Name string `xml:"name,attr"`
	Role string `xml:"role,attr"`
}

func decodePosition(eventType string, children []child) (*Position, error) {
	p := &Position{Marker: eventType}

	for _, c := range children {
		switch c.name {
		case "takv":
			var v xmlTakv
			if err := xml.Unmarshal(c.raw, &v); err != nil {
				return nil, err
			}
			p.Device = Device{Device: v.Device, Platform: v.Platform, OS: v.OS, Version: v.Version}
		case "contact":
			var v xmlContact
			if err := xml.Unmarshal(c.raw, &v); err != nil {
				return nil, err
			}
			p.Callsign, p.Endpoint = v.Callsign, v.Endpoint
		case "uid":
			var v xmlDroid
			if err := xml.Unmarshal(c.raw, &v); err != nil {
				return nil, err
			}
			p.Droid = v.Droid
		case "__group":
			var v xmlGroup
			if err := xml.Unmarshal(c.raw, &v); err != nil {
				return nil, err
			}
			p.Group = &Group{Name: v.Name, Role: v.Role}
		default:
			p.Extra = append(p.Extra, c.raw...)
		}
	}
	return p, nil
}

func (p *Position) encodeInner(w *writer) {
	if p.received != nil && p.fields() == p.decoded {
		w.raw(p.received)
		return
	}

	d := p.Device
	w.open("takv", "device", d.Device, "platform", d.Platform, "os", d.OS, "version", d.Version)
	w.closeEmpty()
	w.open("contact", "callsign", p.Callsign)
	if p.Endpoint != "" {
		w.attr("endpoint", p.Endpoint)
	}
	w.closeEmpty()
	if p.Droid != "" {
		w.open("uid", "Droid", p.Droid)
		w.closeEmpty()
	}
	if g := p.Group; g != nil {
		w.open("__group", "name", g.Name, "role", g.Role)
		w.closeEmpty()
	}
	w.raw(p.Extra)
}

type xmlChat struct {
	ID             string      `xml:"id,attr"`
	Parent         string      `xml:"parent,attr"`
	GroupOwner     string      `xml:"groupOwner,attr"`
	Chatroom       string      `xml:"chatroom,attr"`
	SenderCallsign string      `xml:"senderCallsign,attr"`
	MessageID      string      `xml:"messageId,attr"`
	Group          *xmlChatGrp `xml:"chatgrp"`
}

type xmlChatGrp struct {
	UID0 string `xml:"uid0,attr"`
	UID1 string `xml:"uid1,attr"`
	ID   string `xml:"id,attr"`
}

type xmlLink struct {
	UID  string `xml:"uid,attr"`
	Type string `xml:"type,attr"`
}

type xmlRemarks struct {
	Source string `xml:"source,attr"`
	To     string `xml:"to,attr"`
	Time   string `xml:"time,attr"`
	Text   string `xml:",chardata"`
}

func decodeChat(children []child) (*Chat, error) {
	c := &Chat{}
	var grpDst, remarksDst, linkUID string

	for _, ch := range children {
		switch ch.name {
		case "__chat":
			var v xmlChat
			if err := xml.Unmarshal(ch.raw, &v); err != nil {
				return nil, err
			}
			c.ID = v.ID
			c.ChatParent = v.Parent
			c.Chatroom = v.Chatroom
			c.SrcCallsign = v.SenderCallsign
			c.MessageID = v.MessageID
			c.GroupOwner, _ = strconv.ParseBool(v.GroupOwner)
			if v.Group != nil {
				c.SrcUID = v.Group.UID0
				grpDst = v.Group.UID1
			}
		case "link":
			var v xmlLink
			if err := xml.Unmarshal(ch.raw, &v); err != nil {
				return nil, err
			}
			linkUID = v.UID
			c.SrcMarker = v.Type
		case "remarks":
			var v xmlRemarks
			if err := xml.Unmarshal(ch.raw, &v); err != nil {
				return nil, err
			}
			c.Message = v.Text
			c.RemarksSource = v.Source
			remarksDst = v.To
			if v.Time != "" {
				ts, err := ParseTime(v.Time)
				if err != nil {
					return nil, err
				}
				c.MessageTS = ts
			}
		default:
			c.Extra = append(c.Extra, ch.raw...)
		}
	}

	if c.SrcUID == "" {
		c.SrcUID = linkUID
	}
	c.DstUID = grpDst
	if c.DstUID == "" {
		c.DstUID = remarksDst
	}
	if c.DstUID == AllChatRooms || c.Chatroom == AllChatRooms {
		c.DstUID = ""
	}
	return c, nil
}

// roomDst is the destination written on the wire: the peer uid, or the room
// name for room-wide messages.
func (c *Chat) roomDst() string {
	if c.DstUID == "" && c.Chatroom == AllChatRooms {
		return AllChatRooms
	}
	return c.DstUID
}

func (c *Chat) encodeInner(w *writer) {
	if c.received != nil && c.fields() == c.decoded {
		w.raw(c.received)
		return
	}

	dst := c.roomDst()
	w.open("__chat",
		"parent", c.ChatParent,
		"groupOwner", strconv.FormatBool(c.GroupOwner),
		"chatroom", c.Chatroom,
		"id", c.ID,
		"senderCallsign", c.SrcCallsign)
	if c.MessageID != "" {
		w.attr("messageId", c.MessageID)
	}
	w.closeStart()
	w.open("chatgrp", "uid0", c.SrcUID)
	if dst != "" {
		w.attr("uid1", dst)
	}
	w.attr("id", c.ID)
	w.closeEmpty()
	w.end("__chat")

	if c.SrcUID != "" {
		w.open("link", "uid", c.SrcUID)
		if c.SrcMarker != "" {
			w.attr("type", c.SrcMarker)
		}
		w.attr("relation", "p-p")
		w.closeEmpty()
	}

	w.open("remarks")
	if c.RemarksSource != "" {
		w.attr("source", c.RemarksSource)
	}
	if dst != "" {
		w.attr("to", dst)
	}
	if !c.MessageTS.IsZero() {
		w.attr("time", FormatTime(c.MessageTS))
	}
	w.closeStart()
	w.text(c.Message)
	w.end("remarks")

	w.raw(c.Extra)
}

func (o *Opaque) encodeInner(w *writer) {
	w.raw(o.Raw)
}
