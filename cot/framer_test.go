package cot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cotrelay/errors"
)

const streamFixture = identXML + "\n  " + chatXML + "\r\n" + opaqueXML + "\n"

func feedChunks(f *Framer, chunks ...string) []Frame {
	var frames []Frame
	for _, c := range chunks {
		frames = append(frames, f.Feed([]byte(c))...)
	}
	return frames
}

func feedBytewise(f *Framer, s string) []Frame {
	var frames []Frame
	for i := 0; i < len(s); i++ {
		frames = append(frames, f.Feed([]byte{s[i]})...)
	}
	return frames
}

func eventsOf(frames []Frame) []*Event {
	var out []*Event
	for _, fr := range frames {
		if fr.Event != nil {
			out = append(out, fr.Event)
		}
	}
	return out
}

func uidsOf(frames []Frame) []string {
	var out []string
	for _, ev := range eventsOf(frames) {
		out = append(out, ev.UID)
	}
	return out
}

func errorsOf(frames []Frame) []error {
	var out []error
	for _, fr := range frames {
		if fr.Err != nil {
			out = append(out, fr.Err)
		}
	}
	return out
}

func TestFramer_WholeStream(t *testing.T) {
	frames := NewFramer().Feed([]byte(streamFixture))

	require.Len(t, frames, 3)
	assert.Empty(t, errorsOf(frames))
	assert.Equal(t, []string{
		"ANDROID-deadbeef",
		"GeoChat.ANDROID-cafebabe.ANDROID-deadbeef.563040b9",
		"u-shape-1",
	}, uidsOf(frames))
	assert.Equal(t, identXML, string(frames[0].Raw))
	assert.Equal(t, opaqueXML, string(frames[2].Raw))
}

func TestFramer_EverySplitPoint(t *testing.T) {
	want := eventsOf(NewFramer().Feed([]byte(streamFixture)))
	require.Len(t, want, 3)

	for i := 0; i <= len(streamFixture); i++ {
		f := NewFramer()
		frames := feedChunks(f, streamFixture[:i], streamFixture[i:])

		require.Empty(t, errorsOf(frames), "split at %d", i)
		require.Equal(t, want, eventsOf(frames), "split at %d", i)
		require.Zero(t, f.Buffered(), "split at %d", i)
	}
}

func TestFramer_ByteAtATime(t *testing.T) {
	want := eventsOf(NewFramer().Feed([]byte(streamFixture)))

	frames := feedBytewise(NewFramer(), streamFixture)
	assert.Empty(t, errorsOf(frames))
	assert.Equal(t, want, eventsOf(frames))
}

func TestFramer_SkipsPrologAndComments(t *testing.T) {
	stream := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n" +
		`<!-- an <event> in a comment is ignored -->` + "\n" +
		`<!DOCTYPE event>` + "\n" +
		identXML

	for name, frames := range map[string][]Frame{
		"whole":    NewFramer().Feed([]byte(stream)),
		"bytewise": feedBytewise(NewFramer(), stream),
	} {
		t.Run(name, func(t *testing.T) {
			assert.Empty(t, errorsOf(frames))
			assert.Equal(t, []string{"ANDROID-deadbeef"}, uidsOf(frames))
		})
	}
}

func TestFramer_CorruptElementBetweenValid(t *testing.T) {
	const header = `time="2020-12-04T18:21:22.447Z" start="2020-12-04T18:21:22.447Z" stale="2020-12-04T18:27:37.447Z"`

	tests := []struct {
		name    string
		corrupt string
		target  error
	}{
		{"mismatched end tag", `<event uid="bad" type="a-f" ` + header + `><detail><contact callsign="X"/></event>`, errors.ErrParsingFailed},
		{"truncated element", `<event uid="cut" type="a-f" ` + header + `><point lat="1"/><detail><contact callsign="X"/>`, errors.ErrIncompleteElement},
		{"tag opened inside attribute", `<event uid="oops`, errors.ErrParsingFailed},
		{"stray text", `this is not xml`, errors.ErrStrayData},
		{"stray end tag", `</event>`, errors.ErrStrayData},
		{"bad start tag", `<1abc>`, errors.ErrParsingFailed},
		{"missing uid", `<event type="a-f" ` + header + `><detail/></event>`, errors.ErrMalformedEvent},
		{"foreign element", `<foo><bar/></foo>`, errors.ErrUnexpectedElement},
	}

	wantUIDs := []string{"ANDROID-deadbeef", "GeoChat.ANDROID-cafebabe.ANDROID-deadbeef.563040b9"}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := identXML + "\n" + tt.corrupt + "\n" + chatXML

			whole := NewFramer().Feed([]byte(stream))
			assert.Equal(t, wantUIDs, uidsOf(whole))
			errs := errorsOf(whole)
			require.NotEmpty(t, errs)
			assert.ErrorIs(t, errs[0], tt.target)
			for _, err := range errs {
				assert.True(t, errors.IsInvalid(err))
			}

			bytewise := feedBytewise(NewFramer(), stream)
			assert.Equal(t, wantUIDs, uidsOf(bytewise))
			assert.Len(t, errorsOf(bytewise), len(errs))
		})
	}
}

func TestFramer_ElementTooLarge(t *testing.T) {
	big := `<event uid="big" type="a-f" time="2020-12-04T18:21:22Z" start="2020-12-04T18:21:22Z" stale="2020-12-04T18:27:37Z">` +
		`<detail><remarks>` + strings.Repeat("x", 4096) + `</remarks></detail></event>`

	f := NewFramer(WithMaxElementSize(len(identXML) + 100))
	frames := feedChunks(f, big[:1000], big[1000:]+"\n"+identXML)

	require.Len(t, frames, 2)
	assert.ErrorIs(t, frames[0].Err, errors.ErrElementTooLarge)
	require.NotNil(t, frames[1].Event)
	assert.Equal(t, "ANDROID-deadbeef", frames[1].Event.UID)
	assert.LessOrEqual(t, f.Buffered(), len(identXML)+100)
}

func TestFramer_UnlimitedElementSize(t *testing.T) {
	big := strings.Replace(opaqueXML, opaqueInner, strings.Repeat("<a/>", 1000), 1)
	frames := NewFramer(WithMaxElementSize(0)).Feed([]byte(big))
	require.Len(t, frames, 1)
	assert.NotNil(t, frames[0].Event)
}

func TestFramer_ResyncMatchSplitAcrossChunks(t *testing.T) {
	f := NewFramer()
	frames := feedChunks(f, "garbage<ev", identXML[3:])

	require.Len(t, frames, 2)
	assert.ErrorIs(t, frames[0].Err, errors.ErrStrayData)
	assert.Equal(t, "ANDROID-deadbeef", frames[1].Event.UID)
}

func TestFramer_ResyncIgnoresLookalikeNames(t *testing.T) {
	frames := NewFramer().Feed([]byte("junk <events/> <eventual> " + identXML))

	assert.Equal(t, []string{"ANDROID-deadbeef"}, uidsOf(frames))
	assert.Len(t, errorsOf(frames), 1)
}

func TestFramer_BuffersPartialElement(t *testing.T) {
	f := NewFramer()
	half := len(identXML) / 2

	assert.Empty(t, f.Feed([]byte(identXML[:half])))
	assert.Equal(t, half, f.Buffered())

	frames := f.Feed([]byte(identXML[half:] + "\n\n"))
	require.Len(t, frames, 1)
	assert.Zero(t, f.Buffered())

	f.Feed([]byte("<event uid="))
	f.Reset()
	assert.Zero(t, f.Buffered())
	assert.Equal(t, []string{"ANDROID-deadbeef"}, uidsOf(f.Feed([]byte(identXML))))
}

func TestFramer_SelfClosingEvent(t *testing.T) {
	stream := `<event uid="ping-1" type="t-x-c-t" how="h-g-i-g-o" time="2021-01-01T00:00:00Z" ` +
		`start="2021-01-01T00:00:00Z" stale="2021-01-01T00:00:20Z"/>` + identXML

	frames := NewFramer().Feed([]byte(stream))
	assert.Equal(t, []string{"ping-1", "ANDROID-deadbeef"}, uidsOf(frames))
}
