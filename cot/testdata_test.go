package cot

import "strings"

const identXML = `<event version="2.0" uid="ANDROID-deadbeef" type="a-f-G-U-C" how="m-g" ` +
	`time="2020-12-04T18:21:22.447Z" start="2020-12-04T18:21:22.447Z" stale="2020-12-04T18:27:37.447Z">` +
	`<point lat="1.234567" lon="-3.141592" hae="-25.7" ce="9.9" le="9999999.0"/>` +
	`<detail>` +
	`<takv os="29" version="4.0.0.0 (deadbeef).1234567890-CIV" device="Some Android Device" platform="ATAK-CIV"/>` +
	`<contact xmppUsername="xmpp@host.com" endpoint="*:-1:stcp" callsign="JENNY"/>` +
	`<uid Droid="JENNY"/>` +
	`<precisionlocation altsrc="GPS" geopointsrc="GPS"/>` +
	`<__group role="Team Member" name="Cyan"/>` +
	`<status battery="78"/>` +
	`<track course="80.24833892285461" speed="0.0"/>` +
	`</detail></event>`

const identExtra = `<precisionlocation altsrc="GPS" geopointsrc="GPS"/>` +
	`<status battery="78"/>` +
	`<track course="80.24833892285461" speed="0.0"/>`

const chatXML = `<event version="2.0" uid="GeoChat.ANDROID-cafebabe.ANDROID-deadbeef.563040b9" type="b-t-f" how="h-g-i-g-o" ` +
	`time="2020-12-04T18:30:00.000Z" start="2020-12-04T18:30:00.000Z" stale="2020-12-05T18:30:00.000Z">` +
	`<point lat="0.0" lon="0.0" hae="9999999.0" ce="9999999.0" le="9999999.0"/>` +
	`<detail>` +
	`<__chat parent="RootContactGroup" groupOwner="false" chatroom="JENNY" id="ANDROID-deadbeef" senderCallsign="TESTCASE">` +
	`<chatgrp uid0="ANDROID-cafebabe" uid1="ANDROID-deadbeef" id="ANDROID-deadbeef"/>` +
	`</__chat>` +
	`<link uid="ANDROID-cafebabe" type="a-f-G-U-C" relation="p-p"/>` +
	`<remarks source="BAO.F.ATAK.ANDROID-cafebabe" to="ANDROID-deadbeef" time="2020-12-04T18:30:00.000Z">Hello world!</remarks>` +
	`<__serverdestination destinations="0.0.0.0:4242:tcp:ANDROID-cafebabe"/>` +
	`</detail></event>`

const allRoomsXML = `<event version="2.0" uid="GeoChat.ANDROID-cafebabe.All Chat Rooms.1" type="b-t-f" how="h-g-i-g-o" ` +
	`time="2020-12-04T18:30:00.000Z" start="2020-12-04T18:30:00.000Z" stale="2020-12-05T18:30:00.000Z">` +
	`<point lat="0" lon="0" hae="0" ce="0" le="0"/>` +
	`<detail>` +
	`<__chat parent="RootContactGroup" groupOwner="false" chatroom="All Chat Rooms" id="All Chat Rooms" senderCallsign="TESTCASE">` +
	`<chatgrp uid0="ANDROID-cafebabe" uid1="All Chat Rooms" id="All Chat Rooms"/>` +
	`</__chat>` +
	`<remarks source="BAO.F.ATAK.ANDROID-cafebabe" to="All Chat Rooms" time="2020-12-04T18:30:00.000Z">hi all</remarks>` +
	`</detail></event>`

const opaqueInner = `
    <shape><polyline closed="true"><vertex lat="1" lon="2" hae="0"/></polyline></shape>
    <remarks><![CDATA[a </event> inside CDATA & <stuff>]]></remarks>
    <!-- kept -->
  `

const opaqueXML = `<event version="2.0" uid="u-shape-1" type="u-d-f" how="h-e" access="Undefined" ` +
	`time="2020-12-04T18:30:00Z" start="2020-12-04T18:30:00Z" stale="2020-12-05T18:30:00Z">` +
	`<point lat="10.5" lon="20.25" hae="9999999.0" ce="9999999.0" le="9999999.0"/>` +
	`<detail>` + opaqueInner + `</detail>` +
	`<_flow-tags_ relay="node-1"/>` +
	`</event>`

// teamChatXML addresses three members and carries attributes the chat model
// does not cover.
const teamChatXML = `<event version="2.0" uid="GeoChat.A.Cyan.42" type="b-t-f" how="h-g-i-g-o" ` +
	`time="2020-12-04T18:30:00.123456Z" start="2020-12-04T18:30:00.123456Z" stale="2020-12-05T18:30:00.123456Z">` +
	`<point lat="0.0" lon="0.0" hae="9999999.0" ce="9999999.0" le="9999999.0"/>` +
	`<detail>` +
	`<__chat parent="TeamGroups" groupOwner="false" chatroom="Cyan" id="Cyan" senderCallsign="ALPHA" messageId="42">` +
	`<chatgrp uid0="A" uid1="B" uid2="C" id="Cyan"/>` +
	`</__chat>` +
	`<link uid="A" type="a-f-G-U-C" relation="p-p" production_time="2020-12-04T18:30:00.123Z"/>` +
	`<remarks source="BAO.F.ATAK.A" time="2020-12-04T18:30:00.123456Z">team &amp; all</remarks>` +
	`</detail></event>`

// detailOf returns the bytes between <detail> and </detail>.
func detailOf(doc string) string {
	start := strings.Index(doc, "<detail>") + len("<detail>")
	end := strings.LastIndex(doc, "</detail>")
	return doc[start:end]
}
