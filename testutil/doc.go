// Package testutil provides fixtures and fakes shared by the relay's tests.
//
// Event builders return fully populated CoT events stamped with the current
// time so they pass the relay's time-order checks:
//
//	ev := testutil.IdentityEvent("ANDROID-1", "ALPHA")
//	data := testutil.MustEncode(t, ev)
//
// MockPublisher stands in for a NATS connection wherever code only needs to
// publish:
//
//	pub := testutil.NewMockPublisher()
//	sink, _ := trafficlog.NewNATSSink(pub, "cot.traffic", "node")
//	...
//	msgs := testutil.WaitForMessages(t, pub, 2, time.Second)
package testutil
