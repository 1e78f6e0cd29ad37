// Package retry provides exponential backoff with jitter for the relay's
// network setup: binding listeners, connecting to the NATS traffic mirror and
// pacing accept loops after temporary errors.
//
// Do and DoWithResult retry a call until it succeeds, the attempts run out,
// the context ends, or the call returns an error marked with NonRetryable:
//
//	ln, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (net.Listener, error) {
//	    return net.Listen("tcp", addr)
//	})
//
// A resolve failure cannot heal by waiting, so it stops the loop at once:
//
//	udpAddr, err := net.ResolveUDPAddr("udp", addr)
//	if err != nil {
//	    return nil, retry.NonRetryable(err)
//	}
//
// Background connects use Persistent and rely on ctx for shutdown:
//
//	err := retry.Do(ctx, retry.Persistent(), func() error {
//	    return nc.Connect(ctx)
//	})
//
// Backoff serves loops that never give up, such as accept. The owner calls
// Next after each failure and Reset after a success.
//
//	backoff := retry.NewBackoff(cfg)
//	for {
//	    conn, err := ln.Accept()
//	    if err != nil {
//	        time.Sleep(backoff.Next())
//	        continue
//	    }
//	    backoff.Reset()
//	    // serve conn
//	}
package retry
