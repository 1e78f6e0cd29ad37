// Package worker provides a bounded generic worker pool.
//
// Submit never blocks: when the queue is full the item is dropped and
// ErrQueueFull is returned, so a producer such as a socket read loop keeps
// draining its source under overload. Statistics are always tracked; the
// Prometheus gauges and counters are registered only when a metrics registry
// is supplied.
//
//	pool, err := worker.NewPool(4, 1024, func(ctx context.Context, d datagram) error {
//		return handle(ctx, d)
//	}, worker.WithMetricsRegistry[datagram](registry, "udp_ingest"))
//	if err != nil {
//		return err
//	}
//	if err := pool.Start(ctx); err != nil {
//		return err
//	}
//	defer pool.Stop(5 * time.Second)
package worker
