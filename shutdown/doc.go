// Package shutdown tears escrowd down in ordered phases.
//
// Handlers registered in the same phase run concurrently; phases run in
// ascending order. escrowd uses four phases:
//
//	PhaseTransport  stop accepting RPCs, drain in-flight requests
//	PhaseEvents     flush and close the event bus
//	PhaseStore      close the state store
//	PhaseTelemetry  flush buffered spans
//
// A lifecycle operation that already committed is durable regardless of
// where shutdown interrupts it; only its event publication can be lost.
//
// Usage:
//
//	coord := shutdown.New(10*time.Second, log)
//	ctx, stop := coord.HandleSignals(context.Background())
//	defer stop()
//
//	coord.RegisterFunc("store", shutdown.PhaseStore, func(context.Context) error {
//	    return store.Close()
//	})
//
//	serve(ctx) // returns once SIGINT or SIGTERM cancels ctx
//	err := coord.ShutdownWithTimeout()
package shutdown
