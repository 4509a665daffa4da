// Package runtime wires storage, config and the event pipeline into a
// single-node mev instance. It owns the Pebble DB, the event store, the
// batching event logger with its sinks, the retry queue and redelivery loop,
// the message flag tracker and the analytics engine.
//
// Example:
//
//	rt, err := runtime.Open(runtime.Options{DataDir: "./data", Config: config.Default()})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close(context.Background())
//	_ = rt.Events().Log(event.NewSent("alice", 1, "alice@example.com", "bob@example.com", "", time.Now()))
//	_ = rt.CheckHealth(context.Background())
package runtime
