// Package serverrun exposes the Run entrypoint used by the CLI to start the
// mev runtime with its gRPC, HTTP and LMTP listeners, handling lifecycle and
// shutdown.
//
// Example:
//
//	opts := serverrun.Options{DataDir: "./data", GRPCAddr: ":50051", HTTPAddr: ":8080", Config: config.Default()}
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	_ = serverrun.Run(ctx, opts)
package serverrun
