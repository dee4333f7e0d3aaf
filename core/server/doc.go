// Package server runs the HTTP endpoint that exposes metrics and health
// probes next to the queue service, with graceful shutdown.
//
//	srv, err := server.NewFromConfig(cfg, server.WithLogger(log))
//	if err != nil {
//		return err
//	}
//	g.Go(srv.Run(ctx, mux))
//
// Run returns nil on context cancellation after a graceful Shutdown bounded
// by the configured timeout.
package server
