// Package health provides HTTP handlers for liveness and readiness probes.
//
//	mux.HandleFunc("/livez", health.Liveness)
//	mux.Handle("/readyz", health.Readiness(log, svc.Healthcheck, pg.Healthcheck(pool)))
//
// Dependency checks follow the func(context.Context) error signature shared by
// every Healthcheck helper in this module.
package health
