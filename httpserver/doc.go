/*
Package httpserver runs the HTTP front end of the attestation service.

A Server mounts the routes of one or more RouteRegistrar handlers next to the
operational endpoints:

	GET /livez      liveness
	GET /readyz     readiness, 503 while draining
	GET /drain      mark the instance not ready
	GET /undrain    mark the instance ready again
	/debug/pprof    profiling, when enabled

Prometheus metrics are served on a separate listener when a metrics address
is configured.
*/
package httpserver
