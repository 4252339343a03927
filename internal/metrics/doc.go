// Package metrics defines the Prometheus instruments of the server and a
// collector that exports the stats registry.
package metrics
