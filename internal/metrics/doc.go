// Package metrics exposes Prometheus collectors for the inbox pipeline.
package metrics
