// Package api exposes the queue over HTTP: four routes for task
// lifecycle, one for stats, plus health/readiness/metrics. It holds no
// state of its own beyond a *queue.Repository reference.
package api
