// Package health runs liveness checks over transports, command backlogs and
// the Go runtime, and serves the aggregate as JSON.
package health
