// Package scheduling provides background workers that run an action at scheduled instants.
//
// Worker owns one goroutine that sleeps until the earliest pending wake-up, runs its
// action once for every batch of wake-ups that have come due, and goes back to sleep.
// It never busy-waits: the loop blocks in a single select over shutdown, new schedules
// and the timer for the earliest deadline.
//
// DelayQueue builds on Worker to run arbitrary functions after a delay. It drives
// redelivery backoff and request timeouts in the messaging package.
package scheduling
