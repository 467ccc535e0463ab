// Package protocol defines the controller/worker contract: worker states, the
// commands the controller may issue, the events a worker emits, the Job
// description, and the Machine that reconciles them.
//
// Both sides of the process boundary run a Machine. The controller consults
// it before sending a command so illegal commands fail fast with
// faults.ErrInvalidState and never reach the wire; the worker runs its own copy
// to reject anything that slips through.
package protocol
