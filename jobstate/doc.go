// Package jobstate persists the opaque state blob of scheduled jobs.
//
// State is keyed by job name, loaded before each firing and saved after a
// successful one, so a job can resume from a cursor or watermark across
// restarts. It is created on the first successful firing and never deleted
// automatically.
package jobstate
