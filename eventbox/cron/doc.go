// Package cron computes run times from standard 5-field cron expressions
// (minute, hour, day-of-month, month, day-of-week).
//
// Wildcards, ranges, steps and lists are supported in every field. All
// computed times are UTC. The retention janitor uses it to schedule purge
// runs without pulling in a full job-runner dependency.
package cron
