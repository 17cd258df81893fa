// Package domain contains the core entities of the job orchestration service:
// task records with their append-only event log, queue entries, and the
// closed sets of statuses, priorities and error kinds that govern their
// lifecycle. It is independent of any storage or delivery mechanism.
package domain
