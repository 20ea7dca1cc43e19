// Package campaign implements campaign lifecycle management and sequence
// planning.
//
// Launch materializes one job per (enrollment, step) with rendered content
// and an explicit send time. The operator transitions (pause, resume,
// complete) and direct job import live here too. The dispatch worker only
// reads campaign status; it never changes it.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package campaign
