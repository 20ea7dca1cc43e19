// Package job implements operator actions on individual step sends: retry,
// inspection, listing and the dashboard counters.
//
// The Store interface defined here is the job table contract shared by the
// planner and the dispatch worker. Implementations live in
// repository/postgres/ and repository/memory/.
package job
