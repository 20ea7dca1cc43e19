// Package domain defines the core types of the drip sequencer.
//
// Types in this package are plain value objects. They carry no database
// handles and no HTTP concerns and are shared by the planner, the dispatch
// worker, the repositories and the API layer.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - State transition helpers are allowed (they're pure functions on the type)
//   - Constants and enums belong here
package domain
