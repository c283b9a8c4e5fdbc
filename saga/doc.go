// Package saga persists process manager state keyed by correlation id.
//
// Every State carries a version token. Finder.Save writes a state only when
// the stored version still equals the version that was read, so two workers
// handling messages of the same correlation id cannot both apply a change to
// the same prior state: the loser gets ErrVersionConflict and the Processor
// reloads and re-runs the handler against the winner's state.
package saga
