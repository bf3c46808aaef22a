// Package saga runs ordered steps against a store that only offers
// single-row atomicity, undoing completed steps when a later one fails.
//
// A step's forward operation returns an Outcome. Saved outcomes carry the
// compensation that reverts them; Unchanged outcomes succeeded without
// writing anything. Any other kind stops the saga, after which every
// collected compensation runs in reverse completion order:
//
//	s := saga.New[User]("create-user", saga.WithLogger(logger))
//	s.Add("claim-email", claimEmail)
//	s.Add("create-row", createRow)
//	s.AddParallel("indexes", indexByName, indexByCreated)
//	user, err := s.Execute(ctx, user)
//
// Compensation failures are never returned to the caller. They are logged,
// counted and handed to the configured Recorder as an Inconsistency.
//
// A Saga is single-use. Build a new one per command.
package saga
