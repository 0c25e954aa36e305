// Package core provides import job orchestration for spreadsheet uploads.
//
// This package holds all domain logic independent of any transport or
// storage. The HTTP server, the CLI and queue workers drive it through
// [Service]; storage, file and row source implementations are plugged in
// through the interfaces in collaborators.go.
//
// # Architecture
//
//   - Import Definitions: Registered via the registry, each import type has
//     field rules (type, required, range, uniqueness, references).
//   - JobRegistry: The state machine of every Job and the only writer of
//     its counters. Reads never block on writers.
//   - Pipeline: Precounts a file, then validates, corrects and persists it
//     in batches, reporting progress after each batch.
//   - Corrector: Proposes repaired values with a confidence score.
//   - Classifier: Advises whether a caller should wait on the request or
//     subscribe to push events.
//   - Broadcaster: Fans Job events out to push subscribers.
//
// # Job Lifecycle
//
//	pending -> processing -> completed | error
//	pending | processing -> cancelled
//	pending -> error (structural failure before any row is read)
//
// Terminal states are final. Every transition publishes one [Event] whose
// Version is one higher than the previous event of the same Job, so push
// consumers and pollers converge on the same final snapshot.
//
// # Import Definitions
//
// Definitions are registered at init time using [Register]:
//
//	core.Register(core.ImportDefinition{
//	    Type:     core.ImportSuppliers,
//	    Label:    "Suppliers",
//	    KeyField: "code",
//	    Fields: []core.FieldRule{
//	        {Name: "code", Type: core.FieldCode, Required: true, Unique: true},
//	        {Name: "email", Type: core.FieldEmail},
//	    },
//	})
//
// # Error Handling
//
// Technical errors and Job reasons are mapped to user-friendly messages
// using [MapError] and [MapReason]. Each category has a code for support
// reference (JOB, FILE, VAL, UPL, DB, AUTH, RATE).
package core
