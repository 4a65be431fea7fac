package domain

// MigrationReason explains why a guest was selected for migration.
type MigrationReason string

const (
	MigrationReasonOverUtilized  MigrationReason = "over_utilized"
	MigrationReasonUnderUtilized MigrationReason = "under_utilized"
)

// MigrationOutcome is the result of applying a migration action.
type MigrationOutcome string

const (
	MigrationOutcomePending    MigrationOutcome = "PENDING"
	MigrationOutcomeApplied    MigrationOutcome = "APPLIED"
	MigrationOutcomeRestored   MigrationOutcome = "RESTORED"    // re-allocation failed, guest back on source
	MigrationOutcomeRolledBack MigrationOutcome = "ROLLED_BACK" // evacuation aborted, guest moved back
	MigrationOutcomeFailed     MigrationOutcome = "FAILED"      // guest left without a host
	MigrationOutcomeSkipped    MigrationOutcome = "SKIPPED"     // guest had moved before the action ran
)

// MigrationAction moves one guest from its source host to a target host.
type MigrationAction struct {
	ID           string           `json:"id"`
	GuestID      int              `json:"guest_id"`
	SourceHostID int              `json:"source_host_id"`
	TargetHostID int              `json:"target_host_id"`
	Reason       MigrationReason  `json:"reason"`
	Outcome      MigrationOutcome `json:"outcome"`
	Message      string           `json:"message,omitempty"`
}
