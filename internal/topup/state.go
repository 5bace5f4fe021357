package topup

// State is a step of a single top-up attempt.
type State string

const (
	StateIdle                State = "IDLE"
	StateValidating          State = "VALIDATING"
	StateProviderCall        State = "PROVIDER_CALL"
	StateLedgerUpdate        State = "LEDGER_UPDATE"
	StateAuditWrite          State = "AUDIT_WRITE"
	StateSuccess             State = "SUCCESS"
	StatePendingConfirmation State = "PENDING_CONFIRMATION"
	StateFailed              State = "FAILED"
)

// Terminal reports whether the attempt can make no further progress in this
// process. PENDING_CONFIRMATION is finished here and continues in the
// reconciliation queue.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StatePendingConfirmation
}
