package metering

const (
	operationBalance      = "balance"
	operationPreAuthorize = "pre_authorize"
	operationFinalize     = "finalize"
	operationSweep        = "sweep"
	operationCompletion   = "completion"
	operationApproveGrant = "approve_grant"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	ledgerReasonSettlement  = "settlement"
	ledgerReasonReclamation = "reclamation"

	defaultSweepBatchLimit = 100
)
