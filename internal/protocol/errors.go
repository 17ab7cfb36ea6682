package protocol

// Reason codes carried in CLAIM_REJECTED, REJECTED, RELEASE and SYNC_FAILED
// frames. String-valued so logs and wire captures read directly.
const (
	ReasonVersionMismatch = "version_mismatch"
	ReasonBadFrame        = "bad_frame"
	ReasonAlreadyOwned    = "already_owned"
	ReasonNotAllowed      = "not_allowed"
	ReasonStaleSession    = "stale_session"
	ReasonSequenceReplay  = "sequence_replay"
	ReasonInterlock       = "interlock"
	ReasonHardwareFault   = "hardware_fault"
	ReasonWatchdogTimeout = "watchdog_timeout"
	ReasonConnectionLost  = "connection_lost"
	ReasonOperator        = "operator_release"
	ReasonBusy            = "busy"
	ReasonShutdown        = "shutdown"
	ReasonUnknownArtifact = "unknown_artifact"
)
