package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonBusConnect ReasonCode = "bus_connect"
	ReasonBusTimeout ReasonCode = "bus_timeout"
	ReasonBusClosed  ReasonCode = "bus_closed"

	ReasonMatcherCrash ReasonCode = "matcher_crash"
	ReasonUnknownStage ReasonCode = "unknown_stage"

	ReasonSkillError   ReasonCode = "skill_error"
	ReasonSkillTimeout ReasonCode = "skill_timeout"
	ReasonSkillLoad    ReasonCode = "skill_load"

	ReasonSessionDecode ReasonCode = "session_decode"
	ReasonConfigInvalid ReasonCode = "config_invalid"
	ReasonMetricsUpload ReasonCode = "metrics_upload"
)
