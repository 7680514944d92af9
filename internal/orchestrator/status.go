package orchestrator

// Stage statuses are distinct types so that an illegal value for a stage is
// unrepresentable in component code: the TTS worker cannot accidentally set
// playback to Processing, and the compiler rejects cross-stage comparisons.

// STTStatus is the transcription stage status.
type STTStatus int

// STT stage values.
const (
	STTIdle STTStatus = iota
	STTProcessing
)

func (s STTStatus) String() string {
	switch s {
	case STTIdle:
		return "idle"
	case STTProcessing:
		return "processing"
	default:
		return "invalid"
	}
}

// AgentStatus is the LLM generation stage status.
type AgentStatus int

// Agent stage values. Processing covers the window from run spawn until the
// first token; Streaming covers active token consumption.
const (
	AgentIdle AgentStatus = iota
	AgentProcessing
	AgentStreaming
)

func (s AgentStatus) String() string {
	switch s {
	case AgentIdle:
		return "idle"
	case AgentProcessing:
		return "processing"
	case AgentStreaming:
		return "streaming"
	default:
		return "invalid"
	}
}

// busy reports whether an agent run is live in any phase.
func (s AgentStatus) busy() bool {
	return s == AgentProcessing || s == AgentStreaming
}

// TTSStatus is the synthesis stage status.
type TTSStatus int

// TTS stage values. Streaming means a sentence was synthesized and more are
// already queued behind it.
const (
	TTSIdle TTSStatus = iota
	TTSProcessing
	TTSStreaming
)

func (s TTSStatus) String() string {
	switch s {
	case TTSIdle:
		return "idle"
	case TTSProcessing:
		return "processing"
	case TTSStreaming:
		return "streaming"
	default:
		return "invalid"
	}
}

// PlaybackStatus is the server-side model of client playback.
type PlaybackStatus int

// Playback stage values. Paused is entered only by the interruption handler;
// Active is raised only by the egress pump (from Idle) or a false-alarm
// resume.
const (
	PlaybackIdle PlaybackStatus = iota
	PlaybackActive
	PlaybackPaused
)

func (s PlaybackStatus) String() string {
	switch s {
	case PlaybackIdle:
		return "idle"
	case PlaybackActive:
		return "active"
	case PlaybackPaused:
		return "paused"
	default:
		return "invalid"
	}
}

// InterruptionStatus is the soft lock coordinating the decision task with the
// interruption handler.
type InterruptionStatus int

// Interruption values. Processing is set by the handler on entry (after the
// system-idle check); Active once the pause protocol has completed.
const (
	InterruptionIdle InterruptionStatus = iota
	InterruptionProcessing
	InterruptionActive
)

func (s InterruptionStatus) String() string {
	switch s {
	case InterruptionIdle:
		return "idle"
	case InterruptionProcessing:
		return "processing"
	case InterruptionActive:
		return "active"
	default:
		return "invalid"
	}
}

// Status is a consistent snapshot of one session's stage statuses and flags,
// taken under the session lock. It is the unit of logging at interruption
// entry and the view exposed to tests and health reporting.
type Status struct {
	STT          STTStatus
	Agent        AgentStatus
	TTS          TTSStatus
	Playback     PlaybackStatus
	Interruption InterruptionStatus

	ClientPlaybackActive bool
	ResponseInProgress   bool

	Generation     uint64
	STTJobDepth    int
	TextQueueDepth int
	AudioDepth     int
}

// SystemIdle reports whether the snapshot describes a fully quiescent
// session: every stage Idle, the client not playing, and no response pending.
func (s Status) SystemIdle() bool {
	return s.STT == STTIdle &&
		s.Agent == AgentIdle &&
		s.TTS == TTSIdle &&
		s.Playback == PlaybackIdle &&
		!s.ClientPlaybackActive &&
		!s.ResponseInProgress
}
