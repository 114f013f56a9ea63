package pipeline

// State is a step of the background shipment run.
type State int

const (
	StateIdle State = iota
	StateRegisteringWithCachedSession
	StateNeedsReauth
	StateReauthenticating
	StateRetryingRegistration
	StateFetchingLabel
	StateFailed
	StateDone
	StateNotifyingFinally
	StateTerminal
)

var stateNames = [...]string{
	StateIdle:                         "Idle",
	StateRegisteringWithCachedSession: "RegisteringWithCachedSession",
	StateNeedsReauth:                  "NeedsReauth",
	StateReauthenticating:             "Reauthenticating",
	StateRetryingRegistration:         "RetryingRegistration",
	StateFetchingLabel:                "FetchingLabel",
	StateFailed:                       "Failed",
	StateDone:                         "Done",
	StateNotifyingFinally:             "NotifyingFinally",
	StateTerminal:                     "Terminal",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// settled reports whether the courier part of the run is over.
func (s State) settled() bool {
	return s == StateDone || s == StateFailed
}
