// Package reason holds the small closed enums shared across the
// catalog, state handler, scheduler and transfer engine: task state,
// action/mode/network policy, and the Waiting/Failed reason taxonomy.
package reason

// State is a task's position in the lifecycle state machine. Values
// are persisted as their string form; never rename.
type State string

const (
	StateInitialized State = "Initialized"
	StateWaiting      State = "Waiting"
	StateRunning      State = "Running"
	StateRetrying     State = "Retrying"
	StatePaused       State = "Paused"
	StateStopped      State = "Stopped"
	StateRemoved      State = "Removed"
	StateCompleted    State = "Completed"
	StateFailed       State = "Failed"
)

// Terminal reports whether the state is a terminal state (no further
// transitions, no in-flight transfer).
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateStopped, StateRemoved:
		return true
	default:
		return false
	}
}

// Reason is the "why" attached to a Waiting or Failed state. Combined
// Waiting reasons are modeled as distinct named constants rather than
// a true bitmask, so a switch can exhaust them.
type Reason string

const (
	ReasonDefault Reason = "Default"

	// Waiting reasons (single blocker).
	ReasonNetworkOffline    Reason = "NetworkOffline"
	ReasonUnsupportedNet    Reason = "UnsupportedNetworkType"
	ReasonAppBackground     Reason = "AppBackgroundOrTerminate"
	ReasonRunningTaskLimits Reason = "RunningTaskMeetLimits"
	ReasonAccountStopped    Reason = "AccountStopped"

	// Waiting reasons (composite blockers; see statehandler package
	// for the transition table that produces/retires these).
	ReasonNetworkApp        Reason = "NetworkApp"
	ReasonNetworkAccount    Reason = "NetworkAccount"
	ReasonAppAccount        Reason = "AppAccount"
	ReasonNetworkAppAccount Reason = "NetworkAppAccount"

	// Internal-only waiting reason; never surfaced to subscribers,
	// always translated into a terminal/other reason by the caller.
	ReasonUserAbort Reason = "UserAbort"

	// Failed reasons.
	ReasonBuildRequestFailed    Reason = "BuildRequestFailed"
	ReasonContinuousTaskTimeout Reason = "ContinuousTaskTimeout"
	ReasonRequestError          Reason = "RequestError"
	ReasonRedirectError         Reason = "RedirectError"
	ReasonDNS                   Reason = "Dns"
	ReasonSSL                   Reason = "Ssl"
	ReasonTCP                   Reason = "Tcp"
	ReasonProtocolError         Reason = "ProtocolError"
	ReasonLowSpeed              Reason = "LowSpeed"
	ReasonInsufficientSpace     Reason = "InsufficientSpace"
	ReasonIOError               Reason = "IoError"
	ReasonUnsupportedRange      Reason = "UnsupportedRangeRequest"
	ReasonGetFileSizeFailed     Reason = "GetFileSizeFailed"
	ReasonUploadFileError       Reason = "UploadFileError"
	ReasonOthersError           Reason = "OthersError"
)

// HasNetwork reports whether a composite reason includes the network
// blocker.
func (r Reason) HasNetwork() bool {
	switch r {
	case ReasonNetworkOffline, ReasonNetworkApp, ReasonNetworkAccount, ReasonNetworkAppAccount:
		return true
	default:
		return false
	}
}

// HasApp reports whether a composite reason includes the foreground-app
// blocker.
func (r Reason) HasApp() bool {
	switch r {
	case ReasonAppBackground, ReasonNetworkApp, ReasonAppAccount, ReasonNetworkAppAccount:
		return true
	default:
		return false
	}
}

// HasAccount reports whether a composite reason includes the account
// blocker.
func (r Reason) HasAccount() bool {
	switch r {
	case ReasonAccountStopped, ReasonNetworkAccount, ReasonAppAccount, ReasonNetworkAppAccount:
		return true
	default:
		return false
	}
}

// Compose builds the reason enumerant for a given (network, app,
// account) blocker combination. Passing all false yields
// ReasonRunningTaskLimits: the task is waiting purely on the queue.
func Compose(network, app, account bool) Reason {
	switch {
	case network && app && account:
		return ReasonNetworkAppAccount
	case network && app:
		return ReasonNetworkApp
	case network && account:
		return ReasonNetworkAccount
	case app && account:
		return ReasonAppAccount
	case network:
		return ReasonNetworkOffline
	case app:
		return ReasonAppBackground
	case account:
		return ReasonAccountStopped
	default:
		return ReasonRunningTaskLimits
	}
}

// Action distinguishes download from upload tasks.
type Action string

const (
	ActionDownload Action = "Download"
	ActionUpload   Action = "Upload"
)

// Mode distinguishes how aggressively a task competes for admission;
// Foreground orders ahead of Any, which orders ahead of Background.
type Mode string

const (
	ModeForeground Mode = "Foreground"
	ModeAny        Mode = "Any"
	ModeBackground Mode = "Background"
)

// NetworkConfig constrains which connectivity a task may run over.
type NetworkConfig string

const (
	NetworkAny      NetworkConfig = "Any"
	NetworkWifi     NetworkConfig = "Wifi"
	NetworkCellular NetworkConfig = "Cellular"
)

// Version selects the policy used to choose Waiting vs Failed when
// external state no longer satisfies a running task's requirements.
type Version string

const (
	VersionV1 Version = "V1"
	VersionV2 Version = "V2"
)

// ServiceError is the taxonomy returned across the (out-of-scope) IPC
// boundary; kept here because the control API and task manager both
// need it.
type ServiceError string

const (
	ErrOk              ServiceError = "Ok"
	ErrPermission      ServiceError = "Permission"
	ErrTaskNotFound    ServiceError = "TaskNotFound"
	ErrTaskStateErr    ServiceError = "TaskStateErr"
	ErrFileOperationErr ServiceError = "FileOperationErr"
	ErrOther           ServiceError = "Other"
	ErrSystemApi       ServiceError = "SystemApi"
)
