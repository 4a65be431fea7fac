// Package taskgraph executes network cloudlets: ordered stage lists whose
// send and receive stages synchronize sibling cloudlets of an application.
package taskgraph

// StageKind is the kind of work a stage performs.
type StageKind string

const (
	StageExecution StageKind = "EXECUTION"
	StageWaitSend  StageKind = "WAIT_SEND"
	StageWaitRecv  StageKind = "WAIT_RECV"
	StageFinish    StageKind = "FINISH"
)

// NoPeer marks a stage that does not reference another cloudlet.
const NoPeer = -1

// TaskStage is one step of a network cloudlet.
type TaskStage struct {
	ID   int       `json:"id"`
	Kind StageKind `json:"kind"`
	// Length is instructions for EXECUTION and bytes for WAIT_SEND.
	Length float64 `json:"length"`
	// Peer is the target cloudlet of a WAIT_SEND or the source of a WAIT_RECV.
	Peer           int     `json:"peer"`
	ProcessingTime float64 `json:"processing_time"`
	Completed      bool    `json:"completed"`
}

// ExecutionStage consumes length instructions of CPU.
func ExecutionStage(length float64) TaskStage {
	return TaskStage{Kind: StageExecution, Length: length, Peer: NoPeer}
}

// SendStage delivers bytes to the target cloudlet.
func SendStage(bytes float64, target int) TaskStage {
	return TaskStage{Kind: StageWaitSend, Length: bytes, Peer: target}
}

// RecvStage waits for a payload from the source cloudlet.
func RecvStage(source int) TaskStage {
	return TaskStage{Kind: StageWaitRecv, Peer: source}
}

func finishStage() TaskStage {
	return TaskStage{Kind: StageFinish, Peer: NoPeer}
}
