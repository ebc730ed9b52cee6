package webworker

import (
	"fmt"
	"sync/atomic"
)

// WorkerID identifies a worker for the lifetime of the process. IDs start
// at 1 and are never reused.
type WorkerID uint32

var lastWorkerID atomic.Uint32

func newWorkerID() WorkerID {
	return WorkerID(lastWorkerID.Add(1))
}

func (id WorkerID) String() string {
	return fmt.Sprintf("worker-%d", uint32(id))
}
