package orchestrator

import (
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/devicelab-dev/simrunner/pkg/config"
	"github.com/devicelab-dev/simrunner/pkg/core"
	"github.com/devicelab-dev/simrunner/pkg/report"
)

// ExecutionContext is the mutable per-attempt record threaded through
// every step. A restart discards the context and builds a new one from
// a fresh config clone; a continue reuses it with a bumped attempt
// number. The device handle and process id are owned exclusively by
// this context; no two contexts ever reference the same device.
type ExecutionContext struct {
	Config  *config.Config
	Attempt int

	Runner core.DeviceRunner
	Parser *report.Parser

	ProcessID     int
	DeviceCreated bool
	DeviceCrashed bool

	// ExitStatus classifies this attempt's terminal outcome. Exactly
	// one kind per attempt.
	ExitStatus core.ExitStatus

	logFile     *os.File
	tearingDown bool
}

// NewExecutionContext creates the record for one attempt lineage.
func NewExecutionContext(cfg *config.Config, attempt int) *ExecutionContext {
	return &ExecutionContext{Config: cfg, Attempt: attempt}
}

func (ctx *ExecutionContext) closeLog() {
	if ctx.logFile != nil {
		ctx.logFile.Close()
		ctx.logFile = nil
	}
}

// deviceName generates a unique simulator name for one attempt. The
// process id and attempt number keep names distinct across concurrent
// runs on the same host; the uuid suffix covers pid reuse.
func deviceName(attempt int) string {
	return fmt.Sprintf("simrunner-%d-a%d-%s", os.Getpid(), attempt, uuid.NewString()[:8])
}
