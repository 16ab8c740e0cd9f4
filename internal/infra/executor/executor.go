// Package executor runs allowlisted provisioning commands on
// hypervisor nodes over SSH. Commands are built as argv slices, never
// shell strings, and anything outside the allowlist is rejected before
// a connection is attempted.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ferretworks/burrow/pkg/common/logger"
)

// ErrOperationNotAllowed indicates a command outside the allowlist was
// requested.
var ErrOperationNotAllowed = errors.New("operation not in allowlist")

// ErrCommandFailed indicates the remote command exited non-zero.
var ErrCommandFailed = errors.New("remote command failed")

// Operation names a remote action the control plane may perform.
type Operation string

// Remote operations the executor will run. Nothing else reaches a node.
const (
	OpCloneTemplate    Operation = "clone-template"
	OpSetResources     Operation = "set-resources"
	OpConfigureNetwork Operation = "configure-network"
	OpStart            Operation = "start"
	OpStop             Operation = "stop"
	OpDestroy          Operation = "destroy"
	OpSnapshot         Operation = "snapshot"
)

var allowlist = map[Operation]struct{}{
	OpCloneTemplate:    {},
	OpSetResources:     {},
	OpConfigureNetwork: {},
	OpStart:            {},
	OpStop:             {},
	OpDestroy:          {},
	OpSnapshot:         {},
}

// Result captures the outcome of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs provisioning operations against a node.
type Executor interface {
	// Run executes the operation with the given arguments on the node.
	// The argument list is appended verbatim to the remote command, one
	// argv element each.
	Run(ctx context.Context, node string, op Operation, args ...string) (*Result, error)
}

// SSHExecutor runs operations through the local ssh binary with
// batch-mode key authentication. One invocation per operation; no
// shell interpolation on either side.
type SSHExecutor struct {
	user    string
	keyPath string
	timeout time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

// NewSSHExecutor creates an Executor connecting as user with the given
// identity file.
func NewSSHExecutor(user, keyPath string, timeout time.Duration, log *logger.Logger, tracer trace.Tracer) *SSHExecutor {
	return &SSHExecutor{
		user:    user,
		keyPath: keyPath,
		timeout: timeout,
		logger:  log.With("component", "ssh_executor"),
		tracer:  tracer,
	}
}

var _ Executor = (*SSHExecutor)(nil)

// Run executes the operation on the node and returns its output.
// Returns ErrOperationNotAllowed without connecting when the operation
// is not allowlisted, and ErrCommandFailed (with the Result still
// populated) on a non-zero exit.
func (e *SSHExecutor) Run(ctx context.Context, node string, op Operation, args ...string) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "executor.Run", trace.WithAttributes(
		attribute.String("executor.node", node),
		attribute.String("executor.operation", string(op)),
	))
	defer span.End()

	if _, ok := allowlist[op]; !ok {
		err := fmt.Errorf("%w: %s", ErrOperationNotAllowed, op)
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation rejected")
		return nil, err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	argv := []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-i", e.keyPath,
		e.user + "@" + node,
		"burrow-agent", string(op),
	}
	argv = append(argv, args...)

	cmd := exec.CommandContext(ctx, "ssh", argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	// Arguments may carry tenant data; log only the operation shape.
	e.logger.Info(ctx, "remote command finished",
		"node", node,
		"operation", string(op),
		"arg_count", strconv.Itoa(len(args)),
		"exit_code", result.ExitCode,
		"duration_ms", elapsed.Milliseconds(),
	)

	if runErr != nil {
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "command timed out")
			return result, fmt.Errorf("%w: %s on %s: %v", ErrCommandFailed, op, node, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			span.SetStatus(codes.Error, "command exited non-zero")
			span.SetAttributes(attribute.Int("executor.exit_code", result.ExitCode))
			return result, fmt.Errorf("%w: %s on %s: exit %d", ErrCommandFailed, op, node, result.ExitCode)
		}
		span.RecordError(runErr)
		return result, fmt.Errorf("running %s on %s: %w", op, node, runErr)
	}

	span.AddEvent("command succeeded")
	return result, nil
}
