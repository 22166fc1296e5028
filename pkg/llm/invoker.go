package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"inkreview/pkg/configstore"
	"inkreview/pkg/domain"
)

// Result is a successful model invocation.
type Result struct {
	RawBody   string
	ServedBy  domain.EndpointRole
	ModelCode string
	Latency   time.Duration
}

// CheckFunc validates a successful response body before it is accepted.
// Returning an error counts as a failure of that endpoint, so an unparsable
// primary response still fails over to the backup.
type CheckFunc func(rawBody string) error

// Invoker resolves the active primary/backup endpoints for a task type and
// performs the call with a single failover hop. No retries beyond the two
// tiers: the backup exists for when the primary cannot be reached, nothing
// more.
type Invoker struct {
	configs configstore.Store
	client  Client
}

// NewInvoker builds an invoker over the given config store and client.
func NewInvoker(configs configstore.Store, client Client) *Invoker {
	return &Invoker{configs: configs, client: client}
}

// Invoke calls the active primary endpoint for taskType with the given
// timeout; on any failure it retries exactly once against the active backup
// with a fresh timeout budget. A call that outlives its timeout is abandoned
// locally regardless of whether the remote eventually responds.
func (inv *Invoker) Invoke(ctx context.Context, taskType domain.TaskType, promptText string, timeout time.Duration) (Result, error) {
	return inv.InvokeChecked(ctx, taskType, promptText, timeout, nil)
}

// InvokeChecked is Invoke with a response check applied per endpoint, so a
// response the caller cannot use (e.g. no parsable JSON) triggers the same
// failover as a network failure.
func (inv *Invoker) InvokeChecked(ctx context.Context, taskType domain.TaskType, promptText string, timeout time.Duration, check CheckFunc) (Result, error) {
	primary, err := inv.configs.GetActiveConfig(taskType, domain.RolePrimary)
	if err != nil {
		return Result{}, fmt.Errorf("resolve primary for %s: %w", taskType, err)
	}

	result, primaryErr := inv.call(ctx, primary, promptText, timeout, check)
	if primaryErr == nil {
		return result, nil
	}
	slog.Warn("primary llm call failed, failing over",
		"task_type", string(taskType),
		"model", primary.ModelCode,
		"error", primaryErr.Error(),
	)

	backup, err := inv.configs.GetActiveConfig(taskType, domain.RoleBackup)
	if err != nil {
		return Result{}, fmt.Errorf("resolve backup for %s: %w", taskType, err)
	}

	result, backupErr := inv.call(ctx, backup, promptText, timeout, check)
	if backupErr == nil {
		return result, nil
	}
	return Result{}, &InvocationError{TaskType: taskType, PrimaryErr: primaryErr, BackupErr: backupErr}
}

func (inv *Invoker) call(ctx context.Context, cfg domain.LLMConfig, promptText string, timeout time.Duration, check CheckFunc) (Result, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	raw, err := inv.client.Generate(callCtx, cfg, promptText)
	latency := time.Since(start)
	if err != nil {
		return Result{}, err
	}
	if check != nil {
		if err := check(raw); err != nil {
			return Result{}, &CallError{Kind: KindBadResponse, Role: cfg.Role, Err: err}
		}
	}
	return Result{
		RawBody:   raw,
		ServedBy:  cfg.Role,
		ModelCode: cfg.ModelCode,
		Latency:   latency,
	}, nil
}

// Probe is the outcome of an admin connection test against one endpoint.
type Probe struct {
	TaskType  domain.TaskType     `json:"taskType"`
	Role      domain.EndpointRole `json:"role"`
	ModelCode string              `json:"modelCode"`
	OK        bool                `json:"ok"`
	LatencyMS int64               `json:"latencyMs"`
	Error     string              `json:"error,omitempty"`
}

const testConnectionPrompt = `Reply with the single word "pong".`

// TestConnection sends a canned prompt to the configured endpoint for one
// task/role slot, without failover, and reports latency and outcome.
func (inv *Invoker) TestConnection(ctx context.Context, taskType domain.TaskType, role domain.EndpointRole, timeout time.Duration) (Probe, error) {
	cfg, err := inv.configs.GetActiveConfig(taskType, role)
	if err != nil {
		return Probe{}, fmt.Errorf("resolve %s %s: %w", taskType, role, err)
	}
	probe := Probe{TaskType: taskType, Role: role, ModelCode: cfg.ModelCode}
	result, err := inv.call(ctx, cfg, testConnectionPrompt, timeout, nil)
	if err != nil {
		probe.Error = err.Error()
		return probe, nil
	}
	probe.OK = true
	probe.LatencyMS = result.Latency.Milliseconds()
	return probe, nil
}
