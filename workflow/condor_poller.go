package workflow

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"ospool-executor/parsing"
)

const (
	CondorRequestSignal  = "condor-request"
	CondorResponseSignal = "condor-response"
	maxHistoryLength     = 9000
)

var (
	outputGracePeriod = 5 * time.Second
	// How long a job which has left the queue may go without an exit
	// code before it is failed. Shared filesystems can lag the schedd.
	exitReadTimeout = 5 * time.Minute
)

type CondorRequest struct {
	Id   string
	Task parsing.TaskRun
}

type TaskResult struct {
	RequestId string
	TaskName  string
	JobId     string
	ExitCode  int
	StdOut    string
	StdErr    string
}

// CondorResponse is signalled back to the parent workflow once per
// request. Error is empty when the task exited zero.
type CondorResponse struct {
	Result TaskResult
	Error  string
}

type getResultsFuture struct {
	future   workflow.Future
	callback func(workflow.Future)
}

// CondorState is carried across continue-as-new.
type CondorState struct {
	ParentWfId    string
	ParentWfRunId string
	QueueName     string
	PollInterval  time.Duration
	MaxRetries    int
	RunningJobs   map[string]CondorJob
	Requests      map[string]CondorRequest
	NumRetries    map[string]int
	// When each job was first seen out of the queue with no exit code.
	MissingSince map[string]time.Time
	MaxBatchId   int

	resultFutures map[int]getResultsFuture
}

// CondorActivity exposes a CondorExecutor to the poller workflow.
type CondorActivity struct {
	Executor *CondorExecutor
}

func (a *CondorActivity) SubmitCondorJobActivity(req CondorRequest) (CondorJob, error) {
	job, err := a.Executor.SubmitTask(req.Task)
	if err != nil {
		return CondorJob{}, err
	}
	job.RequestId = req.Id
	return job, nil
}

// PollCondorQueueActivity reports the state of each job in jobIds that
// the schedd still lists. An empty jobIds only checks connectivity.
func (a *CondorActivity) PollCondorQueueActivity(
	jobIds []string,
) (map[string]parsing.QueueState, error) {
	if len(jobIds) == 0 {
		_, err := a.Executor.Run("echo Keepalive")
		return nil, err
	}

	snapshot, err := a.Executor.QueueStatus()
	if err != nil {
		return nil, err
	}
	out := make(map[string]parsing.QueueState, len(jobIds))
	for _, id := range jobIds {
		if state, ok := snapshot[id]; ok {
			out[id] = state
		}
	}
	return out, nil
}

func (a *CondorActivity) RemoveCondorJobActivity(jobId string) error {
	return a.Executor.KillTask(jobId)
}

func (a *CondorActivity) GetCondorJobResultActivity(jobs []CondorJob) ([]TaskResult, error) {
	out := make([]TaskResult, 0, len(jobs))
	for _, job := range jobs {
		res, err := GetCondorJobResult(job, a.Executor.Run, outputGracePeriod)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// GetCondorJobResult reads the exit code and captured output the task
// wrapper leaves in the work dir.
func GetCondorJobResult(job CondorJob, runCmd CmdRunner, grace time.Duration) (TaskResult, error) {
	result := TaskResult{
		RequestId: job.RequestId,
		TaskName:  job.TaskName,
		JobId:     job.JobId,
		ExitCode:  -1,
	}
	baseErrStr := fmt.Sprintf(
		"failed getting outputs for job %s (task %s)", job.JobId, job.TaskName,
	)

	rawExit, err := readRemoteFile(filepath.Join(job.WorkDir, parsing.CmdExitCode), runCmd, grace)
	if err != nil {
		// No exit code means the wrapper never finished, e.g. the job
		// was removed. What output exists is still worth reporting.
		rawExit = ""
	}
	if code, convErr := strconv.Atoi(strings.TrimSpace(rawExit)); convErr == nil {
		result.ExitCode = code
	}

	if result.StdOut, err = readRemoteFile(filepath.Join(job.WorkDir, parsing.CmdOut), runCmd, 0); err != nil && result.ExitCode >= 0 {
		return TaskResult{}, fmt.Errorf("%s: %w", baseErrStr, err)
	}
	if result.StdErr, err = readRemoteFile(filepath.Join(job.WorkDir, parsing.CmdErr), runCmd, 0); err != nil && result.ExitCode >= 0 {
		return TaskResult{}, fmt.Errorf("%s: %w", baseErrStr, err)
	}
	return result, nil
}

func condorActivityCtx(ctx workflow.Context, state *CondorState) workflow.Context {
	ao := workflow.ActivityOptions{
		TaskQueue:           state.QueueName,
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    1,
			BackoffCoefficient: 4,
		},
	}
	return workflow.WithActivityOptions(ctx, ao)
}

func respond(ctx workflow.Context, state *CondorState, resp CondorResponse) {
	delete(state.Requests, resp.Result.RequestId)
	delete(state.NumRetries, resp.Result.RequestId)
	if state.ParentWfId == "" {
		workflow.GetLogger(ctx).Info(
			"Task finished", "task", resp.Result.TaskName,
			"job", resp.Result.JobId, "exit", resp.Result.ExitCode,
			"error", resp.Error,
		)
		return
	}
	workflow.SignalExternalWorkflow(
		ctx, state.ParentWfId, state.ParentWfRunId, CondorResponseSignal, resp,
	)
}

func StartCondorJob(ctx workflow.Context, state *CondorState, req CondorRequest) {
	var job CondorJob
	var a *CondorActivity
	err := workflow.ExecuteActivity(
		condorActivityCtx(ctx, state), a.SubmitCondorJobActivity, req,
	).Get(ctx, &job)

	if err != nil {
		respond(ctx, state, CondorResponse{
			Result: TaskResult{RequestId: req.Id, TaskName: req.Task.Name, ExitCode: -1},
			Error:  fmt.Sprintf("failed to submit task %s: %s", req.Task.Name, err),
		})
		return
	}
	state.RunningJobs[job.JobId] = job
}

// retryHeldJob removes a held job and resubmits its request while
// retries remain. It reports false when the job should be failed.
func retryHeldJob(ctx workflow.Context, state *CondorState, job CondorJob) bool {
	var a *CondorActivity
	logger := workflow.GetLogger(ctx)
	err := workflow.ExecuteActivity(
		condorActivityCtx(ctx, state), a.RemoveCondorJobActivity, job.JobId,
	).Get(ctx, nil)
	if err != nil {
		logger.Warn("Unable to remove held job", "job", job.JobId, "error", err)
	}

	req, ok := state.Requests[job.RequestId]
	if !ok || state.NumRetries[job.RequestId] >= state.MaxRetries {
		return false
	}
	state.NumRetries[job.RequestId]++
	logger.Info(
		"Resubmitting held job", "job", job.JobId, "task", job.TaskName,
		"attempt", state.NumRetries[job.RequestId],
	)
	StartCondorJob(ctx, state, req)
	return true
}

func ProcessQueueStates(
	ctx workflow.Context, selector workflow.Selector,
	state *CondorState, states map[string]parsing.QueueState,
) {
	finishedJobs := make([]CondorJob, 0)
	failures := make(map[string]string)
	heldJobs := make([]CondorJob, 0)
	for _, jobId := range sortedJobIds(state.RunningJobs) {
		job := state.RunningJobs[jobId]
		jobState, listed := states[jobId]
		if jobState == parsing.StateHold {
			delete(state.RunningJobs, jobId)
			heldJobs = append(heldJobs, job)
			continue
		}
		if listed && !jobState.Terminal() {
			continue
		}
		if jobState == parsing.StateError {
			failures[job.RequestId] = fmt.Sprintf("job %s was removed or errored", jobId)
		}
		delete(state.RunningJobs, jobId)
		finishedJobs = append(finishedJobs, job)
	}

	// Resubmitted jobs are only polled from the next tick on.
	for _, job := range heldJobs {
		if retryHeldJob(ctx, state, job) {
			continue
		}
		failures[job.RequestId] = fmt.Sprintf(
			"job %s was held and has no retries left", job.JobId,
		)
		finishedJobs = append(finishedJobs, job)
	}

	if len(finishedJobs) == 0 {
		return
	}

	var a *CondorActivity
	f := workflow.ExecuteActivity(
		condorActivityCtx(ctx, state), a.GetCondorJobResultActivity, finishedJobs,
	)

	batchId := state.MaxBatchId
	callback := func(f workflow.Future) {
		NotifyTaskCompletion(ctx, state, batchId, finishedJobs, failures, f)
	}
	state.resultFutures[batchId] = getResultsFuture{future: f, callback: callback}
	state.MaxBatchId++
	selector.AddFuture(f, callback)
}

func NotifyTaskCompletion(
	ctx workflow.Context, state *CondorState, batchId int,
	jobs []CondorJob, failures map[string]string, f workflow.Future,
) {
	delete(state.resultFutures, batchId)

	var results []TaskResult
	if err := f.Get(ctx, &results); err != nil {
		for _, job := range jobs {
			respond(ctx, state, CondorResponse{
				Result: TaskResult{
					RequestId: job.RequestId, TaskName: job.TaskName,
					JobId: job.JobId, ExitCode: -1,
				},
				Error: err.Error(),
			})
		}
		return
	}

	jobsById := make(map[string]CondorJob, len(jobs))
	for _, job := range jobs {
		jobsById[job.JobId] = job
	}

	now := workflow.Now(ctx)
	for _, res := range results {
		resp := CondorResponse{Result: res}
		reason, failed := failures[res.RequestId]
		if !failed && res.ExitCode < 0 {
			since, seen := state.MissingSince[res.JobId]
			if !seen {
				since = now
				state.MissingSince[res.JobId] = now
			}
			if job, ok := jobsById[res.JobId]; ok && now.Sub(since) < exitReadTimeout {
				// Polled again until the exit code shows up.
				state.RunningJobs[res.JobId] = job
				continue
			}
			failed = true
			reason = fmt.Sprintf(
				"job %s left the queue without writing %s", res.JobId, parsing.CmdExitCode,
			)
		}
		delete(state.MissingSince, res.JobId)

		if failed {
			resp.Error = reason
		} else if res.ExitCode != 0 {
			resp.Error = fmt.Sprintf(
				"task %s exited with status %d: %s",
				res.TaskName, res.ExitCode, strings.TrimSpace(res.StdErr),
			)
		}
		respond(ctx, state, resp)
	}
}

// Workflow code must not depend on map iteration order.
func sortedJobIds(jobs map[string]CondorJob) []string {
	ids := make([]string, 0, len(jobs))
	for jobId := range jobs {
		ids = append(ids, jobId)
	}
	sort.Strings(ids)
	return ids
}

func PollCondor(ctx workflow.Context, selector workflow.Selector, state *CondorState) {
	runningJobIds := sortedJobIds(state.RunningJobs)

	var a *CondorActivity
	var states map[string]parsing.QueueState
	err := workflow.ExecuteActivity(
		condorActivityCtx(ctx, state), a.PollCondorQueueActivity, runningJobIds,
	).Get(ctx, &states)

	// A failed poll says nothing about the jobs; try again next tick.
	if err != nil {
		workflow.GetLogger(ctx).Warn("Polling condor queue failed", "error", err)
		return
	}
	if len(runningJobIds) == 0 {
		return
	}
	ProcessQueueStates(ctx, selector, state, states)
}

func CondorPollerWorkflow(ctx workflow.Context, state CondorState) error {
	state.resultFutures = make(map[int]getResultsFuture)

	// Populated when continued-as-new.
	if state.RunningJobs == nil {
		state.RunningJobs = make(map[string]CondorJob)
	}
	if state.NumRetries == nil {
		state.NumRetries = make(map[string]int)
	}
	if state.Requests == nil {
		state.Requests = make(map[string]CondorRequest)
	}
	if state.MissingSince == nil {
		state.MissingSince = make(map[string]time.Time)
	}
	if state.PollInterval <= 0 {
		state.PollInterval = parsing.DefaultPollInterval
	}

	selector := workflow.NewSelector(ctx)

	reqChan := workflow.GetSignalChannel(ctx, CondorRequestSignal)
	selector.AddReceive(reqChan, func(c workflow.ReceiveChannel, _ bool) {
		var req CondorRequest
		c.Receive(ctx, &req)
		state.Requests[req.Id] = req
		StartCondorJob(ctx, &state, req)
	})

	var timerCallback func(workflow.Future)
	timerCallback = func(f workflow.Future) {
		PollCondor(ctx, selector, &state)
		selector.AddFuture(workflow.NewTimer(ctx, state.PollInterval), timerCallback)
	}
	selector.AddFuture(workflow.NewTimer(ctx, state.PollInterval), timerCallback)

	for workflow.GetInfo(ctx).GetCurrentHistoryLength() < maxHistoryLength {
		selector.Select(ctx)
		if ctx.Err() != nil {
			return nil
		}
	}

	// Signals are not carried over to the next run, so drain them first.
	for {
		var req CondorRequest
		if !reqChan.ReceiveAsync(&req) {
			break
		}
		state.Requests[req.Id] = req
		StartCondorJob(ctx, &state, req)
	}

	// Result fetches still in flight would lose their handlers along
	// with the selector.
	batchIds := make([]int, 0, len(state.resultFutures))
	for batchId := range state.resultFutures {
		batchIds = append(batchIds, batchId)
	}
	sort.Ints(batchIds)
	for _, batchId := range batchIds {
		f := state.resultFutures[batchId]
		f.callback(f.future)
	}

	return workflow.NewContinueAsNewError(ctx, CondorPollerWorkflow, state)
}
