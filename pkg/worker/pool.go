package worker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/conductor/pkg/agentproc"
	"github.com/cuemby/conductor/pkg/clock"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/ratelimit"
	"github.com/cuemby/conductor/pkg/security"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
)

// maxTailBytes bounds the in-memory/stored size of a task's
// last_output_tail ring, independent of outputTailLines (which bounds the
// Medium resume payload specifically).
const maxTailBytes = 64 * 1024

// Config tunes the pool's size and timing. Values are sourced from the
// daemon's loaded configuration; DefaultConfig matches spec defaults.
type Config struct {
	NumWorkers        int
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	StopGracePeriod   time.Duration
	ClassTimeouts     map[types.TaskClass]time.Duration
	Classes           []types.TaskClass // classes this pool is willing to claim
	ClassConcurrency  map[types.TaskClass]int
	MaxOutputBytes    int64
	// ClassToolAllowlist restricts which tools a task's class may invoke,
	// passed to the agent CLI as CONDUCTOR_ALLOWED_TOOLS. A class absent
	// from the map runs with no restriction.
	ClassToolAllowlist map[types.TaskClass][]string
	// Labels restricts this pool to tasks whose own Labels contain every
	// key/value pair here. Nil/empty claims from any label set.
	Labels map[string]string
}

// DefaultConfig returns the pool defaults named in the component design:
// 2 workers, 30s heartbeat, class-scaled timeouts.
func DefaultConfig() Config {
	return Config{
		NumWorkers:        2,
		HeartbeatInterval: 30 * time.Second,
		PollInterval:      2 * time.Second,
		StopGracePeriod:   10 * time.Second,
		ClassTimeouts: map[types.TaskClass]time.Duration{
			types.ClassLight:  5 * time.Minute,
			types.ClassMedium: 30 * time.Minute,
			types.ClassHeavy:  4 * time.Hour,
		},
		Classes: []types.TaskClass{types.ClassLight, types.ClassMedium, types.ClassHeavy},
		ClassConcurrency: map[types.TaskClass]int{
			types.ClassLight:  4,
			types.ClassMedium: 2,
			types.ClassHeavy:  1,
		},
		MaxOutputBytes: 50 * 1024 * 1024,
		ClassToolAllowlist: map[types.TaskClass][]string{
			types.ClassLight:  {"read", "grep"},
			types.ClassMedium: {"read", "grep", "write", "edit"},
			types.ClassHeavy:  {"read", "grep", "write", "edit", "exec"},
		},
	}
}

func (c Config) timeoutFor(class types.TaskClass) time.Duration {
	if d, ok := c.ClassTimeouts[class]; ok && d > 0 {
		return d
	}
	return 30 * time.Minute
}

// Pool supervises a fixed number of workers, each independently claiming
// and running tasks. Workers never call back into the orchestrator; they
// report what happened to a task by sending an Outcome on a shared channel.
type Pool struct {
	cfg     Config
	store   storage.Store
	gate    *security.Gate
	arbiter *ratelimit.Arbiter
	runner  *agentproc.Runner
	clk     clock.Clock

	outcomes chan Outcome
	stopCh   chan struct{}
	wg       sync.WaitGroup

	running sync.Map // task ID -> *agentproc.Handle, for operator-requested cancellation
}

// NewPool constructs a Pool. clk may be clock.New() in production or
// clock.NewMock() in tests.
func NewPool(cfg Config, store storage.Store, gate *security.Gate, arbiter *ratelimit.Arbiter, runner *agentproc.Runner, clk clock.Clock) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if len(cfg.Classes) == 0 {
		cfg.Classes = []types.TaskClass{types.ClassLight, types.ClassMedium, types.ClassHeavy}
	}
	return &Pool{
		cfg:      cfg,
		store:    store,
		gate:     gate,
		arbiter:  arbiter,
		runner:   runner,
		clk:      clk,
		outcomes: make(chan Outcome, 64),
		stopCh:   make(chan struct{}),
	}
}

// Outcomes is the channel the orchestrator drains to apply the state
// machine to completed task attempts.
func (p *Pool) Outcomes() <-chan Outcome {
	return p.outcomes
}

// Start launches cfg.NumWorkers supervised goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.NumWorkers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.runWorker(workerID)
	}
}

// Stop signals every worker to finish its current task cycle and exit,
// then waits for them.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// RequestCancel sends SIGTERM (then SIGKILL after the grace period) to the
// subprocess currently running taskID, if any worker holds it. It is a
// no-op if the task isn't presently running here, which is the normal case
// when it is still pending or already claimed by another pool.
func (p *Pool) RequestCancel(taskID string) {
	v, ok := p.running.Load(taskID)
	if !ok {
		return
	}
	handle := v.(*agentproc.Handle)
	go handle.Stop(p.cfg.StopGracePeriod)
}

func (p *Pool) stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// sleep waits for d or Stop, whichever comes first; returns false if Stop
// won the race.
func (p *Pool) sleep(d time.Duration) bool {
	select {
	case <-p.stopCh:
		return false
	case <-p.clk.After(d):
		return true
	}
}

func (p *Pool) runWorker(workerID string) {
	defer p.wg.Done()
	logger := log.WithWorkerID(workerID)
	logger.Info().Msg("worker started")
	startedAt := p.clk.Now()

	for !p.stopped() {
		if err := p.heartbeatWorker(workerID, "", startedAt); err != nil {
			logger.Error().Err(err).Msg("worker heartbeat failed")
		}

		available, err := p.arbiter.Available()
		if err != nil {
			logger.Error().Err(err).Msg("arbiter availability check failed")
			p.sleep(p.cfg.PollInterval)
			continue
		}
		if !available {
			wait := p.cfg.PollInterval
			if resumeAt, err := p.arbiter.ResumeAt(); err == nil && !resumeAt.IsZero() {
				if d := resumeAt.Sub(p.clk.Now()); d > 0 {
					wait = d
				}
			}
			p.sleep(wait)
			continue
		}

		task, err := p.store.ClaimNext(workerID, uuid.NewString(), p.cfg.Classes, p.cfg.ClassConcurrency, p.cfg.Labels)
		if err != nil {
			logger.Error().Err(err).Msg("claim failed")
			p.sleep(p.cfg.PollInterval)
			continue
		}
		if task == nil {
			p.sleep(p.cfg.PollInterval)
			continue
		}

		if err := p.heartbeatWorker(workerID, task.ID, startedAt); err != nil {
			logger.Error().Err(err).Msg("worker heartbeat failed")
		}
		p.runTask(workerID, task, logger)
	}
	logger.Info().Msg("worker stopped")
}

func (p *Pool) heartbeatWorker(workerID, currentTaskID string, startedAt time.Time) error {
	return p.store.PutWorker(&types.Worker{
		ID:            workerID,
		PID:           os.Getpid(),
		StartedAt:     startedAt,
		HeartbeatAt:   p.clk.Now(),
		CurrentTaskID: currentTaskID,
	})
}

// runTask drives one claimed task through command scanning, resume-payload
// preparation, and subprocess execution, then reports what happened as an
// Outcome. It never decides the task's next state itself: the claim is
// left in place (still processing, still owned by workerID/claimToken)
// until the orchestrator's disposal of the Outcome moves it on, so a slow
// or backed-up orchestrator never races a worker picking the task back up.
func (p *Pool) runTask(workerID string, task *types.Task, logger zerolog.Logger) {
	taskLogger := logger.With().Str("task_id", task.ID).Logger()

	verdict, findings := p.gate.ScanCommand(task.ID, task.Command)
	for _, f := range findings {
		metrics.SecurityFindingsTotal.WithLabelValues(f.Severity).Inc()
		if err := p.store.PutSecurityFinding(f); err != nil {
			taskLogger.Error().Err(err).Msg("persisting security finding failed")
		}
	}

	if verdict == types.VerdictBlocked || verdict == types.VerdictNeedsReview {
		taskLogger.Warn().Str("verdict", string(verdict)).Msg("command requires human review before dispatch")
		task.SecurityVerdict = verdict
		if err := p.store.UpdateByToken(task); err != nil {
			taskLogger.Error().Err(err).Msg("persisting security verdict failed")
		}
		p.report(Outcome{TaskID: task.ID, WorkerID: workerID, Kind: OutcomeNeedsReview})
		return
	}

	task.SecurityVerdict = types.VerdictAllowed
	resumeText, err := BuildResumePayload(task)
	if err != nil {
		taskLogger.Error().Err(err).Msg("building resume payload failed")
	}
	if err := p.store.UpdateByToken(task); err != nil {
		taskLogger.Error().Err(err).Msg("persisting pre-dispatch task state failed")
	}

	command := task.Command
	if resumeText != "" {
		command = resumeText + task.Command
	}

	p.execute(workerID, task, command, taskLogger)
}

// execute spawns the agent CLI, streams its output through the security
// gate and the rate-limit arbiter, heartbeats the claim while it runs, and
// reports the outcome. The task's claim is left untouched either way: the
// orchestrator clears worker_id/claim_token itself as part of disposing
// the Outcome.
func (p *Pool) execute(workerID string, task *types.Task, command string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.timeoutFor(task.Class))
	defer cancel()

	var mu sync.Mutex
	var totalOutputBytes int64
	rateHit := make(chan string, 1)
	outputExceeded := make(chan struct{}, 1)

	onOutput := func(chunk []byte) {
		masked, findings := p.gate.MaskOutput(task.ID, chunk)
		for _, f := range findings {
			metrics.SecurityFindingsTotal.WithLabelValues(f.Severity).Inc()
			if err := p.store.PutSecurityFinding(f); err != nil {
				logger.Error().Err(err).Msg("persisting security finding failed")
			}
		}

		mu.Lock()
		task.LastOutputTail = appendBounded(task.LastOutputTail, masked, maxTailBytes)
		if task.Class == types.ClassHeavy {
			applyChunkOutput(task, masked)
		}
		totalOutputBytes += int64(len(masked))
		overLimit := p.cfg.MaxOutputBytes > 0 && totalOutputBytes > p.cfg.MaxOutputBytes
		mu.Unlock()

		if overLimit {
			select {
			case outputExceeded <- struct{}{}:
			default:
			}
			return
		}

		if hit, name := p.arbiter.Scan(masked); hit {
			select {
			case rateHit <- name:
			default:
			}
		}
	}

	handle, err := p.runner.Spawn(ctx, command, task.WorkingDir, p.agentEnv(task.Class), onOutput)
	if err != nil {
		logger.Error().Err(err).Msg("spawn failed")
		p.report(Outcome{TaskID: task.ID, WorkerID: workerID, Kind: OutcomeFailed, FailureKind: types.FailureInternal, Err: err})
		return
	}
	p.running.Store(task.ID, handle)
	defer p.running.Delete(task.ID)

	heartbeatStop := make(chan struct{})
	go p.heartbeatClaim(task, workerID, handle, heartbeatStop)

	doneCh := make(chan agentproc.Result, 1)
	go func() { doneCh <- handle.Wait() }()

	select {
	case sigName := <-rateHit:
		close(heartbeatStop)
		handle.Stop(p.cfg.StopGracePeriod)
		<-doneCh
		p.persistRunFields(task, logger)
		metrics.RateLimitHitsTotal.Inc()
		if _, err := p.arbiter.RecordHit(sigName); err != nil {
			logger.Error().Err(err).Msg("recording rate-limit hit failed")
		}
		p.report(Outcome{TaskID: task.ID, WorkerID: workerID, Kind: OutcomeRateLimited, FailureKind: types.FailureRateLimited})

	case <-outputExceeded:
		close(heartbeatStop)
		logger.Warn().Int64("limit_bytes", p.cfg.MaxOutputBytes).Msg("output exceeded max_output_size_bytes, killing subprocess")
		handle.Stop(p.cfg.StopGracePeriod)
		<-doneCh
		p.persistRunFields(task, logger)
		p.report(Outcome{TaskID: task.ID, WorkerID: workerID, Kind: OutcomeFailed, FailureKind: types.FailureResource})

	case result := <-doneCh:
		close(heartbeatStop)
		p.persistRunFields(task, logger)

		if ctx.Err() == context.DeadlineExceeded {
			p.report(Outcome{TaskID: task.ID, WorkerID: workerID, Kind: OutcomeFailed, FailureKind: types.FailureTimeout})
			return
		}
		if result.ExitCode == 0 {
			p.report(Outcome{TaskID: task.ID, WorkerID: workerID, Kind: OutcomeCompleted})
			return
		}
		mu.Lock()
		tail := append([]byte(nil), task.LastOutputTail...)
		mu.Unlock()
		p.report(Outcome{TaskID: task.ID, WorkerID: workerID, Kind: OutcomeFailed, FailureKind: security.Classify(tail)})
	}
}

// agentEnv builds the subprocess environment for class, inheriting the
// daemon's own environment and adding CONDUCTOR_ALLOWED_TOOLS when class
// has a configured allow-list, so the agent CLI can refuse tool calls
// outside it.
func (p *Pool) agentEnv(class types.TaskClass) []string {
	env := os.Environ()
	if tools, ok := p.cfg.ClassToolAllowlist[class]; ok && len(tools) > 0 {
		env = append(env, "CONDUCTOR_ALLOWED_TOOLS="+strings.Join(tools, ","))
	}
	return env
}

// persistRunFields writes back the fields the run accumulated (output
// tail, heavy-progress resume blob) while the claim is still live, so the
// orchestrator's later Transition call only needs to change State.
func (p *Pool) persistRunFields(task *types.Task, logger zerolog.Logger) {
	if err := p.store.UpdateByToken(task); err != nil {
		logger.Error().Err(err).Msg("persisting run output failed")
	}
}

func (p *Pool) heartbeatClaim(task *types.Task, workerID string, handle *agentproc.Handle, stop chan struct{}) {
	ticker := p.clk.Ticker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = p.store.Heartbeat(task.ID, workerID, task.ClaimToken, p.clk.Now())
		case <-stop:
			return
		}
	}
}

func (p *Pool) report(o Outcome) {
	select {
	case p.outcomes <- o:
	case <-p.stopCh:
	}
}

// appendBounded appends chunk to tail, dropping the oldest bytes once the
// combined length exceeds max, keeping a bounded ring of recent output.
func appendBounded(tail, chunk []byte, max int) []byte {
	combined := append(append([]byte(nil), tail...), chunk...)
	if len(combined) > max {
		combined = combined[len(combined)-max:]
	}
	return combined
}

// applyChunkOutput scans a Heavy task's latest output for chunk-completion
// markers and folds them into its frozen progress record.
func applyChunkOutput(task *types.Task, masked []byte) {
	completions := ScanChunkCompletions(masked)
	if len(completions) == 0 {
		return
	}
	progress, err := LoadHeavyProgress(task)
	if err != nil {
		return
	}
	progress.ApplyChunkCompletions(completions)
	_ = SaveHeavyProgress(task, progress)
}
