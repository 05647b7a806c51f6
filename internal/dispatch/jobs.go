package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/secrets"
)

// job is one shell command that outlived its dispatching call. The
// runner goroutine fills runErr and ctxErr before closing done; readers
// must observe done closed before touching either.
type job struct {
	id      string
	scope   agent.Scope
	act     action.Action
	command string
	timeout time.Duration
	used    map[string]string
	buf     *tailBuffer
	cancel  context.CancelFunc
	started time.Time
	done    chan struct{}

	runErr error
	ctxErr error
}

// jobs tracks background shell commands across dispatch calls so that
// later check and terminate actions can find them, and so that agent
// termination kills the processes they own.
type jobs struct {
	log     *slog.Logger
	deliver func(agent.Scope, Outcome)

	mu sync.Mutex
	m  map[string]*job
}

func newJobs(log *slog.Logger, deliver func(agent.Scope, Outcome)) *jobs {
	return &jobs{log: log, deliver: deliver, m: map[string]*job{}}
}

func (js *jobs) register(j *job) {
	js.mu.Lock()
	js.m[j.id] = j
	js.mu.Unlock()
}

func (js *jobs) get(id string) (*job, bool) {
	js.mu.Lock()
	defer js.mu.Unlock()
	j, ok := js.m[id]
	return j, ok
}

func (js *jobs) remove(id string) {
	js.mu.Lock()
	delete(js.m, id)
	js.mu.Unlock()
}

// killByAgent cancels every job owned by the agent. Fired from the
// lifecycle topic when an agent terminates.
func (js *jobs) killByAgent(agentID string) {
	js.mu.Lock()
	var doomed []*job
	for _, j := range js.m {
		if j.scope.AgentID == agentID {
			doomed = append(doomed, j)
		}
	}
	js.mu.Unlock()
	for _, j := range doomed {
		js.log.Info("killing shell job, agent terminated",
			slog.String("job_id", j.id),
			slog.String("agent_id", agentID))
		j.cancel()
	}
}

func (js *jobs) killAll() {
	js.mu.Lock()
	all := make([]*job, 0, len(js.m))
	for _, j := range js.m {
		all = append(all, j)
	}
	js.mu.Unlock()
	for _, j := range all {
		j.cancel()
	}
}

// watch delivers the job's final result once its runner finishes, then
// forgets the job. Runs on its own goroutine per promoted job.
func (js *jobs) watch(j *job) {
	<-j.done
	js.remove(j.id)

	r := action.Result{ActionID: j.act.ID, Kind: j.act.Kind}
	output := secrets.Scrub(j.buf.String(), j.used)
	if j.runErr == nil {
		r.OK = true
		r.Output = output
	} else {
		r.Error = shellFailure(j, output)
	}
	js.deliver(j.scope, Outcome{Result: r})
}

// tailBuffer keeps the last max bytes written to it. Shell jobs can run
// for minutes; only the tail of their output is worth carrying back.
type tailBuffer struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		tail := make([]byte, b.max)
		copy(tail, b.buf[len(b.buf)-b.max:])
		b.buf = tail
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return "[earlier output truncated]\n" + string(b.buf)
	}
	return string(b.buf)
}
