package lessons

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/quorum/internal/events"
	"github.com/dohr-michael/quorum/internal/store"
)

// Generator runs one completion. Satisfied by models.Registry.
type Generator interface {
	Generate(ctx context.Context, name string, messages []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

const maxResultLen = 4000

const extractionPrompt = `Extract 0-3 reusable lessons from this finished task.
A lesson is something useful for future tasks: a pattern, a gotcha, a decision that paid off.
Return a JSON array: [{"category":"...","content":"..."}]
If nothing is worth keeping, return [].

Task: %s

Result (truncated):
%s`

// Extractor watches for completed tasks and distills their results into
// journal lessons through a single model call. Extraction is best-effort:
// failures are logged and the task outcome is never affected.
type Extractor struct {
	journal *Journal
	store   *store.Store
	bus     *events.Bus
	gen     Generator
	model   string
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsub  func()
}

// NewExtractor builds an extractor using the named provider for the
// distillation call.
func NewExtractor(journal *Journal, st *store.Store, bus *events.Bus, gen Generator, modelName string, log *slog.Logger) *Extractor {
	return &Extractor{
		journal: journal,
		store:   st,
		bus:     bus,
		gen:     gen,
		model:   modelName,
		log:     log.With(slog.String("component", "lessons")),
	}
}

// Start subscribes to task status changes.
func (e *Extractor) Start() {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.unsub = e.bus.Subscribe("tasks:*:status", e.handle)
	e.log.Info("lesson extractor started", slog.String("model", e.model))
}

// Stop unsubscribes and waits for in-flight extractions.
func (e *Extractor) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Extractor) handle(ev events.Event) {
	sc, ok := ev.Payload.(events.TaskStatusChanged)
	if !ok || sc.Status != string(store.TaskCompleted) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.extract(sc.TaskID)
	}()
}

func (e *Extractor) extract(taskID string) {
	t, err := e.store.GetTask(e.ctx, taskID)
	if err != nil || t.Result == "" {
		return
	}

	result := t.Result
	if len(result) > maxResultLen {
		result = result[:maxResultLen]
	}

	prompt := strings.Replace(extractionPrompt, "%s", t.Prompt, 1)
	prompt = strings.Replace(prompt, "%s", result, 1)

	reply, err := e.gen.Generate(e.ctx, e.model, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		e.log.Debug("lesson extraction call failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		return
	}

	for _, lesson := range parseLessons(reply.Content) {
		if _, err := e.journal.Record(e.ctx, taskID, lesson.Category, lesson.Content); err != nil {
			e.log.Debug("record extracted lesson", slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
	}
}

type extractedLesson struct {
	Category string `json:"category"`
	Content  string `json:"content"`
}

// parseLessons reads the model reply as a JSON array, tolerating markdown
// fences. Empty entries are dropped and at most three survive.
func parseLessons(resp string) []extractedLesson {
	resp = strings.TrimSpace(resp)

	if strings.HasPrefix(resp, "```") {
		lines := strings.Split(resp, "\n")
		if len(lines) >= 2 {
			lines = lines[1:]
			if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
				lines = lines[:len(lines)-1]
			}
			resp = strings.Join(lines, "\n")
		}
	}

	var lessons []extractedLesson
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp)), &lessons); err != nil {
		return nil
	}

	var valid []extractedLesson
	for _, l := range lessons {
		if strings.TrimSpace(l.Content) == "" {
			continue
		}
		valid = append(valid, l)
		if len(valid) >= 3 {
			break
		}
	}
	return valid
}
