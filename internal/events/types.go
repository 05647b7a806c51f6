package events

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Event is one message on the bus. Payload is a typed struct from
// payloads.go; gateway subscribers JSON-encode it as-is.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// eventIDCounter is used to generate sequential event IDs.
var eventIDCounter uint64

// NewEvent creates a new event with the current timestamp.
func NewEvent(topic string, payload any) Event {
	return Event{
		ID:        generateEventID(),
		Topic:     topic,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

func generateEventID() string {
	seq := atomic.AddUint64(&eventIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)
}

// Topic names. Per-agent and per-task topics embed the id as the middle
// segment, so patterns like "agents:*:logs" or "tasks:>" select them.
const (
	TopicLifecycle = "agents:lifecycle"
	TopicActions   = "actions:all"
	TopicSchedules = "schedules:all"
)

func TopicAgentLogs(agentID string) string  { return "agents:" + agentID + ":logs" }
func TopicAgentTodos(agentID string) string { return "agents:" + agentID + ":todos" }
func TopicAgentCosts(agentID string) string { return "agents:" + agentID + ":costs" }

func TopicTaskMessages(taskID string) string { return "tasks:" + taskID + ":messages" }
func TopicTaskCosts(taskID string) string    { return "tasks:" + taskID + ":costs" }
func TopicTaskStatus(taskID string) string   { return "tasks:" + taskID + ":status" }
