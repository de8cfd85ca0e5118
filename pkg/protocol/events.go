package protocol

// Hook event names. User scripts receive the event name in the
// DOTCLAW_HOOK_EVENT environment variable and the payload as JSON on stdin.
const (
	EventMessageReceived   = "message:received"
	EventMessageProcessing = "message:processing"
	EventMessageResponded  = "message:responded"
	EventAgentStart        = "agent:start"
	EventAgentComplete     = "agent:complete"
	EventJobSpawned        = "job:spawned"
	EventJobCompleted      = "job:completed"
	EventTaskFired         = "task:fired"
	EventTaskCompleted     = "task:completed"
	EventMemoryUpserted    = "memory:upserted"
)

// HookEventEnv is the environment variable carrying the event name.
const HookEventEnv = "DOTCLAW_HOOK_EVENT"

// HookEvents is the closed set of events the hook bus will dispatch.
var HookEvents = map[string]bool{
	EventMessageReceived:   true,
	EventMessageProcessing: true,
	EventMessageResponded:  true,
	EventAgentStart:        true,
	EventAgentComplete:     true,
	EventJobSpawned:        true,
	EventJobCompleted:      true,
	EventTaskFired:         true,
	EventTaskCompleted:     true,
	EventMemoryUpserted:    true,
}
