package protocol

// Realtime event kinds pushed from server to subscribers.
// The set is closed: the bus drops anything else at broadcast time.
const (
	EventConnectionEstablished = "connection_established"
	EventChatMessage           = "chat_message"
	EventChatStream            = "chat_stream"
	EventChatResponse          = "chat_response"
	EventAgentCreated          = "agent_created"
	EventAgentUpdated          = "agent_updated"
	EventAgentDeleted          = "agent_deleted"
	EventAgentStatusChanged    = "agent_status_changed"
	EventAgentLog              = "agent_log"
	EventAgentMessage          = "agent_message"
	EventWorkflowUpdate        = "workflow_update"
	EventAgentCollaboration    = "agent_collaboration"
	EventError                 = "error"
	EventPong                  = "pong"
)

// Channel id scheme for the realtime bus.
const (
	ChannelGlobal = "global"
)

// ChatChannel returns the bus channel for one session's chat stream.
func ChatChannel(sessionID string) string { return "chat:" + sessionID }

// AgentChannel returns the bus channel for one agent's updates.
func AgentChannel(agentID string) string { return "agent:" + agentID }

// WorkflowChannel returns the bus channel for one workflow's updates.
func WorkflowChannel(workflowID string) string { return "workflow:" + workflowID }

// KnownEventKinds lists every valid event kind.
var KnownEventKinds = map[string]bool{
	EventConnectionEstablished: true,
	EventChatMessage:           true,
	EventChatStream:            true,
	EventChatResponse:          true,
	EventAgentCreated:          true,
	EventAgentUpdated:          true,
	EventAgentDeleted:          true,
	EventAgentStatusChanged:    true,
	EventAgentLog:              true,
	EventAgentMessage:          true,
	EventWorkflowUpdate:        true,
	EventAgentCollaboration:    true,
	EventError:                 true,
	EventPong:                  true,
}
