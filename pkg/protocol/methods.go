package protocol

// RPC method name constants, the handler catalogue consumed by clients.
const (
	// Agent
	MethodAgent     = "agent"
	MethodAgentWait = "agent.wait"

	// Sessions
	MethodSessionsList    = "sessions.list"
	MethodSessionsResolve = "sessions.resolve"
	MethodSessionsPatch   = "sessions.patch"
	MethodSessionsReset   = "sessions.reset"
	MethodSessionsDelete  = "sessions.delete"
	MethodSessionsCompact = "sessions.compact"
	MethodSessionsSpawn   = "sessions.spawn"

	// Chat
	MethodChatHistory = "chat.history"

	// Outbound delivery
	MethodSend = "send"

	// Config
	MethodConfigGet    = "config.get"
	MethodConfigSchema = "config.schema"
	MethodConfigSet    = "config.set"
	MethodConfigApply  = "config.apply"

	// Channels
	MethodChannelsStatus = "channels.status"
	MethodChannelsLogout = "channels.logout"

	// System
	MethodHealth = "health"
)

// Event names pushed from server to clients.
const (
	EventAgent            = "agent"
	EventSessionCreated   = "session.created"
	EventSessionReset     = "session.reset"
	EventSessionDeleted   = "session.deleted"
	EventSessionCompacted = "session.compacted"
	EventShutdown         = "shutdown"
	EventHealth           = "health"
)

// Agent event subtypes (in payload.type).
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunAborted   = "run.aborted"
	AgentEventBlockReply   = "block.reply"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

// Methods returns the full handler catalogue for the hello envelope.
func Methods() []string {
	return []string{
		MethodAgent, MethodAgentWait,
		MethodSessionsList, MethodSessionsResolve, MethodSessionsPatch,
		MethodSessionsReset, MethodSessionsDelete, MethodSessionsCompact,
		MethodSessionsSpawn,
		MethodChatHistory,
		MethodSend,
		MethodConfigGet, MethodConfigSchema, MethodConfigSet, MethodConfigApply,
		MethodChannelsStatus, MethodChannelsLogout,
		MethodHealth,
	}
}
