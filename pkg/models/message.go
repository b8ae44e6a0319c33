package models

import (
	"encoding/json"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelMemory   ChannelType = "memory"
	// ChannelCron is the synthetic channel cron system events arrive on.
	ChannelCron ChannelType = "cron"
)

// ChatType distinguishes direct conversations from group chats.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	// RoleTool marks the carrier message holding the results for the
	// tool calls of the immediately preceding assistant message.
	RoleTool Role = "tool"
)

// Message is a single timestamped turn in a conversation transcript.
//
// An assistant message may carry ToolCalls; the next message in the
// transcript is then a RoleTool carrier with exactly one ToolResult per
// call, in call order.
type Message struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	Channel     ChannelType    `json:"channel,omitempty"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ToolCall represents an LLM's request to execute a tool.
// IDs are unique within one assistant message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents the output of one tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// MsgContext is the channel-independent view of one inbound message as
// delivered by an adapter to the dispatcher.
type MsgContext struct {
	Channel    ChannelType `json:"channel"`
	From       string      `json:"from"`
	SenderName string      `json:"sender_name,omitempty"`
	ChatType   ChatType    `json:"chat_type"`
	GroupID    string      `json:"group_id,omitempty"`
	MessageID  string      `json:"message_id"`
	Body       string      `json:"body"`
	Timestamp  time.Time   `json:"timestamp"`
}

// ConversationID returns the stable conversation identity used to build
// session keys: the group for group chats, the sender otherwise.
func (m *MsgContext) ConversationID() string {
	if m.ChatType == ChatGroup && m.GroupID != "" {
		return m.GroupID
	}
	return m.From
}

// SessionEntry is the active registry record for one conversation.
// Rotation allocates a fresh SessionID and bumps RotatedCount; the old
// transcript stays on disk under the previous id.
type SessionEntry struct {
	SessionKey   string      `json:"session_key"`
	SessionID    string      `json:"session_id"`
	Channel      ChannelType `json:"channel"`
	ChatType     ChatType    `json:"chat_type"`
	GroupID      string      `json:"group_id,omitempty"`
	DisplayName  string      `json:"display_name,omitempty"`
	Model        string      `json:"model,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	RotatedCount int         `json:"rotated_count"`
}

// SessionKey derives the stable conversation identity from a channel and
// conversation id.
func SessionKey(channel ChannelType, conversationID string) string {
	return string(channel) + ":" + conversationID
}
