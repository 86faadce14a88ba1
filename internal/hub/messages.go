package hub

import "encoding/json"

// 观察端发来的命令
const (
	CommandJoin              = "join"
	CommandLeave             = "leave"
	CommandCandidateResponse = "candidateResponse"
	CommandStartInterview    = "startInterview"
	CommandEndInterview      = "endInterview"
)

// 推送给观察端的事件
const (
	EventJoinedInterview      = "joinedInterview"
	EventParticipantJoined    = "participantJoined"
	EventParticipantLeft      = "participantLeft"
	EventAIInterviewerMessage = "aiInterviewerMessage"
	EventInterviewEnded       = "interviewEnded"
	EventError                = "error"
	EventAck                  = "ack"
)

// Inbound 命令帧
type Inbound struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Outbound 事件帧
type Outbound struct {
	Event     string      `json:"event"`
	RequestID string      `json:"requestId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// CommandData 各命令共用的参数
type CommandData struct {
	InterviewID   string `json:"interviewId"`
	ParticipantID string `json:"participantId,omitempty"`
	Text          string `json:"text,omitempty"`
}

// Ack 命令结果，只发给发起方
type Ack struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

type JoinedInterview struct {
	InterviewID string `json:"interviewId"`
	Message     string `json:"message"`
}

type ParticipantEvent struct {
	ParticipantID string `json:"participantId"`
}

// AIInterviewerMessage 面试官的一条发言
type AIInterviewerMessage struct {
	InterviewID string `json:"interviewId"`
	Message     string `json:"message"`
	MessageType string `json:"messageType"`
}

// InterviewEnded 面试结束，summary在总结成功时携带
type InterviewEnded struct {
	InterviewID string `json:"interviewId"`
	Message     string `json:"message"`
	Summary     string `json:"summary,omitempty"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}
