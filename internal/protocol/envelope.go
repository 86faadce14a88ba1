package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// 单个信封的最大长度
	MaxEnvelopeSize = 64 * 1024

	// 面试官在聊天消息中的署名
	InterviewerSender = "AI Interviewer"
)

var (
	ErrInvalidEnvelope  = errors.New("invalid envelope")
	ErrUnknownEnvelope  = errors.New("unknown envelope")
	ErrEnvelopeTooLarge = errors.New("envelope too large")
)

// 信封类型
const (
	TypeData              = "data"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	PayloadTypeChat       = "chat"
	KindUser              = "user"
	KindReliable          = "reliable"
)

// Envelope 媒体数据通道上的原始信封，payload本身是JSON字符串
type Envelope struct {
	Type        string `json:"type"`
	Kind        string `json:"kind,omitempty"`
	Payload     string `json:"payload,omitempty"`
	Participant string `json:"participant,omitempty"`
}

// ChatPayload 聊天消息
type ChatPayload struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Sender    string `json:"sender,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// EventKind 解码后的入站事件类型
type EventKind int

const (
	EventCandidateChat EventKind = iota + 1
	EventParticipantJoined
	EventParticipantLeft
)

func (k EventKind) String() string {
	switch k {
	case EventCandidateChat:
		return "candidate_chat"
	case EventParticipantJoined:
		return "participant_joined"
	case EventParticipantLeft:
		return "participant_left"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event 经过校验的入站事件
type Event struct {
	Kind        EventKind
	Text        string
	Participant string
}

// DecodeEvent 校验并解码入站信封。
// 格式错误返回ErrInvalidEnvelope，格式正确但不需要处理的返回ErrUnknownEnvelope。
func DecodeEvent(raw []byte) (Event, error) {
	if len(raw) > MaxEnvelopeSize {
		return Event{}, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, len(raw))
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	switch env.Type {
	case TypeParticipantJoined:
		return Event{Kind: EventParticipantJoined, Participant: env.Participant}, nil
	case TypeParticipantLeft:
		return Event{Kind: EventParticipantLeft, Participant: env.Participant}, nil
	case TypeData:
		if env.Kind != KindUser {
			return Event{}, fmt.Errorf("%w: data kind %q", ErrUnknownEnvelope, env.Kind)
		}
		var chat ChatPayload
		if err := json.Unmarshal([]byte(env.Payload), &chat); err != nil {
			return Event{}, fmt.Errorf("%w: payload: %v", ErrInvalidEnvelope, err)
		}
		if chat.Type != PayloadTypeChat {
			return Event{}, fmt.Errorf("%w: payload type %q", ErrUnknownEnvelope, chat.Type)
		}
		text := strings.TrimSpace(chat.Message)
		if text == "" {
			return Event{}, fmt.Errorf("%w: empty chat message", ErrInvalidEnvelope)
		}
		return Event{Kind: EventCandidateChat, Text: text, Participant: env.Participant}, nil
	case "":
		return Event{}, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	default:
		return Event{}, fmt.Errorf("%w: type %q", ErrUnknownEnvelope, env.Type)
	}
}

// EncodeChat 编码面试官发出的聊天信封
func EncodeChat(message string, at time.Time) ([]byte, error) {
	payload, err := json.Marshal(ChatPayload{
		Type:      PayloadTypeChat,
		Message:   message,
		Sender:    InterviewerSender,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return EncodeEnvelope(Envelope{Type: TypeData, Kind: KindReliable, Payload: string(payload)})
}

// EncodeCandidateChat 编码候选人侧的聊天信封，本地房间和测试使用
func EncodeCandidateChat(message string) ([]byte, error) {
	payload, err := json.Marshal(ChatPayload{Type: PayloadTypeChat, Message: message})
	if err != nil {
		return nil, err
	}
	return EncodeEnvelope(Envelope{Type: TypeData, Kind: KindUser, Payload: string(payload)})
}

// EncodeEnvelope 编码信封并检查长度
func EncodeEnvelope(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if len(raw) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, len(raw))
	}
	return raw, nil
}

// DecodeEnvelope 只解析外层信封
func DecodeEnvelope(raw []byte) (Envelope, error) {
	if len(raw) > MaxEnvelopeSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, len(raw))
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	return env, nil
}

// DecodeChat 解析聊天载荷
func DecodeChat(env Envelope) (ChatPayload, error) {
	var chat ChatPayload
	if err := json.Unmarshal([]byte(env.Payload), &chat); err != nil {
		return ChatPayload{}, fmt.Errorf("%w: payload: %v", ErrInvalidEnvelope, err)
	}
	return chat, nil
}
