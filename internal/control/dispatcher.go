package control

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"reqsploit/internal/logger"
	"reqsploit/internal/session"
	"reqsploit/pkg/model"
	"reqsploit/pkg/traffic"
)

// Dispatcher 解析操作端命令并落到对应会话的请求队列
type Dispatcher struct {
	manager *session.Manager
	log     logger.Logger
}

// NewDispatcher 创建命令分发器
func NewDispatcher(manager *session.Manager, l logger.Logger) *Dispatcher {
	if l == nil {
		l = logger.NewNop()
	}
	return &Dispatcher{manager: manager, log: l}
}

// Dispatch 处理一条命令，返回需要回写给操作端的消息（可为 nil）
func (d *Dispatcher) Dispatch(user model.UserID, msg []byte) []byte {
	cmdType := gjson.GetBytes(msg, "type").String()

	q, err := d.manager.QueueFor(user)
	if err != nil {
		return errorReply(cmdType, err)
	}

	switch cmdType {
	case model.CommandForward:
		requestID := model.RequestID(gjson.GetBytes(msg, "requestId").String())
		var mods *traffic.Modifications
		if raw := gjson.GetBytes(msg, "modifications"); raw.Exists() {
			mods = &traffic.Modifications{}
			if err := json.Unmarshal([]byte(raw.Raw), mods); err != nil {
				d.log.Warn("modifications 解析失败", "error", err)
				return errorReply(cmdType, err)
			}
		}
		if err := q.Forward(requestID, mods); err != nil {
			return errorReply(cmdType, err)
		}
		return nil

	case model.CommandDrop:
		requestID := model.RequestID(gjson.GetBytes(msg, "requestId").String())
		if err := q.Drop(requestID); err != nil {
			return errorReply(cmdType, err)
		}
		return nil

	case model.CommandGetQueue:
		reply, err := json.Marshal(map[string]any{
			"type":    model.EventQueueChanged,
			"payload": q.Snapshot(),
		})
		if err != nil {
			return errorReply(cmdType, err)
		}
		return reply

	default:
		d.log.Debug("未知命令", "type", cmdType, "userID", string(user))
		return nil
	}
}

// errorReply 错误按分类回写，绝不静默吞掉
func errorReply(cmdType string, err error) []byte {
	reply, _ := json.Marshal(map[string]any{
		"type":    "error",
		"command": cmdType,
		"message": err.Error(),
		"status":  model.StatusOf(err),
	})
	return reply
}
