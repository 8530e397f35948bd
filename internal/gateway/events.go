package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/pkg/event"
	"github.com/nao1215/edgegate/pkg/middleware"
	"go.uber.org/zap"
)

// errNotObject はボディがJSONオブジェクトでないことを表す。
var errNotObject = errors.New("request body is not a JSON object")

// handleEnqueueEvent はイベントをキューに投入するハンドラを返す。
// 配送の完了は待たずに202を返す。
func (s *Server) handleEnqueueEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readJSONBody(c)
		if !ok {
			return
		}

		msg, err := messageFromBody(body)
		if err != nil {
			_ = c.Error(err)
			middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_BODY", "イベントの形式が不正です")
			return
		}
		msg.Subject = middleware.Subject(c)

		id, err := s.events.Enqueue(c.Request.Context(), msg)
		if err != nil {
			_ = c.Error(err)
			s.log.Error("イベントの投入に失敗", zap.String("type", string(msg.Type)), zap.Error(err))
			middleware.AbortWithError(c, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "イベントを投入できません")
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true, "id": id})
	}
}

// eventBody は型付きで投入されたイベントのボディ。
type eventBody struct {
	Type     event.Type        `json:"type"`
	Payload  json.RawMessage   `json:"payload"`
	Metadata map[string]string `json:"metadata"`
}

// messageFromBody はボディからメッセージを組み立てる。
// 文字列のtypeを持つオブジェクトはtype, payload, metadataとして解釈し、
// それ以外のオブジェクトは全体をcustomイベントのペイロードとして扱う。
func messageFromBody(body json.RawMessage) (*event.Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, errNotObject
	}

	var typ string
	if raw, ok := fields["type"]; ok && json.Unmarshal(raw, &typ) == nil && typ != "" {
		var b eventBody
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, err
		}
		return &event.Message{Type: b.Type, Payload: b.Payload, Metadata: b.Metadata}, nil
	}
	return &event.Message{Type: event.TypeCustom, Payload: body}, nil
}
