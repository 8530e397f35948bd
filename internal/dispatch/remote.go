package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/nao1215/edgegate/internal/session"
	"github.com/nao1215/edgegate/pkg/httpclient"
)

// RemoteSessionWriter はゲートウェイのセッションAPIへ書き込むSessionWriter。
// ゲートウェイのアクターを経由するため、同じキーへの書き込みはゲートウェイ側で直列化される。
type RemoteSessionWriter struct {
	client *httpclient.Client
}

var _ SessionWriter = (*RemoteSessionWriter)(nil)

// NewRemoteSessionWriter は新しいRemoteSessionWriterを生成する。
func NewRemoteSessionWriter(client *httpclient.Client) *RemoteSessionWriter {
	return &RemoteSessionWriter{client: client}
}

// Put はPUT /sessions/{key} を呼び出す。
func (w *RemoteSessionWriter) Put(ctx context.Context, key string, data json.RawMessage) (*session.Record, error) {
	if err := session.ValidateKey(key); err != nil {
		return nil, err
	}

	var rec session.Record
	if err := w.client.PutJSON(ctx, "/sessions/"+url.PathEscape(key), data, &rec); err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusBadRequest {
			return nil, fmt.Errorf("%w: %w", session.ErrInvalidKey, err)
		}
		return nil, fmt.Errorf("セッション %s への書き込みに失敗: %w", key, err)
	}
	return &rec, nil
}
