package datasource

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/hatlonely/backo/logx"
	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

// WebSocketSource 长连接适配器，请求响应都是 JSON 帧
// 连接断开后下一次调用自动重连
type WebSocketSource struct {
	url       string
	headers   http.Header
	reconnect bool
	timeout   time.Duration
	log       logx.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSourceWithOptions 创建 WebSocketSource，构造时建立连接
func NewWebSocketSourceWithOptions(opts *schema.DataSourceOptions) (*WebSocketSource, error) {
	if opts.URL == "" {
		return nil, errors.New("websocket source requires url")
	}

	timeout := defaultHTTPTimeout
	if opts.Timeout != "" {
		d, err := time.ParseDuration(opts.Timeout)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid timeout: %s", opts.Timeout)
		}
		timeout = d
	}

	headers := http.Header{}
	for k, v := range opts.Headers {
		headers.Set(k, v)
	}

	s := &WebSocketSource{
		url:       opts.URL,
		headers:   headers,
		reconnect: opts.Reconnect,
		timeout:   timeout,
		log:       logx.Default(),
	}
	if err := s.dial(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *WebSocketSource) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.timeout}
	conn, _, err := dialer.DialContext(ctx, s.url, s.headers)
	if err != nil {
		return errors.WithMessagef(err, "failed to connect to %s", s.url)
	}
	s.conn = conn
	return nil
}

func (s *WebSocketSource) ExecuteQuery(ctx context.Context, query string, params record.Record) ([]record.Record, error) {
	return s.ExecuteQueryPaginated(ctx, query, params, nil)
}

// ExecuteQueryPaginated 分页参数作为 page/page_size 字段并入请求帧
func (s *WebSocketSource) ExecuteQueryPaginated(ctx context.Context, query string, params record.Record, page *Pagination) ([]record.Record, error) {
	request := map[string]any{"action": "query", "query": query}
	for k, v := range params {
		request[k] = v
	}
	if page.Limit() > 0 {
		request["page"] = page.Page
		request["page_size"] = page.Limit()
	}

	var response any
	if err := s.roundTrip(ctx, request, &response); err != nil {
		return nil, err
	}
	return decodeFrames(response), nil
}

// ExecuteMutation data 整体作为一帧发送，返回对端应答帧
func (s *WebSocketSource) ExecuteMutation(ctx context.Context, query string, data record.Record) (any, error) {
	request := map[string]any{"action": "mutate", "query": query}
	for k, v := range data {
		request[k] = v
	}

	var response any
	if err := s.roundTrip(ctx, request, &response); err != nil {
		return nil, err
	}
	if response == nil {
		return record.Record{"success": true}, nil
	}
	return response, nil
}

func (s *WebSocketSource) roundTrip(ctx context.Context, request map[string]any, response *any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		if !s.reconnect {
			return errors.New("websocket connection is closed")
		}
		if err := s.dial(ctx); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	_ = s.conn.SetReadDeadline(deadline)

	if err := s.conn.WriteJSON(request); err != nil {
		s.dropConn()
		return errors.WithMessage(err, "failed to write frame")
	}
	if err := s.conn.ReadJSON(response); err != nil {
		s.dropConn()
		return errors.WithMessage(err, "failed to read response frame")
	}
	return nil
}

// dropConn 丢弃失效连接，带重连配置时下次调用重建
func (s *WebSocketSource) dropConn() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.reconnect {
		s.log.Warn("websocket connection dropped, will reconnect on next call", "url", s.url)
	}
}

// decodeFrames 数组帧逐条转记录，对象帧作为单条记录
func decodeFrames(response any) []record.Record {
	switch v := response.(type) {
	case []any:
		records := make([]record.Record, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				records = append(records, record.Record(m))
			}
		}
		return records
	case map[string]any:
		// 对象帧带 items/data 数组时展开
		for _, field := range []string{"items", "data", "records"} {
			if items, ok := v[field].([]any); ok {
				return decodeFrames(items)
			}
		}
		return []record.Record{record.Record(v)}
	default:
		return []record.Record{}
	}
}

func (s *WebSocketSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}
