package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hatlonely/backo/logx"
	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

const defaultHTTPTimeout = 10 * time.Second

// RESTSource REST API 适配器，查询字符串是相对路径
// 读写都走重试策略，单次调用带固定超时
type RESTSource struct {
	baseURL string
	headers map[string]string
	client  *http.Client
	retries int
	log     logx.Logger
}

// NewRESTSourceWithOptions 创建 RESTSource
func NewRESTSourceWithOptions(opts *schema.DataSourceOptions) (*RESTSource, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("rest source requires base_url")
	}

	timeout := defaultHTTPTimeout
	if opts.Timeout != "" {
		d, err := time.ParseDuration(opts.Timeout)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid timeout: %s", opts.Timeout)
		}
		timeout = d
	}

	return &RESTSource{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		headers: opts.Headers,
		client:  &http.Client{Timeout: timeout},
		retries: opts.Retries,
		log:     logx.Default(),
	}, nil
}

func (s *RESTSource) ExecuteQuery(ctx context.Context, endpoint string, params record.Record) ([]record.Record, error) {
	return s.get(ctx, endpoint, params, nil)
}

// ExecuteQueryPaginated 分页翻译为 page/page_size 查询参数
func (s *RESTSource) ExecuteQueryPaginated(ctx context.Context, endpoint string, params record.Record, page *Pagination) ([]record.Record, error) {
	return s.get(ctx, endpoint, params, page)
}

func (s *RESTSource) get(ctx context.Context, endpoint string, params record.Record, page *Pagination) ([]record.Record, error) {
	query := url.Values{}
	for k, v := range params {
		if str, ok := record.ToString(v); ok {
			query.Set(k, str)
		}
	}
	if page.Limit() > 0 {
		query.Set("page", fmt.Sprintf("%d", page.Page))
		query.Set("page_size", fmt.Sprintf("%d", page.Limit()))
	}

	target := s.baseURL + "/" + strings.TrimPrefix(endpoint, "/")
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var body []byte
	err := withRetry(ctx, s.log, s.retries, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return errors.WithMessage(err, "failed to build request")
		}
		for k, v := range s.headers {
			req.Header.Set(k, v)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return errors.WithMessage(err, "request failed")
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return errors.Errorf("server error: %s", resp.Status)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			// 4xx 重试不会改变结果，直接放弃
			buf, _ := io.ReadAll(resp.Body)
			return &permanentError{errors.Errorf("client error: %s: %s", resp.Status, string(buf))}
		}

		body, err = io.ReadAll(resp.Body)
		return errors.WithMessage(err, "failed to read response body")
	})
	if err != nil {
		return nil, err
	}

	return decodeRESTBody(body)
}

// ExecuteMutation POST JSON 到目标路径
func (s *RESTSource) ExecuteMutation(ctx context.Context, endpoint string, data record.Record) (any, error) {
	payload, err := json.Marshal(map[string]any(data))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to encode request body")
	}
	target := s.baseURL + "/" + strings.TrimPrefix(endpoint, "/")

	var result any
	err = withRetry(ctx, s.log, s.retries, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return errors.WithMessage(err, "failed to build request")
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range s.headers {
			req.Header.Set(k, v)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return errors.WithMessage(err, "request failed")
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return errors.Errorf("server error: %s", resp.Status)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.WithMessage(err, "failed to read response body")
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return &permanentError{errors.Errorf("client error: %s: %s", resp.Status, string(body))}
		}
		if len(body) == 0 {
			result = record.Record{"success": true}
			return nil
		}
		return errors.WithMessage(json.Unmarshal(body, &result), "failed to parse response")
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *RESTSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// permanentError 标记不应重试的失败
type permanentError struct {
	error
}

// decodeRESTBody 数组转多条记录，对象转单条记录
func decodeRESTBody(body []byte) ([]record.Record, error) {
	if len(body) == 0 {
		return []record.Record{}, nil
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.WithMessage(err, "failed to parse response as JSON")
	}

	switch t := parsed.(type) {
	case []any:
		results := []record.Record{}
		for _, item := range t {
			if obj, ok := item.(map[string]any); ok {
				results = append(results, record.Record(obj))
			}
		}
		return results, nil
	case map[string]any:
		return []record.Record{record.Record(t)}, nil
	}
	return nil, errors.New("unexpected API response format")
}
