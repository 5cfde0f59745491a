package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hatlonely/backo/logx"
	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

// GraphQLSource GraphQL 端点适配器，查询字符串即 GraphQL 文档
// params 作为 variables 发送，响应的 data 对象展开为记录
type GraphQLSource struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
	retries  int
	log      logx.Logger
}

// NewGraphQLSourceWithOptions 创建 GraphQLSource
func NewGraphQLSourceWithOptions(opts *schema.DataSourceOptions) (*GraphQLSource, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("graphql source requires endpoint")
	}

	timeout := defaultHTTPTimeout
	if opts.Timeout != "" {
		d, err := time.ParseDuration(opts.Timeout)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid timeout: %s", opts.Timeout)
		}
		timeout = d
	}

	return &GraphQLSource{
		endpoint: opts.Endpoint,
		headers:  opts.Headers,
		client:   &http.Client{Timeout: timeout},
		retries:  opts.Retries,
		log:      logx.Default(),
	}, nil
}

func (s *GraphQLSource) ExecuteQuery(ctx context.Context, query string, params record.Record) ([]record.Record, error) {
	return s.post(ctx, query, params, nil)
}

// ExecuteQueryPaginated 分页并入 variables 的 page/pageSize 字段
func (s *GraphQLSource) ExecuteQueryPaginated(ctx context.Context, query string, params record.Record, page *Pagination) ([]record.Record, error) {
	return s.post(ctx, query, params, page)
}

// ExecuteMutation GraphQL 不区分读写请求，data 同样作为 variables 发送
func (s *GraphQLSource) ExecuteMutation(ctx context.Context, query string, data record.Record) (any, error) {
	records, err := s.post(ctx, query, data, nil)
	if err != nil {
		return nil, err
	}
	if len(records) == 1 {
		return records[0], nil
	}
	return records, nil
}

func (s *GraphQLSource) post(ctx context.Context, query string, params record.Record, page *Pagination) ([]record.Record, error) {
	variables := map[string]any{}
	for k, v := range params {
		variables[k] = v
	}
	if page.Limit() > 0 {
		variables["page"] = page.Page
		variables["pageSize"] = page.Limit()
	}

	payload, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to encode request body")
	}

	var envelope struct {
		Data   map[string]any `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	err = withRetry(ctx, s.log, s.retries, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
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

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.WithMessage(err, "failed to read response body")
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return errors.Errorf("server error: %s", resp.Status)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return &permanentError{errors.Errorf("client error: %s: %s", resp.Status, string(body))}
		}

		envelope.Data = nil
		envelope.Errors = nil
		return errors.WithMessage(json.Unmarshal(body, &envelope), "failed to parse response")
	})
	if err != nil {
		return nil, err
	}

	if len(envelope.Errors) > 0 {
		messages := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			messages = append(messages, e.Message)
		}
		return nil, errors.Errorf("graphql errors: %s", strings.Join(messages, "; "))
	}
	if envelope.Data == nil {
		return []record.Record{}, nil
	}

	// 单字段返回数组时展开为多条记录，其余情况 data 整体作为一条记录
	if len(envelope.Data) == 1 {
		for _, v := range envelope.Data {
			if items, ok := v.([]any); ok {
				records := make([]record.Record, 0, len(items))
				for _, item := range items {
					if m, ok := item.(map[string]any); ok {
						records = append(records, record.Record(m))
					}
				}
				return records, nil
			}
		}
	}
	return []record.Record{record.Record(envelope.Data)}, nil
}

func (s *GraphQLSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
