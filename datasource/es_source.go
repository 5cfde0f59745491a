package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/pkg/errors"

	"github.com/hatlonely/backo/logx"
	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

// ESSource 搜索引擎适配器，查询字符串是目标引擎的原生 JSON DSL
type ESSource struct {
	client *elasticsearch.Client
	index  string
	log    logx.Logger
}

// NewESSourceWithOptions 创建 ESSource，构造时 Info 校验连通性
func NewESSourceWithOptions(opts *schema.DataSourceOptions) (*ESSource, error) {
	if len(opts.Addresses) == 0 {
		return nil, errors.New("elasticsearch source requires addresses")
	}
	if opts.Index == "" {
		return nil, errors.New("elasticsearch source requires index")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create elasticsearch client")
	}

	res, err := client.Info()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to connect to elasticsearch")
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, errors.Errorf("elasticsearch connection error: %s", res.String())
	}

	return &ESSource{client: client, index: opts.Index, log: logx.Default()}, nil
}

func (s *ESSource) ExecuteQuery(ctx context.Context, query string, params record.Record) ([]record.Record, error) {
	return s.search(ctx, query, params, nil)
}

// ExecuteQueryPaginated 分页翻译为 from/size 注入查询体
func (s *ESSource) ExecuteQueryPaginated(ctx context.Context, query string, params record.Record, page *Pagination) ([]record.Record, error) {
	return s.search(ctx, query, params, page)
}

func (s *ESSource) search(ctx context.Context, query string, params record.Record, page *Pagination) ([]record.Record, error) {
	body := map[string]any{}
	if strings.TrimSpace(query) == "" {
		body["query"] = map[string]any{"match_all": map[string]any{}}
	} else if err := json.Unmarshal([]byte(query), &body); err != nil {
		return nil, errors.WithMessage(err, "failed to parse query as JSON")
	}

	if len(params) > 0 {
		if queryObj, ok := body["query"].(map[string]any); ok {
			for k, v := range params {
				queryObj[k] = v
			}
		}
	}

	if page.Limit() > 0 {
		body["from"] = page.Skip()
		body["size"] = page.Limit()
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to encode search body")
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(bytes.NewReader(buf)),
	)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to execute elasticsearch search")
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, errors.Errorf("elasticsearch search error: %s", res.String())
	}

	var response struct {
		Hits struct {
			Hits []struct {
				ID     string         `json:"_id"`
				Score  *float64       `json:"_score"`
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
		return nil, errors.WithMessage(err, "failed to parse elasticsearch response")
	}

	results := make([]record.Record, 0, len(response.Hits.Hits))
	for _, hit := range response.Hits.Hits {
		row := record.Record(hit.Source)
		if row == nil {
			row = record.Record{}
		}
		row["_id"] = hit.ID
		if hit.Score != nil {
			row["_score"] = *hit.Score
		}
		results = append(results, row)
	}
	return results, nil
}

// ExecuteMutation 查询字符串是文档 id，按 id 索引（插入或覆盖）文档
func (s *ESSource) ExecuteMutation(ctx context.Context, docID string, data record.Record) (any, error) {
	buf, err := json.Marshal(map[string]any(data))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to encode document")
	}

	req := esapi.IndexRequest{
		Index:      s.index,
		DocumentID: docID,
		Body:       bytes.NewReader(buf),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to index document")
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, errors.Errorf("elasticsearch index error: %s", res.String())
	}

	respBody, _ := io.ReadAll(res.Body)
	var response map[string]any
	_ = json.Unmarshal(respBody, &response)

	s.log.Debug("elasticsearch document indexed", "doc_id", docID, "result", response["result"])
	return record.Record{
		"id":      docID,
		"result":  response["result"],
		"success": true,
	}, nil
}

func (s *ESSource) Close() error {
	return nil
}
