package datasource

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/hatlonely/backo/logx"
	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

const defaultKafkaBatch = 100

// KafkaSource 消息队列适配器，写入即生产消息，查询做有界批量消费
// 查询在读满一批或拉取超时后返回，不做持续订阅
type KafkaSource struct {
	writer  *kafka.Writer
	brokers []string
	topic   string
	groupID string
	log     logx.Logger

	mu     sync.Mutex
	reader *kafka.Reader
}

// NewKafkaSourceWithOptions 创建 KafkaSource，构造时探测首个 broker 连通性
func NewKafkaSourceWithOptions(opts *schema.DataSourceOptions) (*KafkaSource, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka source requires brokers")
	}
	if opts.Topic == "" {
		return nil, errors.New("kafka source requires topic")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultHTTPTimeout)
	defer cancel()
	conn, err := kafka.DialContext(ctx, "tcp", opts.Brokers[0])
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to connect to kafka broker %s", opts.Brokers[0])
	}
	_ = conn.Close()

	return &KafkaSource{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(opts.Brokers...),
			Topic:        opts.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		brokers: opts.Brokers,
		topic:   opts.Topic,
		groupID: opts.GroupID,
		log:     logx.Default(),
	}, nil
}

func (s *KafkaSource) ExecuteQuery(ctx context.Context, query string, params record.Record) ([]record.Record, error) {
	return s.ExecuteQueryPaginated(ctx, query, params, nil)
}

// ExecuteQueryPaginated 批量大小取分页 page_size，默认读一批就停
func (s *KafkaSource) ExecuteQueryPaginated(ctx context.Context, query string, params record.Record, page *Pagination) ([]record.Record, error) {
	limit := page.Limit()
	if limit <= 0 {
		limit = defaultKafkaBatch
	}

	reader := s.ensureReader()
	records := make([]record.Record, 0, limit)
	for len(records) < limit {
		fetchCtx, cancel := context.WithTimeout(ctx, time.Second)
		msg, err := reader.ReadMessage(fetchCtx)
		cancel()
		if err != nil {
			// 拉取超时说明当前没有更多消息，返回已有结果
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if errors.Is(err, context.Canceled) {
				return nil, errors.WithMessage(err, "kafka read canceled")
			}
			return nil, errors.WithMessagef(err, "failed to read from topic %s", s.topic)
		}
		records = append(records, messageRecord(&msg))
	}
	return records, nil
}

func messageRecord(msg *kafka.Message) record.Record {
	rec := record.Record{
		"key":       string(msg.Key),
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
		"timestamp": msg.Time,
	}
	var parsed map[string]any
	if json.Unmarshal(msg.Value, &parsed) == nil {
		rec["value"] = parsed
	} else {
		rec["value"] = string(msg.Value)
	}
	return rec
}

// ExecuteMutation 查询字符串作为消息 key，data 序列化为 JSON 消息体
func (s *KafkaSource) ExecuteMutation(ctx context.Context, query string, data record.Record) (any, error) {
	value, err := json.Marshal(map[string]any(data))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to encode message value")
	}

	msg := kafka.Message{Value: value}
	if query != "" {
		msg.Key = []byte(query)
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return nil, errors.WithMessagef(err, "failed to produce to topic %s", s.topic)
	}
	return record.Record{"topic": s.topic, "key": query, "success": true}, nil
}

func (s *KafkaSource) ensureReader() *kafka.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		s.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers: s.brokers,
			Topic:   s.topic,
			GroupID: s.groupID,
		})
	}
	return s.reader
}

func (s *KafkaSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.writer.Close()
	if s.reader != nil {
		if cerr := s.reader.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
