package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/site-crawler/config"
	"github.com/IliaW/site-crawler/internal/model"
	"github.com/IliaW/site-crawler/internal/telemetry"
	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"
)

// KafkaProducerClient publishes a ResourceEvent for every stored resource.
type KafkaProducerClient struct {
	eventChan   <-chan *model.ResourceEvent
	kafkaWriter *kafka.Writer
	metrics     *telemetry.KafkaProducerMetrics
	cfg         *config.ProducerConfig
	wg          *sync.WaitGroup
}

func NewKafkaProducer(eventChan <-chan *model.ResourceEvent, metrics *telemetry.KafkaProducerMetrics,
	cfg *config.ProducerConfig, wg *sync.WaitGroup) *KafkaProducerClient {
	return &KafkaProducerClient{
		eventChan:   eventChan,
		kafkaWriter: newWriter(cfg, cfg.WriteTopicName),
		metrics:     metrics,
		cfg:         cfg,
		wg:          wg,
	}
}

func newWriter(cfg *config.ProducerConfig, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Addr...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  cfg.MaxAttempts,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: 100 * time.Millisecond,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAsks),
		Async:        cfg.Async,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Error("failed to send messages to kafka.", slog.String("topic", topic),
					slog.String("err", err.Error()))
			}
		},
		Compression: kafka.Compression(new(lz4.Codec).Code()),
	}
}

// Run batches events until the channel is closed. The batch is flushed when
// it is full or when the batch timeout elapses.
func (p *KafkaProducerClient) Run() {
	slog.Info("starting kafka producer...", slog.String("topic", p.cfg.WriteTopicName))
	defer func() {
		err := p.kafkaWriter.Close()
		if err != nil {
			slog.Error("failed to close kafka writer.", slog.String("err", err.Error()))
		}
	}()
	defer p.wg.Done()

	batchSize := max(p.cfg.BatchSize, 1)
	batchTimeout := p.cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}
	batch := make([]kafka.Message, 0, batchSize)
	batchTicker := time.NewTicker(batchTimeout)
	defer batchTicker.Stop()
	for {
		select {
		case <-batchTicker.C:
			if len(batch) == 0 {
				continue
			}
			p.writeMessage(batch)
			batch = batch[:0]
		case event, ok := <-p.eventChan:
			if !ok {
				if len(batch) > 0 {
					p.writeMessage(batch)
				}
				slog.Info("stopping kafka writer.")
				return
			}
			msg, err := EventMessage(event)
			if err != nil {
				slog.Error("marshaling error.", slog.String("err", err.Error()), slog.String("url", event.URL))
				p.metrics.FailedSendMsgCnt(1)
				continue
			}
			batch = append(batch, msg)
			if len(batch) >= batchSize {
				p.writeMessage(batch)
				batch = batch[:0]
				batchTicker.Reset(batchTimeout)
			}
		}
	}
}

func (p *KafkaProducerClient) writeMessage(batch []kafka.Message) {
	err := p.kafkaWriter.WriteMessages(context.Background(), batch...)
	if err != nil {
		slog.Error("failed to send messages to kafka.", slog.String("err", err.Error()))
		p.metrics.FailedSendMsgCnt(int64(len(batch)))
		return
	}
	p.metrics.SuccessfullySendMsgCnt(int64(len(batch)))
	slog.Debug("successfully sent messages to kafka.", slog.Int("batch length", len(batch)))
}

// EventMessage encodes an event. Events of one crawl share a partition.
func EventMessage(event *model.ResourceEvent) (kafka.Message, error) {
	body, err := jsoniter.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(event.CrawlID),
		Value: body,
	}, nil
}

// KafkaDLQClient parks crawl tasks that could not be decoded or validated.
type KafkaDLQClient struct {
	kafkaWriter *kafka.Writer
	metrics     *telemetry.KafkaProducerMetrics
	cfg         *config.ProducerConfig
}

func NewKafkaDLQ(metrics *telemetry.KafkaProducerMetrics, cfg *config.ProducerConfig) *KafkaDLQClient {
	return &KafkaDLQClient{
		kafkaWriter: newWriter(cfg, cfg.DeadLetterTopicName),
		metrics:     metrics,
		cfg:         cfg,
	}
}

func (d *KafkaDLQClient) SendToDLQ(key string, value []byte, reason error) {
	msg := DLQMessage(key, value, reason)
	if err := d.kafkaWriter.WriteMessages(context.Background(), msg); err != nil {
		slog.Error("failed to send message to dlq.", slog.String("topic", d.cfg.DeadLetterTopicName),
			slog.String("err", err.Error()))
		d.metrics.FailedSendMsgCnt(1)
		return
	}
	d.metrics.SuccessfullySendMsgCnt(1)
	slog.Debug("message sent to dlq.", slog.String("key", key))
}

func DLQMessage(key string, value []byte, reason error) kafka.Message {
	msg := kafka.Message{Key: []byte(key), Value: value}
	if reason != nil {
		msg.Headers = []kafka.Header{{Key: "error", Value: []byte(reason.Error())}}
	}
	return msg
}

func (d *KafkaDLQClient) Close() {
	if err := d.kafkaWriter.Close(); err != nil {
		slog.Error("failed to close dlq writer.", slog.String("err", err.Error()))
	}
}

// KafkaConsumerClient reads raw crawl tasks and hands them to the workers.
type KafkaConsumerClient struct {
	taskChan chan<- []byte
	metrics  *telemetry.KafkaConsumerMetrics
	cfg      *config.ConsumerConfig
	wg       *sync.WaitGroup
}

func NewKafkaConsumer(taskChan chan<- []byte, metrics *telemetry.KafkaConsumerMetrics, cfg *config.ConsumerConfig,
	wg *sync.WaitGroup) *KafkaConsumerClient {
	return &KafkaConsumerClient{
		taskChan: taskChan,
		metrics:  metrics,
		cfg:      cfg,
		wg:       wg,
	}
}

func (c *KafkaConsumerClient) Run(ctx context.Context) {
	slog.Info("starting kafka consumer.", slog.String("topic", c.cfg.ReadTopicName))
	defer c.wg.Done()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:          c.cfg.Brokers,
		Topic:            c.cfg.ReadTopicName,
		GroupID:          c.cfg.GroupID,
		MaxWait:          c.cfg.MaxWait,
		ReadBatchTimeout: c.cfg.ReadBatchTimeout,
		QueueCapacity:    c.cfg.QueueCapacity,
		MaxBytes:         c.cfg.MaxBytes,
		CommitInterval:   c.cfg.CommitInterval,
	})

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping kafka reader.")
			err := r.Close()
			if err != nil {
				slog.Error("failed to close kafka reader.", slog.String("err", err.Error()))
			}
			close(c.taskChan)
			slog.Info("close taskChan.")
			return
		default:
			m, err := r.FetchMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					slog.Info("kafka reader stopped.")
					continue
				}
				slog.Error("failed to fetch message from kafka.", slog.String("err", err.Error()))
				c.metrics.FailedReadMsgCnt(1)
				continue
			}
			err = r.CommitMessages(context.Background(), m)
			if err != nil {
				slog.Error("failed to commit messages.", slog.String("err", err.Error()))
				c.metrics.FailedReadMsgCnt(1)
				continue
			}
			slog.Debug("crawl task read from kafka.", slog.Int64("offset", m.Offset))

			c.taskChan <- m.Value
			c.metrics.SuccessfullyReadMsgCnt(1)
		}
	}
}
