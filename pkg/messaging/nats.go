package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"github.com/dewei/PriceRadar/pkg/logger"
	"github.com/dewei/PriceRadar/pkg/model"
)

const (
	// EventTriggered 告警通知已送达
	EventTriggered = "triggered"
	// EventStatus 引擎变更了告警状态
	EventStatus = "status"

	streamName = "PRICE_ALERTS"
)

// NATSClient 告警事件的 JetStream 发布与订阅客户端
type NATSClient struct {
	conn      *nats.Conn
	jetStream jetstream.JetStream
	prefix    string
	ctx       context.Context
	cancel    context.CancelFunc
	consumers map[string]jetstream.Consumer
	mu        sync.RWMutex
	wg        sync.WaitGroup
	log       *logrus.Entry
}

// MessageHandler 消息处理函数, 返回错误时消息会被 Nak
type MessageHandler func(data []byte) error

// NewNATSClient 连接 NATS 并确保告警流存在
func NewNATSClient(natsURL, subjectPrefix string) (*NATSClient, error) {
	log := logger.WithComponent("nats")

	nc, err := nats.Connect(natsURL,
		nats.Name("price-radar"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &NATSClient{
		conn:      nc,
		jetStream: js,
		prefix:    subjectPrefix,
		ctx:       ctx,
		cancel:    cancel,
		consumers: make(map[string]jetstream.Consumer),
		log:       log,
	}

	if err := client.setupStream(); err != nil {
		log.WithError(err).Warn("failed to set up alert stream")
	}
	return client, nil
}

func (c *NATSClient) setupStream() error {
	cfg := jetstream.StreamConfig{
		Name:        streamName,
		Subjects:    []string{c.prefix + ".*"},
		Description: "price alert events",
		Retention:   jetstream.LimitsPolicy,
		MaxMsgs:     50000,
		MaxBytes:    50 * 1024 * 1024,
		MaxAge:      7 * 24 * time.Hour,
	}

	if _, err := c.jetStream.CreateOrUpdateStream(c.ctx, cfg); err != nil {
		return fmt.Errorf("create or update stream %s: %w", cfg.Name, err)
	}
	c.log.Infof("stream %s ready on %s.*", cfg.Name, c.prefix)
	return nil
}

// Subject 事件类型对应的完整主题
func (c *NATSClient) Subject(kind string) string {
	return subjectFor(c.prefix, kind)
}

func subjectFor(prefix, kind string) string {
	return prefix + "." + kind
}

// Publish 发布消息, []byte 和 string 原样发送, 其他类型编码为 JSON
func (c *NATSClient) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := encodePayload(data)
	if err != nil {
		return err
	}

	if _, err := c.jetStream.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	c.log.Debugf("published %d bytes to %s", len(payload), subject)
	return nil
}

// PublishEvent 发布告警事件到 <prefix>.<kind>
func (c *NATSClient) PublishEvent(ctx context.Context, kind string, event model.AlertEvent) error {
	return c.Publish(ctx, c.Subject(kind), event)
}

func encodePayload(data interface{}) ([]byte, error) {
	switch v := data.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return payload, nil
	}
}

// Subscribe 订阅 filterSubject 上的新消息, 直到 Close
func (c *NATSClient) Subscribe(consumerName, filterSubject string, handler MessageHandler) error {
	consumerConfig := jetstream.ConsumerConfig{
		Name:              consumerName,
		Description:       fmt.Sprintf("%s consumer", consumerName),
		FilterSubject:     filterSubject,
		AckPolicy:         jetstream.AckExplicitPolicy,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		ReplayPolicy:      jetstream.ReplayInstantPolicy,
		InactiveThreshold: 5 * time.Minute,
	}

	consumer, err := c.jetStream.CreateOrUpdateConsumer(c.ctx, streamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	c.mu.Lock()
	c.consumers[consumerName] = consumer
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consumeMessages(consumer, consumerName, handler)

	c.log.Infof("subscribed to %s (stream %s, consumer %s)", filterSubject, streamName, consumerName)
	return nil
}

func (c *NATSClient) consumeMessages(consumer jetstream.Consumer, consumerName string, handler MessageHandler) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("consumer %s stopped after panic: %v", consumerName, r)
		}
	}()

	iter, err := consumer.Messages(jetstream.PullMaxMessages(10))
	if err != nil {
		c.log.WithError(err).Errorf("failed to open message iterator for %s", consumerName)
		return
	}
	go func() {
		<-c.ctx.Done()
		iter.Stop()
	}()

	for {
		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || c.ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Warnf("consumer %s failed to fetch message", consumerName)
			time.Sleep(time.Second)
			continue
		}

		if err := handler(msg.Data()); err != nil {
			c.log.WithError(err).Warnf("consumer %s failed to handle message", consumerName)
			_ = msg.Nak()
		} else {
			_ = msg.Ack()
		}
	}
}

// Close 停止消费者并关闭连接
func (c *NATSClient) Close() error {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	c.consumers = make(map[string]jetstream.Consumer)
	c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
	c.log.Info("NATS connection closed")
	return nil
}

// IsConnected 检查连接状态
func (c *NATSClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}
