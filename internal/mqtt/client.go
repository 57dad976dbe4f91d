package mqtt

import (
	"fmt"

	"zconnect-engine/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Client MQTT客户端封装
// 连接断开由 paho 自动重连（带退避），监听器无需感知
type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger
}

// NewClient 创建MQTT客户端（不建立连接，Connect 时才连接）
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) *Client {
	c := &Client{
		config: cfg,
		logger: logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost, reconnecting",
			zap.Error(err),
		)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("MQTT connected",
			zap.String("broker", cfg.Broker),
		)
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect 连接到MQTT broker
func (c *Client) Connect() error {
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return nil
}

// Subscribe 订阅配置的上行主题
func (c *Client) Subscribe(handler func(topic string, payload []byte)) error {
	token := c.client.Subscribe(c.config.Topic, c.config.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", c.config.Topic, token.Error())
	}
	return nil
}

// Close 取消订阅并断开连接
func (c *Client) Close() error {
	if token := c.client.Unsubscribe(c.config.Topic); token.Wait() && token.Error() != nil {
		c.logger.Warn("Failed to unsubscribe on close",
			zap.Error(token.Error()),
		)
	}
	c.client.Disconnect(250) // 250ms等待时间
	return nil
}
