package brokers

import (
	"context"
	"fmt"
)

// Publisher отправляет сообщения в очередь или topic.
// Поддерживает RabbitMQ и Apache Kafka.
type Publisher interface {
	// Connect устанавливает соединение с брокером
	Connect(ctx context.Context) error

	// Close закрывает соединение с брокером
	Close() error

	// Send отправляет сообщение. key - ключ партиционирования (Kafka) или message id (RabbitMQ)
	Send(ctx context.Context, key string, message []byte) error

	// Ping проверяет доступность брокера
	Ping(ctx context.Context) error

	// GetBrokerType возвращает тип брокера (rabbitmq, kafka)
	GetBrokerType() string
}

// Config содержит параметры подключения к message broker
type Config struct {
	Type       string // rabbitmq, kafka
	Host       string // Хост (для RabbitMQ)
	Port       int    // Порт (для RabbitMQ)
	User       string // Пользователь (для RabbitMQ)
	Password   string // Пароль (для RabbitMQ)
	Queue      string // Имя очереди (для RabbitMQ)
	VHost      string // Virtual host (для RabbitMQ, по умолчанию "/")
	UseTLS     bool   // Использовать TLS/SSL (amqps://) для RabbitMQ
	Exchange   string // RabbitMQ exchange (пустая строка = default exchange)
	RoutingKey string // RabbitMQ routing key (если пустой, используется имя очереди)

	// RabbitMQ параметры очереди (должны совпадать с существующей очередью)
	Durable    bool
	AutoDelete bool

	// Kafka специфичные параметры
	Brokers []string // Список Kafka brokers (например: ["localhost:9092", "localhost:9093"])
	Topic   string   // Имя Kafka topic

	// ContentType сообщений, по умолчанию application/json
	ContentType string
}

// New создает Publisher на основе конфигурации
func New(cfg Config) (Publisher, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMQ(cfg)
	case "kafka":
		return NewKafka(cfg)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s (supported: rabbitmq, kafka)", cfg.Type)
	}
}

func contentType(cfg Config) string {
	if cfg.ContentType == "" {
		return "application/json"
	}
	return cfg.ContentType
}
