package resultlog

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/ruslano69/orgdata/pkg/brokers"
	"github.com/ruslano69/orgdata/pkg/etl"
)

// BrokerPublisher отправляет результат запуска в Kafka topic или очередь RabbitMQ.
// Соединение устанавливается при первой публикации.
type BrokerPublisher struct {
	name      string
	publisher brokers.Publisher

	mu        sync.Mutex
	connected bool
}

var _ etl.ReportSink = (*BrokerPublisher)(nil)

// NewBrokerPublisher создает publisher на основе конфигурации (type kafka или rabbitmq)
func NewBrokerPublisher(config etl.ResultLogConfig) (*BrokerPublisher, error) {
	bc, err := BrokerConfig(config)
	if err != nil {
		return nil, err
	}
	p, err := brokers.New(bc)
	if err != nil {
		return nil, err
	}
	return newBrokerPublisher(config.Name, p), nil
}

func newBrokerPublisher(name string, p brokers.Publisher) *BrokerPublisher {
	return &BrokerPublisher{name: name, publisher: p}
}

// BrokerConfig переводит ResultLogConfig в параметры брокера.
// Name используется как topic Kafka или очередь RabbitMQ.
func BrokerConfig(config etl.ResultLogConfig) (brokers.Config, error) {
	bc := brokers.Config{Type: config.Type}
	switch config.Type {
	case "kafka":
		for _, addr := range strings.Split(config.Address, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				bc.Brokers = append(bc.Brokers, addr)
			}
		}
		bc.Topic = config.Name
	case "rabbitmq":
		host, port, err := net.SplitHostPort(config.Address)
		if err != nil {
			return bc, fmt.Errorf("invalid rabbitmq address %q: %w", config.Address, err)
		}
		bc.Host = host
		if bc.Port, err = strconv.Atoi(port); err != nil {
			return bc, fmt.Errorf("invalid rabbitmq port %q: %w", port, err)
		}
		bc.User = config.User
		bc.Password = config.Password
		bc.VHost = config.VHost
		bc.UseTLS = config.TLS
		bc.Queue = config.Name
		bc.Durable = true
	default:
		return bc, fmt.Errorf("unsupported broker type: %s", config.Type)
	}
	return bc, nil
}

// Publish отправляет RunResult в JSON; ключ сообщения - id запуска.
// Вызывается независимо от результата выполнения.
func (p *BrokerPublisher) Publish(ctx context.Context, run etl.RunInfo, report *etl.Report, runErr error) error {
	payload, err := json.Marshal(NewRunResult(p.name, run, report, runErr))
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		if err := p.publisher.Connect(ctx); err != nil {
			return fmt.Errorf("%s connect failed: %w", p.publisher.GetBrokerType(), err)
		}
		p.connected = true
	}
	if err := p.publisher.Send(ctx, run.ID, payload); err != nil {
		return fmt.Errorf("%s send failed: %w", p.publisher.GetBrokerType(), err)
	}
	return nil
}

// Close закрывает соединение с брокером
func (p *BrokerPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil
	}
	p.connected = false
	return p.publisher.Close()
}
