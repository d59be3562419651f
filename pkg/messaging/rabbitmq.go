package messaging

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitPublisher is a publish-only RabbitMQ client that transparently
// reconnects when the broker connection drops. Publishes issued while a
// reconnect is in flight fail fast; callers treat publish errors as
// non-fatal and log them.
type RabbitPublisher struct {
	url string

	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool

	notifyClose    chan *amqp.Error
	reconnectDelay time.Duration
}

// NewRabbitPublisher connects to the broker and starts the reconnect watcher.
func NewRabbitPublisher(url string) (*RabbitPublisher, error) {
	p := &RabbitPublisher{
		url:            url,
		reconnectDelay: time.Second,
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	go p.watch()
	return p, nil
}

func (p *RabbitPublisher) connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	log.Printf("Connecting to RabbitMQ at %s", maskAMQPURL(p.url))

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	p.conn = conn
	p.ch = ch
	p.notifyClose = make(chan *amqp.Error, 1)
	p.conn.NotifyClose(p.notifyClose)
	return nil
}

// watch redials with backoff whenever the connection closes.
func (p *RabbitPublisher) watch() {
	for {
		p.mu.RLock()
		if p.closed {
			p.mu.RUnlock()
			return
		}
		notify := p.notifyClose
		p.mu.RUnlock()

		if err := <-notify; err == nil {
			return // clean shutdown
		}

		backoff := p.reconnectDelay
		for {
			p.mu.RLock()
			closed := p.closed
			p.mu.RUnlock()
			if closed {
				return
			}

			if err := p.connect(); err == nil {
				log.Println("RabbitMQ reconnected")
				break
			}
			log.Printf("RabbitMQ reconnect failed, retrying in %v", backoff)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}
}

// DeclareQueue declares a durable queue.
func (p *RabbitPublisher) DeclareQueue(name string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.ch == nil {
		return fmt.Errorf("channel is not initialized")
	}
	_, err := p.ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}

// Publish sends a JSON payload to the named queue via the default exchange.
func (p *RabbitPublisher) Publish(ctx context.Context, queue string, body []byte) error {
	p.mu.RLock()
	ch := p.ch
	p.mu.RUnlock()

	if ch == nil {
		return fmt.Errorf("connection is not available")
	}

	return ch.PublishWithContext(ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
}

// Close shuts the publisher down. Safe to call once.
func (p *RabbitPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

func maskAMQPURL(url string) string {
	if parts := strings.Split(url, "@"); len(parts) > 1 {
		prefix := strings.Split(parts[0], "://")
		if len(prefix) == 2 {
			return prefix[0] + "://***:***@" + parts[1]
		}
	}
	return url
}
