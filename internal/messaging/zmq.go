package messaging

import (
	"encoding/json"
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"

	"github.com/bitsentry/poolwatch/pkg/log"
)

// ZMQPublisher pushes events out over a ZMQ PUB socket for local
// subscribers that want work updates without a Kafka deployment.
type ZMQPublisher struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
	mu       sync.Mutex
}

// NewZMQPublisher creates and binds a PUB socket
func NewZMQPublisher(endpoint string, logger *log.Logger) (*ZMQPublisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to bind ZMQ endpoint %s: %w", endpoint, err)
	}

	logger.Info("ZMQ publisher bound", "endpoint", endpoint)

	return &ZMQPublisher{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Publish sends a topic-framed JSON event. PUB sends are best effort;
// slow subscribers drop messages rather than block the daemon.
func (z *ZMQPublisher) Publish(topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal ZMQ event: %w", err)
	}

	// zmq sockets are not safe for concurrent sends
	z.mu.Lock()
	defer z.mu.Unlock()

	if _, err := z.socket.SendBytes([]byte(topic), zmq.SNDMORE); err != nil {
		return fmt.Errorf("failed to send ZMQ topic frame: %w", err)
	}
	if _, err := z.socket.SendBytes(data, 0); err != nil {
		return fmt.Errorf("failed to send ZMQ payload: %w", err)
	}

	z.logger.Debug("published ZMQ message", "topic", topic, "size", len(data))
	return nil
}

// Close closes the ZMQ socket
func (z *ZMQPublisher) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.socket != nil {
		err := z.socket.Close()
		z.socket = nil
		return err
	}
	return nil
}
