package feed

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/gozmq"

	"github.com/blocklens/blocklens/internal/logger"
	"github.com/blocklens/blocklens/pkg/config"
)

const (
	hashBlockZMQCommand = "hashblock"
	hashTxZMQCommand    = "hashtx"

	// ZMQ hash notifications carry a 4-byte monotonic sequence number.
	seqNumLen = 4
)

// ZMQListener bridges bitcoind's hashblock/hashtx ZMQ publications onto the
// event bus. Each endpoint gets its own connection and receive goroutine.
type ZMQListener struct {
	cfg *config.ZMQConfig
	bus *Bus
	log *logger.Logger

	blockConn *gozmq.Conn
	txConn    *gozmq.Conn

	wg      sync.WaitGroup
	quit    chan struct{}
	started bool
}

// NewZMQListener connects to the configured ZMQ endpoints. The tx endpoint is
// optional; when empty only block notifications are bridged.
func NewZMQListener(cfg *config.ZMQConfig, bus *Bus, log *logger.Logger) (*ZMQListener, error) {
	l := &ZMQListener{
		cfg:  cfg,
		bus:  bus,
		log:  log,
		quit: make(chan struct{}),
	}

	blockConn, err := gozmq.Subscribe(
		cfg.BlockEndpoint, []string{hashBlockZMQCommand}, cfg.PollInterval.Duration,
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe to zmq block events at %s: %w",
			cfg.BlockEndpoint, err)
	}
	l.blockConn = blockConn

	if cfg.TxEndpoint != "" {
		txConn, err := gozmq.Subscribe(
			cfg.TxEndpoint, []string{hashTxZMQCommand}, cfg.PollInterval.Duration,
		)
		if err != nil {
			blockConn.Close()
			return nil, fmt.Errorf("subscribe to zmq tx events at %s: %w",
				cfg.TxEndpoint, err)
		}
		l.txConn = txConn
	}

	return l, nil
}

// Start launches the receive goroutines.
func (l *ZMQListener) Start() {
	if l.started {
		return
	}
	l.started = true

	l.wg.Add(1)
	go l.receiveLoop(l.blockConn, hashBlockZMQCommand)

	if l.txConn != nil {
		l.wg.Add(1)
		go l.receiveLoop(l.txConn, hashTxZMQCommand)
	}

	l.log.Infow("listening for bitcoind notifications via ZMQ",
		"blockEndpoint", l.cfg.BlockEndpoint, "txEndpoint", l.cfg.TxEndpoint)
}

// Close shuts down the ZMQ connections and waits for the receive loops.
func (l *ZMQListener) Close() {
	select {
	case <-l.quit:
		return
	default:
	}
	close(l.quit)

	l.blockConn.Close()
	if l.txConn != nil {
		l.txConn.Close()
	}

	l.wg.Wait()
}

// receiveLoop reads hash notifications from one ZMQ connection and publishes
// them on the bus until the connection is closed.
func (l *ZMQListener) receiveLoop(conn *gozmq.Conn, command string) {
	defer l.wg.Done()

	// Hash notifications have three frames: the command, the 32-byte hash
	// and a sequence number. The buffers are reused across reads.
	var (
		commandBuf [len(hashBlockZMQCommand)]byte
		hashBuf    [chainhash.HashSize]byte
		seqNumBuf  [seqNumLen]byte
	)

	for {
		select {
		case <-l.quit:
			return
		default:
		}

		bufs, err := conn.Receive([][]byte{commandBuf[:], hashBuf[:], seqNumBuf[:]})
		if err != nil {
			// EOF means the connection was closed on our side.
			if errors.Is(err, io.EOF) {
				return
			}

			// Poll timeouts are routine; anything else is worth a log line.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			ZMQErrorInc(command)
			l.log.Warnw("unable to receive ZMQ message",
				"command", command, "err", err)
			continue
		}

		if len(bufs) < 2 || string(bufs[0]) != command {
			continue
		}

		hash, err := hashFromNotification(bufs[1])
		if err != nil {
			ZMQErrorInc(command)
			l.log.Warnw("malformed ZMQ hash notification",
				"command", command, "err", err)
			continue
		}

		ZMQMessageInc(command)

		switch command {
		case hashBlockZMQCommand:
			l.bus.Publish(TopicBlock, BlockEvent{Hash: *hash})
		case hashTxZMQCommand:
			l.bus.Publish(TopicTx, TxEvent{TxID: *hash})
		}
	}
}

// hashFromNotification converts the raw 32 bytes of a hashblock/hashtx
// notification into a chainhash.Hash. bitcoind publishes the hash in display
// byte order, the reverse of chainhash's internal order.
func hashFromNotification(raw []byte) (*chainhash.Hash, error) {
	if len(raw) != chainhash.HashSize {
		return nil, fmt.Errorf("unexpected hash length %d", len(raw))
	}

	var reversed [chainhash.HashSize]byte
	for i, b := range raw {
		reversed[chainhash.HashSize-1-i] = b
	}
	return chainhash.NewHash(reversed[:])
}
