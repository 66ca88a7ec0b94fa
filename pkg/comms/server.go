package comms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ServerConfig configures the drone link server
type ServerConfig struct {
	ListenAddr    string
	MaxPacketSize uint32
	WriteTimeout  time.Duration
}

// ConnHandler receives every decoded message together with the connection it arrived on
type ConnHandler func(c *Conn, msg Message)

// Conn is one drone connection
type Conn struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	conn    net.Conn
	writeMu sync.Mutex
	packet  Packet
	timeout time.Duration
}

// ConnInfo is a read-only view of a connection
type ConnInfo struct {
	ID          string    `json:"id"`
	Serial      string    `json:"serial,omitempty"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Send serializes msg and writes it to the connection
func (c *Conn) Send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := msg.Serialize(&c.packet); err != nil {
		return fmt.Errorf("encode %s: %w", TagName(msg.Tag()), err)
	}
	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	if _, err := c.conn.Write(c.packet.Bytes()); err != nil {
		return fmt.Errorf("write %s to %s: %w", TagName(msg.Tag()), c.ID, err)
	}
	return nil
}

// Server accepts drone connections over TCP, decodes their packets and can
// send commands back. Drones are addressed by the serial number they report
// in extended telemetry.
type Server struct {
	cfg     ServerConfig
	handler ConnHandler
	metrics *LinkMetrics
	log     *logrus.Logger

	mu       sync.RWMutex
	listener net.Listener
	conns    map[string]*Conn // by connection id
	serials  map[string]*Conn // by drone serial
	closed   bool

	wg sync.WaitGroup
}

// NewServer creates a link server. metrics may be nil.
func NewServer(cfg ServerConfig, handler ConnHandler, metrics *LinkMetrics, log *logrus.Logger) *Server {
	if cfg.MaxPacketSize == 0 {
		cfg.MaxPacketSize = DefaultMaxPacketSize
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		metrics: metrics,
		log:     log,
		conns:   make(map[string]*Conn),
		serials: make(map[string]*Conn),
	}
}

// Listen binds the listening socket
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, then closes every
// connection and waits for their receivers to exit
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln == nil {
		return errors.New("link server is not listening")
	}

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	s.log.WithField("addr", ln.Addr().String()).Info("Starting drone link server")
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.wg.Wait()
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go s.handleConn(ctx, nc)
	}
}

// ListenAndServe binds and serves until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range s.conns {
		c.conn.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()

	c := &Conn{
		ID:          uuid.NewString(),
		RemoteAddr:  nc.RemoteAddr().String(),
		ConnectedAt: time.Now(),
		conn:        nc,
		timeout:     s.cfg.WriteTimeout,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.conns[c.ID] = c
	s.mu.Unlock()
	s.metrics.connectionOpened()

	entry := s.log.WithFields(logrus.Fields{
		"conn":   c.ID,
		"remote": c.RemoteAddr,
	})
	entry.Info("Drone connected")

	receiver := NewReceiver(func(msg Message) {
		if ext, ok := msg.(*ExtendedTelemetry); ok && ext.DroneSerial != "" {
			s.bindSerial(c, ext.DroneSerial)
		}
		if s.handler != nil {
			s.handler(c, msg)
		}
	},
		WithReceiverLogger(entry),
		WithReceiverMetrics(s.metrics),
		WithMaxPacketSize(s.cfg.MaxPacketSize),
	)

	err := receiver.Run(ctx, nc)
	nc.Close()
	s.removeConn(c)
	s.metrics.connectionClosed()

	packets, framing, decode := receiver.Stats()
	fields := logrus.Fields{
		"packets":        packets,
		"framing_errors": framing,
		"decode_errors":  decode,
	}
	if err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		entry.WithFields(fields).WithError(err).Warn("Drone connection failed")
		return
	}
	entry.WithFields(fields).Info("Drone disconnected")
}

func (s *Server) bindSerial(c *Conn, serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.serials[serial]; ok && cur == c {
		return
	}
	for k, v := range s.serials {
		if v == c {
			delete(s.serials, k)
		}
	}
	s.serials[serial] = c
	s.log.WithFields(logrus.Fields{
		"conn":   c.ID,
		"serial": serial,
	}).Info("Bound drone serial to connection")
}

func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.ID)
	for k, v := range s.serials {
		if v == c {
			delete(s.serials, k)
		}
	}
}

// Send delivers a message to the drone with the given serial
func (s *Server) Send(serial string, msg Message) error {
	s.mu.RLock()
	c, ok := s.serials[serial]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrServerClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, serial)
	}
	return c.Send(msg)
}

// Connections lists open connections ordered by connect time
func (s *Server) Connections() []ConnInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	serialOf := make(map[*Conn]string, len(s.serials))
	for k, v := range s.serials {
		serialOf[v] = k
	}
	out := make([]ConnInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, ConnInfo{
			ID:          c.ID,
			Serial:      serialOf[c],
			RemoteAddr:  c.RemoteAddr,
			ConnectedAt: c.ConnectedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
