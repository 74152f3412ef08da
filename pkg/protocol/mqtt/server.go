// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mqtt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/turtacn/emqx-core/pkg/broker"
	"github.com/turtacn/emqx-core/pkg/config"
	"github.com/turtacn/emqx-core/pkg/logger"
	"github.com/turtacn/emqx-core/pkg/metrics"
	"github.com/turtacn/emqx-core/pkg/session"
	"github.com/turtacn/emqx-core/pkg/tracing"
	"github.com/turtacn/emqx-core/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectTimeout = 5 * time.Second
)

var (
	errInvalidClientID  = errors.New("client identifier not valid")
	errProtocolVersion  = errors.New("unsupported protocol version")
	errUnexpectedPacket = errors.New("unexpected packet")
)

// Broker is the part of the broker core the front-end drives.
type Broker interface {
	Connect(ctx context.Context, req broker.ConnectRequest) (*broker.ConnectResult, error)
	Subscribe(ctx context.Context, client types.ClientID, req types.Subscribe) (types.SubscribeAck, error)
	Unsubscribe(ctx context.Context, client types.ClientID, req types.Unsubscribe) (types.UnsubscribeAck, error)
	Publish(ctx context.Context, client types.ClientID, listener string, p types.Publish) error
	Disconnect(ctx context.Context, client types.ClientID, conn *session.Connection, graceful bool) error
}

// Server accepts MQTT clients on one listener.
type Server struct {
	broker Broker
	cfg    config.ListenerConfig
	log    *zap.Logger
}

// NewServer creates the front-end of the listener described by cfg.
func NewServer(b Broker, cfg config.ListenerConfig) *Server {
	return &Server{
		broker: b,
		cfg:    cfg,
		log:    logger.Named("mqtt").With(zap.String("listener", cfg.Name)),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve accepts connections from lis until ctx is done, then waits for the
// open connections to close.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	defer lis.Close()
	stop := context.AfterFunc(ctx, func() { lis.Close() })
	defer stop()
	s.log.Info("MQTT listener started", zap.String("addr", lis.Addr().String()))

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		nc, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("MQTT listener is shutting down")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Warn("Failed to accept connection", zap.Error(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, nc)
		}()
	}
}

// client is the state of one network connection after CONNECT.
type client struct {
	s         *Server
	nc        net.Conn
	r         *bufio.Reader
	version   byte
	id        types.ClientID
	keepAlive time.Duration
	sess      *session.Session
	conn      *session.Connection
	w         *Writer
	log       *zap.Logger

	// awaitingRel holds inbound QoS 2 packet ids between PUBREC and PUBREL.
	awaitingRel map[uint16]struct{}
	closing     atomic.Bool
}

func (s *Server) handleConnection(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	log := s.log.With(zap.String("remote", nc.RemoteAddr().String()))
	r := bufio.NewReader(nc)

	_ = nc.SetReadDeadline(time.Now().Add(connectTimeout))
	pk, err := ReadPacket(r, 0, s.cfg.MaxPacketSize)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Debug("Failed to read CONNECT", zap.Error(err))
		}
		return
	}
	countPacket("in", pk)
	if pk.FixedHeader.Type != packets.Connect {
		log.Warn("First packet is not CONNECT", zap.Uint8("type", pk.FixedHeader.Type))
		return
	}

	c, err := s.connect(ctx, nc, r, pk)
	if err != nil {
		log.Info("Connection refused", zap.String("client_id", pk.Connect.ClientIdentifier), zap.Error(err))
		return
	}
	c.serve(ctx)
}

// connect admits the client of pk and answers with CONNACK.
func (s *Server) connect(ctx context.Context, nc net.Conn, r *bufio.Reader, pk *packets.Packet) (c *client, err error) {
	ctx, end := tracing.StartSpan(ctx, "mqtt.connect",
		attribute.String("listener", s.cfg.Name),
		attribute.String("client_id", pk.Connect.ClientIdentifier))
	defer func() { end(err) }()

	version := pk.ProtocolVersion
	refuse := func(err error) (*client, error) {
		ack := connackPacket(version, false, err)
		if errors.Is(err, errProtocolVersion) {
			ack.ReasonCode = packets.Err3UnsupportedProtocolVersion.Code
			if version >= v5 {
				ack.ReasonCode = packets.ErrUnsupportedProtocolVersion.Code
			}
		}
		_ = WritePacket(nc, ack)
		countPacket("out", ack)
		return nil, err
	}

	if version < 3 || version > v5 {
		return refuse(fmt.Errorf("%w: %d", errProtocolVersion, version))
	}
	req := connectRequest(pk, s.cfg.Name, nc.RemoteAddr().String())
	assigned := ""
	if req.ClientID == "" {
		if !req.CleanStart || version == 3 {
			return refuse(errInvalidClientID)
		}
		req.ClientID = "emqx-core-" + uuid.NewString()
		assigned = req.ClientID
	}

	res, err := s.broker.Connect(ctx, req)
	if err != nil {
		return refuse(err)
	}

	c = &client{
		s:           s,
		nc:          nc,
		r:           r,
		version:     version,
		id:          req.ClientID,
		keepAlive:   req.KeepAlive,
		sess:        res.Session,
		conn:        res.Connection,
		w:           NewWriter(nc, version, res.Session, res.Connection),
		log:         s.log.With(zap.String("client_id", req.ClientID)),
		awaitingRel: make(map[uint16]struct{}),
	}
	ack := connackPacket(version, res.SessionPresent, nil)
	if assigned != "" && version >= v5 {
		ack.Properties.AssignedClientID = assigned
	}
	if err := c.send(ack); err != nil {
		c.disconnect(ctx, false)
		return nil, err
	}
	return c, nil
}

// serve runs the read loop of an admitted client and hands the connection
// back to the broker when it ends.
func (c *client) serve(ctx context.Context) {
	wctx, stopWriter := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(wctx)
	}()

	graceful := false
	for {
		c.refreshDeadline()
		pk, err := ReadPacket(c.r, c.version, c.s.cfg.MaxPacketSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debug("Read failed", zap.Error(err))
			}
			break
		}
		countPacket("in", pk)
		c.sess.Touch()

		done, err := c.handle(ctx, pk)
		if err != nil {
			c.log.Info("Closing connection", zap.Error(err))
			break
		}
		if done {
			graceful = pk.ReasonCode != packets.CodeDisconnectWillMessage.Code
			break
		}
	}

	c.disconnect(ctx, graceful)
	stopWriter()
	_ = c.nc.Close()
	wg.Wait()
}

// writeLoop runs the writer. A connection closed by the broker, on takeover
// or a cluster kick, is reported to v5 clients before the socket is closed.
func (c *client) writeLoop(ctx context.Context) {
	err := c.w.Start(ctx)
	if err != nil {
		c.log.Debug("Write failed", zap.Error(err))
	} else if c.conn.Context().Err() != nil && ctx.Err() == nil && !c.closing.Load() {
		c.log.Info("Session taken over")
		if c.version >= v5 {
			_ = c.send(&packets.Packet{
				FixedHeader:     packets.FixedHeader{Type: packets.Disconnect},
				ProtocolVersion: c.version,
				ReasonCode:      packets.ErrSessionTakenOver.Code,
			})
		}
	}
	_ = c.nc.Close()
}

func (c *client) disconnect(ctx context.Context, graceful bool) {
	c.closing.Store(true)
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()
	if err := c.s.broker.Disconnect(dctx, c.id, c.conn, graceful); err != nil {
		c.log.Warn("Disconnect failed", zap.Error(err))
	}
}

func (c *client) refreshDeadline() {
	if c.keepAlive <= 0 {
		_ = c.nc.SetReadDeadline(time.Time{})
		return
	}
	_ = c.nc.SetReadDeadline(time.Now().Add(c.keepAlive * 3 / 2))
}

func (c *client) send(pk *packets.Packet) error {
	return c.w.Send(pk)
}

// handle processes one packet. done is set by DISCONNECT.
func (c *client) handle(ctx context.Context, pk *packets.Packet) (done bool, err error) {
	switch pk.FixedHeader.Type {
	case packets.Publish:
		return false, c.handlePublish(ctx, pk)

	case packets.Puback, packets.Pubcomp:
		c.sess.Ack(pk.PacketID)
		return false, nil

	case packets.Pubrec:
		if pk.ReasonCode >= packets.ErrUnspecifiedError.Code {
			c.sess.Ack(pk.PacketID)
			return false, nil
		}
		return false, c.send(ackPacket(c.version, packets.Pubrel, pk.PacketID, packets.CodeSuccess.Code))

	case packets.Pubrel:
		delete(c.awaitingRel, pk.PacketID)
		return false, c.send(ackPacket(c.version, packets.Pubcomp, pk.PacketID, packets.CodeSuccess.Code))

	case packets.Subscribe:
		req := subscribeRequest(pk)
		ack, err := c.s.broker.Subscribe(ctx, c.id, req)
		if err != nil {
			c.log.Warn("Subscribe failed", zap.Error(err))
			ack = failedSubscribe(req, ack, err)
		}
		return false, c.send(subackPacket(c.version, ack))

	case packets.Unsubscribe:
		req := unsubscribeRequest(pk)
		ack, err := c.s.broker.Unsubscribe(ctx, c.id, req)
		if err != nil {
			c.log.Warn("Unsubscribe failed", zap.Error(err))
			ack = failedUnsubscribe(req, ack, err)
		}
		return false, c.send(unsubackPacket(c.version, ack))

	case packets.Pingreq:
		return false, c.send(&packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}})

	case packets.Disconnect:
		return true, nil

	default:
		return false, fmt.Errorf("%w: %s", errUnexpectedPacket, packets.PacketNames[pk.FixedHeader.Type])
	}
}

func (c *client) handlePublish(ctx context.Context, pk *packets.Packet) error {
	p := publishFromPacket(pk)
	qos := p.QoS
	if qos == types.ExactlyOnce {
		if _, seen := c.awaitingRel[pk.PacketID]; seen {
			return c.send(ackPacket(c.version, packets.Pubrec, pk.PacketID, packets.CodeSuccess.Code))
		}
	}
	p.PacketID = 0
	p.Dup = false

	err := c.s.broker.Publish(ctx, c.id, c.s.cfg.Name, p)
	code, fatal := publishCode(c.version, err)
	if err != nil {
		c.log.Debug("Publish incomplete", zap.String("topic", p.Topic), zap.Error(err))
	}
	if fatal || (qos == types.AtMostOnce && errors.Is(err, types.ErrInvalidTopic)) {
		return err
	}

	switch qos {
	case types.AtLeastOnce:
		return c.send(ackPacket(c.version, packets.Puback, pk.PacketID, code))
	case types.ExactlyOnce:
		if code < packets.ErrUnspecifiedError.Code {
			c.awaitingRel[pk.PacketID] = struct{}{}
		}
		return c.send(ackPacket(c.version, packets.Pubrec, pk.PacketID, code))
	}
	return nil
}

func countPacket(direction string, pk *packets.Packet) {
	metrics.PacketsTotal.WithLabelValues(direction, packets.PacketNames[pk.FixedHeader.Type]).Inc()
}
