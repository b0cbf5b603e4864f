package brokkr

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brokkr-mq/brokkr/brokkr/config"
	"github.com/brokkr-mq/brokkr/log"
	"github.com/brokkr-mq/brokkr/protocol"
)

// maxFrameBytes caps a single request frame, matching Kafka's default
// socket.request.max.bytes.
const maxFrameBytes = 100 * 1024 * 1024

// Handler is the request-serving side of a broker as the server sees
// it: a run loop fed decoded requests, plus lifecycle hooks.
type Handler interface {
	Run(ctx context.Context, requests <-chan *Context, responses chan<- *Context)
	JoinLAN(addrs ...string) protocol.Error
	Leave() error
	Shutdown() error
}

var _ Handler = (*Broker)(nil)

// Server speaks the wire protocol over TCP and hands decoded requests
// to its handler. Each connection gets a reader and a writer goroutine;
// the writer sends responses back in request order while the handler
// works requests from any number of connections concurrently.
type Server struct {
	config     *config.Config
	handler    Handler
	metrics    *Metrics
	tracer     opentracing.Tracer
	close      func() error
	ln         *net.TCPListener
	httpServer *http.Server
	requestCh  chan *Context
	responseCh chan *Context

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	shutdownCh   chan struct{}
	shutdown     bool
	shutdownLock sync.Mutex
}

// NewServer wraps handler with the wire protocol. close, if non-nil,
// runs during Shutdown after the handler stops, typically to close the
// tracer.
func NewServer(conf *config.Config, handler Handler, metrics *Metrics, tracer opentracing.Tracer, close func() error) *Server {
	if metrics == nil {
		metrics = nopMetrics()
	}
	if tracer == nil {
		tracer = opentracing.NoopTracer{}
	}
	return &Server{
		config:     conf,
		handler:    handler,
		metrics:    metrics,
		tracer:     tracer,
		close:      close,
		requestCh:  make(chan *Context, 1024),
		responseCh: make(chan *Context, 1024),
		conns:      make(map[net.Conn]struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// Start begins listening and serving. It returns once the listener is
// bound; serving continues until ctx is canceled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.ln = ln.(*net.TCPListener)

	if s.config.HTTPAddr != "" {
		r := chi.NewRouter()
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		s.httpServer = &http.Server{Addr: s.config.HTTPAddr, Handler: r}
		go func() {
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error.Printf("server/%d: http listener error: %v", s.config.ID, err)
			}
		}()
	}

	go s.handler.Run(ctx, s.requestCh, s.responseCh)
	go s.routeResponses(ctx)

	go func() {
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				select {
				case <-s.shutdownCh:
					return
				case <-ctx.Done():
					return
				default:
				}
				log.Error.Printf("server/%d: accept error: %v", s.config.ID, err)
				continue
			}
			s.mu.Lock()
			s.conns[conn] = struct{}{}
			s.mu.Unlock()
			go s.handleConn(ctx, conn)
		}
	}()

	log.Info.Printf("server/%d: listening on %s", s.config.ID, s.ln.Addr())
	return nil
}

// Shutdown closes the listeners, open connections and the handler. It
// is safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()
	if s.shutdown {
		return nil
	}
	s.shutdown = true
	close(s.shutdownCh)
	if s.ln != nil {
		if err := s.ln.Close(); err != nil {
			log.Error.Printf("server/%d: close listener error: %v", s.config.ID, err)
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Close(); err != nil {
			log.Error.Printf("server/%d: close http listener error: %v", s.config.ID, err)
		}
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()
	err := s.handler.Shutdown()
	if s.close != nil {
		if cerr := s.close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Leave gracefully removes this node from the cluster.
func (s *Server) Leave() error {
	return s.handler.Leave()
}

// JoinLAN joins the cluster at the given serf addresses.
func (s *Server) JoinLAN(addrs ...string) protocol.Error {
	return s.handler.JoinLAN(addrs...)
}

// Addr is the address the server is listening on for protocol requests.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// ID is this node's id in the cluster.
func (s *Server) ID() int32 {
	return s.config.ID
}

// handleConn runs the read half of a connection: frame, decode header,
// decode body, queue for the handler. Responses are written by a
// companion goroutine in arrival order, so pipelined clients see
// replies in the order they asked. Any framing or decode failure
// closes the connection; there is no way to resynchronize the stream.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	slots := make(chan chan *Context, 64)
	defer close(slots)
	go s.writeResponses(connCtx, conn, slots)

	r := bufio.NewReader(conn)
	var sizeBuf [4]byte
	for {
		if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
			if err != io.EOF && connCtx.Err() == nil {
				log.Debug.Printf("server/%d: read frame size error: %v", s.config.ID, err)
			}
			return
		}
		size := int32(protocol.Encoding.Uint32(sizeBuf[:]))
		if size <= 0 || size > maxFrameBytes {
			log.Error.Printf("server/%d: %s: invalid frame size %d", s.config.ID, conn.RemoteAddr(), size)
			return
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			if connCtx.Err() == nil {
				log.Debug.Printf("server/%d: read frame error: %v", s.config.ID, err)
			}
			return
		}
		s.metrics.BytesIn.Add(float64(size + 4))

		d := protocol.NewDecoder(payload)
		header := &protocol.RequestHeader{Size: size}
		if err := header.Decode(d); err != nil {
			log.Error.Printf("server/%d: %s: decode header error: %v", s.config.ID, conn.RemoteAddr(), err)
			return
		}
		s.metrics.RequestsHandled.With("api", apiName(header.APIKey)).Add(1)

		if perr := protocol.Supported(header.APIKey, header.APIVersion); perr.Code() != protocol.ErrNone.Code() {
			// An ApiVersions request the broker doesn't speak still
			// gets a v0 reply carrying UNSUPPORTED_VERSION so the
			// client can downgrade and try again.
			if header.APIKey == protocol.APIVersionsKey && perr.Code() == protocol.ErrUnsupportedVersion.Code() {
				if !s.queuePrepared(connCtx, slots, conn, header, &protocol.APIVersionsResponse{
					ErrorCode:   perr.Code(),
					APIVersions: protocol.APIVersions,
				}) {
					return
				}
				continue
			}
			log.Error.Printf("server/%d: %s: %s: api %d version %d", s.config.ID, conn.RemoteAddr(), perr, header.APIKey, header.APIVersion)
			return
		}

		body, ok := protocol.NewRequestBody(header.APIKey)
		if !ok {
			log.Error.Printf("server/%d: %s: no body for api %d", s.config.ID, conn.RemoteAddr(), header.APIKey)
			return
		}
		if err := body.Decode(d, header.APIVersion); err != nil {
			log.Error.Printf("server/%d: %s: decode request failed: %v: api %d version %d correlation %d", s.config.ID, conn.RemoteAddr(), err, header.APIKey, header.APIVersion, header.CorrelationID)
			return
		}

		span := s.tracer.StartSpan("server: handle request")
		span.SetTag("api", header.APIKey)
		span.SetTag("api_version", header.APIVersion)
		span.SetTag("correlation_id", header.CorrelationID)
		span.SetTag("client_id", header.ClientID)
		queueSpan := s.tracer.StartSpan("server: queue request", opentracing.ChildOf(span.Context()))

		slot := make(chan *Context, 1)
		reqCtx := &Context{
			parent: opentracing.ContextWithSpan(connCtx, span),
			conn:   conn,
			header: header,
			req:    body,
			vals: map[interface{}]interface{}{
				requestQueueSpanKey: queueSpan,
				responseSlotKey:     slot,
				requestStartKey:     time.Now(),
			},
		}

		select {
		case slots <- slot:
		case <-connCtx.Done():
			span.Finish()
			return
		}
		select {
		case s.requestCh <- reqCtx:
		case <-connCtx.Done():
			return
		case <-s.shutdownCh:
			return
		}
	}
}

// queuePrepared short-circuits the handler for responses the server
// can build itself, keeping them ordered with in-flight requests.
func (s *Server) queuePrepared(ctx context.Context, slots chan chan *Context, conn net.Conn, header *protocol.RequestHeader, body protocol.ResponseBody) bool {
	slot := make(chan *Context, 1)
	slot <- &Context{
		conn:   conn,
		header: header,
		res:    &protocol.Response{CorrelationID: header.CorrelationID, Body: body},
	}
	select {
	case slots <- slot:
		return true
	case <-ctx.Done():
		return false
	}
}

// routeResponses moves handled requests from the shared response
// channel into the slot their connection's writer is waiting on.
func (s *Server) routeResponses(ctx context.Context) {
	for {
		select {
		case respCtx := <-s.responseCh:
			slot, ok := respCtx.Value(responseSlotKey).(chan *Context)
			if !ok {
				log.Error.Printf("server/%d: response without a connection slot: %s", s.config.ID, respCtx)
				continue
			}
			slot <- respCtx
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		}
	}
}

// writeResponses drains a connection's slots in order, blocking on the
// head slot until its handler finishes. A nil response body means the
// request wanted no reply and the slot is skipped.
func (s *Server) writeResponses(ctx context.Context, conn net.Conn, slots <-chan chan *Context) {
	for {
		var slot chan *Context
		select {
		case sl, ok := <-slots:
			if !ok {
				return
			}
			slot = sl
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		}

		var respCtx *Context
		select {
		case respCtx = <-slot:
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		}

		if qspan, ok := respCtx.Value(responseQueueSpanKey).(opentracing.Span); ok {
			qspan.Finish()
		}
		span := opentracing.SpanFromContext(respCtx)

		if respCtx.res == nil || respCtx.res.Body == nil {
			if span != nil {
				span.Finish()
			}
			continue
		}

		b, err := protocol.Encode(respCtx.res)
		if err != nil {
			log.Error.Printf("server/%d: encode response failed: %v: %s", s.config.ID, err, respCtx)
			if span != nil {
				span.Finish()
			}
			return
		}
		if _, err := conn.Write(b); err != nil {
			if ctx.Err() == nil {
				log.Debug.Printf("server/%d: write response error: %v", s.config.ID, err)
			}
			if span != nil {
				span.Finish()
			}
			return
		}
		s.metrics.BytesOut.Add(float64(len(b)))
		s.observe(respCtx)
		if span != nil {
			span.Finish()
		}
	}
}

func (s *Server) observe(respCtx *Context) {
	if start, ok := respCtx.Value(requestStartKey).(time.Time); ok {
		s.metrics.RequestLatency.With("api", apiName(respCtx.header.APIKey)).Observe(time.Since(start).Seconds())
	}
	if fres, ok := respCtx.res.Body.(*protocol.FetchResponse); ok {
		outcome := "empty"
	scan:
		for _, t := range fres.Responses {
			for _, p := range t.PartitionResponses {
				if len(p.RecordSet) > 0 {
					outcome = "data"
					break scan
				}
			}
		}
		s.metrics.FetchesServed.With("outcome", outcome).Add(1)
	}
}

func apiName(key int16) string {
	switch key {
	case protocol.ProduceKey:
		return "produce"
	case protocol.FetchKey:
		return "fetch"
	case protocol.OffsetsKey:
		return "offsets"
	case protocol.MetadataKey:
		return "metadata"
	case protocol.LeaderAndISRKey:
		return "leader_and_isr"
	case protocol.StopReplicaKey:
		return "stop_replica"
	case protocol.OffsetCommitKey:
		return "offset_commit"
	case protocol.OffsetFetchKey:
		return "offset_fetch"
	case protocol.FindCoordinatorKey:
		return "find_coordinator"
	case protocol.JoinGroupKey:
		return "join_group"
	case protocol.HeartbeatKey:
		return "heartbeat"
	case protocol.LeaveGroupKey:
		return "leave_group"
	case protocol.SyncGroupKey:
		return "sync_group"
	case protocol.DescribeGroupsKey:
		return "describe_groups"
	case protocol.ListGroupsKey:
		return "list_groups"
	case protocol.SaslHandshakeKey:
		return "sasl_handshake"
	case protocol.APIVersionsKey:
		return "api_versions"
	case protocol.CreateTopicsKey:
		return "create_topics"
	case protocol.DeleteTopicsKey:
		return "delete_topics"
	case protocol.InitProducerIDKey:
		return "init_producer_id"
	case protocol.AddPartitionsToTxnKey:
		return "add_partitions_to_txn"
	case protocol.AddOffsetsToTxnKey:
		return "add_offsets_to_txn"
	case protocol.EndTxnKey:
		return "end_txn"
	case protocol.TxnOffsetCommitKey:
		return "txn_offset_commit"
	default:
		return "unknown"
	}
}
