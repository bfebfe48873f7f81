package grupo

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unique"

	"github.com/hashicorp/go-metrics"
	sockaddr "github.com/hashicorp/go-sockaddr"
	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
)

const (
	defaultUDPBufferSize int = 1 << 21
	defaultDialTimeout       = 30 * time.Second
	defaultGracePeriod       = 10 * time.Second
	defaultHintMaxStreams    = 1000

	// alpnProtocol is negotiated during the TLS handshake.
	alpnProtocol = "grupo"
)

// TransportConfig represents configuration for the QUIC transport.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize crashes if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where we want the transport to listen.
	// A zero port picks a free one.
	BindAddr string
	BindPort int

	// HintMaxStreams gives an indication of how many memberlist streams
	// may be opened concurrently by a single peer.
	HintMaxStreams int64

	// HostnameResolver to resolve hostname from peer certificates.
	HostnameResolver HostnameResolver

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout controls how much time we wait for connection establishment.
	DialTimeout time.Duration

	// GracePeriod is how long `Shutdown` lets streams flush before closing
	// connections.
	GracePeriod time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport is a `memberlist.NodeAwareTransport` running on QUIC:
// gossip packets are sent as datagrams and memberlist streams as QUIC
// streams, all multiplexed on a single mTLS connection per peer.
type Transport struct {
	cfg      TransportConfig
	logger   *slog.Logger
	msink    metrics.MetricSink
	quicConf *quic.Config

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	addrToHost map[string]unique.Handle[Hostname]
	hostsInfo  map[unique.Handle[Hostname]]Host
	hostsCxs   map[unique.Handle[Hostname]][]hostCx
	hostsLock  sync.RWMutex

	// Memberlist Protocol
	packetCh chan *memberlist.Packet
	streamCh chan net.Conn

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

type hostCx struct {
	// closeCh is closed to wake-up stream garbage collectors.
	closeCh chan struct{}
	quic.Connection
}

func NewTransport(cfg TransportConfig) (t *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}
	cfg.TlsConfig = cfg.TlsConfig.Clone()
	if len(cfg.TlsConfig.NextProtos) == 0 {
		cfg.TlsConfig.NextProtos = []string{alpnProtocol}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	if cfg.HintMaxStreams <= 0 {
		cfg.HintMaxStreams = defaultHintMaxStreams
	}

	t = &Transport{
		cfg:        cfg,
		addrToHost: make(map[string]unique.Handle[Hostname]),
		hostsInfo:  make(map[unique.Handle[Hostname]]Host),
		hostsCxs:   make(map[unique.Handle[Hostname]][]hostCx),
		packetCh:   make(chan *memberlist.Packet),
		streamCh:   make(chan net.Conn),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	addr := net.IPv4zero
	if cfg.BindAddr != "" {
		addr = net.ParseIP(cfg.BindAddr)
		if addr == nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAddr, cfg.BindAddr)
		}
	}

	udpAddr := &net.UDPAddr{IP: addr, Port: cfg.BindPort}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	t.quicConf = &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		EnableDatagrams: true,
		// TODO(raskyld): accept 0-RTT to leverage session resumption so
		// gossip with a peer we already talked to skips the handshake.
		Allow0RTT:             false,
		MaxIncomingStreams:    cfg.HintMaxStreams,
		MaxIncomingUniStreams: -1,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}

	ln, err := t.tr.Listen(t.cfg.TlsConfig, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	t.wg.Add(1)
	go t.acceptCx()
	return t, nil
}

// FinalAdvertiseAddr returns ip when set. Otherwise, the address we are
// bound to is used, or a private IP of the host when we are bound to all
// interfaces.
func (t *Transport) FinalAdvertiseAddr(ip string, port int) (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrUdpNotAvailable
	}

	local := t.udpLn.LocalAddr().(*net.UDPAddr)
	if port == 0 {
		port = local.Port
	}

	var advertiseAddr net.IP
	switch {
	case ip != "":
		advertiseAddr = net.ParseIP(ip)
		if advertiseAddr == nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrInvalidAddr, ip)
		}
	case !local.IP.IsUnspecified():
		advertiseAddr = local.IP
	default:
		private, err := sockaddr.GetPrivateIP()
		if err != nil {
			return nil, 0, fmt.Errorf("transport: failed to get a private interface: %w", err)
		}
		if private == "" {
			return nil, 0, fmt.Errorf("%w: no private IP found, explicit advertise address required", ErrInvalidAddr)
		}
		advertiseAddr = net.ParseIP(private)
	}

	if ip4 := advertiseAddr.To4(); ip4 != nil {
		advertiseAddr = ip4
	}

	return advertiseAddr, port, nil
}

func (t *Transport) WriteTo(b []byte, addr string) (time.Time, error) {
	return t.WriteToAddress(b, memberlist.Address{
		Addr: addr,
	})
}

func (t *Transport) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
	defer cancel()
	conn, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricDatagramOutErrorCount,
			1.0,
			slices.Concat(t.cfg.MetricLabels, labelsForAddr(addr), []metrics.Label{LabelError.M("no_conn_to_host")}),
		)
		return time.Time{}, err
	}

	ts := time.Now()
	err = conn.SendDatagram(b)
	if err == nil {
		t.msink.IncrCounterWithLabels(
			MetricDatagramOutBytes,
			float32(len(b)),
			slices.Concat(t.cfg.MetricLabels, labelsForAddr(addr)),
		)
	} else {
		t.msink.IncrCounterWithLabels(
			MetricDatagramOutErrorCount,
			1.0,
			slices.Concat(t.cfg.MetricLabels, labelsForAddr(addr), []metrics.Label{LabelError.M("send")}),
		)
	}
	return ts, err
}

func (t *Transport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

func (t *Transport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return t.DialAddressTimeout(memberlist.Address{
		Addr: addr,
	}, timeout)
}

func (t *Transport) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()
	hcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			slices.Concat(t.cfg.MetricLabels, labelsForAddr(addr), []metrics.Label{LabelError.M("no_conn_to_host")}),
		)
		return nil, err
	}

	stream, err := hcx.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			slices.Concat(t.cfg.MetricLabels, labelsForAddr(addr), []metrics.Label{LabelError.M("cannot_open_stream")}),
		)
		return nil, err
	}

	swrap := &streamWrapper{
		localAddr:  hcx.LocalAddr(),
		remoteAddr: hcx.RemoteAddr(),
		Stream:     stream,
	}

	go swrap.garbageCollector(hcx.closeCh)

	if _, err = stream.Write(appendInitFrame(nil, streamModeGossip)); err != nil {
		swrap.Close()
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			slices.Concat(t.cfg.MetricLabels, labelsForAddr(addr), []metrics.Label{LabelError.M("cannot_send_init_frame")}),
		)
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	t.msink.IncrCounterWithLabels(
		MetricStreamEstOutCount,
		1.0,
		slices.Concat(t.cfg.MetricLabels, labelsForAddr(addr)),
	)
	return swrap, nil
}

func (t *Transport) StreamCh() <-chan net.Conn {
	return t.streamCh
}

// Hosts lists the peers we have authenticated, sorted by name.
func (t *Transport) Hosts() []Host {
	t.hostsLock.RLock()
	defer t.hostsLock.RUnlock()
	hosts := make([]Host, 0, len(t.hostsInfo))
	for _, host := range t.hostsInfo {
		hosts = append(hosts, host)
	}
	slices.SortFunc(hosts, func(a, b Host) int {
		return strings.Compare(string(a.Name.Value()), string(b.Name.Value()))
	})
	return hosts
}

// Shutdown lets streams flush for the grace period, then closes every
// connection and the listener.
func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			close(cx.closeCh)
		}
	}
	t.hostsLock.Unlock()

	// TODO(raskyld): replace with a proper drain once go-quic exposes
	// whether the send buffers of a connection are flushed.
	if t.cfg.GracePeriod > 0 {
		time.Sleep(t.cfg.GracePeriod)
	}

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			QErrShutdown.Close(cx.Connection, "we are shutting down! bye!")
		}
	}
	clear(t.hostsCxs)
	t.hostsLock.Unlock()

	t.cancel()
	if t.ln != nil {
		t.ln.Close()
	}
	if t.tr != nil {
		t.tr.Close()
	}
	if t.udpLn != nil {
		t.udpLn.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) acceptCx() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(t.ctx)
		if err != nil {
			if !t.gracefulTerm.Load() {
				// NB(raskyld): atm, the implementation only return errors if
				// Close() has been called, that's why we make assumptions but
				// that's not a good design.
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		t.handleConn(conn)
	}
}

func (t *Transport) waitForDatagrams(hcx hostCx) {
	defer t.wg.Done()
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With(LabelPeerAddr.L(remoteAddr))
	mLabels := slices.Concat(t.cfg.MetricLabels, []metrics.Label{LabelPeerAddr.M(remoteAddr.String())})

	for {
		buf, err := hcx.ReceiveDatagram(ctx)
		ts := time.Now()
		if t.gracefulTerm.Load() {
			logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				slices.Concat(mLabels, []metrics.Label{LabelError.M("unknown")}),
			)
			logger.Error("error reading datagram", LabelError.L(err))
			continue
		}

		n := len(buf)
		if n < 1 {
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				slices.Concat(mLabels, []metrics.Label{LabelError.M("too_small")}),
			)
			logger.Error("received a too short datagram", "length", n)
			continue
		}

		t.msink.IncrCounterWithLabels(MetricDatagramInBytes, float32(n), mLabels)
		select {
		case t.packetCh <- &memberlist.Packet{
			Buf:       buf,
			From:      remoteAddr,
			Timestamp: ts,
		}:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) handleStreams(hcx hostCx) {
	defer t.wg.Done()
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With(LabelPeerAddr.L(remoteAddr))
	mLabels := slices.Concat(t.cfg.MetricLabels, []metrics.Label{LabelPeerAddr.M(remoteAddr.String())})

	for {
		stream, err := hcx.AcceptStream(ctx)
		if t.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("connection closed", LabelError.L(context.Cause(ctx)))
				return
			}
			logger.Warn("error accepting stream", LabelError.L(err))
			t.msink.IncrCounterWithLabels(
				MetricStreamEstInErrorCount,
				1.0,
				slices.Concat(mLabels, []metrics.Label{LabelError.M("unknown")}),
			)
			continue
		}

		swrap := &streamWrapper{
			localAddr:  hcx.LocalAddr(),
			remoteAddr: remoteAddr,
			Stream:     stream,
		}

		// When a connection should be closed, it will first
		// close its `closeCh` channel and wait for its streams
		// to finish draining their buffers.
		go swrap.garbageCollector(hcx.closeCh)

		t.wg.Add(1)
		go t.handshakeStream(swrap, logger.With(LabelStreamID.L(int64(stream.StreamID()))), mLabels)
	}
}

// handshakeStream reads the init frame of an inbound stream before
// handing it to memberlist.
func (t *Transport) handshakeStream(swrap *streamWrapper, logger *slog.Logger, mLabels []metrics.Label) {
	defer t.wg.Done()
	logger.Debug("received a stream request")

	swrap.SetReadDeadline(time.Now().Add(t.cfg.DialTimeout))
	mode, err := readInitFrame(swrap)
	if t.gracefulTerm.Load() {
		swrap.Close()
		return
	}

	if err != nil {
		logger.Warn("error waiting for stream init frame", LabelError.L(err))
		swrap.CancelRead(QErrStreamProtocolViolation)
		swrap.CancelWrite(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(
			MetricStreamEstInErrorCount,
			1.0,
			slices.Concat(mLabels, []metrics.Label{LabelError.M("no_init_frame")}),
		)
		return
	}
	swrap.SetReadDeadline(time.Time{})

	switch mode {
	case streamModeGossip:
		t.msink.IncrCounterWithLabels(
			MetricStreamEstInCount,
			1.0,
			slices.Concat(mLabels, []metrics.Label{LabelStreamMode.M(mode.String())}),
		)
		select {
		case t.streamCh <- swrap:
		case <-t.ctx.Done():
			swrap.Close()
		}
	default:
		logger.Warn("protocol violation: unknown stream mode", LabelStreamMode.L(uint64(mode)))
		swrap.CancelRead(QErrStreamProtocolViolation)
		swrap.CancelWrite(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(
			MetricStreamEstInErrorCount,
			1.0,
			slices.Concat(mLabels, []metrics.Label{LabelError.M("protocol_violation")}),
		)
	}
}

func (t *Transport) getActiveCx(
	ctx context.Context,
	target memberlist.Address,
) (hostCx, error) {
	if t.gracefulTerm.Load() {
		return hostCx{}, ErrShutdown
	}

	t.hostsLock.RLock()
	var dest unique.Handle[Hostname]
	if target.Name != "" {
		dest = unique.Make(Hostname(target.Name))
	} else {
		resolved, ok := t.addrToHost[target.Addr]
		if !ok {
			t.hostsLock.RUnlock()
			return t.dial(ctx, target.Addr)
		}
		dest = resolved
	}

	cx, hasCx := t.firstActiveCx(dest)
	t.hostsLock.RUnlock()
	if hasCx {
		return cx, nil
	}

	return t.dial(ctx, target.Addr)
}

func (t *Transport) dial(ctx context.Context, target string) (hostCx, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	tlsConf := t.cfg.TlsConfig
	if tlsConf.ServerName == "" {
		tlsConf = tlsConf.Clone()
		tlsConf.ServerName = addr.IP.String()
	}

	cx, err := t.tr.Dial(ctx, addr, tlsConf, t.quicConf)
	if t.gracefulTerm.Load() {
		if cx != nil {
			QErrShutdown.Close(cx, "we are shutting down! bye!")
		}
		return hostCx{}, ErrShutdown
	}
	if err != nil {
		return hostCx{}, err
	}

	return t.handleConn(cx)
}

// not thread safe!
// must be called by an holder of Write lock
func (t *Transport) garbageCollectCxs(dest unique.Handle[Hostname]) ([]hostCx, bool) {
	cxs, hasCxs := t.hostsCxs[dest]
	if !hasCxs {
		return cxs, hasCxs
	}

	cleanedUpList := make([]hostCx, 0, len(cxs))
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			cleanedUpList = append(cleanedUpList, cx)
		}
	}

	if len(cleanedUpList) == 0 {
		delete(t.hostsCxs, dest)
		return nil, false
	}
	t.hostsCxs[dest] = cleanedUpList
	return cleanedUpList, true
}

// not thread safe!
// must be called by an holder of Read lock
func (t *Transport) firstActiveCx(dest unique.Handle[Hostname]) (hostCx, bool) {
	for _, cx := range t.hostsCxs[dest] {
		if cx.Context().Err() == nil {
			return cx, true
		}
	}

	return hostCx{}, false
}

func (t *Transport) handleConn(conn quic.Connection) (hostCx, error) {
	peer := conn.RemoteAddr().String()
	peerAddr, rawPort, err := net.SplitHostPort(peer)
	if err != nil {
		panic(fmt.Sprintf("unreachable: unexpected address format %s", peer))
	}
	peerPort, err := strconv.Atoi(rawPort)
	if err != nil {
		panic(fmt.Sprintf("unreachable: unexpected port %s", rawPort))
	}

	logger := t.logger.With("addr", peerAddr, "port", peerPort)
	resolver := t.cfg.HostnameResolver
	if resolver == nil {
		resolver = CommonNameResolver
	}

	mLabels := slices.Concat(t.cfg.MetricLabels, []metrics.Label{LabelPeerAddr.M(peer)})

	rsvHostname, err, uerr := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve hostname", LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			slices.Concat(mLabels, []metrics.Label{LabelError.M("name_resolution")}),
		)
		if uerr == "" {
			QErrInternal.Close(
				conn,
				"unexpected error during hostname resolution",
			)
		} else {
			QErrHostname.Close(
				conn,
				fmt.Sprintf("error during resolution: %s", uerr),
			)
		}
		return hostCx{}, ErrHostnameResolve
	}

	mLabels = append(mLabels, LabelPeerName.M(string(rsvHostname)))

	rsvHostnameHandle := unique.Make(rsvHostname)
	t.hostsLock.Lock()
	if t.gracefulTerm.Load() {
		t.hostsLock.Unlock()
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return hostCx{}, ErrShutdown
	}

	// First, we check if we need to update our Addr to Hostname
	// mapping.
	currentHostname, ok := t.addrToHost[peer]
	if ok {
		if currentHostname != rsvHostnameHandle {
			logger := logger.With(
				"old", currentHostname.Value(),
				"new", rsvHostname,
			)

			logger.Warn("a peer changed its name, updating")
			t.addrToHost[peer] = rsvHostnameHandle

			// We need to migrate the connections as well.
			cxs, hasConnections := t.hostsCxs[currentHostname]
			if hasConnections {
				logger.Debug("migrating connections")
				delete(t.hostsCxs, currentHostname)
				t.hostsCxs[rsvHostnameHandle] = cxs
			}
			t.msink.IncrCounterWithLabels(
				MetricHostNameChanges,
				1.0,
				slices.Concat(t.cfg.MetricLabels, []metrics.Label{LabelPeerAddr.M(peer)}),
			)
		}
	} else {
		t.addrToHost[peer] = rsvHostnameHandle
		logger.Info("new peer discovered", LabelPeerName.L(rsvHostname))
	}

	// We also check if we have node name conflict
	hostInfo, ok := t.hostsInfo[rsvHostnameHandle]
	if ok {
		if hostInfo.Addr != peerAddr || hostInfo.Port != peerPort {
			logger := logger.With("old", &hostInfo)
			logger.Warn(
				"a node has been migrated or there is a name conflict in the cluster")
			t.msink.IncrCounterWithLabels(
				MetricHostNameChanges,
				1.0,
				slices.Concat(t.cfg.MetricLabels, []metrics.Label{LabelPeerName.M(string(rsvHostname))}),
			)
			gcHost, stillHasConnection := t.garbageCollectCxs(rsvHostnameHandle)
			if stillHasConnection {
				logger.Error("connection is still active after node migration, that's a symptom of name conflict!")
				t.msink.IncrCounterWithLabels(
					MetricHostConflictsCount,
					1.0,
					slices.Concat(t.cfg.MetricLabels, []metrics.Label{LabelPeerAddr.M(peer)}),
				)
				for _, cx := range gcHost {
					// TODO(raskyld): implement a ban list.
					QErrNameConflict.Close(
						cx, "we detected a node name conflict in the cluster! "+
							"this may be because you have rescheduled a node on another machine, "+
							"if you haven't, then it could mean one of your certificate has leaked!",
					)
				}
				delete(t.hostsCxs, rsvHostnameHandle)
			}
			t.hostsInfo[rsvHostnameHandle] = Host{
				Name: rsvHostnameHandle,
				Addr: peerAddr,
				Port: peerPort,
			}
		}
	} else {
		t.hostsInfo[rsvHostnameHandle] = Host{
			Name: rsvHostnameHandle,
			Addr: peerAddr,
			Port: peerPort,
		}
	}

	// Then, we actually perform the connection update
	// after a pass of garbage collection.
	hcx := hostCx{
		closeCh:    make(chan struct{}),
		Connection: conn,
	}
	gcHost, _ := t.garbageCollectCxs(rsvHostnameHandle)
	t.hostsCxs[rsvHostnameHandle] = append(gcHost, hcx)
	t.wg.Add(2)
	t.hostsLock.Unlock()

	t.msink.IncrCounterWithLabels(
		MetricConnEstCount,
		1.0,
		mLabels,
	)

	// NB: it's ok to pass by value, the struct is just two cheap pointers.
	go t.waitForDatagrams(hcx)
	go t.handleStreams(hcx)
	return hcx, nil
}
