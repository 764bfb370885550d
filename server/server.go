// Package server implements the ocramd daemon: a gRPC front end holding caller
// sessions, each routed through a command dispatcher to the cipher session,
// the object store and the delegated components.
package server

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	lru "github.com/hashicorp/golang-lru"
	gnatsd "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/ocram-io/ocramd/server/cipher"
	"github.com/ocram-io/ocramd/server/delegate"
	"github.com/ocram-io/ocramd/server/dispatch"
	"github.com/ocram-io/ocramd/server/encryption"
	"github.com/ocram-io/ocramd/server/health"
	"github.com/ocram-io/ocramd/server/logger"
	"github.com/ocram-io/ocramd/server/objstore"
	"github.com/ocram-io/ocramd/server/protocol"
	"github.com/ocram-io/ocramd/server/region"
	"github.com/ocram-io/ocramd/server/storage"
	"github.com/ocram-io/ocramd/server/tee"
)

// storageNamespace is the namespace objects are kept under in every backend.
const storageNamespace = "private"

// Server is the main ocramd object. Create it by calling New or
// RunServerWithConfig.
type Server struct {
	config        *Config
	listener      net.Listener
	logger        logger.Logger
	api           *grpc.Server
	natsServer    *gnatsd.Server
	nc            *nats.Conn
	backend       storage.Backend
	driver        storage.Driver
	region        *region.Region
	responders    []*delegate.Responder
	handles       *cipher.HandleTable
	dispatcher    *dispatch.Dispatcher
	sessions      *lru.Cache
	stats         *commandStats
	shutdownCh    chan struct{}
	mu            sync.RWMutex
	shutdown      bool
	running       bool
	goroutineWait sync.WaitGroup
}

// RunServerWithConfig creates and starts a new Server with the given
// configuration. It returns an error if the Server failed to start.
func RunServerWithConfig(config *Config) (*Server, error) {
	server := New(config)
	err := server.Start()
	return server, err
}

// New creates a new Server with the given configuration. Call Start to run
// the Server.
func New(config *Config) *Server {
	logger := logger.NewLogger(config.LogLevel)
	if config.LogSilent {
		logger.Silent(true)
	}
	return &Server{
		config:     config,
		logger:     logger,
		handles:    cipher.NewHandleTable(config.MaxCipherHandles),
		stats:      newCommandStats(),
		shutdownCh: make(chan struct{}),
	}
}

// Start the Server. This is not a blocking call. It will return an error if
// the Server cannot start properly.
func (s *Server) Start() (err error) {
	s.logger.Infof("ocramd Version:        %s", Version)
	s.logger.Infof("Server ID:             %s", nuid.Next())
	s.logger.Infof("Storage backend:       %s", s.config.Storage.Backend)
	s.logger.Infof("Delegate transport:    %s", s.config.Delegate.Transport)

	defer func() {
		if err != nil {
			s.Stop()
		}
	}()

	if err := s.openStorage(); err != nil {
		return errors.Wrap(err, "failed to open storage")
	}

	transport, err := s.setupDelegation()
	if err != nil {
		return errors.Wrap(err, "failed to set up delegation")
	}

	cache, err := lru.NewWithEvict(s.config.MaxSessions, s.onSessionEvicted)
	if err != nil {
		return errors.Wrap(err, "failed to create session table")
	}
	s.sessions = cache

	s.dispatcher = dispatch.New(dispatch.Config{
		Store:    objstore.New(s.driver, s.config.Storage.ObjectID, nil),
		Delegate: delegate.NewInvoker(transport, s.logger),
		LoadTarget: dispatch.Target{
			ID:      s.config.Delegate.LoadTarget,
			Command: s.config.Delegate.LoadCommand,
		},
		ReadTarget: dispatch.Target{
			ID:      s.config.Delegate.ReadTarget,
			Command: s.config.Delegate.ReadCommand,
		},
		Buffers: tee.NewHeapAllocator(s.config.LoadMaxBytes),
		Handles: s.handles,
		Logger:  s.logger,
	})

	return s.startAPIServer()
}

// openStorage opens the configured backend and the driver on top of it.
func (s *Server) openStorage() error {
	var (
		cfg     = s.config.Storage
		backend storage.Backend
	)
	switch cfg.Backend {
	case storageBolt:
		b, err := storage.OpenBolt(cfg.Path, storageNamespace)
		if err != nil {
			return err
		}
		backend = b
	case storageFile:
		b, err := storage.NewFileBackend(filepath.Join(cfg.Path, storageNamespace))
		if err != nil {
			return err
		}
		backend = b
	case storageRedis:
		redisConfig := cfg.Redis
		redisConfig.Prefix = redisConfig.Prefix + ":" + storageNamespace
		b, err := storage.NewRedisBackend(context.Background(), redisConfig)
		if err != nil {
			return err
		}
		backend = b
	default:
		backend = storage.NewMemoryBackend()
	}

	if cfg.Encryption {
		handler, err := encryption.NewLocalEncryptionHandler()
		if err != nil {
			backend.Close()
			return err
		}
		backend = storage.Sealed(backend, handler)
		s.logger.Info("Storage encryption enabled")
	}

	s.backend = backend
	s.driver = storage.NewDriver(backend)
	return nil
}

// setupDelegation returns the transport delegated commands use and, when the
// region is enabled, makes the region components reachable through it.
func (s *Server) setupDelegation() (delegate.Transport, error) {
	var (
		loader, reader delegate.Component
		cfg            = s.config.Delegate
	)
	if s.config.Region.Enabled {
		r, err := region.Open(s.config.Region.Path, s.config.Region.Size)
		if err != nil {
			return nil, err
		}
		s.region = r
		loader = region.NewLoader(r)
		reader = region.NewReader(r, s.config.Region.MaxRead)
		s.logger.Infof("Region:                %s", s.config.Region)
	}

	if cfg.Transport != transportNATS {
		local := delegate.NewLocal()
		if loader != nil {
			local.Register(cfg.LoadTarget, loader)
			local.Register(cfg.ReadTarget, reader)
		}
		return local, nil
	}

	if s.config.EmbeddedNATS {
		if err := s.startEmbeddedNATS(); err != nil {
			return nil, err
		}
	}
	nc, err := s.createNATSConn("delegate")
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}
	s.nc = nc

	if loader != nil {
		components := []struct {
			id        uuid.UUID
			component delegate.Component
		}{
			{cfg.LoadTarget, loader},
			{cfg.ReadTarget, reader},
		}
		for _, c := range components {
			r, err := delegate.Serve(nc, cfg.SubjectPrefix, c.id, c.component, s.logger)
			if err != nil {
				return nil, errors.Wrap(err, "failed to serve region component")
			}
			s.responders = append(s.responders, r)
		}
	}
	return delegate.NewNATS(nc, cfg.SubjectPrefix, cfg.Timeout), nil
}

// startEmbeddedNATS runs a NATS server inside this process and points the
// NATS options at it.
func (s *Server) startEmbeddedNATS() error {
	ns, err := gnatsd.NewServer(&gnatsd.Options{
		Host:   "127.0.0.1",
		Port:   gnatsd.RANDOM_PORT,
		NoSigs: true,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create embedded NATS server")
	}
	ns.SetLogger(logger.NewNATSLogger(s.logger, s.config.LogLevel >= uint32(log.DebugLevel)), false, false)
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return errors.New("embedded NATS server not ready")
	}
	s.natsServer = ns
	s.config.NATS.Servers = []string{ns.ClientURL()}
	s.logger.Infof("Embedded NATS server listening at %s", ns.ClientURL())
	return nil
}

// startAPIServer configures and starts the API server.
func (s *Server) startAPIServer() error {
	listenAddress := s.config.GetListenAddress()
	hp := net.JoinHostPort(listenAddress.Host, strconv.Itoa(listenAddress.Port))
	l, err := net.Listen("tcp", hp)
	if err != nil {
		return errors.Wrap(err, "failed starting listener")
	}
	s.listener = l
	s.logger.Infof("Starting API server on %s...",
		net.JoinHostPort(listenAddress.Host, strconv.Itoa(l.Addr().(*net.TCPAddr).Port)))

	opts := []grpc.ServerOption{
		grpc_middleware.WithUnaryServerChain(
			grpc_recovery.UnaryServerInterceptor(),
			grpc_logrus.UnaryServerInterceptor(s.logger.WithField("component", "api")),
		),
	}

	// Setup TLS if key and certificate are configured.
	if s.config.TLSKey != "" || s.config.TLSCert != "" {
		if s.config.TLSKey == "" {
			return errors.New("tls.key is required when tls.cert is set")
		}
		if s.config.TLSCert == "" {
			return errors.New("tls.cert is required when tls.key is set")
		}
		creds, err := credentials.NewServerTLSFromFile(s.config.TLSCert, s.config.TLSKey)
		if err != nil {
			return errors.Wrap(err, "failed to load TLS key pair")
		}
		opts = append(opts, grpc.Creds(creds))
	}

	api := grpc.NewServer(opts...)
	s.api = api
	protocol.RegisterTrustedAppServer(api, &apiServer{s})
	health.Register(api)

	s.handleSignals()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	health.SetServing()
	s.startGoroutine(func() {
		err := api.Serve(s.listener)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
				s.logger.Fatal(err)
			}
		}
	})
	return nil
}

func (s *Server) createNATSConn(name string) (*nats.Conn, error) {
	var err error
	opts := s.config.NATS
	opts.Name = fmt.Sprintf("ocramd-%s", name)
	opts.ReconnectWait = 250 * time.Millisecond
	opts.MaxReconnect = -1
	opts.ReconnectBufSize = -1

	if err = nats.ErrorHandler(s.natsErrorHandler)(&opts); err != nil {
		return nil, err
	}
	if err = nats.ReconnectHandler(s.natsReconnectedHandler)(&opts); err != nil {
		return nil, err
	}
	if err = nats.ClosedHandler(s.natsClosedHandler)(&opts); err != nil {
		return nil, err
	}
	if err = nats.DisconnectErrHandler(s.natsDisconnectedHandler)(&opts); err != nil {
		return nil, err
	}

	return opts.Connect()
}

// onSessionEvicted closes a session leaving the session table, whether it was
// closed by the caller, evicted or purged at shutdown.
func (s *Server) onSessionEvicted(key, value interface{}) {
	value.(*dispatch.Session).Close()
	s.logger.Debugf("Session %s closed", key)
}

// Addr returns the address the API server is listening on, or nil if it is not
// listening.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// NumSessions returns the number of open caller sessions.
func (s *Server) NumSessions() int {
	if s.sessions == nil {
		return 0
	}
	return s.sessions.Len()
}

// Stop will attempt to gracefully shut the Server down by signaling the stop
// and waiting for all goroutines to return. Open sessions are closed once the
// NATS connection is gone, so delegations blocked on it fail first.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.logger.Info("Shutting down...")

	close(s.shutdownCh)
	health.SetNotServing()
	if s.api != nil {
		s.api.Stop()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.running = false
	s.shutdown = true
	s.mu.Unlock()

	for _, r := range s.responders {
		if err := r.Close(); err != nil {
			s.logger.Warnf("Failed to stop responder: %v", err)
		}
	}
	if s.nc != nil {
		s.nc.Close()
	}
	if s.natsServer != nil {
		s.natsServer.Shutdown()
	}

	if s.sessions != nil {
		s.sessions.Purge()
	}

	var err error
	if s.region != nil {
		err = s.region.Close()
	}
	if s.backend != nil {
		if cerr := s.backend.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	s.stats.log(s.logger)

	s.goroutineWait.Wait()
	return err
}

// IsRunning indicates if the Server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) isShutdown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shutdown
}

func (s *Server) natsDisconnectedHandler(nc *nats.Conn, err error) {
	if s.isShutdown() {
		return
	}
	if err != nil {
		s.logger.Errorf("Connection %q has been disconnected from NATS: %v",
			nc.Opts.Name, err)
	} else {
		s.logger.Errorf("Connection %q has been disconnected from NATS", nc.Opts.Name)
	}
}

func (s *Server) natsReconnectedHandler(nc *nats.Conn) {
	s.logger.Infof("Connection %q reconnected to NATS at %q",
		nc.Opts.Name, nc.ConnectedUrl())
}

func (s *Server) natsClosedHandler(nc *nats.Conn) {
	if s.isShutdown() {
		return
	}
	s.logger.Debugf("Connection %q has been closed", nc.Opts.Name)
}

func (s *Server) natsErrorHandler(nc *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	s.logger.Errorf("Asynchronous error on connection %s, subject %s: %s",
		nc.Opts.Name, subject, err)
}

// startGoroutine starts the given function as a goroutine if and only if the
// Server was not shutdown at that time. This is required to prevent a data
// race with the WaitGroup.
func (s *Server) startGoroutine(f func()) {
	s.mu.Lock()
	if !s.shutdown {
		s.goroutineWait.Add(1)
		go func() {
			f()
			s.goroutineWait.Done()
		}()
	}
	s.mu.Unlock()
}
