package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/victornm/triviarena/internal/api"
	"github.com/victornm/triviarena/internal/catalog"
	"github.com/victornm/triviarena/internal/domain"
	"github.com/victornm/triviarena/internal/event"
	"github.com/victornm/triviarena/internal/game"
	"github.com/victornm/triviarena/internal/presence"
	"github.com/victornm/triviarena/internal/session"
	"github.com/victornm/triviarena/internal/store"
	"github.com/victornm/triviarena/internal/telemetry"
)

const (
	CatalogSourceFile     = "file"
	CatalogSourcePostgres = "postgres"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Store struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Catalog struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Catalog struct {
		// Source is file or postgres.
		Source string
		File   string
		Policy string
	}

	Game struct {
		MaxPlayers        int
		MinPlayers        int
		TotalRounds       int
		QuestionTimeLimit time.Duration
		InterRoundDelay   time.Duration
		StartDelay        time.Duration
		CleanupDelay      time.Duration
		GracePeriod       time.Duration
		AnswerTTL         time.Duration
		SessionTTL        time.Duration
		CodeAttempts      int
		RecoverOnStart    bool
	}

	WS struct {
		WriteTimeout   time.Duration
		ReadTimeout    time.Duration
		PingInterval   time.Duration
		MaxMessageSize int64
	}
}

// DefaultConfig returns the game rules of a standard match. The config file overrides them.
func DefaultConfig() Config {
	var c Config

	c.HTTP.Port = 8080
	c.GRPC.Port = 8081

	c.Redis.Store.Addrs = []string{"localhost:6379"}
	c.Redis.Store.Prefix = "triviarena"
	c.Redis.Pubsub.Addrs = []string{"localhost:6379"}
	c.Redis.Pubsub.Prefix = "triviarena:pubsub"

	c.Catalog.Source = CatalogSourceFile
	c.Catalog.File = "config/questions.yaml"
	c.Catalog.Policy = string(catalog.PolicyRepeat)

	c.Game.MaxPlayers = 10
	c.Game.MinPlayers = 2
	c.Game.TotalRounds = 5
	c.Game.QuestionTimeLimit = 15 * time.Second
	c.Game.InterRoundDelay = 3 * time.Second
	c.Game.StartDelay = 3 * time.Second
	c.Game.CleanupDelay = 30 * time.Second
	c.Game.GracePeriod = 30 * time.Second
	c.Game.AnswerTTL = 60 * time.Second
	c.Game.SessionTTL = time.Hour
	c.Game.CodeAttempts = 8
	c.Game.RecoverOnStart = true

	ws := api.DefaultWSConfig()
	c.WS.WriteTimeout = ws.WriteTimeout
	c.WS.ReadTimeout = ws.ReadTimeout
	c.WS.PingInterval = ws.PingInterval
	c.WS.MaxMessageSize = ws.MaxMessageSize

	return c
}

type Server struct {
	c Config

	eb      *event.Bus
	metrics *telemetry.Metrics

	infra struct {
		redis struct {
			store  redis.UniversalClient
			pubsub redis.UniversalClient
		}

		postgres struct {
			catalog *pgxpool.Pool
		}
	}

	service struct {
		catalog  *catalog.Catalog
		sessions *session.Service
		game     *game.Service
		presence *presence.Service
	}

	api    *api.API
	http   *http.Server
	grpc   *grpc.Server
	cancel context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()
	s.metrics = telemetry.NewMetrics(prometheus.DefaultRegisterer)

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initCatalog(); err != nil {
		return nil, fmt.Errorf("server: init catalog: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if s.c.Catalog.Source == CatalogSourcePostgres {
		if err := s.initPostgres(); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.store, err = connect(s.c.Redis.Store.Addrs, s.c.Redis.Store.Pass)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pc := s.c.Postgres.Catalog
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pc.User, pc.Pass, pc.Addr, pc.Name))
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return fmt.Errorf("catalog: %w", err)
	}

	s.infra.postgres.catalog = db
	return nil
}

func (s *Server) initCatalog() error {
	var (
		qs  []domain.Question
		err error
	)

	switch s.c.Catalog.Source {
	case CatalogSourceFile:
		qs, err = catalog.LoadFile(s.c.Catalog.File)
	case CatalogSourcePostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		qs, err = catalog.LoadPostgres(ctx, s.infra.postgres.catalog)
	default:
		return fmt.Errorf("unknown source %q", s.c.Catalog.Source)
	}
	if err != nil {
		return err
	}

	s.service.catalog, err = catalog.New(qs, catalog.Config{
		Policy: catalog.Policy(s.c.Catalog.Policy),
	})
	if err != nil {
		return err
	}

	slog.Info("server: catalog loaded", "source", s.c.Catalog.Source, "questions", s.service.catalog.Len(), "policy", s.service.catalog.Policy())
	return nil
}

func (s *Server) initService() {
	g := s.c.Game
	st := store.NewRedis(store.Config{
		Redis:  s.infra.redis.store,
		Prefix: s.c.Redis.Store.Prefix,
	})

	s.service.sessions = session.NewService(session.Config{
		Store:        st,
		EventBus:     s.eb,
		Metrics:      s.metrics,
		MaxPlayers:   g.MaxPlayers,
		MinPlayers:   g.MinPlayers,
		TotalRounds:  g.TotalRounds,
		SessionTTL:   g.SessionTTL,
		CodeAttempts: g.CodeAttempts,
	})

	s.service.game = game.NewService(game.Config{
		Sessions:          s.service.sessions,
		Store:             st,
		Catalog:           s.service.catalog,
		EventBus:          s.eb,
		Metrics:           s.metrics,
		QuestionTimeLimit: g.QuestionTimeLimit,
		InterRoundDelay:   g.InterRoundDelay,
		StartDelay:        g.StartDelay,
		CleanupDelay:      g.CleanupDelay,
		AnswerTTL:         g.AnswerTTL,
	})

	s.service.presence = presence.NewService(presence.Config{
		Sessions:    s.service.sessions,
		Game:        s.service.game,
		EventBus:    s.eb,
		Metrics:     s.metrics,
		GracePeriod: g.GracePeriod,
	})
}

func (s *Server) initAPI() {
	gin.SetMode(gin.ReleaseMode)

	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor())

	s.api = api.New(api.Config{
		GRPC:         s.grpc,
		EventBus:     s.eb,
		Sessions:     s.service.sessions,
		Game:         s.service.game,
		Presence:     s.service.presence,
		Metrics:      s.metrics,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
		WS: api.WSConfig{
			WriteTimeout:   s.c.WS.WriteTimeout,
			ReadTimeout:    s.c.WS.ReadTimeout,
			PingInterval:   s.c.WS.PingInterval,
			MaxMessageSize: s.c.WS.MaxMessageSize,
		},
	})
	s.api.RegisterRoutes(e)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	ps, err := s.api.Subscribe(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "server: subscribe notifications failed", "error", err)
		panic(err)
	}

	if s.c.Game.RecoverOnStart {
		n, err := s.service.game.RecoverAll(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "server: recover sessions failed", "error", err)
		}
		slog.InfoContext(ctx, "server: sessions recovered", "count", n)

		n, err = s.service.presence.RecoverAll(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "server: recover grace periods failed", "error", err)
		}
		slog.InfoContext(ctx, "server: grace periods recovered", "count", n)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		return s.api.Relay(ctx, ps)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}
	if s.cancel != nil {
		s.cancel()
	}

	// timers first, so no callback publishes into a stopped bus
	s.service.presence.Stop()
	s.service.game.Stop()
	s.eb.Stop()

	for _, r := range []redis.UniversalClient{s.infra.redis.store, s.infra.redis.pubsub} {
		if err := r.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "error", err)
		}
	}
	if s.infra.postgres.catalog != nil {
		s.infra.postgres.catalog.Close()
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
