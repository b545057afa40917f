package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/ticketing-core/internal/admission"
	"github.com/iliyamo/ticketing-core/internal/config"
	"github.com/iliyamo/ticketing-core/internal/database"
	"github.com/iliyamo/ticketing-core/internal/handler"
	"github.com/iliyamo/ticketing-core/internal/idgen"
	"github.com/iliyamo/ticketing-core/internal/logging"
	"github.com/iliyamo/ticketing-core/internal/middleware"
	"github.com/iliyamo/ticketing-core/internal/order"
	"github.com/iliyamo/ticketing-core/internal/queue"
	"github.com/iliyamo/ticketing-core/internal/repository"
	"github.com/iliyamo/ticketing-core/internal/router"
	"github.com/iliyamo/ticketing-core/internal/seatlock"
	"github.com/iliyamo/ticketing-core/internal/store"
	"github.com/iliyamo/ticketing-core/internal/utils"
)

func main() {
	app := &cli.App{
		Name:  "ticketing",
		Usage: "seat locking and order creation service",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API, the expiry sweeper and the audit consumer",
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "apply (or roll back) database migrations",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "down", Usage: "roll back `N` migrations instead of migrating up"},
				},
				Action: migrateCmd,
			},
			{
				Name:  "token",
				Usage: "issue an access token for local testing",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "holder", Required: true, Usage: "holder id (token subject)"},
					&cli.StringFlag{Name: "role", Value: router.RoleCustomer},
					&cli.DurationFlag{Name: "ttl", Usage: "token lifetime, JWT_ACCESS_TTL by default"},
				},
				Action: tokenCmd,
			},
		},
		DefaultCommand: "serve",
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("ticketing: exiting")
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, dbOptions(cfg.DB))
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.DB.AutoMigrate {
		if err := database.Migrate(db, cfg.DB.Name, log); err != nil {
			return err
		}
	}

	checks := map[string]handler.Check{"mysql": db.PingContext}
	var (
		shared    store.AtomicStore
		reclaimer order.Reclaimer
	)
	switch cfg.StoreBackend {
	case "memory":
		mem := store.NewMemoryStore(nil)
		shared, reclaimer = mem, mem
		log.Warn("store: using in-process memory store, locks are not shared between replicas")
	default:
		rdb, err := config.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		shared = store.NewRedisStore(rdb)
		checks["redis"] = func(ctx context.Context) error { return pingRedis(ctx, rdb) }
	}

	ids, err := idgen.New(cfg.IDGen.DatacenterID, cfg.IDGen.WorkerID, idgen.WithEpoch(cfg.IDGen.EpochMs))
	if err != nil {
		return errors.Wrap(err, "id generator")
	}

	locks := seatlock.NewManager(shared,
		seatlock.WithTimeout(cfg.Orders.StoreTimeout),
		seatlock.WithLogger(log),
	)

	deps := order.Deps{
		Repo:   repository.NewOrderRepo(db),
		Prices: repository.NewShowSeatRepo(db),
		Locks:  locks,
		IDs:    ids,
		Log:    log,
	}
	var limiter *admission.Limiter
	if cfg.Admission.Enabled {
		limiter = newLimiter(shared, cfg.Admission, cfg.Orders.StoreTimeout, log)
		deps.Admit = limiter
	}

	var publisher *queue.Publisher
	if cfg.AMQP.Enabled {
		publisher = queue.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
		defer publisher.Close()
		deps.Events = publisher
	}

	svc := order.NewService(deps, order.Config{
		LockTTL:      cfg.Orders.SeatLockTTL,
		StoreTimeout: cfg.Orders.StoreTimeout,
		MaxSeats:     cfg.Orders.MaxSeats,
	})
	sweeper := order.NewSweeper(svc, cfg.Sweep.Interval, cfg.Sweep.Batch, reclaimer)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLogger(log))
	router.RegisterRoutes(e, router.Handlers{
		Health: handler.NewHealthHandler(checks),
		Orders: handler.NewOrderHandler(svc),
		Locks:  handler.NewLockHandler(locks, cfg.Orders.SeatLockTTL),
		Admin:  handler.NewAdminHandler(sweeper),
	}, limiter, cfg.JWT.Secret)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.WithFields(logrus.Fields{"addr": addr, "env": cfg.Env, "store": cfg.StoreBackend}).Info("http: listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	if cfg.AMQP.Enabled {
		consumer := &queue.Consumer{
			URL:      cfg.AMQP.URL,
			Exchange: cfg.AMQP.Exchange,
			Queue:    cfg.AMQP.Queue,
			LogPath:  cfg.AMQP.AuditLog,
			Log:      log,
		}
		g.Go(func() error { return consumer.Run(gctx) })
	}

	err = g.Wait()
	log.Info("ticketing: stopped")
	return err
}

func newLimiter(s store.AtomicStore, cfg config.AdmissionConfig, timeout time.Duration, log logrus.FieldLogger) *admission.Limiter {
	policy := func(b config.Budget) admission.Policy {
		return admission.Policy{Limit: int64(b.Limit), Window: b.Window}
	}
	return admission.New(s,
		admission.WithPrefix(cfg.Prefix),
		admission.WithTimeout(timeout),
		admission.WithLogger(log),
		admission.WithPolicy(admission.CategoryBooking, policy(cfg.Booking)),
		admission.WithPolicy(admission.CategoryCancel, policy(cfg.Cancel)),
		admission.WithPolicy(admission.CategoryQuery, policy(cfg.Query)),
	)
}

func migrateCmd(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Env, cfg.LogLevel)
	db, err := database.Open(c.Context, dbOptions(cfg.DB))
	if err != nil {
		return err
	}
	defer db.Close()
	if n := c.Int("down"); n > 0 {
		if err := database.MigrateDown(db, cfg.DB.Name, n); err != nil {
			return err
		}
		log.WithField("steps", n).Info("database: rolled back")
		return nil
	}
	return database.Migrate(db, cfg.DB.Name, log)
}

func tokenCmd(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ttl := c.Duration("ttl")
	if ttl <= 0 {
		ttl = cfg.JWT.AccessTTL
	}
	tok, err := utils.NewAccessToken(cfg.JWT.Secret, c.String("holder"), c.String("role"), ttl)
	if err != nil {
		return errors.Wrap(err, "sign token")
	}
	fmt.Fprintln(c.App.Writer, tok.Token)
	return nil
}

func dbOptions(cfg config.DBConfig) database.Options {
	return database.Options{
		User:            cfg.User,
		Password:        cfg.Password,
		Host:            cfg.Host,
		Port:            cfg.Port,
		Name:            cfg.Name,
		MaxOpenConns:    cfg.MaxOpenConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
}

func pingRedis(ctx context.Context, rdb *redis.Client) error {
	return rdb.Ping(ctx).Err()
}
