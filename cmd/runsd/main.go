// Command runsd serves runs over HTTP. Runs execute a scripted demo agent
// that suspends on a client computed function tool; clients submit the tool
// outputs over HTTP and follow the run as server-sent events.
//
// # Configuration
//
// runsd reads the YAML file given with -config. The following environment
// variables override the file:
//
//	RUNSD_HTTP_ADDR       - HTTP listen address (default: ":8080")
//	RUNSD_REDIS_ADDR      - Redis address (default: "localhost:6379")
//	RUNSD_REDIS_PASSWORD  - Redis password (optional)
//	RUNSD_MONGO_URI       - MongoDB URI, runs are kept in memory when empty
//	RUNSD_ACTION_TIMEOUT  - how long a run waits for tool outputs (default: "10m")
//	RUNSD_TURN_POLICY     - "end_on_action" (default) or "continue"
//	RUNSD_RATELIMIT_MAX   - requests admitted per window and caller (default: 25)
//	RUNSD_API_KEY_SALT    - salt of the API key digests
//
// Multiple runsd processes sharing Redis and MongoDB form a cluster: tool
// outputs and cancellations reach the process executing the run, and a single
// node sweeps expired runs at a time.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/pool"

	"goa.design/runwait/features/admission"
	admissionredis "goa.design/runwait/features/admission/redis"
	pubsubredis "goa.design/runwait/features/pubsub/redis"
	runmongo "goa.design/runwait/features/run/mongo"
	mongoc "goa.design/runwait/features/run/mongo/clients/mongo"
	streampulse "goa.design/runwait/features/stream/pulse"
	clientspulse "goa.design/runwait/features/stream/pulse/clients/pulse"
	"goa.design/runwait/runtime/agent/run"
	runinmem "goa.design/runwait/runtime/agent/run/inmem"
	"goa.design/runwait/runtime/agent/runtime"
	"goa.design/runwait/runtime/agent/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF, os.Getenv)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTP.Addr}, log.KV{K: "turn-policy", V: cfg.Runs.TurnPolicy})

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer closeRedis(ctx, "redis", rdb)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf(ctx, err, "connect to redis at %s", cfg.Redis.Addr)
	}
	pingers := []health.Pinger{redisPinger{name: "redis", rdb: rdb}}

	// Run store.
	var store run.Store
	if cfg.Mongo.URI == "" {
		log.Printf(ctx, "mongo.uri not set, runs are kept in memory")
		store = runinmem.New()
	} else {
		mc, err := mongodriver.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			log.Fatalf(ctx, err, "connect to mongo")
		}
		defer func() {
			if err := mc.Disconnect(context.Background()); err != nil {
				log.Printf(ctx, "disconnect mongo: %v", err)
			}
		}()
		ms, err := runmongo.NewStoreFromMongo(mongoc.Options{
			Client:     mc,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
			Timeout:    cfg.Mongo.Timeout,
		})
		if err != nil {
			log.Fatalf(ctx, err, "create mongo run store")
		}
		pingers = append(pingers, ms.Client())
		store = ms
	}

	// Tool channels and run event streams.
	ps, err := pubsubredis.New(rdb)
	if err != nil {
		log.Fatalf(ctx, err, "create redis pubsub")
	}
	pc, err := clientspulse.New(clientspulse.Options{
		Redis:            rdb,
		StreamMaxLen:     cfg.Stream.MaxLen,
		OperationTimeout: cfg.Stream.OperationTimeout,
	})
	if err != nil {
		log.Fatalf(ctx, err, "create pulse client")
	}
	sink, err := streampulse.NewSink(streampulse.Options{Client: pc})
	if err != nil {
		log.Fatalf(ctx, err, "create event sink")
	}
	subscriber, err := streampulse.NewSubscriber(streampulse.SubscriberOptions{Client: pc})
	if err != nil {
		log.Fatalf(ctx, err, "create event subscriber")
	}

	rt, err := runtime.New(
		runtime.WithStore(store),
		runtime.WithPubSub(ps),
		runtime.WithStream(sink),
		runtime.WithTurnPolicy(cfg.turnPolicy()),
		runtime.WithActionTimeout(cfg.Runs.ActionTimeout),
		runtime.WithTool(run.ToolTypeSystem, clockTool(time.Now)),
		runtime.WithFunction(weatherFunction),
		runtime.WithLogger(telemetry.NewClueLogger()),
		runtime.WithMetrics(telemetry.NewOTELMetrics()),
		runtime.WithTracer(telemetry.NewOTELTracer()),
	)
	if err != nil {
		log.Fatalf(ctx, err, "create runtime")
	}

	var gate *admission.Gate
	if cfg.RateLimit.Enabled {
		var closeGate func()
		gate, closeGate, err = newGate(ctx, cfg)
		if err != nil {
			log.Fatalf(ctx, err, "create admission gate")
		}
		defer closeGate()
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	node, err := pool.AddNode(ctx, cfg.Runs.Pool, rdb)
	if err != nil {
		log.Fatalf(ctx, err, "join pool %s", cfg.Runs.Pool)
	}
	startSweeper(ctx, rt, node, cfg, &wg)

	srv := newServer(ctx, rt, subscriber, demoAgent())
	handler := srv.handler(ctx, gate, health.NewChecker(pingers...), *dbgF)
	serveHTTP(ctx, &http.Server{Addr: cfg.HTTP.Addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}, &wg, errc)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	srv.wait()
	if err := node.Close(context.Background()); err != nil {
		log.Printf(ctx, "leave pool: %v", err)
	}
	log.Printf(ctx, "exited")
}

// newGate builds the admission gate. Counters live in Redis unless the
// configuration asks for local ones. The Redis client used for admission
// gives up quickly so that a slow Redis does not delay requests.
func newGate(ctx context.Context, cfg config) (*admission.Gate, func(), error) {
	opts := admission.Options{
		Max:        cfg.RateLimit.Max,
		Window:     cfg.RateLimit.Window,
		CacheSize:  cfg.RateLimit.CacheSize,
		Namespace:  cfg.RateLimit.Namespace,
		APIKeySalt: cfg.RateLimit.APIKeySalt,
		Logger:     telemetry.NewClueLogger(),
		Metrics:    telemetry.NewOTELMetrics(),
	}
	closer := func() {}
	if !cfg.RateLimit.Local {
		ardb := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: time.Second,
			MaxRetries:  1,
		})
		closer = func() { closeRedis(ctx, "admission redis", ardb) }
		counter, err := admissionredis.New(ardb)
		if err != nil {
			closer()
			return nil, nil, err
		}
		opts.Counter = counter
	}
	gate, err := admission.New(opts)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return gate, closer, nil
}

// startSweeper expires runs whose required action timed out. Ticks come
// from a Pulse pool ticker so that a single node of the pool sweeps at a
// time.
func startSweeper(ctx context.Context, rt *runtime.Runtime, node *pool.Node, cfg config, wg *sync.WaitGroup) {
	ticker, err := node.NewTicker(ctx, "runwait:sweep", cfg.Runs.SweepInterval)
	if err != nil {
		log.Fatalf(ctx, err, "create sweep ticker")
	}
	sweeper := runtime.NewSweeper(rt,
		runtime.WithSweepGrace(cfg.Runs.SweepGrace),
		runtime.WithSweepBatch(cfg.Runs.SweepBatch),
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		if err := sweeper.Run(ctx, ticker.C); err == nil {
			log.Printf(ctx, "sweep ticker stopped")
		}
	}()
}

// redisPinger reports the health of a Redis connection.
type redisPinger struct {
	name string
	rdb  *redis.Client
}

func (p redisPinger) Name() string { return p.name }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func closeRedis(ctx context.Context, name string, rdb *redis.Client) {
	if err := rdb.Close(); err != nil {
		log.Printf(ctx, "close %s: %v", name, err)
	}
}
