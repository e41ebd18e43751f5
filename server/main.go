/******************************************************************************
 *
 *  Description :
 *
 *    Server entry point: configuration, component construction in
 *    dependency order, background janitors and the run loop.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arfacturas/relay/server/auth"
	"github.com/arfacturas/relay/server/bus"
	"github.com/arfacturas/relay/server/cbreaker"
	"github.com/arfacturas/relay/server/ratelimit"
	"github.com/arfacturas/relay/server/store"
)

const buildVersion = "0.4.2"

// Deadlines on external calls. The breaker counts a timeout as a failure.
const (
	authDeadline    = 5 * time.Second
	contentDeadline = 10 * time.Second
	mediaDeadline   = 3 * time.Second
	storeDeadline   = 2 * time.Second
)

// Both the bus and the store must be unreachable for this long during boot
// before the server gives up.
const startupGrace = 120 * time.Second

// Janitor periods.
const (
	rateLimitGCEvery = 10 * time.Minute
	typingGCEvery    = 30 * time.Second
	presenceGCEvery  = 5 * time.Minute
	securityGCEvery  = 5 * time.Minute
	typingReconcile  = 2 * time.Minute
	metricsEvery     = 60 * time.Second
)

var globals struct {
	cfg *Config

	sessionStore *SessionStore
	bus          *bus.Bus
	shared       *store.Shared
	breakers     *cbreaker.Registry
	limiter      *ratelimit.Limiter
	security     *Security
	gate         *AuthGate
	typing       *TypingTracker
	presence     *PresenceTracker
	cluster      *Cluster

	// External collaborators.
	directory store.UserDirectory
	content   store.ContentStore
	indexer   store.Indexer
	media     store.MediaTokenIssuer

	startedAt    time.Time
	shuttingDown atomic.Bool
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println("http: response write failed:", err)
	}
}

func main() {
	configFile := flag.String("config", "", "Path to config file.")
	listenOn := flag.String("listen", "", "Override the configured listen address host:port.")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("Server v%s pid=%d", buildVersion, os.Getpid())

	cfg, err := configLoad(*configFile)
	if err != nil {
		log.Println(err)
		os.Exit(2)
	}
	if *listenOn != "" {
		if host, port, perr := splitListen(*listenOn); perr == nil {
			cfg.Host, cfg.Port = host, port
		} else {
			log.Println("invalid -listen value:", perr)
			os.Exit(2)
		}
	}
	globals.cfg = cfg
	globals.startedAt = time.Now()

	statsInit()

	busClient, storeClient, err := connectRedis(cfg)
	if err != nil {
		log.Println("fatal:", err)
		os.Exit(1)
	}

	// Construction in dependency order: leaves first.
	globals.breakers = cbreaker.NewRegistry(cbreaker.DefaultConfig, breakerObserver)
	globals.limiter = ratelimit.New(nil)
	globals.sessionStore = newSessionStore()

	globals.shared = store.NewShared(storeClient)
	globals.bus = bus.New(cfg.NodeID, bus.NewRedisTransport(busClient))
	go globals.bus.Run()

	globals.security = newSecurity(cfg, globals.shared, globals.bus)
	globals.security.evict = globals.sessionStore.EvictAddr

	wireCollaborators(cfg)

	verifier, err := buildVerifier(cfg)
	if err != nil {
		log.Println(err)
		os.Exit(2)
	}
	globals.gate = newAuthGate(cfg, verifier, globals.directory, globals.shared, globals.bus)

	globals.presence = newPresenceTracker(cfg.NodeID, globals.bus, globals.shared, globals.directory)
	globals.typing = newTypingTracker(defaultTypingConfig(), cfg.NodeID, globals.bus, globals.shared)
	globals.cluster = newCluster(cfg, globals.shared, globals.shared, globals.bus, globals.presence)

	workerID, err := registerWithGrace()
	if err != nil {
		log.Println("fatal: cluster registration failed:", err)
		os.Exit(1)
	}
	if err := store.InitIDs(uint(workerID)); err != nil {
		log.Println("fatal:", err)
		os.Exit(1)
	}

	subscribeModeration()

	stopJanitors := startJanitors()
	defer stopJanitors()

	gw := newGateway(cfg)
	if err := listenAndServe(gw, watchSignals()); err != nil {
		log.Println("fatal:", err)
		os.Exit(1)
	}

	globals.typing.shutdown()
	globals.presence.shutdown()
	globals.cluster.shutdown()
	globals.bus.Close()
	globals.shared.Close()

	log.Println("Server stopped")
}

// connectRedis builds the two clients. Boot tolerates an unreachable
// backend within the startup grace window; the bus reconnects on its own
// and the store breaker guards calls.
func connectRedis(cfg *Config) (*redis.Client, *redis.Client, error) {
	busOpts, err := redis.ParseURL(cfg.BusURL)
	if err != nil {
		return nil, nil, err
	}
	storeOpts, err := redis.ParseURL(cfg.StoreURL)
	if err != nil {
		return nil, nil, err
	}
	return redis.NewClient(busOpts), redis.NewClient(storeOpts), nil
}

// registerWithGrace retries cluster registration during boot. The fatal
// path needs both backends down: once the grace window lapses, a store
// failure only aborts startup if the bus transport has not connected
// either. With a healthy bus the server keeps retrying the store and runs
// degraded in the meantime.
func registerWithGrace() (int, error) {
	deadline := time.Now().Add(startupGrace)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), storeDeadline)
		workerID, err := globals.cluster.Register(ctx)
		cancel()
		if err == nil {
			return workerID, nil
		}
		if time.Now().After(deadline) && globals.bus.State() != bus.StateConnected {
			return 0, err
		}
		log.Println("startup: store unreachable, retrying:", err)
		time.Sleep(5 * time.Second)
	}
}

// wireCollaborators installs the external-service implementations. The
// development build ships the in-memory ones; production deployments
// replace this wiring with their real backends.
func wireCollaborators(cfg *Config) {
	mem := store.NewInMemory()
	globals.directory = mem
	globals.content = mem
	globals.indexer = mem
	globals.media = mem
}

func buildVerifier(cfg *Config) (auth.TokenVerifier, error) {
	if cfg.AllowAnonymous {
		// The gate bypasses verification entirely in anonymous mode.
		return nil, nil
	}
	return auth.NewHMACVerifier([]byte(cfg.AuthKey))
}

func splitListen(listen string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// subscribeModeration applies cluster-wide kick/ban eviction notices.
// These are published broadcast-to-all: the origin node's own sessions
// are evicted through the same path as everyone else's, so the handler
// deliberately has no origin filter.
func subscribeModeration() {
	globals.bus.Subscribe("moderation.evict", func(env *bus.Envelope) {
		var payload struct {
			ChannelID string `json:"channel_id"`
			TargetID  string `json:"target_id"`
			Ban       bool   `json:"ban"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.TargetID == "" {
			return
		}
		if payload.Ban {
			globals.sessionStore.EvictUser(payload.TargetID, "banned")
			return
		}
		room := roomTopic(roomChannel, payload.ChannelID)
		for _, s := range globals.sessionStore.SessionsForUser(payload.TargetID) {
			if s.unsubscribeRoom(room) {
				publishRoomPresence(room, s.uid, -1)
				s.queueOut(&ServerEvent{Event: "moderation.kicked", Data: map[string]interface{}{
					"channel_id": payload.ChannelID,
				}})
			}
		}
	})
}

// startJanitors runs the periodic maintenance loops. Each failure is
// logged and the loop continues; one janitor never takes down another.
func startJanitors() func() {
	quit := make(chan struct{})

	run := func(period time.Duration, name string, fn func()) {
		go func() {
			ticker := time.NewTicker(period)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					func() {
						defer func() {
							if r := recover(); r != nil {
								log.Println("janitor:", name, "panicked:", r)
							}
						}()
						fn()
					}()
				case <-quit:
					return
				}
			}
		}()
	}

	run(rateLimitGCEvery, "ratelimit", func() {
		removed := globals.limiter.GC(10 * time.Minute)
		if removed > 0 {
			log.Println("janitor: dropped", removed, "idle rate buckets")
		}
	})
	run(typingGCEvery, "typing", globals.typing.gc)
	run(typingReconcile, "typing-reconcile", globals.typing.reconcile)
	run(presenceGCEvery, "presence", globals.presence.gc)
	run(securityGCEvery, "security", globals.security.janitor)
	run(clusterHeartbeatInterval, "heartbeat", globals.cluster.Heartbeat)
	run(clusterHealthInterval, "cluster-health", globals.cluster.healthScan)
	run(metricsEvery, "metrics", func() {
		publishHealth(globals.bus, globals.cfg.NodeID, globals.startedAt)
	})

	return func() { close(quit) }
}
