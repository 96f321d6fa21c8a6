package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"papyrus/api/internal/app"
	"papyrus/api/internal/coldstore"
	"papyrus/api/internal/config"
	"papyrus/api/internal/docstore"
	"papyrus/api/internal/docupdater"
	"papyrus/api/internal/history"
	"papyrus/api/internal/lock"
	"papyrus/api/internal/packstore"
	"papyrus/api/internal/ranges"
	"papyrus/api/internal/realtime"
	"papyrus/api/internal/webapi"
)

func main() {
	archiveSweep := flag.Bool("archive-sweep", false, "run one archive sweep over cold packs and exit")
	drainRate := flag.Int("drain-rate", 4, "clients per second told to reconnect during shutdown, 0 disables")
	flag.Parse()

	cfg := config.Load()
	ctx := context.Background()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("bad redis url: %v", err)
	}
	client := redis.NewClient(redisOpts)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database open failed: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	packStore := packstore.NewPostgresStore(db)
	if err := packStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("schema setup failed: %v", err)
	}

	cold, err := coldstore.NewMinioStore(coldstore.MinioConfig{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		log.Fatalf("object storage connection failed: %v", err)
	}

	locker := lock.NewLocker(client)
	packs := packstore.NewManager(packStore, cold, locker)

	if *archiveSweep {
		log.Printf("running archive sweep with budget %s", cfg.ArchiveBatchBudget)
		if err := packs.SweepArchivable(ctx, cfg.ArchiveBatchBudget, 1000); err != nil {
			log.Fatalf("archive sweep failed: %v", err)
		}
		return
	}

	historyRedis := history.NewRedisManager(client)
	historyUpdates := history.NewUpdatesManager(historyRedis, packs, locker)

	docstoreClient := docstore.NewClient(cfg.DocstoreURL, cfg.WebAPIUser, cfg.WebAPIPass, cfg.MaxDocLength)
	webapiClient := webapi.NewClient(cfg.WebAPIURL, cfg.WebAPIUser, cfg.WebAPIPass)

	redisManager := docupdater.NewRedisManager(client, historyRedis, cfg.MaxDocLength)
	realtimeRedis := docupdater.NewRealTimeRedisManager(client)
	docs := docupdater.NewDocumentManager(redisManager, docstoreClient, ranges.NewManager(cfg.MaxRangeTrackedSize))
	updates := docupdater.NewUpdateManager(docs, redisManager, realtimeRedis, locker, cfg.MaxUpdateSize)
	docs.FlushHistory = func(projectID, docID string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := historyUpdates.ProcessUncompressedUpdatesWithLock(ctx, projectID, docID); err != nil {
			log.Printf("history flush for doc %s: %v", docID, err)
		}
	}

	historyDocs := docupdater.NewHistoryDocs(docs)
	diff := history.NewDiffManager(historyUpdates, historyDocs)
	restore := history.NewRestoreManager(diff, historyDocs)

	relay := realtime.NewRelay(client)
	rooms := realtime.NewRoomManager(relay)
	relay.Bind(rooms)
	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	go relay.Run(relayCtx)

	presence := realtime.NewConnectedUsersManager(client)
	controller := realtime.NewController(webapiClient, docs, realtimeRedis, rooms, relay, presence, cfg.MaxUpdateSize)
	controller.Process = func(projectID, docID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := updates.ProcessOutstandingUpdatesWithLock(ctx, projectID, docID); err != nil {
			log.Printf("process updates for doc %s: %v", docID, err)
		}
	}

	httpServer := app.NewHTTPServer(docs, historyUpdates, diff, restore, webapiClient, cfg.MaxUpdateSize)
	httpServer.MountWebsocket(realtime.NewHandler(controller, webapiClient))
	httpServer.AddPing("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
	httpServer.AddPing("postgres", db.PingContext)

	// No read/write timeouts: the socket endpoint holds connections open
	// and exports stream for as long as the history is long.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("papyrus api listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	realtime.NewDrainManager(rooms).Drain(drainCtx, *drainRate)
	cancelDrain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
