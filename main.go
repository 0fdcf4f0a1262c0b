package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kpitracker/access"
	"kpitracker/config"
	"kpitracker/database"
	"kpitracker/handlers"
	"kpitracker/locks"
	"kpitracker/logger"
	repository "kpitracker/repositories"
	routes "kpitracker/routes"
	services "kpitracker/services"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, warnings, cfgErr := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	for _, w := range warnings {
		log.Warn(w)
	}
	if cfgErr != nil {
		log.Fatal("Invalid configuration", "error", cfgErr)
	}

	// Create a new client and connect to the server
	client, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatal("Failed to connect to MongoDB", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(ctx); err != nil {
			log.Error("Failed to disconnect from MongoDB", "error", err)
		}
	}()

	// Ping the primary to verify connection
	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = client.Ping(pingCtx, nil)
	cancel()
	if err != nil {
		log.Fatal("Failed to ping MongoDB", "error", err)
	}
	log.Info("Connected to MongoDB", "database", cfg.MongoDatabase)

	// Transactions need a replica set; without one writes run sequentially
	replicaSet, setName, err := database.IsReplicaSet(client)
	switch {
	case err != nil:
		log.Warn("Could not check replica set status, transactions disabled", "error", err)
	case replicaSet:
		log.Info("Part of replica set", "set_name", setName)
	default:
		log.Warn("Not part of a replica set, transactions disabled")
	}

	db := client.Database(cfg.MongoDatabase)

	if err := database.CreateIndexes(db); err != nil {
		log.Warn("Failed to create indexes", "error", err)
	}

	roles := access.DefaultHierarchy()
	if cfg.RolesFile != "" {
		if roles, err = access.LoadHierarchy(cfg.RolesFile); err != nil {
			log.Fatal("Failed to load role table", "file", cfg.RolesFile, "error", err)
		}
	}

	locker := locks.NewMemoryLocker()
	if cfg.RedisAddr != "" {
		rdb, err := locks.DialRedis(context.Background(), cfg.RedisAddr)
		if err != nil {
			log.Fatal("Failed to connect to Redis", "addr", cfg.RedisAddr, "error", err)
		}
		defer rdb.Close()
		if locker, err = locks.NewRedisLocker(log, rdb, cfg.LockTTL); err != nil {
			log.Fatal("Failed to create Redis locker", "error", err)
		}
		log.Info("Using Redis locks", "addr", cfg.RedisAddr)
	}

	evidence, err := repository.NewEvidenceStore(db)
	if err != nil {
		log.Fatal("Failed to open evidence store", "error", err)
	}

	deps := services.Dependencies{
		KPIs:                   repository.NewKPIRepository(db),
		Discrepancies:          repository.NewDiscrepancyRepository(db),
		Users:                  repository.NewUserRepository(db),
		Departments:            repository.NewDepartmentRepository(db),
		Evidence:               evidence,
		Tx:                     repository.NewTxRunner(client, replicaSet),
		Locker:                 locker,
		Roles:                  roles,
		Log:                    log,
		Clock:                  services.SystemClock(cfg.Location),
		AcademicYearStartMonth: cfg.AcademicYearStartMonth,
		SaveRetries:            cfg.SaveRetries,
	}

	kpiHandler := handlers.NewKPIHandler(services.NewKPIService(deps), cfg.MaxUploadBytes)
	discrepancyHandler := handlers.NewDiscrepancyHandler(services.NewDiscrepancyService(deps), cfg.MaxUploadBytes)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           routes.SetupRoutes(kpiHandler, discrepancyHandler, cfg.JWTSecret, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", "error", err)
	}
	log.Info("Server stopped")
}
