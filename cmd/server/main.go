// @title           Magazyn Plików API
// @version         1.0
// @description     Hierarchical file storage with folder archives.
// @host            localhost:8080
// @schemes         http https
// @BasePath        /api/v1
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
package main

import (
	"context"
	"errors"
	"fmt"
	"magazyn-plikow/internal/api"
	"magazyn-plikow/internal/config"
	"magazyn-plikow/internal/database"
	"magazyn-plikow/internal/drive"
	"magazyn-plikow/internal/logging"
	"magazyn-plikow/internal/storage"
	"magazyn-plikow/internal/websocket"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/jackc/pgx/v5/pgxpool"

	_ "magazyn-plikow/docs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Nie można wczytać konfiguracji: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbpool, err := pgxpool.New(ctx, cfg.DB.Source)
	if err != nil {
		logger.Fatal().Err(err).Msg("Nie można połączyć się z bazą danych")
	}
	defer dbpool.Close()

	if err := dbpool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Nie można pingować bazy danych")
	}
	logger.Info().Msg("Pomyślnie połączono z bazą danych")

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("Nie można zainicjować magazynu blobów")
	}
	logger.Info().Str("backend", cfg.Storage.Backend).Msg("Magazyn blobów gotowy")

	maxFileSize, err := cfg.MaxFileSizeBytes()
	if err != nil {
		logger.Fatal().Err(err).Msg("Niepoprawny limit rozmiaru pliku")
	}

	wsHub := websocket.NewHub(logger)
	go wsHub.Run(ctx)

	store := database.NewStore(dbpool)
	engine, err := drive.New(drive.NewPostgresMetadata(store), blobs, drive.Options{
		MaxFileSize:         maxFileSize,
		UploadConcurrency:   cfg.Limits.UploadConcurrency,
		DownloadConcurrency: cfg.Limits.DownloadConcurrency,
		RemoteTimeout:       cfg.Limits.RemoteTimeout,
		StagingDir:          cfg.Storage.StagingPath,
		Logger:              logger,
		Publisher:           wsHub,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Nie można utworzyć silnika plików")
	}
	logger.Info().
		Str("max_file_size", units.BytesSize(float64(maxFileSize))).
		Int("upload_concurrency", cfg.Limits.UploadConcurrency).
		Int("download_concurrency", cfg.Limits.DownloadConcurrency).
		Dur("remote_timeout", cfg.Limits.RemoteTimeout).
		Msg("Silnik plików skonfigurowany")

	server := api.NewServer(cfg, store, engine, wsHub, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.AppHost, cfg.Port),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Błąd podczas zamykania serwera")
		}
	}()

	logger.Info().Str("addr", httpServer.Addr).Msg("Uruchamianie serwera")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("Nie można uruchomić serwera")
	}
	logger.Info().Msg("Serwer zatrzymany")
}

func newBlobStore(ctx context.Context, cfg *config.Config) (storage.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "", "local":
		return storage.NewLocalStorage(cfg.Storage.Path)
	case "s3":
		initCtx, cancel := context.WithTimeout(ctx, cfg.Limits.RemoteTimeout)
		defer cancel()
		return storage.NewS3Storage(initCtx, storage.S3Options{
			Endpoint:  cfg.Storage.S3.Endpoint,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			Bucket:    cfg.Storage.S3.Bucket,
			Region:    cfg.Storage.S3.Region,
			UseSSL:    cfg.Storage.S3.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
