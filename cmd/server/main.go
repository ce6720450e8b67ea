package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/damage-api/internal/config"
	"github.com/Brownie44l1/damage-api/internal/handlers"
	"github.com/Brownie44l1/damage-api/internal/model"
	"github.com/Brownie44l1/damage-api/internal/telegram"
	"github.com/Brownie44l1/damage-api/internal/upload"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.SetLevel(cfg.LogLevel)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	modelPath := cfg.ResolvedModelPath()
	logger := log.WithField("component", "server")
	logger.WithField("model_path", modelPath).Info("using model")

	classifier := model.NewClassifier(model.ONNXLoader(model.BackendConfig{
		ModelPath:         modelPath,
		SharedLibraryPath: cfg.OrtLibPath,
	}), log.WithField("component", "classifier"))
	defer model.DestroyEnvironment()
	defer classifier.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.EagerLoad {
		if err := classifier.Warm(ctx); err != nil {
			log.Fatalf("Failed to load model: %v", err)
		}
	}

	stager, err := upload.NewStager(cfg.UploadDir)
	if err != nil {
		log.Fatalf("Failed to prepare upload dir: %v", err)
	}

	handler := handlers.NewHandler(classifier, stager, cfg.MaxUploadBytes, log.WithField("component", "http"))

	var workers sync.WaitGroup
	if cfg.TelegramToken != "" {
		bot, err := telegram.NewBot(cfg.TelegramToken, classifier, log.WithField("component", "telegram"))
		if err != nil {
			log.Fatalf("Failed to create bot: %v", err)
		}
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := bot.Run(ctx); err != nil {
				log.WithError(err).Error("telegram bot stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", srv.Addr, err)
	}

	log.Infof("Server starting on port %s", cfg.Port)
	log.Info("Endpoints:")
	log.Info("  GET  /              - Upload page")
	log.Info("  POST /classify      - Upload form target")
	log.Info("  GET  /health        - Health check")
	log.Info("  POST /predict       - Raw tensor prediction")
	log.Info("  POST /predict/image - Predict from image upload")
	log.Infof("💡 Upload test: curl -X POST -F \"image=@car.jpg\" http://localhost:%s/predict/image", cfg.Port)

	// The classifier is closed by the deferred calls, so every request and
	// the bot must be finished first.
	if err := serve(ctx, srv, ln, 10*time.Second); err != nil {
		log.WithError(err).Error("server stopped with error")
	}
	stop()
	workers.Wait()
	log.Info("Server stopped")
}
