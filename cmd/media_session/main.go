// Команда media_session открывает одну медиа сессию по конфигурации и
// выполняет SDP обмен через файлы.
//
// С флагом -offer читает удаленный SDP offer и печатает answer. Без него
// печатает локальный offer и, если задан -answer, применяет ответ из файла.
// Сессия работает до SIGINT или SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/media_server/pkg/config"
	"github.com/arzzra/media_server/pkg/format"
	"github.com/arzzra/media_server/pkg/manager"
	"github.com/arzzra/media_server/pkg/media"
	"github.com/arzzra/media_server/pkg/metrics"
)

func main() {
	var (
		configPath = flag.String("config", "configs/media_server.yaml", "путь к файлу конфигурации")
		offerPath  = flag.String("offer", "", "файл с удаленным SDP offer")
		answerPath = flag.String("answer", "", "файл с удаленным SDP answer на локальный offer")
		dtmf       = flag.String("dtmf", "", "DTMF цифры для отправки после согласования")
		echo       = flag.Bool("echo", false, "возвращать входящее аудио удаленной стороне")
	)
	flag.Parse()

	if err := run(*configPath, *offerPath, *answerPath, *dtmf, *echo); err != nil {
		slog.Error("media_session завершилась с ошибкой", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath, offerPath, answerPath, dtmf string, echo bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(metrics.Config{Namespace: cfg.Metrics.Namespace, Registry: registry})

	mgr, err := manager.New(cfg, manager.Options{Observer: collector, Logger: logger})
	if err != nil {
		return err
	}
	if err := collector.RegisterPool("rtp", mgr.Buffers()); err != nil {
		return fmt.Errorf("не удалось зарегистрировать метрики пула: %w", err)
	}

	serverErr := make(chan error, 1)
	var srv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		srv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("метрики доступны", slog.String("address", cfg.Metrics.Address), slog.String("path", cfg.Metrics.Path))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	var echoLeg atomic.Pointer[manager.Leg]
	handlers := manager.Handlers{
		DTMF: func(e media.DTMFEvent) {
			fmt.Fprintf(os.Stdout, "DTMF %s (%s)\n", e.Digit, e.Duration)
		},
	}
	if echo {
		handlers.Audio = func(pkt *rtp.Packet, _ format.Format) {
			if leg := echoLeg.Load(); leg != nil {
				_ = leg.Output.WritePacket(pkt.Clone())
			}
		}
	}

	leg, err := mgr.CreateLeg(ctx, handlers)
	if err != nil {
		return err
	}
	echoLeg.Store(leg)

	if err := exchange(ctx, mgr, leg, offerPath, answerPath); err != nil {
		_ = mgr.Close(context.Background())
		return err
	}

	if dtmf != "" {
		if err := sendDigits(ctx, leg, dtmf); err != nil {
			logger.Warn("не удалось отправить DTMF", slog.Any("error", err))
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал завершения")
	case err := <-serverErr:
		logger.Error("ошибка сервера метрик", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats := leg.Session.Statistics().Snapshot()
	logger.Info("статистика сессии",
		slog.Uint64("packets_in", stats.Incoming.Packets),
		slog.Uint64("bytes_in", stats.Incoming.Bytes),
		slog.Uint64("packets_out", stats.Outgoing.Packets),
		slog.Uint64("bytes_out", stats.Outgoing.Bytes))

	closeErr := mgr.Close(shutdownCtx)
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("ошибка остановки сервера метрик", slog.Any("error", err))
		}
	}
	return closeErr
}

// exchange выполняет SDP обмен через файлы и печатает локальное описание
func exchange(ctx context.Context, mgr *manager.Manager, leg *manager.Leg, offerPath, answerPath string) error {
	if offerPath != "" {
		offer, err := os.ReadFile(offerPath)
		if err != nil {
			return fmt.Errorf("не удалось прочитать offer: %w", err)
		}
		answer, err := mgr.Answer(ctx, leg, offer)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(answer)
		return err
	}

	offer, err := mgr.Offer(leg)
	if err != nil {
		return err
	}
	if _, err := os.Stdout.Write(offer); err != nil {
		return err
	}
	if answerPath == "" {
		return nil
	}

	answer, err := os.ReadFile(answerPath)
	if err != nil {
		return fmt.Errorf("не удалось прочитать answer: %w", err)
	}
	return mgr.ApplyAnswer(ctx, leg, answer)
}

func sendDigits(ctx context.Context, leg *manager.Leg, digits string) error {
	parsed, err := media.ParseDTMFString(digits)
	if err != nil {
		return err
	}
	for _, digit := range parsed {
		if err := leg.SendDTMF(digit, 100*time.Millisecond); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(150 * time.Millisecond):
		}
	}
	return nil
}
