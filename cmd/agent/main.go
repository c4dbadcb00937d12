package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lokutor-ai/robocortex/pkg/audio/device"
	"github.com/lokutor-ai/robocortex/pkg/bus"
	"github.com/lokutor-ai/robocortex/pkg/capture"
	"github.com/lokutor-ai/robocortex/pkg/logging"
	"github.com/lokutor-ai/robocortex/pkg/mutex"
	"github.com/lokutor-ai/robocortex/pkg/node"
	"github.com/lokutor-ai/robocortex/pkg/nodes/cognition"
	"github.com/lokutor-ai/robocortex/pkg/nodes/stt"
	"github.com/lokutor-ai/robocortex/pkg/nodes/tts"
	"github.com/lokutor-ai/robocortex/pkg/playback"
	"github.com/lokutor-ai/robocortex/pkg/realtime"
)

const (
	sampleRate = 24000
	channels   = 1

	shutdownDeadline = 5 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zapLogger.Sync()
	logger := logging.NewZap(zapLogger.Sugar())

	endpoint := os.Getenv("REALTIME_ENDPOINT")
	if endpoint == "" {
		endpoint = "wss://api.lokutor.ai/v1/realtime"
	}
	apiKey := os.Getenv("REALTIME_API_KEY")
	if apiKey == "" {
		log.Fatal("Error: REALTIME_API_KEY must be set.")
	}

	instructions := os.Getenv("COGNITION_INSTRUCTIONS")
	if instructions == "" {
		instructions = "You are a helpful, concise embodied assistant. Use short sentences suitable for speech."
	}
	voice := os.Getenv("COGNITION_VOICE")

	b := bus.New(bus.WithLogger(logger))
	mm := mutex.New(func(msg string) { logger.Warn(msg) })

	sessionCfg := realtime.DefaultSessionConfig()
	rt := realtime.NewSession(endpoint, apiKey, sessionCfg,
		realtime.WithLogger(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)

	acmCfg := capture.DefaultConfig()

	captureDev, err := device.NewMalgoCapture(acmCfg.SampleRate, acmCfg.ChunkSamples)
	if err != nil {
		log.Fatalf("init capture device: %v", err)
	}
	defer captureDev.Close()
	if err := captureDev.Start(); err != nil {
		log.Fatalf("start capture device: %v", err)
	}

	sinkDev, err := device.NewMalgoSink(sampleRate)
	if err != nil {
		log.Fatalf("init playback device: %v", err)
	}
	defer sinkDev.Close()

	acm := capture.New(acmCfg, captureDev, rt, mm, logger)
	apm := playback.New(sinkDev, mm, sampleRate, channels, logger)

	sttCfg, err := loadNodeConfig("configs/stt.yaml")
	if err != nil {
		log.Fatalf("load stt config: %v", err)
	}
	cognitionCfg, err := loadNodeConfig("configs/cognition.yaml")
	if err != nil {
		log.Fatalf("load cognition config: %v", err)
	}
	ttsCfg, err := loadNodeConfig("configs/tts.yaml")
	if err != nil {
		log.Fatalf("load tts config: %v", err)
	}

	sttNode, sttHandlers, err := stt.New(sttCfg, b, rt, mm, logger)
	if err != nil {
		log.Fatalf("construct stt node: %v", err)
	}
	cogNode, cogHandlers, err := cognition.New(cognitionCfg, cognition.Config{
		Instructions: instructions,
		Voice:        voice,
	}, b, rt, logger)
	if err != nil {
		log.Fatalf("construct cognition node: %v", err)
	}
	ttsNode, ttsHandlers, err := tts.New(ttsCfg, b, rt, apm, logger)
	if err != nil {
		log.Fatalf("construct tts node: %v", err)
	}

	startAll := []struct {
		n        *node.Node
		handlers map[string]bus.Handler
	}{
		{sttNode, sttHandlers},
		{cogNode, cogHandlers},
		{ttsNode, ttsHandlers},
	}

	for _, entry := range startAll {
		if err := entry.n.Init(ctx); err != nil {
			log.Fatalf("init node %s: %v", entry.n.Name(), err)
		}
	}
	for _, entry := range startAll {
		if err := entry.n.Start(ctx, entry.handlers); err != nil {
			log.Fatalf("start node %s: %v", entry.n.Name(), err)
		}
	}

	go func() {
		if err := acm.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("capture manager stopped unexpectedly", "error", err)
		}
	}()

	fmt.Println("robocortex agent running; press Ctrl+C to exit")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")

	cancel()

	for i := len(startAll) - 1; i >= 0; i-- {
		entry := startAll[i]
		if err := entry.n.Stop(shutdownDeadline); err != nil {
			logger.Warn("node stop reported error", "node", entry.n.Name(), "error", err)
		}
		entry.n.Dispose()
	}

	if err := rt.Stop(shutdownDeadline); err != nil {
		logger.Warn("realtime session stop reported error", "error", err)
	}
}

func loadNodeConfig(path string) (node.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return node.Config{}, err
	}
	return node.LoadConfig(data)
}
