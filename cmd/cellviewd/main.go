package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cellview/server/internal/bounds"
	"github.com/cellview/server/internal/config"
	"github.com/cellview/server/internal/core/event"
	coresys "github.com/cellview/server/internal/core/system"
	"github.com/cellview/server/internal/data"
	"github.com/cellview/server/internal/handler"
	"github.com/cellview/server/internal/master"
	gonet "github.com/cellview/server/internal/net"
	"github.com/cellview/server/internal/net/packet"
	"github.com/cellview/server/internal/persist"
	"github.com/cellview/server/internal/scripting"
	"github.com/cellview/server/internal/space"
	"github.com/cellview/server/internal/system"
	"github.com/cellview/server/internal/view"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(serverName string, serverID int) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m             cellview  v0.1.0              \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m       interest management server          \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mserver:\033[0m %s \033[90m(id: %d)\033[0m\n\n", serverName, serverID)
}

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := 42 - len(label) - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main server logic ─────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name, cfg.Server.ID)

	// 3. Open the cell store and run migrations
	printSection("database")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, closeStore, err := persist.Open(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer closeStore()
	printOK(fmt.Sprintf("%s store ready", cfg.Database.Driver))
	fmt.Println()

	// 4. World: grid, oracle, registry
	printSection("world")

	grid := space.NewGrid(space.Config{
		HalfWidth: cfg.Grid.HalfWidth,
		Overlap:   cfg.Grid.Overlap,
		MaxSpan:   int32(cfg.Grid.MaxSpan),
		Extent:    cfg.Grid.Extent,
	}, log)
	oracle := bounds.NewOracle(grid, log)
	reg := master.NewRegistry(master.Config{
		Now: func() int64 { return time.Now().UnixMilli() },
	}, oracle, log)

	loaded, err := persist.LoadWorld(ctx, store, reg, log)
	if err != nil {
		return fmt.Errorf("load world: %w", err)
	}
	printStat("stored cells", loaded)

	if loaded == 0 && cfg.World.SeedFile != "" {
		seed, err := data.LoadWorldSeed(cfg.World.SeedFile)
		if err != nil {
			return fmt.Errorf("load world seed: %w", err)
		}
		if _, err := seed.Apply(reg); err != nil {
			return fmt.Errorf("apply world seed: %w", err)
		}
		printStat("seeded cells", seed.Count())
	}
	printStat("spaces", grid.Count())

	// 5. Access scripts and view caches
	hub := gonet.NewHub(log)

	engine, err := scripting.NewEngine(cfg.Scripting.Dir, reg.Lookup, log)
	if err != nil {
		return fmt.Errorf("scripting: %w", err)
	}
	defer engine.Close()
	printOK("access scripts loaded")

	views := view.NewManager(view.Config{
		ProximityRadius: cfg.View.ProximityRadius,
		DriftTolerance:  cfg.View.DriftTolerance.Milliseconds(),
		AvatarClass:     cfg.View.AvatarClass,
		AvatarRadius:    cfg.View.AvatarRadius,
	}, reg, engine, hub, log)

	bus := event.NewBus()
	system.BridgeViewEvents(views, bus)
	audience := system.NewAudience(bus, log)
	fmt.Println()

	// 6. Packet registry and handlers
	pktReg := packet.NewRegistry(log)
	deps := &handler.Deps{
		Config: cfg,
		Log:    log,
		Views:  views,
	}
	handler.RegisterAll(pktReg, deps)

	// 7. Create network server
	codec, err := gonet.NewCodec(cfg.Network.CompressThreshold)
	if err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	defer codec.Close()

	netServer, err := gonet.NewServer(cfg.Network.BindAddress, gonet.SessionConfig{
		InQueueSize:   cfg.Network.InQueueSize,
		OutQueueSize:  cfg.Network.OutQueueSize,
		PacketsPerSec: packetsPerSec(cfg.Network),
		ReadTimeout:   cfg.Network.ReadTimeout,
		WriteTimeout:  cfg.Network.WriteTimeout,
	}, codec, log)
	if err != nil {
		return fmt.Errorf("net server: %w", err)
	}
	go netServer.AcceptLoop()

	var gateway *gonet.Gateway
	if cfg.Network.WebSocketAddress != "" {
		gateway, err = gonet.NewGateway(netServer, cfg.Network.WebSocketAddress, cfg.Network.WebSocketPath, log)
		if err != nil {
			netServer.Shutdown()
			return fmt.Errorf("websocket gateway: %w", err)
		}
		go gateway.Serve()
	}

	// 8. Create systems and register with runner
	persistSys := system.NewPersistenceSystem(store, reg, cfg.View.AvatarClass, log,
		int(cfg.World.PersistInterval/cfg.Network.TickRate))

	runner := coresys.NewRunner(cfg.Network.TickRate, log)
	runner.Register(system.NewInputSystem(netServer, pktReg, hub, deps, cfg.Network.MaxPacketsPerTick, log))
	runner.Register(system.NewEventDispatchSystem(bus))
	revalidation := system.NewRevalidationSystem(views, grid, system.RevalidationConfig{
		Interval:       cfg.View.RevalidateInterval,
		Workers:        cfg.View.Workers,
		BatchDivisor:   cfg.View.BatchDivisor,
		DriftTolerance: cfg.View.DriftTolerance.Milliseconds(),
	}, log)
	runner.Register(revalidation)
	runner.Register(system.NewOutputSystem(hub))
	runner.Register(persistSys)

	// 9. Start tick loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Network.TickRate)
	defer ticker.Stop()

	printSection("ready")
	printReady(fmt.Sprintf("tcp %s", netServer.Addr().String()))
	if gateway != nil {
		printReady(fmt.Sprintf("websocket %s%s", gateway.Addr().String(), cfg.Network.WebSocketPath))
	}
	printReady(fmt.Sprintf("tick loop started (tick: %s)", cfg.Network.TickRate))
	fmt.Println()

	const statsInterval = time.Minute
	lastStats := time.Now()

	for {
		select {
		case <-ticker.C:
			runner.Tick(cfg.Network.TickRate)
			if time.Since(lastStats) >= statsInterval {
				lastStats = time.Now()
				pkts := pktReg.Stats()
				log.Info("server stats",
					zap.Int("sessions", hub.Count()),
					zap.Int("avatars", views.Count()),
					zap.Int("cells", reg.Count()),
					zap.Int("spaces", grid.Count()),
					zap.Int("watched", audience.Watched()),
					zap.Int64("pending", revalidation.Pending()),
					zap.Uint64("packets", pkts.Handled),
					zap.Uint64("rejected", pkts.Rejected),
				)
			}
		case sig := <-shutdownCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			if gateway != nil {
				gateway.Shutdown()
			}
			netServer.Shutdown()
			persistSys.Flush()
			log.Info("server stopped")
			return nil
		}
	}
}

// packetsPerSec allows a session twice the packets one tick can drain.
func packetsPerSec(cfg config.NetworkConfig) int {
	if cfg.TickRate <= 0 || cfg.MaxPacketsPerTick <= 0 {
		return 0
	}
	return 2 * cfg.MaxPacketsPerTick * int(time.Second/cfg.TickRate)
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
