package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/loragw-relay/internal/auth"
	"github.com/lorawan-server/loragw-relay/internal/config"
	"github.com/lorawan-server/loragw-relay/internal/forwarder"
	"github.com/lorawan-server/loragw-relay/internal/metrics"
	"github.com/lorawan-server/loragw-relay/internal/mirror"
	"github.com/lorawan-server/loragw-relay/internal/storage"
	"github.com/lorawan-server/loragw-relay/internal/transport"
	"github.com/lorawan-server/loragw-relay/pkg/loragw"
	_ "github.com/lorawan-server/loragw-relay/pkg/loragw/sim"
)

func main() {
	// 命令行参数
	flags, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	// 设置日志
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// 加载配置
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}
	flags.apply(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("配置无效")
	}

	setupLogging(cfg.Log)

	if flags.issueToken != "" {
		if cfg.Metrics.JWTSecret == "" {
			log.Fatal().Msg("签发令牌需要配置 metrics.jwt_secret")
		}
		token, err := auth.NewTokenManager(cfg.Metrics.JWTSecret).Issue(flags.issueToken, cfg.Gateway.ID, flags.tokenTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("签发令牌失败")
		}
		fmt.Println(token)
		return
	}

	if flags.recent > 0 {
		if err := printRecent(cfg, flags.recent); err != nil {
			log.Fatal().Err(err).Msg("读取上行归档失败")
		}
		return
	}

	log.Info().
		Dur("interval", cfg.Relay.PollInterval).
		Int("printLevel", cfg.Relay.PrintLevel).
		Str("driver", cfg.Concentrator.Driver).
		Str("region", cfg.Region.Name).
		Msg("LoRa 网关中继启动中...")

	plan, err := cfg.Plan()
	if err != nil {
		log.Fatal().Err(err).Msg("生成信道计划失败")
	}

	tr, err := transport.Listen(cfg.ListenAddr(), cfg.PublishAddr(), cfg.Relay.PollInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("绑定 UDP 端口失败")
	}
	defer tr.Close()

	conc, err := loragw.Open(cfg.Concentrator.Driver, cfg.Concentrator.Options)
	if err != nil {
		log.Fatal().Err(err).Msg("打开集中器失败")
	}
	defer conc.Close()

	collector, err := metrics.NewCollector(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("注册监控指标失败")
	}

	opts := forwarder.Options{
		PrintLevel:      cfg.Relay.PrintLevel,
		Output:          os.Stdout,
		GatewayID:       cfg.Gateway.ID,
		TransmitEnabled: cfg.Relay.TransmitEnabled,
		Metrics:         collector,
	}

	// 等待信号
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mirrors mirror.Multi

	// 连接 NATS
	if cfg.NATS.URL != "" {
		nc, err := mirror.Connect(cfg.NATS)
		if err != nil {
			log.Fatal().Err(err).Msg("连接 NATS 失败")
		}
		defer nc.Close()

		m := mirror.NewNATSMirror(nc, cfg.NATS.SubjectPrefix)
		mirrors = append(mirrors, m)
		log.Info().Str("subject", m.Subject(cfg.Gateway.ID)).Msg("上行数据将镜像到 NATS")
	}

	// 连接 MQTT
	if cfg.MQTT.Broker != "" {
		client, err := mirror.ConnectMQTT(cfg.MQTT)
		if err != nil {
			log.Fatal().Err(err).Msg("连接 MQTT 失败")
		}
		defer client.Disconnect(250)

		m := mirror.NewMQTTMirror(client, cfg.MQTT.Topic, cfg.MQTT.QoS)
		mirrors = append(mirrors, m)
		log.Info().Str("topic", m.Topic(cfg.Gateway.ID)).Msg("上行数据将镜像到 MQTT")
	}

	// 上行存档
	if cfg.Storage.DSN != "" {
		archive, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("打开上行归档失败")
		}
		defer archive.Close()

		mirrors = append(mirrors, archive)
		if cfg.Storage.Retention > 0 {
			go archive.PruneEvery(ctx, time.Hour, cfg.Storage.Retention)
		}
		log.Info().Str("driver", cfg.Storage.Driver).Dur("retention", cfg.Storage.Retention).Msg("已启用上行归档")
	}

	if len(mirrors) > 0 {
		opts.Mirror = mirrors
	}

	fwd, err := forwarder.New(conc, tr, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("创建转发器失败")
	}

	var srv *metrics.Server
	if cfg.Metrics.Addr != "" {
		srvOpts := metrics.ServerOptions{CORSOrigins: cfg.Metrics.CORSOrigins}
		if cfg.Metrics.JWTSecret != "" {
			srvOpts.Auth = auth.NewTokenManager(cfg.Metrics.JWTSecret).Middleware
		}
		srv = metrics.NewServer(cfg.Metrics.Addr, collector, fwd.Running, srvOpts)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("监控服务已停止")
			}
		}()
	}

	if err := fwd.Configure(plan); err != nil {
		log.Fatal().Err(err).Msg("配置集中器失败")
	}

	runErr := fwd.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(shutdownCtx)
		cancel()
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error().Err(runErr).Msg("转发循环异常退出")
		tr.Close()
		conc.Close()
		os.Exit(1)
	}

	log.Info().Msg("LoRa 网关中继已停止")
}

// printRecent dumps the newest archived uplinks of this gateway to stdout.
func printRecent(cfg *config.Config, n int) error {
	if cfg.Storage.DSN == "" {
		return errors.New("storage.dsn is not set")
	}

	archive, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer archive.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recs, err := archive.Recent(ctx, cfg.Gateway.ID, n)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "    ")
	return enc.Encode(recs)
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	// 设置日志级别
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("未知日志级别，使用 info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
