package cli

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "net/http/pprof"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vx-labs/cache-mesh/cache"
	"github.com/vx-labs/cache-mesh/discovery"
	"github.com/vx-labs/cache-mesh/identity"
	"github.com/vx-labs/cache-mesh/network"
)

const (
	flagTenant            = "tenant"
	flagName              = "name"
	flagReplicationFactor = "replication-factor"
	flagPprof             = "pprof"

	serviceName    = "service"
	discoveryName  = "discovery"
	monitoringName = "monitoring"
)

var flagNameReplacer = strings.NewReplacer("-", "_")

func AddFlags(root *cobra.Command) {
	root.Flags().StringP(flagTenant, "t", "", "Tenant group this instance belongs to")
	root.Flags().StringP(flagName, "n", "", "Instance name, unique within the tenant group (default: random)")
	root.Flags().IntP(flagReplicationFactor, "r", 2, "Number of peers that should hold a copy of each key")
	root.Flags().BoolP(flagPprof, "", false, "Enable pprof endpoint")
	viper.BindPFlag(flagTenant, root.Flags().Lookup(flagTenant))
	viper.BindPFlag(flagName, root.Flags().Lookup(flagName))
	viper.BindPFlag(flagReplicationFactor, root.Flags().Lookup(flagReplicationFactor))
	viper.BindPFlag(flagPprof, root.Flags().Lookup(flagPprof))
	network.RegisterFlagsForService(root, serviceName, 8123)
	network.RegisterFlagsForService(root, discoveryName, 4445)
	network.RegisterFlagsForService(root, monitoringName, 9000)
	viper.SetEnvPrefix("cachemesh")
	viper.SetEnvKeyReplacer(flagNameReplacer)
	viper.AutomaticEnv()
}

type Context struct {
	Name      string
	Logger    *zap.Logger
	Discovery *discovery.Service
	Engine    *cache.Engine
	Server    *cache.Server

	serviceNetConf    network.Configuration
	monitoringNetConf network.Configuration
}

func Bootstrap(cmd *cobra.Command) *Context {
	name := viper.GetString(flagName)
	if name == "" {
		name = uuid.New().String()
	}
	logger := newLogger(name)

	tenant := viper.GetString(flagTenant)
	if tenant == "" {
		logger.Fatal("tenant must be set")
	}
	if viper.GetBool(flagPprof) {
		go func() {
			fmt.Println("pprof endpoint is running on port 8080")
			http.ListenAndServe(":8080", nil)
		}()
	}
	serviceNetConf := network.ConfigurationFromFlags(serviceName)
	discoveryNetConf := network.ConfigurationFromFlags(discoveryName)
	monitoringNetConf := network.ConfigurationFromFlags(monitoringName)

	id := identity.Static(name, serviceNetConf.AdvertisedAddress, serviceNetConf.AdvertisedPort)
	discoveryConfig := discovery.DefaultConfig()
	discoveryConfig.Tenant = tenant
	discoveryConfig.Port = discoveryNetConf.BindPort
	mesh, err := discovery.New(discoveryConfig, id, logger)
	if err != nil {
		logger.Fatal("failed to configure discovery", zap.Error(err))
	}

	engineConfig := cache.DefaultConfig()
	engineConfig.Name = name
	engineConfig.Tenant = tenant
	engineConfig.ReplicationFactor = viper.GetInt(flagReplicationFactor)
	engine := cache.New(engineConfig, logger, mesh, cache.NewHTTPTransport())

	return &Context{
		Name:              name,
		Logger:            logger,
		Discovery:         mesh,
		Engine:            engine,
		Server:            cache.NewServer(engine, logger),
		serviceNetConf:    serviceNetConf,
		monitoringNetConf: monitoringNetConf,
	}
}

func (ctx *Context) Run() error {
	defer ctx.Logger.Sync()
	logger := ctx.Logger

	listener := ctx.Server.Serve(ctx.serviceNetConf.BindPort)
	if listener == nil {
		logger.Fatal("failed to start service listener",
			zap.Int("service_port", ctx.serviceNetConf.BindPort))
	}
	logger.Info("service listener started",
		zap.String("bind_address", listener.Addr().String()),
		zap.String("advertised_address", ctx.serviceNetConf.AdvertisedAddress),
		zap.Int("advertised_port", ctx.serviceNetConf.AdvertisedPort))

	if err := ctx.Discovery.Start(); err != nil {
		logger.Fatal("failed to start discovery", zap.Error(err))
	}
	go ctx.serveMonitoring()

	quit := make(chan struct{})
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		defer close(quit)
		<-sigc
		logger.Info("received termination signal")
		ctx.Discovery.Stop()
		ctx.Engine.Close()
		ctx.Server.Shutdown()
		logger.Info("instance stopped")
	}()
	<-quit
	return nil
}

func (ctx *Context) serveMonitoring() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		switch ctx.Discovery.Health() {
		case "critical":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
	addr := net.JoinHostPort(ctx.monitoringNetConf.BindAddress, fmt.Sprint(ctx.monitoringNetConf.BindPort))
	if err := http.ListenAndServe(addr, mux); err != nil {
		ctx.Logger.Error("failed to run monitoring endpoint", zap.Error(err))
	}
}

func newLogger(name string) *zap.Logger {
	opts := []zap.Option{
		zap.Fields(zap.String("node_name", name)),
	}
	var logger *zap.Logger
	var err error
	if os.Getenv("ENABLE_PRETTY_LOG") == "true" {
		logger, err = zap.NewDevelopment(opts...)
	} else {
		logger, err = zap.NewProduction(opts...)
	}
	if err != nil {
		panic(err)
	}
	return logger
}
