// Command trackerd is the outer gateway: an HTTP ingest/query API, a
// live websocket fan-out, a Prometheus metrics endpoint, and an optional
// MQTT ingest bridge, all sitting in front of the tracking service facade.
// Assembles a gin router, a golang.org/x/time/rate limiter middleware,
// and a graceful shutdown sequence over os/signal and Prometheus registry
// wiring.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/dogwalking/tracking-service/internal/clock"
	"github.com/dogwalking/tracking-service/internal/config"
	"github.com/dogwalking/tracking-service/internal/domain"
	"github.com/dogwalking/tracking-service/internal/obslog"
	"github.com/dogwalking/tracking-service/internal/obsmetrics"
	"github.com/dogwalking/tracking-service/internal/storage"
	"github.com/dogwalking/tracking-service/internal/storage/archive"
	"github.com/dogwalking/tracking-service/internal/storage/kafkaqueue"
	"github.com/dogwalking/tracking-service/internal/storage/memstore"
	"github.com/dogwalking/tracking-service/internal/storage/natsstream"
	"github.com/dogwalking/tracking-service/internal/storage/rediskv"
	"github.com/dogwalking/tracking-service/internal/storage/wsbroadcast"
	"github.com/dogwalking/tracking-service/internal/trackersvc"
)

const defaultGracefulTimeout = 15 * time.Second

func buildDriver(cfg *config.Config, log obslog.Logger) (storage.Driver, *wsbroadcast.Store, error) {
	switch cfg.StorageDriver {
	case "redis":
		return rediskv.New(cfg.Redis.Addr, log), nil, nil
	case "nats":
		return natsstream.New(cfg.NATS.URL, log), nil, nil
	case "kafka":
		return kafkaqueue.New(cfg.Kafka.Brokers, "tracker-core", log), nil, nil
	case "websocket":
		ws := wsbroadcast.New(log)
		return ws, ws, nil
	case "memory":
		return memstore.New(log), nil, nil
	default:
		return nil, nil, fmt.Errorf("trackerd: unknown storage driver %q", cfg.StorageDriver)
	}
}

// rateLimitMiddleware bounds ingest throughput with a token bucket shared
// across requests.
func rateLimitMiddleware(rps float64, burst int, log obslog.Logger) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			log.Warnw("trackerd: rate limit exceeded", "path", c.Request.URL.Path, "ip", c.ClientIP())
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

type trackRequest struct {
	AgentID   string            `json:"agentId" binding:"required"`
	Lat       float64           `json:"lat"`
	Lon       float64           `json:"lon"`
	Timestamp int64             `json:"timestamp"`
	Meta      map[string]string `json:"meta"`
}

func registerRoutes(router *gin.Engine, svc *trackersvc.Service, ws *wsbroadcast.Store, reg *prometheus.Registry, log obslog.Logger) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	if ws != nil {
		router.GET("/ws", func(c *gin.Context) {
			if err := ws.HandleConnection(c.Writer, c.Request); err != nil {
				log.Warnw("trackerd: websocket upgrade failed", "error", err)
			}
		})
	}

	router.POST("/agents/:agentId/locations", func(c *gin.Context) {
		var req trackRequest
		req.AgentID = c.Param("agentId")
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sample, err := svc.Track(c.Request.Context(), req.AgentID, req.Lat, req.Lon, req.Timestamp, req.Meta)
		if err != nil {
			respondTrackingError(c, err)
			return
		}
		c.JSON(http.StatusOK, sample)
	})

	router.GET("/agents/:agentId/location", func(c *gin.Context) {
		sample, ok, err := svc.GetLocation(c.Request.Context(), c.Param("agentId"))
		if err != nil {
			respondTrackingError(c, err)
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no location on file"})
			return
		}
		c.JSON(http.StatusOK, sample)
	})

	router.GET("/agents/:agentId/state", func(c *gin.Context) {
		snap, ok, err := svc.GetAgentState(c.Request.Context(), c.Param("agentId"))
		if err != nil {
			respondTrackingError(c, err)
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no state on file"})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	router.GET("/agents", func(c *gin.Context) {
		agents, err := svc.GetAllAgents(c.Request.Context())
		if err != nil {
			respondTrackingError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"agents": agents})
	})

	router.POST("/agents/:agentId/status", func(c *gin.Context) {
		var req struct {
			Status domain.AgentStatus `json:"status" binding:"required"`
			Reason string             `json:"reason"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.SetStatus(c.Request.Context(), c.Param("agentId"), req.Status, req.Reason); err != nil {
			respondTrackingError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func respondTrackingError(c *gin.Context, err error) {
	switch {
	case isErr(err, domain.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case isErr(err, domain.ErrNotInitialized):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func isErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// mqttLocationPayload is the wire shape accepted on the MQTT ingest topic.
type mqttLocationPayload struct {
	Lat       float64           `json:"lat"`
	Lon       float64           `json:"lon"`
	Timestamp int64             `json:"timestamp"`
	Meta      map[string]string `json:"meta"`
}

// startMQTTBridge subscribes to cfg.MQTT.Topic (an agentId wildcard topic)
// and feeds every message into svc.Track, translating MQTT's fire-and-forget
// publish model into the tracking pipeline.
func startMQTTBridge(cfg config.MQTTConfig, svc *trackersvc.Service, log obslog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("trackerd: mqtt connect: %w", err)
	}

	subToken := client.Subscribe(cfg.Topic, cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		agentID := agentIDFromTopic(msg.Topic())
		if agentID == "" {
			log.Warnw("trackerd: mqtt message on unparseable topic", "topic", msg.Topic())
			return
		}
		var payload mqttLocationPayload
		if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
			log.Warnw("trackerd: mqtt payload decode failed", "topic", msg.Topic(), "error", err)
			return
		}
		if _, err := svc.Track(context.Background(), agentID, payload.Lat, payload.Lon, payload.Timestamp, payload.Meta); err != nil {
			log.Warnw("trackerd: mqtt track failed", "agentId", agentID, "error", err)
		}
	})
	subToken.Wait()
	if err := subToken.Error(); err != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("trackerd: mqtt subscribe: %w", err)
	}

	log.Infow("trackerd: mqtt ingest bridge connected", "broker", cfg.Broker, "topic", cfg.Topic)
	return client, nil
}

// agentIDFromTopic extracts the agent id from a topic shaped like
// "tracking/<agentId>/location".
func agentIDFromTopic(topic string) string {
	start := -1
	slashes := 0
	for i, r := range topic {
		if r == '/' {
			slashes++
			if slashes == 1 {
				start = i + 1
			} else if slashes == 2 {
				return topic[start:i]
			}
		}
	}
	return ""
}

func gracefulShutdown(server *http.Server, svc *trackersvc.Service, mqttClient mqtt.Client, archiveSink *archive.Sink, log obslog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
		log.Errorw("trackerd: http server shutdown error", "error", err)
	}
	if mqttClient != nil {
		mqttClient.Disconnect(250)
	}
	if err := svc.Shutdown(ctx); err != nil {
		log.Errorw("trackerd: service shutdown error", "error", err)
	}
	if archiveSink != nil {
		if err := archiveSink.Close(); err != nil {
			log.Errorw("trackerd: archive sink close error", "error", err)
		}
	}
	_ = log.Sync()
}

func main() {
	log, err := obslog.New(obslog.Options{Level: "info", Console: true})
	if err != nil {
		panic(fmt.Sprintf("trackerd: failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Infow("trackerd: starting")

	configPath := os.Getenv("TRACKER_CONFIG_FILE")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Errorw("trackerd: failed to load configuration", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics := obsmetrics.New(registry)

	driver, ws, err := buildDriver(cfg, log)
	if err != nil {
		log.Errorw("trackerd: failed to build storage driver", "error", err)
		os.Exit(1)
	}
	if ma, ok := driver.(interface{ SetMetrics(*obsmetrics.Metrics) }); ok {
		ma.SetMetrics(metrics)
	}

	svc := trackersvc.New(cfg, driver, log, clock.Real{}, metrics)
	if err := svc.Initialize(context.Background()); err != nil {
		log.Errorw("trackerd: failed to initialize service", "error", err)
		os.Exit(1)
	}

	var archiveSink *archive.Sink
	if cfg.Archive.Enabled {
		archiveSink, err = archive.New(context.Background(), archive.Config{DSN: cfg.Archive.DSN}, log, metrics)
		if err != nil {
			log.Errorw("trackerd: failed to start archive sink", "error", err)
			os.Exit(1)
		}
		if _, err := svc.SubscribeEvents(archiveSink.HandleEvent); err != nil {
			log.Errorw("trackerd: failed to subscribe archive sink", "error", err)
			os.Exit(1)
		}
	}

	var mqttClient mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = startMQTTBridge(cfg.MQTT, svc, log)
		if err != nil {
			log.Errorw("trackerd: failed to start mqtt bridge", "error", err)
			os.Exit(1)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(rateLimitMiddleware(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst, log))
	registerRoutes(router, svc, ws, registry, log)

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Infow("trackerd: http server listening", "address", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("trackerd: http server listen error", "error", err)
			os.Exit(1)
		}
	}()

	sig := <-quit
	log.Infow("trackerd: caught signal, shutting down", "signal", sig.String())
	gracefulShutdown(server, svc, mqttClient, archiveSink, log)
}
