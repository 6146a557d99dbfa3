package backend_test

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/radon-monitor/internal/backend"
	"procodus.dev/radon-monitor/internal/sensor"
)

// freePort returns a TCP port that was free a moment ago.
func freePort() int {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func validServerConfig() *backend.ServerConfig {
	return &backend.ServerConfig{
		Logger:          discardLogger(),
		Registerer:      prometheus.NewRegistry(),
		DBHost:          "localhost",
		DBPort:          5432,
		DBUser:          "radon",
		DBPassword:      "password",
		DBName:          "radon",
		RabbitMQURL:     "amqp://localhost:5672",
		Exchange:        "amq.topic",
		QueueName:       "radon-uplinks",
		ApplicationID:   "app-1",
		CollectorAPIKey: "collector-key",
		JWTSecret:       "jwt-secret",
		Thresholds:      sensor.DefaultThresholds(),
		GRPCPort:        9090,
		HTTPPort:        8080,
	}
}

var _ = Describe("Backend Server", func() {
	Describe("NewServer", func() {
		It("should create a server", func() {
			server, err := backend.NewServer(validServerConfig())
			Expect(err).NotTo(HaveOccurred())
			Expect(server).NotTo(BeNil())
		})

		It("should return error when config is nil", func() {
			_, err := backend.NewServer(nil)
			Expect(err).To(MatchError("server config cannot be nil"))
		})

		It("should not require database settings for the memory store", func() {
			cfg := validServerConfig()
			cfg.StoreKind = backend.StoreMemory
			cfg.DBHost = ""
			cfg.DBPort = 0
			_, err := backend.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should not require queue settings without a broker", func() {
			cfg := validServerConfig()
			cfg.RabbitMQURL = ""
			cfg.QueueName = ""
			cfg.ApplicationID = ""
			_, err := backend.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())
		})

		DescribeTable("invalid configuration",
			func(mutate func(*backend.ServerConfig), message string) {
				cfg := validServerConfig()
				mutate(cfg)
				server, err := backend.NewServer(cfg)
				Expect(err).To(MatchError(ContainSubstring(message)))
				Expect(server).To(BeNil())
			},
			Entry("nil logger", func(c *backend.ServerConfig) { c.Logger = nil }, "logger cannot be nil"),
			Entry("unknown store", func(c *backend.ServerConfig) { c.StoreKind = "sqlite" }, "unknown store"),
			Entry("empty database host", func(c *backend.ServerConfig) { c.DBHost = "" }, "database host"),
			Entry("invalid database port", func(c *backend.ServerConfig) { c.DBPort = 0 }, "database port"),
			Entry("empty database user", func(c *backend.ServerConfig) { c.DBUser = "" }, "database user"),
			Entry("empty database name", func(c *backend.ServerConfig) { c.DBName = "" }, "database name"),
			Entry("empty queue name", func(c *backend.ServerConfig) { c.QueueName = "" }, "queue name"),
			Entry("empty exchange", func(c *backend.ServerConfig) { c.Exchange = "" }, "exchange"),
			Entry("empty application ID", func(c *backend.ServerConfig) { c.ApplicationID = "" }, "application ID"),
			Entry("empty collector key", func(c *backend.ServerConfig) { c.CollectorAPIKey = "" }, "collector API key"),
			Entry("empty JWT secret", func(c *backend.ServerConfig) { c.JWTSecret = "" }, "JWT secret"),
			Entry("inverted thresholds", func(c *backend.ServerConfig) {
				c.Thresholds = sensor.Thresholds{Warning: 200, Alert: 150}
			}, "invalid alert thresholds"),
			Entry("invalid gRPC port", func(c *backend.ServerConfig) { c.GRPCPort = -1 }, "gRPC port"),
			Entry("invalid HTTP port", func(c *backend.ServerConfig) { c.HTTPPort = 0 }, "HTTP port"),
		)
	})

	Describe("Run", func() {
		It("should serve HTTP and gRPC with the memory store until canceled", func() {
			cfg := validServerConfig()
			cfg.StoreKind = backend.StoreMemory
			cfg.RabbitMQURL = ""
			cfg.HTTPPort = freePort()
			cfg.GRPCPort = freePort()

			server, err := backend.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() {
				done <- server.Run(ctx)
			}()

			healthURL := "http://127.0.0.1:" + strconv.Itoa(cfg.HTTPPort) + "/health"
			Eventually(func() int {
				resp, err := http.Get(healthURL)
				if err != nil {
					return 0
				}
				defer resp.Body.Close()
				return resp.StatusCode
			}, 5*time.Second, 50*time.Millisecond).Should(Equal(http.StatusOK))

			conn, err := grpc.NewClient("127.0.0.1:"+strconv.Itoa(cfg.GRPCPort),
				grpc.WithTransportCredentials(insecure.NewCredentials()))
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			resp, err := healthpb.NewHealthClient(conn).Check(context.Background(),
				&healthpb.HealthCheckRequest{Service: backend.IngestServiceName})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.GetStatus()).To(Equal(healthpb.HealthCheckResponse_SERVING))

			cancel()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		})
	})
})
