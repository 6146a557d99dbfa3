package backend_test

import (
	"context"
	"errors"
	"net"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/radon-monitor/internal/backend"
	"procodus.dev/radon-monitor/internal/sensor"
)

const grpcAPIKey = "grpc-key"

func uplinkStruct(hexdata string) *structpb.Struct {
	s, err := structpb.NewStruct(map[string]interface{}{
		"deduplicationId": "5b2c7d7e-3f1a-4b7e-8d55-0c2e7c5d9a01",
		"time":            "2024-05-01T12:00:00Z",
		"deviceInfo":      map[string]interface{}{"devEui": "0004a30b001c0530"},
		"object":          map[string]interface{}{"hexdata": hexdata},
		"rxInfo":          []interface{}{map[string]interface{}{"rssi": -80.5}},
	})
	Expect(err).NotTo(HaveOccurred())
	return s
}

var _ = Describe("gRPC IngestService", func() {
	Describe("NewIngestService", func() {
		It("should return error when logger is nil", func() {
			_, err := backend.NewIngestService(nil, &stubIngester{}, nil)
			Expect(err).To(MatchError("logger cannot be nil"))
		})

		It("should return error when ingester is nil", func() {
			_, err := backend.NewIngestService(discardLogger(), nil, nil)
			Expect(err).To(MatchError("ingester cannot be nil"))
		})
	})

	Describe("over a connection", func() {
		var (
			ingester *stubIngester
			server   *grpc.Server
			conn     *grpc.ClientConn
			client   *backend.IngestClient
			ctx      context.Context
		)

		BeforeEach(func() {
			ctx = context.Background()
			ingester = &stubIngester{}

			service, err := backend.NewIngestService(discardLogger(), ingester, nil)
			Expect(err).NotTo(HaveOccurred())

			lis := bufconn.Listen(1 << 20)
			server = grpc.NewServer(grpc.UnaryInterceptor(backend.APIKeyInterceptor(grpcAPIKey)))
			backend.RegisterIngestServer(server, service)
			go func() {
				defer GinkgoRecover()
				_ = server.Serve(lis)
			}()

			conn, err = grpc.NewClient("passthrough:///bufnet",
				grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
					return lis.DialContext(ctx)
				}),
				grpc.WithTransportCredentials(insecure.NewCredentials()),
			)
			Expect(err).NotTo(HaveOccurred())
			client = backend.NewIngestClient(conn)
		})

		AfterEach(func() {
			Expect(conn.Close()).To(Succeed())
			server.Stop()
		})

		It("should reject calls without the API key", func() {
			_, err := client.Ingest(ctx, uplinkStruct("120"))
			Expect(status.Code(err)).To(Equal(codes.Unauthenticated))
			Expect(ingester.Seen()).To(BeEmpty())
		})

		It("should reject calls with a wrong API key", func() {
			_, err := client.Ingest(backend.WithAPIKey(ctx, "wrong"), uplinkStruct("120"))
			Expect(status.Code(err)).To(Equal(codes.Unauthenticated))
		})

		It("should feed the uplink into the pipeline", func() {
			_, err := client.Ingest(backend.WithAPIKey(ctx, grpcAPIKey), uplinkStruct("120"))
			Expect(err).NotTo(HaveOccurred())

			seen := ingester.Seen()
			Expect(seen).To(HaveLen(1))
			uplink, err := seen[0].Extract()
			Expect(err).NotTo(HaveOccurred())
			Expect(uplink.HexData).To(Equal("120"))
			Expect(uplink.RSSI).To(Equal(-80.5))
		})

		It("should map validation errors to InvalidArgument", func() {
			ingester.err = &sensor.ValidationError{Fields: []string{sensor.FieldHexData}}
			_, err := client.Ingest(backend.WithAPIKey(ctx, grpcAPIKey), uplinkStruct("120"))
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
			Expect(status.Convert(err).Message()).To(ContainSubstring(sensor.FieldHexData))
		})

		It("should map store failures to Internal", func() {
			ingester.err = errors.New("connection reset")
			_, err := client.Ingest(backend.WithAPIKey(ctx, grpcAPIKey), uplinkStruct("120"))
			Expect(status.Code(err)).To(Equal(codes.Internal))
		})
	})
})
