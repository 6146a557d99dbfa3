package backend

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/radon-monitor/internal/backend"
	"procodus.dev/radon-monitor/internal/sensor"
)

var _ = Describe("Ingestion E2E", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		token  string
		serial string
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		token = signUp()
		serial = uniqueSerial()
		Expect(call(http.MethodPost, "/api/devices/", token, map[string]string{"serial_number": serial}, nil)).
			To(Equal(http.StatusCreated))
	})

	AfterEach(func() {
		cancel()
	})

	trendLen := func() int {
		return len(dashboard(token, serial).Trend)
	}

	Describe("over AMQP", func() {
		It("should store uplinks published to the topic exchange", func() {
			at := time.Now().Add(-time.Minute)
			Expect(uplinkPublish.Publish(ctx, serial, uplink(serial, uuid.NewString(), 123, at))).To(Succeed())

			Eventually(trendLen, 10*time.Second, 200*time.Millisecond).Should(Equal(1))

			d := dashboard(token, serial)
			Expect(d.RecentReading.Value).NotTo(BeNil())
			Expect(*d.RecentReading.Value).To(Equal(int64(123)))
			Expect(*d.RecentReading.RSSI).To(Equal(-72.0))
			Expect(d.Averages.Last24Hours).NotTo(BeNil())
			Expect(*d.Averages.Last24Hours).To(Equal(123.0))
		})

		It("should store a redelivered uplink once", func() {
			body := uplink(serial, uuid.NewString(), 130, time.Now().Add(-time.Minute))
			Expect(uplinkPublish.Publish(ctx, serial, body)).To(Succeed())
			Expect(uplinkPublish.Publish(ctx, serial, body)).To(Succeed())

			Eventually(trendLen, 10*time.Second, 200*time.Millisecond).Should(Equal(1))
			Consistently(trendLen, time.Second, 200*time.Millisecond).Should(Equal(1))
		})

		It("should drop invalid uplinks and keep consuming", func() {
			Expect(uplinkPublish.Publish(ctx, serial, []byte(`{"time":"not json`))).To(Succeed())
			Expect(uplinkPublish.Publish(ctx, serial, uplink(serial, uuid.NewString(), 99, time.Now()))).To(Succeed())

			Eventually(trendLen, 10*time.Second, 200*time.Millisecond).Should(Equal(1))
		})
	})

	Describe("over HTTP", func() {
		It("should store uploads from collectors", func() {
			body := map[string]any{
				"deduplicationId": uuid.NewString(),
				"time":            time.Now().UTC().Format(time.RFC3339),
				"deviceInfo":      map[string]any{"devEui": serial},
				"object":          map[string]any{"hexdata": "210"},
				"rxInfo":          []map[string]any{{"rssi": -90}},
			}
			Expect(call(http.MethodPost, "/api/readings/ingest/", "Api-Key "+collectorAPIKey, body, nil)).
				To(Equal(http.StatusCreated))
			Expect(call(http.MethodPost, "/api/readings/ingest/", "Api-Key "+collectorAPIKey, body, nil)).
				To(Equal(http.StatusCreated))

			Expect(trendLen()).To(Equal(1))
		})

		It("should reject uploads without the collector key", func() {
			Expect(call(http.MethodPost, "/api/readings/ingest/", "Api-Key wrong", map[string]any{}, nil)).
				To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("over gRPC", func() {
		ingest := func(ctx context.Context, body []byte) error {
			in := &structpb.Struct{}
			Expect(in.UnmarshalJSON(body)).To(Succeed())
			_, err := ingestClient.Ingest(ctx, in)
			return err
		}

		It("should store uplinks sent with the collector key", func() {
			body := uplink(serial, uuid.NewString(), 175, time.Now())
			Expect(ingest(backend.WithAPIKey(ctx, collectorAPIKey), body)).To(Succeed())

			Expect(trendLen()).To(Equal(1))
			Expect(*dashboard(token, serial).RecentReading.Value).To(Equal(int64(175)))
		})

		It("should reject calls without the collector key", func() {
			err := ingest(ctx, uplink(serial, uuid.NewString(), 175, time.Now()))
			Expect(status.Code(err)).To(Equal(codes.Unauthenticated))
		})

		It("should report invalid uplinks as invalid arguments", func() {
			err := ingest(backend.WithAPIKey(ctx, collectorAPIKey), []byte(`{"time":"2024-05-01T12:00:00Z"}`))
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
			Expect(err.Error()).To(ContainSubstring(sensor.FieldDeduplicationID))
		})
	})
})
