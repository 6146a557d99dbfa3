package producer_test

import (
	"context"
	"errors"
	"sync"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/radon-monitor/internal/producer"
	"procodus.dev/radon-monitor/internal/sensor"
	"procodus.dev/radon-monitor/pkg/metrics"
	"procodus.dev/radon-monitor/pkg/mq/mock"
)

type published struct {
	DevEUI string
	Body   []byte
}

// recordingPublisher records every publication.
type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, devEUI string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{DevEUI: devEUI, Body: body})
	return nil
}

var _ = Describe("Producer", func() {
	var publisher *recordingPublisher

	BeforeEach(func() {
		publisher = &recordingPublisher{}
	})

	It("should require a publisher", func() {
		_, err := producer.NewProducer(nil, "app-1", nil)
		Expect(err).To(MatchError("publisher cannot be nil"))
	})

	It("should simulate between one and five random devices", func() {
		prod, err := producer.NewProducer(publisher, "app-1", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(len(prod.Devices())).To(BeNumerically(">=", 1))
		Expect(len(prod.Devices())).To(BeNumerically("<=", 5))
	})

	It("should publish uplinks the ingestion side accepts", func() {
		prod, err := producer.NewProducer(publisher, "app-1", []string{"0004a30b001c0530"})
		Expect(err).NotTo(HaveOccurred())

		Expect(prod.RandomDataPoint(context.Background())).To(Succeed())
		Expect(publisher.sent).To(HaveLen(1))
		Expect(publisher.sent[0].DevEUI).To(Equal("0004a30b001c0530"))

		msg, err := sensor.DecodeRawMessage(publisher.sent[0].Body)
		Expect(err).NotTo(HaveOccurred())
		uplink, err := msg.Extract()
		Expect(err).NotTo(HaveOccurred())
		Expect(uplink.DevEUI).To(Equal("0004a30b001c0530"))
		_, err = uplink.Value()
		Expect(err).NotTo(HaveOccurred())
		_, err = uplink.ObservedAt()
		Expect(err).NotTo(HaveOccurred())
	})

	It("should re-send identical uplinks at the duplicate rate", func() {
		prod, err := producer.NewProducer(publisher, "app-1", []string{"0004a30b001c0530"})
		Expect(err).NotTo(HaveOccurred())
		m := metrics.NewGeneratorMetrics(prometheus.NewRegistry())
		prod.SetMetrics(m)
		prod.SetDuplicateRate(1)

		Expect(prod.RandomDataPoint(context.Background())).To(Succeed())
		Expect(publisher.sent).To(HaveLen(2))
		Expect(publisher.sent[1].Body).To(Equal(publisher.sent[0].Body))
		Expect(testutil.ToFloat64(m.DuplicatesEmitted)).To(Equal(1.0))
		Expect(testutil.ToFloat64(m.UplinksPublished.WithLabelValues("0004a30b001c0530"))).To(Equal(2.0))
		Expect(testutil.ToFloat64(m.ActiveDevices)).To(Equal(1.0))
	})

	It("should report publish failures", func() {
		publisher.err = errors.New("broker unavailable")
		prod, err := producer.NewProducer(publisher, "app-1", []string{"0004a30b001c0530"})
		Expect(err).NotTo(HaveOccurred())
		m := metrics.NewGeneratorMetrics(prometheus.NewRegistry())
		prod.SetMetrics(m)

		Expect(prod.RandomDataPoint(context.Background())).To(MatchError("broker unavailable"))
		Expect(testutil.ToFloat64(m.PublishFailures.WithLabelValues("publish_error"))).To(Equal(1.0))
	})
})

var _ = Describe("AMQPPublisher", func() {
	It("should validate its arguments", func() {
		_, err := producer.NewAMQPPublisher(nil, "app-1")
		Expect(err).To(HaveOccurred())
		_, err = producer.NewAMQPPublisher(mock.NewMockClient(), "")
		Expect(err).To(HaveOccurred())
	})

	It("should publish with the device uplink routing key", func() {
		client := mock.NewMockClient()
		publisher, err := producer.NewAMQPPublisher(client, "app-1")
		Expect(err).NotTo(HaveOccurred())

		body, _ := json.Marshal(map[string]string{"deduplicationId": "x"})
		Expect(publisher.Publish(context.Background(), "0004a30b001c0530", body)).To(Succeed())

		Expect(client.PushWithKeyCalls).To(HaveLen(1))
		Expect(client.PushWithKeyCalls[0].RoutingKey).To(Equal("application.app-1.device.0004a30b001c0530.event.up"))
		Expect(client.PushWithKeyCalls[0].Data).To(Equal(body))
	})
})
