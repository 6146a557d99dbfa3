package sensor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/radon-monitor/internal/account"
	"procodus.dev/radon-monitor/internal/sensor"
	"procodus.dev/radon-monitor/internal/sensor/memstore"
)

func uplink(dedup, serial, hexdata string, rssi float64) *sensor.RawMessage {
	return &sensor.RawMessage{
		DeduplicationID: dedup,
		Time:            "2024-05-01T12:00:00Z",
		DeviceInfo:      &sensor.DeviceInfo{DevEUI: serial},
		Object:          &sensor.ObjectData{HexData: &hexdata},
		RxInfo:          []sensor.RxInfo{{RSSI: &rssi}},
	}
}

// failingStore fails every reading insert.
type failingStore struct {
	*memstore.Store
	err error
}

func (s *failingStore) InsertReadingIfAbsent(context.Context, sensor.Reading) (*sensor.Reading, bool, error) {
	return nil, false, s.err
}

var _ = Describe("Pipeline", func() {
	var (
		ctx      context.Context
		store    *memstore.Store
		notifier *recordingNotifier
		pipeline *sensor.Pipeline
		device   *sensor.Device
	)

	newPipeline := func(s sensor.Store) *sensor.Pipeline {
		evaluator, err := sensor.NewEvaluator(&sensor.EvaluatorConfig{
			Logger:     discardLogger(),
			Store:      s,
			Notifier:   notifier,
			Thresholds: sensor.DefaultThresholds(),
		})
		Expect(err).NotTo(HaveOccurred())

		p, err := sensor.NewPipeline(&sensor.PipelineConfig{
			Logger:    discardLogger(),
			Store:     s,
			Evaluator: evaluator,
		})
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = memstore.New()
		notifier = &recordingNotifier{}
		device = store.AddDeviceSerial("a84041000181c2a1")
		pipeline = newPipeline(store)
	})

	Describe("NewPipeline", func() {
		It("should return error when config is nil", func() {
			_, err := sensor.NewPipeline(nil)
			Expect(err).To(MatchError(ContainSubstring("cannot be nil")))
		})

		It("should return error when store is nil", func() {
			_, err := sensor.NewPipeline(&sensor.PipelineConfig{Logger: discardLogger()})
			Expect(err).To(MatchError(ContainSubstring("store cannot be nil")))
		})
	})

	It("should store a valid reading", func() {
		outcome, err := pipeline.Process(ctx, uplink("d1", device.SerialNumber, "123", -64))
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(sensor.OutcomeStored))

		readings, err := store.ReadingsForDevice(ctx, device.ID, nil, sensor.OrderAsc)
		Expect(err).NotTo(HaveOccurred())
		Expect(readings).To(HaveLen(1))
		Expect(readings[0].Value).To(Equal(int64(123)))
		Expect(readings[0].RSSI).To(Equal(-64.0))
		Expect(readings[0].DeduplicationID).To(Equal("d1"))
		Expect(readings[0].Timestamp).To(Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
	})

	It("should be idempotent on the deduplication ID", func() {
		msg := uplink("d1", device.SerialNumber, "123", -64)

		outcome, err := pipeline.Process(ctx, msg)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(sensor.OutcomeStored))

		outcome, err = pipeline.Process(ctx, msg)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(sensor.OutcomeDuplicate))

		Expect(store.ReadingCount()).To(Equal(1))
	})

	It("should store exactly one reading under concurrent duplicates", func() {
		const workers = 16
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			outcomes []sensor.Outcome
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				outcome, err := pipeline.Process(ctx, uplink("same", device.SerialNumber, "10", -70))
				Expect(err).NotTo(HaveOccurred())
				mu.Lock()
				outcomes = append(outcomes, outcome)
				mu.Unlock()
			}()
		}
		wg.Wait()

		Expect(store.ReadingCount()).To(Equal(1))
		stored := 0
		for _, o := range outcomes {
			if o == sensor.OutcomeStored {
				stored++
			}
		}
		Expect(stored).To(Equal(1))
	})

	It("should enumerate every missing field", func() {
		_, err := pipeline.Process(ctx, &sensor.RawMessage{})
		var ve *sensor.ValidationError
		Expect(errors.As(err, &ve)).To(BeTrue())
		Expect(ve.Fields).To(Equal([]string{
			sensor.FieldDeduplicationID,
			sensor.FieldTime,
			sensor.FieldDevEUI,
			sensor.FieldHexData,
			sensor.FieldRSSI,
		}))
		Expect(store.ReadingCount()).To(BeZero())
	})

	DescribeTable("single missing field",
		func(mutate func(*sensor.RawMessage), field string) {
			msg := uplink("d1", device.SerialNumber, "1", -1)
			mutate(msg)
			_, err := pipeline.Process(ctx, msg)
			Expect(err).To(MatchError("missing required field(s): " + field))
		},
		Entry("deduplication ID", func(m *sensor.RawMessage) { m.DeduplicationID = "" }, sensor.FieldDeduplicationID),
		Entry("time", func(m *sensor.RawMessage) { m.Time = "" }, sensor.FieldTime),
		Entry("device", func(m *sensor.RawMessage) { m.DeviceInfo = nil }, sensor.FieldDevEUI),
		Entry("payload", func(m *sensor.RawMessage) { m.Object = nil }, sensor.FieldHexData),
		Entry("signal", func(m *sensor.RawMessage) { m.RxInfo = nil }, sensor.FieldRSSI),
	)

	It("should ignore readings of unregistered devices", func() {
		outcome, err := pipeline.Process(ctx, uplink("d1", "ffffffffffffffff", "123", -64))
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(sensor.OutcomeUnknownDevice))
		Expect(store.ReadingCount()).To(BeZero())
	})

	It("should ignore empty payloads", func() {
		outcome, err := pipeline.Process(ctx, uplink("d1", device.SerialNumber, "", -64))
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(sensor.OutcomeEmptyPayload))
		Expect(store.ReadingCount()).To(BeZero())
	})

	It("should reject a non-numeric payload", func() {
		_, err := pipeline.Process(ctx, uplink("d1", device.SerialNumber, "0x1f", -64))
		Expect(sensor.IsValidationError(err)).To(BeTrue())
		Expect(store.ReadingCount()).To(BeZero())
	})

	It("should return store failures as non-validation errors", func() {
		p := newPipeline(&failingStore{Store: store, err: errors.New("connection reset")})
		_, err := p.Process(ctx, uplink("d1", device.SerialNumber, "1", -1))
		Expect(err).To(MatchError(ContainSubstring("connection reset")))
		Expect(sensor.IsValidationError(err)).To(BeFalse())
	})

	Context("with an alert-enabled owner", func() {
		BeforeEach(func() {
			u, err := store.CreateUser(ctx, account.User{Email: "owner@example.com", EmailVerified: true}, account.DefaultProfile())
			Expect(err).NotTo(HaveOccurred())
			store.Associate(u.ID, device.ID)
		})

		It("should notify on a newly stored reading above the threshold", func() {
			_, err := pipeline.Process(ctx, uplink("d1", device.SerialNumber, "201", -64))
			Expect(err).NotTo(HaveOccurred())
			Expect(notifier.Sent()).To(HaveLen(1))
			Expect(notifier.Sent()[0].Subject).To(Equal("Sensor Alert - Action Needed"))
		})

		It("should not notify again for a duplicate", func() {
			msg := uplink("d1", device.SerialNumber, "201", -64)
			_, err := pipeline.Process(ctx, msg)
			Expect(err).NotTo(HaveOccurred())
			_, err = pipeline.Process(ctx, msg)
			Expect(err).NotTo(HaveOccurred())
			Expect(notifier.Sent()).To(HaveLen(1))
		})

		It("should still notify when the caller goes away after the reading is stored", func() {
			canceled, cancel := context.WithCancel(ctx)
			cancel()

			outcome, err := pipeline.Process(canceled, uplink("d1", device.SerialNumber, "201", -64))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(sensor.OutcomeStored))
			Expect(notifier.Sent()).To(HaveLen(1))
			Expect(notifier.Sent()[0].CtxErr).NotTo(HaveOccurred())
		})

		It("should still store the reading when notification fails", func() {
			notifier.failFor = map[string]error{"owner@example.com": fmt.Errorf("smtp down")}
			outcome, err := pipeline.Process(ctx, uplink("d1", device.SerialNumber, "500", -64))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(sensor.OutcomeStored))
			Expect(store.ReadingCount()).To(Equal(1))
		})
	})
})
