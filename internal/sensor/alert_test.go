package sensor_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/radon-monitor/internal/account"
	"procodus.dev/radon-monitor/internal/sensor"
	"procodus.dev/radon-monitor/internal/sensor/memstore"
)

var _ = Describe("Evaluator", func() {
	var (
		ctx       context.Context
		store     *memstore.Store
		notifier  *recordingNotifier
		evaluator *sensor.Evaluator
		device    *sensor.Device
	)

	addOwner := func(email string, verified, alerts bool) uint {
		profile := account.DefaultProfile()
		profile.AlertEmailEnabled = alerts
		u, err := store.CreateUser(ctx, account.User{Email: email, EmailVerified: verified}, profile)
		Expect(err).NotTo(HaveOccurred())
		store.Associate(u.ID, device.ID)
		return u.ID
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = memstore.New()
		notifier = &recordingNotifier{}
		device = store.AddDeviceSerial("S1")

		var err error
		evaluator, err = sensor.NewEvaluator(&sensor.EvaluatorConfig{
			Logger:     discardLogger(),
			Store:      store,
			Notifier:   notifier,
			Thresholds: sensor.Thresholds{Warning: 150, Alert: 200},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewEvaluator", func() {
		It("should reject inverted thresholds", func() {
			_, err := sensor.NewEvaluator(&sensor.EvaluatorConfig{
				Logger:     discardLogger(),
				Store:      store,
				Notifier:   notifier,
				Thresholds: sensor.Thresholds{Warning: 200, Alert: 150},
			})
			Expect(err).To(MatchError(ContainSubstring("must be below")))
		})

		It("should require a notifier", func() {
			_, err := sensor.NewEvaluator(&sensor.EvaluatorConfig{
				Logger:     discardLogger(),
				Store:      store,
				Thresholds: sensor.DefaultThresholds(),
			})
			Expect(err).To(MatchError(ContainSubstring("notifier cannot be nil")))
		})
	})

	DescribeTable("Evaluate",
		func(value int64, severity sensor.Severity, threshold float64, triggered bool) {
			s, t, ok := evaluator.Evaluate(value)
			Expect(ok).To(Equal(triggered))
			Expect(s).To(Equal(severity))
			Expect(t).To(Equal(threshold))
		},
		Entry("below warning", int64(100), sensor.Severity(""), 0.0, false),
		Entry("at warning", int64(150), sensor.Severity(""), 0.0, false),
		Entry("just above warning", int64(151), sensor.SeverityWarning, 150.0, true),
		Entry("at alert", int64(200), sensor.SeverityWarning, 150.0, true),
		Entry("just above alert", int64(201), sensor.SeverityCritical, 200.0, true),
	)

	Describe("Dispatch", func() {
		It("should send one warning per eligible recipient", func() {
			addOwner("a@example.com", true, true)
			evaluator.Dispatch(ctx, device, &sensor.Reading{Value: 151})

			sent := notifier.Sent()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].Address).To(Equal("a@example.com"))
			Expect(sent[0].Subject).To(Equal("Sensor Warning"))
			Expect(sent[0].Body).To(Equal("Sensor S1 value 151 exceeded threshold 150."))
		})

		It("should send one critical alert per eligible recipient", func() {
			addOwner("a@example.com", true, true)
			evaluator.Dispatch(ctx, device, &sensor.Reading{Value: 201})

			sent := notifier.Sent()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].Subject).To(Equal("Sensor Alert - Action Needed"))
			Expect(sent[0].Body).To(Equal("Sensor S1 value 201 exceeded threshold 200."))
		})

		It("should send nothing at the warning threshold", func() {
			addOwner("a@example.com", true, true)
			evaluator.Dispatch(ctx, device, &sensor.Reading{Value: 150})
			Expect(notifier.Sent()).To(BeEmpty())
		})

		It("should fan out to every alert-enabled user", func() {
			addOwner("a@example.com", true, true)
			addOwner("b@example.com", true, true)
			evaluator.Dispatch(ctx, device, &sensor.Reading{Value: 300})

			addresses := []string{}
			for _, n := range notifier.Sent() {
				addresses = append(addresses, n.Address)
			}
			Expect(addresses).To(ConsistOf("a@example.com", "b@example.com"))
		})

		It("should skip users with alerts disabled", func() {
			addOwner("a@example.com", true, true)
			addOwner("b@example.com", true, false)
			evaluator.Dispatch(ctx, device, &sensor.Reading{Value: 300})

			Expect(notifier.Sent()).To(HaveLen(1))
			Expect(notifier.Sent()[0].Address).To(Equal("a@example.com"))
		})

		It("should skip users without a verified email", func() {
			addOwner("a@example.com", false, true)
			evaluator.Dispatch(ctx, device, &sensor.Reading{Value: 300})
			Expect(notifier.Sent()).To(BeEmpty())
		})

		It("should keep notifying other users when one delivery fails", func() {
			addOwner("a@example.com", true, true)
			addOwner("b@example.com", true, true)
			notifier.failFor = map[string]error{"a@example.com": errors.New("mailbox full")}

			evaluator.Dispatch(ctx, device, &sensor.Reading{Value: 300})
			Expect(notifier.Sent()).To(HaveLen(1))
			Expect(notifier.Sent()[0].Address).To(Equal("b@example.com"))
		})

		It("should notify after the caller's context is canceled", func() {
			addOwner("a@example.com", true, true)
			canceled, cancel := context.WithCancel(ctx)
			cancel()

			evaluator.Dispatch(canceled, device, &sensor.Reading{Value: 300})

			sent := notifier.Sent()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].CtxErr).NotTo(HaveOccurred())
			Expect(sent[0].HasDeadline).To(BeTrue())
		})

		It("should return once the timeout expires on a stalled notifier", func() {
			addOwner("a@example.com", true, true)
			stalled, err := sensor.NewEvaluator(&sensor.EvaluatorConfig{
				Logger:     discardLogger(),
				Store:      store,
				Notifier:   stalledNotifier{},
				Thresholds: sensor.DefaultThresholds(),
				Timeout:    200 * time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())

			done := make(chan struct{})
			go func() {
				defer close(done)
				stalled.Dispatch(ctx, device, &sensor.Reading{Value: 300})
			}()
			Eventually(done, 3*time.Second).Should(BeClosed())
		})
	})

	It("should format fractional thresholds without trailing zeros", func() {
		Expect(sensor.AlertBody("S1", 151, 150.5)).To(Equal("Sensor S1 value 151 exceeded threshold 150.5."))
	})
})
