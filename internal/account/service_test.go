package account_test

import (
	"context"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/radon-monitor/internal/account"
	"procodus.dev/radon-monitor/internal/auth"
	"procodus.dev/radon-monitor/internal/sensor"
	"procodus.dev/radon-monitor/internal/sensor/memstore"
)

var _ = Describe("Service", func() {
	var (
		ctx     context.Context
		store   *memstore.Store
		service *account.Service
		now     time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = memstore.New()
		now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		aggregator, err := sensor.NewAggregator(store)
		Expect(err).NotTo(HaveOccurred())

		service, err = account.NewService(&account.ServiceConfig{
			Logger:     discardLogger(),
			Store:      store,
			Aggregator: aggregator,
			Now:        func() time.Time { return now },
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewService", func() {
		It("should reject a nil config", func() {
			_, err := account.NewService(nil)
			Expect(err).To(MatchError("service config cannot be nil"))
		})

		It("should require a store", func() {
			_, err := account.NewService(&account.ServiceConfig{Logger: discardLogger()})
			Expect(err).To(MatchError("store cannot be nil"))
		})
	})

	Describe("Register", func() {
		It("should create a verified user with alerts enabled", func() {
			user, err := service.Register(ctx, "  Jane@Example.COM ", "s3cure-pass")
			Expect(err).NotTo(HaveOccurred())
			Expect(user.Email).To(Equal("jane@example.com"))
			Expect(user.EmailVerified).To(BeTrue())

			view, err := service.Profile(ctx, user.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(view.Email).To(Equal("jane@example.com"))
			Expect(view.AlertEmailEnabled).To(BeTrue())
		})

		It("should reject a taken email", func() {
			_, err := service.Register(ctx, "jane@example.com", "s3cure-pass")
			Expect(err).NotTo(HaveOccurred())

			_, err = service.Register(ctx, "JANE@example.com", "s3cure-pass")
			Expect(err).To(MatchError(account.ErrEmailTaken))
		})

		DescribeTable("input validation",
			func(email, password, field string) {
				_, err := service.Register(ctx, email, password)
				var inputErr *account.InputError
				Expect(err).To(BeAssignableToTypeOf(inputErr))
				Expect(err.(*account.InputError).Field).To(Equal(field))
			},
			Entry("missing email", "", "s3cure-pass", "email"),
			Entry("malformed email", "jane.example.com", "s3cure-pass", "email"),
			Entry("short password", "jane@example.com", "short", "password"),
			Entry("numeric password", "jane@example.com", "1234567890", "password"),
			Entry("overlong email", strings.Repeat("j", 243)+"@example.com", "s3cure-pass", "email"),
			Entry("email with a NUL", "jane\u0000@example.com", "s3cure-pass", "email"),
		)

		It("should accept an email at the length limit", func() {
			email := strings.Repeat("j", 242) + "@example.com"
			Expect(email).To(HaveLen(account.MaxEmailLength))
			_, err := service.Register(ctx, email, "s3cure-pass")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Authenticate", func() {
		BeforeEach(func() {
			_, err := service.Register(ctx, "jane@example.com", "s3cure-pass")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should accept the right password", func() {
			user, err := service.Authenticate(ctx, "Jane@example.com", "s3cure-pass")
			Expect(err).NotTo(HaveOccurred())
			Expect(user.Email).To(Equal("jane@example.com"))
		})

		It("should not distinguish unknown users from wrong passwords", func() {
			_, err := service.Authenticate(ctx, "jane@example.com", "wrong-pass")
			Expect(err).To(MatchError(auth.ErrInvalidCredentials))

			_, err = service.Authenticate(ctx, "nobody@example.com", "s3cure-pass")
			Expect(err).To(MatchError(auth.ErrInvalidCredentials))
		})
	})

	Describe("ChangePassword", func() {
		var userID uint

		BeforeEach(func() {
			user, err := service.Register(ctx, "jane@example.com", "s3cure-pass")
			Expect(err).NotTo(HaveOccurred())
			userID = user.ID
		})

		It("should validate the new password first", func() {
			err := service.ChangePassword(ctx, userID, "wrong-pass", "short")
			var inputErr *account.InputError
			Expect(err).To(BeAssignableToTypeOf(inputErr))
			Expect(err.(*account.InputError).Field).To(Equal("new_password"))
		})

		It("should reject a wrong old password", func() {
			err := service.ChangePassword(ctx, userID, "wrong-pass", "n3w-password")
			Expect(err).To(MatchError(account.ErrWrongPassword))
		})

		It("should replace the password", func() {
			Expect(service.ChangePassword(ctx, userID, "s3cure-pass", "n3w-password")).To(Succeed())

			_, err := service.Authenticate(ctx, "jane@example.com", "s3cure-pass")
			Expect(err).To(MatchError(auth.ErrInvalidCredentials))
			_, err = service.Authenticate(ctx, "jane@example.com", "n3w-password")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("UpdateProfile", func() {
		It("should leave omitted fields untouched", func() {
			user, err := service.Register(ctx, "jane@example.com", "s3cure-pass")
			Expect(err).NotTo(HaveOccurred())

			address := "Main Street 1"
			_, err = service.UpdateProfile(ctx, user.ID, account.ProfileUpdate{Address: &address})
			Expect(err).NotTo(HaveOccurred())

			disabled := false
			view, err := service.UpdateProfile(ctx, user.ID, account.ProfileUpdate{AlertEmailEnabled: &disabled})
			Expect(err).NotTo(HaveOccurred())
			Expect(view.Address).To(Equal("Main Street 1"))
			Expect(view.AlertEmailEnabled).To(BeFalse())
		})
	})

	Describe("devices", func() {
		var alice, bob *account.User

		BeforeEach(func() {
			var err error
			alice, err = service.Register(ctx, "alice@example.com", "s3cure-pass")
			Expect(err).NotTo(HaveOccurred())
			bob, err = service.Register(ctx, "bob@example.com", "s3cure-pass")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should require a serial number", func() {
			_, err := service.AddDevice(ctx, alice.ID, "   ")
			var inputErr *account.InputError
			Expect(err).To(BeAssignableToTypeOf(inputErr))
			Expect(err.(*account.InputError).Field).To(Equal("serial_number"))
		})

		DescribeTable("serial number bounds",
			func(serial, message string) {
				_, err := service.AddDevice(ctx, alice.ID, serial)
				var inputErr *account.InputError
				Expect(err).To(BeAssignableToTypeOf(inputErr))
				Expect(err.(*account.InputError).Field).To(Equal("serial_number"))
				Expect(err.(*account.InputError).Message).To(Equal(message))
			},
			Entry("overlong serial", strings.Repeat("a", 101), "Ensure this field has no more than 100 characters."),
			Entry("serial with a NUL", "0004\u0000a30b", "Null characters are not allowed."),
			Entry("serial with invalid UTF-8", "0004\xffa30b", "Enter valid UTF-8 text."),
		)

		It("should accept a serial at the length limit", func() {
			_, err := service.AddDevice(ctx, alice.ID, strings.Repeat("a", sensor.MaxSerialLength))
			Expect(err).NotTo(HaveOccurred())
		})

		It("should create a device on first add and share it afterwards", func() {
			first, err := service.AddDevice(ctx, alice.ID, "0004a30b001c0530")
			Expect(err).NotTo(HaveOccurred())
			Expect(first.UserIDs).To(ConsistOf(alice.ID))

			_, err = service.AddDevice(ctx, alice.ID, "0004a30b001c0530")
			Expect(err).To(MatchError(account.ErrDeviceAlreadyAdded))

			shared, err := service.AddDevice(ctx, bob.ID, "0004a30b001c0530")
			Expect(err).NotTo(HaveOccurred())
			Expect(shared.ID).To(Equal(first.ID))
			Expect(shared.UserIDs).To(ConsistOf(alice.ID, bob.ID))
		})

		It("should adopt a device that is already known to ingestion", func() {
			known := store.AddDeviceSerial("0004a30b001c0530")

			added, err := service.AddDevice(ctx, alice.ID, "0004a30b001c0530")
			Expect(err).NotTo(HaveOccurred())
			Expect(added.ID).To(Equal(known.ID))
		})

		It("should scope lookups to associated users", func() {
			added, err := service.AddDevice(ctx, alice.ID, "0004a30b001c0530")
			Expect(err).NotTo(HaveOccurred())

			_, err = service.Device(ctx, bob.ID, added.ID)
			Expect(err).To(MatchError(account.ErrNotFound))
			_, err = service.Dashboard(ctx, bob.ID, "0004a30b001c0530")
			Expect(err).To(MatchError(account.ErrNotFound))

			devices, err := service.Devices(ctx, bob.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(devices).To(BeEmpty())
		})

		It("should build the dashboard relative to the service clock", func() {
			added, err := service.AddDevice(ctx, alice.ID, "0004a30b001c0530")
			Expect(err).NotTo(HaveOccurred())

			for i, value := range []int64{100, 200} {
				_, _, err := store.InsertReadingIfAbsent(ctx, sensor.Reading{
					DeviceID:        added.ID,
					Value:           value,
					RSSI:            -80,
					Timestamp:       now.Add(-time.Duration(2-i) * time.Hour),
					DeduplicationID: string(rune('a' + i)),
				})
				Expect(err).NotTo(HaveOccurred())
			}

			dashboard, err := service.Dashboard(ctx, alice.ID, "0004a30b001c0530")
			Expect(err).NotTo(HaveOccurred())
			Expect(*dashboard.RecentReading.Value).To(Equal(int64(200)))
			Expect(*dashboard.Averages.Last24Hours).To(Equal(150.0))
			Expect(dashboard.Trend).To(HaveLen(2))
		})
	})
})
