package backend_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/radon-monitor/internal/backend"
)

var _ = Describe("Models", func() {
	DescribeTable("table names",
		func(name, expected string) {
			Expect(name).To(Equal(expected))
		},
		Entry("users", backend.User{}.TableName(), "users"),
		Entry("user profiles", backend.UserProfile{}.TableName(), "user_profiles"),
		Entry("devices", backend.Device{}.TableName(), "devices"),
		Entry("sensor readings", backend.SensorReading{}.TableName(), "sensor_readings"),
	)
})
