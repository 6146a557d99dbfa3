package generator_test

import (
	"strconv"
	"time"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/radon-monitor/pkg/generator"
)

var _ = Describe("Device", func() {
	It("should generate EUI-64 identifiers", func() {
		device := generator.NewDevice()
		Expect(device).NotTo(BeNil())
		Expect(device.DevEUI).To(MatchRegexp(`^[0-9a-f]{16}$`))
		Expect(device.GatewayID).To(MatchRegexp(`^[0-9a-f]{16}$`))
		Expect(device.DevAddr).To(MatchRegexp(`^[0-9a-f]{8}$`))
		Expect(device.Location).NotTo(BeEmpty())
	})

	It("should keep a given EUI", func() {
		device := generator.NewDeviceWithEUI("0004a30b001c0530")
		Expect(device.DevEUI).To(Equal("0004a30b001c0530"))
		Expect(device.DeviceName).To(Equal("radon-0004a30b001c0530"))
	})
})

var _ = Describe("UplinkGenerator", func() {
	var gen *generator.UplinkGenerator

	BeforeEach(func() {
		gen = generator.NewUplinkGenerator(generator.NewDeviceWithEUI("0004a30b001c0530"), "app-1")
	})

	It("should stay near the baseline without spikes", func() {
		gen.SetSpikeRate(0)
		for range 500 {
			Expect(gen.NextValue()).To(BeNumerically("~", generator.DefaultBaseline, 60))
		}
	})

	It("should produce spikes above the alert threshold", func() {
		gen.SetSpikeRate(1)
		Expect(gen.NextValue()).To(BeNumerically(">", 140))
	})

	It("should produce uplinks the ingestion side can read", func() {
		observed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		uplink := gen.Next(observed)

		Expect(uplink.DeduplicationID).NotTo(BeEmpty())
		Expect(uplink.Time).To(Equal("2024-05-01T12:00:00Z"))
		Expect(uplink.DeviceInfo.DevEUI).To(Equal("0004a30b001c0530"))
		Expect(uplink.DeviceInfo.ApplicationID).To(Equal("app-1"))
		Expect(uplink.RxInfo).To(HaveLen(1))
		Expect(uplink.RxInfo[0].RSSI).To(BeNumerically("<=", -40))
		Expect(uplink.FCnt).To(Equal(uint32(1)))

		_, err := strconv.ParseInt(uplink.Object.HexData, 10, 64)
		Expect(err).NotTo(HaveOccurred())

		body, err := json.Marshal(uplink)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(ContainSubstring(`"hexdata":"` + uplink.Object.HexData + `"`))
	})

	It("should use a fresh deduplication ID per uplink", func() {
		first := gen.Next(time.Now())
		second := gen.Next(time.Now())
		Expect(first.DeduplicationID).NotTo(Equal(second.DeduplicationID))
		Expect(second.FCnt).To(Equal(uint32(2)))
	})
})
