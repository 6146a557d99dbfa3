// Package producer simulates a fleet of radon sensors by publishing
// synthetic uplinks.
package producer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/radon-monitor/pkg/generator"
	"procodus.dev/radon-monitor/pkg/metrics"
)

// Producer publishes uplinks for a fixed set of simulated devices.
type Producer struct {
	publisher     Publisher
	generators    []*generator.UplinkGenerator
	duplicateRate float64
	now           func() time.Time
	mu            sync.Mutex
	metrics       *metrics.GeneratorMetrics // Optional metrics
}

// NewProducer creates a producer for the devices with the given EUIs. When
// devEUIs is empty, between one and five random devices are simulated.
func NewProducer(publisher Publisher, applicationID string, devEUIs []string) (*Producer, error) {
	if publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	devices := make([]*generator.Device, 0, len(devEUIs))
	for _, eui := range devEUIs {
		devices = append(devices, generator.NewDeviceWithEUI(eui))
	}
	if len(devices) == 0 {
		count := gofakeit.Number(1, 5)
		for range count {
			devices = append(devices, generator.NewDevice())
		}
	}

	generators := make([]*generator.UplinkGenerator, 0, len(devices))
	for _, device := range devices {
		generators = append(generators, generator.NewUplinkGenerator(device, applicationID))
	}

	return &Producer{
		publisher:  publisher,
		generators: generators,
		now:        time.Now,
	}, nil
}

// SetMetrics sets the metrics collector for this producer.
func (p *Producer) SetMetrics(m *metrics.GeneratorMetrics) {
	p.metrics = m
	if m != nil {
		m.ActiveDevices.Add(float64(len(p.generators)))
	}
}

// SetDuplicateRate sets the probability that an uplink is published twice.
func (p *Producer) SetDuplicateRate(rate float64) {
	p.duplicateRate = rate
}

// SetSpikeRate sets the spike probability of every simulated device.
func (p *Producer) SetSpikeRate(rate float64) {
	for _, g := range p.generators {
		g.SetSpikeRate(rate)
	}
}

// Devices returns the simulated devices.
func (p *Producer) Devices() []*generator.Device {
	devices := make([]*generator.Device, 0, len(p.generators))
	for _, g := range p.generators {
		devices = append(devices, g.Device())
	}
	return devices
}

// RandomDataPoint publishes the next uplink of a random device. With the
// configured duplicate rate the same uplink is published a second time, as
// an at-least-once network server would.
func (p *Producer) RandomDataPoint(ctx context.Context) error {
	p.mu.Lock()
	gen := p.generators[gofakeit.Number(0, len(p.generators)-1)]
	uplink := gen.Next(p.now())
	duplicate := gofakeit.Float64Range(0, 1) < p.duplicateRate
	p.mu.Unlock()

	body, err := json.Marshal(uplink)
	if err != nil {
		p.fail("marshal_error")
		return err
	}

	devEUI := uplink.DeviceInfo.DevEUI
	if err := p.publish(ctx, devEUI, body); err != nil {
		return err
	}

	if duplicate {
		if err := p.publish(ctx, devEUI, body); err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.DuplicatesEmitted.Inc()
		}
	}
	return nil
}

func (p *Producer) publish(ctx context.Context, devEUI string, body []byte) error {
	if p.metrics != nil {
		timer := prometheus.NewTimer(p.metrics.PublishDuration)
		defer timer.ObserveDuration()
	}

	if err := p.publisher.Publish(ctx, devEUI, body); err != nil {
		p.fail("publish_error")
		return err
	}

	if p.metrics != nil {
		p.metrics.UplinksPublished.WithLabelValues(devEUI).Inc()
	}
	return nil
}

func (p *Producer) fail(reason string) {
	if p.metrics != nil {
		p.metrics.PublishFailures.WithLabelValues(reason).Inc()
	}
}
