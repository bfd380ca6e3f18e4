package metrics

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// ErrNilMeter is returned by RegisterOTel without a meter.
var ErrNilMeter = errors.New("nil meter")

type observedCounter struct {
	id         ID
	instrument metric.Int64ObservableCounter
}

type observedGauge struct {
	fn         GaugeFunc
	instrument metric.Int64ObservableGauge
}

// RegisterOTel exposes the collector through meter as observable
// instruments. Gauges must be added before the call. Unregister the returned
// registration to detach.
func (c *Collector) RegisterOTel(meter metric.Meter) (metric.Registration, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}

	gauges := c.gaugeDefs()
	counters := make([]observedCounter, 0, numCounters)
	observed := make([]observedGauge, 0, len(gauges))
	observables := make([]metric.Observable, 0, int(numCounters)+len(gauges))

	for _, def := range counterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.Name, err)
		}
		counters = append(counters, observedCounter{id: def.ID, instrument: ins})
		observables = append(observables, ins)
	}
	for _, g := range gauges {
		ins, err := meter.Int64ObservableGauge(g.name, metric.WithDescription(g.help))
		if err != nil {
			return nil, fmt.Errorf("create observable gauge %s: %w", g.name, err)
		}
		observed = append(observed, observedGauge{fn: g.fn, instrument: ins})
		observables = append(observables, ins)
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, oc := range counters {
			o.ObserveInt64(oc.instrument, int64(c.Value(oc.id)))
		}
		for _, og := range observed {
			o.ObserveInt64(og.instrument, og.fn())
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return reg, nil
}
