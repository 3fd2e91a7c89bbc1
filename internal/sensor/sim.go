package sensor

import (
	"context"
	"math/rand"
)

// Sim is a software stand-in for the DHT22: a slow random walk around a
// baseline, with the occasional failed read the way the real part behaves.
// Used when the station runs without hardware attached.
type Sim struct {
	rnd      *rand.Rand
	failRate float64
	tempC    float64
	humidity float64
}

func NewSim(rnd *rand.Rand, baseTempC, baseHumidity, failRate float64) *Sim {
	return &Sim{
		rnd:      rnd,
		failRate: failRate,
		tempC:    baseTempC,
		humidity: baseHumidity,
	}
}

func (s *Sim) Read(_ context.Context) (Reading, error) {
	if s.rnd.Float64() < s.failRate {
		return Reading{}, ErrNoData
	}
	s.tempC += (s.rnd.Float64() - 0.5) * 0.6
	s.humidity += (s.rnd.Float64() - 0.5) * 1.5
	if s.humidity < MinHumidity {
		s.humidity = MinHumidity
	}
	if s.humidity > MaxHumidity {
		s.humidity = MaxHumidity
	}
	return Reading{TempC: s.tempC, Humidity: s.humidity}, nil
}
