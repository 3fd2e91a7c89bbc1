// Package sensor is the environmental-sensor collaborator. The delivery core
// only needs a bounded, retry-on-failure read; the DHT22 hardware driver
// itself lives outside this repo, behind the Reader interface.
package sensor

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/iainonline/meshtastic-weather-works/internal/logx"
)

// ErrNoData means the sensor produced no usable reading this attempt. DHT22s
// are finicky; this is normal and the caller just tries again later.
var ErrNoData = errors.New("sensor returned no data")

// DHT22 measurement envelope. Readings outside it are discarded as invalid.
const (
	MinTempC    = -40
	MaxTempC    = 80
	MinHumidity = 0
	MaxHumidity = 100
)

// Reading is one sensor observation.
type Reading struct {
	TempC    float64
	Humidity float64
}

// TempF converts to Fahrenheit, the unit the mesh messages carry.
func (r Reading) TempF() float64 {
	return r.TempC*9/5 + 32
}

// Valid reports whether the reading is inside the sensor's envelope.
func (r Reading) Valid() bool {
	return r.TempC >= MinTempC && r.TempC <= MaxTempC &&
		r.Humidity >= MinHumidity && r.Humidity <= MaxHumidity
}

// Reader is implemented by sensor drivers. Read blocks at most briefly and
// returns ErrNoData (or a driver error) on a failed attempt.
type Reader interface {
	Read(ctx context.Context) (Reading, error)
}

// Probe verifies the sensor works before the station commits to a radio
// connection. It never gives up fatally: after the allotted attempts it
// returns the last error and the caller carries on with no initial reading.
func Probe(ctx context.Context, log *logx.Logger, r Reader, clk clock.Clock, attempts int) (Reading, error) {
	if attempts <= 0 {
		attempts = 3
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return Reading{}, err
		}
		rd, err := r.Read(ctx)
		if err == nil && rd.Valid() {
			log.Infof("SENSOR test ok after %d attempt(s): %.1fF %.1f%%", i+1, rd.TempF(), rd.Humidity)
			return rd, nil
		}
		if err == nil {
			err = ErrNoData
			log.Debugf("SENSOR out-of-range reading discarded: %.1fC %.1f%%", rd.TempC, rd.Humidity)
		}
		lastErr = err
		if i < attempts-1 {
			clk.Sleep(2 * time.Second)
		}
	}
	log.Warnf("SENSOR test failed after %d attempts, continuing anyway: %v", attempts, lastErr)
	return Reading{}, lastErr
}
