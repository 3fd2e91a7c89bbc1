// Package message renders the short texts that go out over the mesh. The
// {placeholder} syntax matches what operators already keep in their config
// files, so templates carry over unchanged.
package message

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTemplate fits a three-line Heltec display.
const DefaultTemplate = "{date} {time} ({online}/{total})\nT: {temp}F {snr} snr/{hops} hop\nH: {humidity}% {time_detail}"

// Fields carries everything a reading template can reference. SNR and Hops
// are nil when the target has never been heard; they render as "--".
type Fields struct {
	Now      time.Time
	TempF    float64
	Humidity float64
	Online   int
	Total    int
	SNR      *float64
	Hops     *int
}

// Render substitutes the template's {placeholders}. Unknown placeholders are
// left as-is so a typo is visible on the receiving display instead of
// silently vanishing.
func Render(template string, f Fields) string {
	snr := "--"
	if f.SNR != nil {
		snr = strconv.FormatFloat(*f.SNR, 'f', 1, 64)
	}
	hops := "--"
	if f.Hops != nil {
		hops = strconv.Itoa(*f.Hops)
	}
	r := strings.NewReplacer(
		"{date}", f.Now.Format("01/02"),
		"{time}", f.Now.Format("15:04"),
		"{time_detail}", f.Now.Format("15:04:05"),
		"{online}", strconv.Itoa(f.Online),
		"{total}", strconv.Itoa(f.Total),
		"{temp}", strconv.Itoa(int(f.TempF)),
		"{humidity}", strconv.Itoa(int(f.Humidity)),
		"{snr}", snr,
		"{hops}", hops,
	)
	return r.Replace(template)
}

// Confirm builds the deferred confirmation reply sent after a real ack,
// carrying the signal value observed at send time.
func Confirm(now time.Time, signalAtSend *float64) string {
	if signalAtSend == nil {
		return fmt.Sprintf("rx ok %s", now.Format("15:04:05"))
	}
	return fmt.Sprintf("rx ok %s snr %.1f", now.Format("15:04:05"), *signalAtSend)
}
