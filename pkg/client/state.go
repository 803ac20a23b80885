package client

import (
	"math"
	"math/rand"
	"time"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

var allStates = []string{"disconnected", "connecting", "connected", "reconnecting"}

func (s State) String() string {
	if int(s) < len(allStates) && s >= 0 {
		return allStates[s]
	}
	return "unknown"
}

const (
	minJitter        = 0.75
	maxJitter        = 1.25
	backoffGrowth    = 1.5
	backoffMaxFactor = 5.0
)

// RandomJitter draws a factor uniformly from [0.75, 1.25].
func RandomJitter() float64 {
	return minJitter + rand.Float64()*(maxJitter-minJitter)
}

// ReconnectDelay is interval * min(1.5^attempt, 5) * jitter, with jitter
// clamped to [0.75, 1.25].
func ReconnectDelay(interval time.Duration, attempt int, jitter float64) time.Duration {
	jitter = math.Max(minJitter, math.Min(maxJitter, jitter))
	factor := math.Min(math.Pow(backoffGrowth, float64(attempt)), backoffMaxFactor)
	return time.Duration(float64(interval) * factor * jitter)
}
