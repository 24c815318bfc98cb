package link

import "time"

// Default operating parameters, per spec §6.
const (
	// DefaultTXQueueCapacity is N for the data-link's outbound frame
	// queue; overflow drops the oldest queued frame.
	DefaultTXQueueCapacity = 10
	// DefaultDutyCycleWindow is the 1-hour regulatory accounting window.
	DefaultDutyCycleWindow = time.Hour
	// DefaultDutyCycleBudgetMs is the ≤1% airtime budget within
	// DefaultDutyCycleWindow: 36,000 ms per hour.
	DefaultDutyCycleBudgetMs = 36_000
	// DefaultBusyRecoveryWait is how long the data-link waits before
	// reinitializing the modem after a BUSY timeout.
	DefaultBusyRecoveryWait = 50 * time.Millisecond
	// DefaultMaxConsecutiveBusyFailures is how many consecutive BUSY
	// recoveries a sensor tolerates before requesting a device reset.
	DefaultMaxConsecutiveBusyFailures = 10
	// DefaultRecvPollTimeout is the default for Config.RecvPollTimeout.
	// DataLink does not pass it to the radio: Radio.PollRecv takes no
	// timeout and polls with the driver's own window.
	DefaultRecvPollTimeout = 400 * time.Millisecond
)

// Config holds the tunable parameters of a DataLink.
type Config struct {
	TXQueueCapacity            int
	DutyCycleWindow            time.Duration
	DutyCycleBudgetMs          int64
	BusyRecoveryWait           time.Duration
	MaxConsecutiveBusyFailures int
	RecvPollTimeout            time.Duration
	// Now returns the current time; overridable for deterministic tests.
	Now func() time.Time
	// OnDeviceResetRequired is invoked (sensor-side only) once
	// MaxConsecutiveBusyFailures consecutive BUSY recoveries have
	// occurred. An actual device reset is a hardware action outside this
	// module's scope (original_source's LoRaDataLink.py calls
	// machine.reset() directly; this module models it as a callback so
	// DataLink itself never calls os.Exit/panic).
	OnDeviceResetRequired func()
}

// DefaultConfig returns a Config populated with spec §6's defaults.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.TXQueueCapacity == 0 {
		c.TXQueueCapacity = DefaultTXQueueCapacity
	}
	if c.DutyCycleWindow == 0 {
		c.DutyCycleWindow = DefaultDutyCycleWindow
	}
	if c.DutyCycleBudgetMs == 0 {
		c.DutyCycleBudgetMs = DefaultDutyCycleBudgetMs
	}
	if c.BusyRecoveryWait == 0 {
		c.BusyRecoveryWait = DefaultBusyRecoveryWait
	}
	if c.MaxConsecutiveBusyFailures == 0 {
		c.MaxConsecutiveBusyFailures = DefaultMaxConsecutiveBusyFailures
	}
	if c.RecvPollTimeout == 0 {
		c.RecvPollTimeout = DefaultRecvPollTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
