package heap

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// DebugEnvVar names the environment variable ParseEnv reads. Its value is a
// comma-separated list of name=value pairs, like GODEBUG.
const DebugEnvVar = "THREADHEAPDEBUG"

// Config controls a Runtime. The zero value is not useful; start from
// DefaultConfig.
type Config struct {
	// Logger receives the runtime's structured logs. Nil means no logging.
	Logger *zap.Logger

	// AutomaticGC lets allocation schedule and force collections based on
	// the thresholds below. Tests usually turn it off and collect
	// explicitly.
	AutomaticGC bool

	// PreciseGCThreshold is the number of bytes allocated since the last
	// GC after which a precise GC is scheduled for the next safepoint,
	// provided it also exceeds half of the bytes marked by the last GC.
	PreciseGCThreshold int64

	// ConservativeGCThreshold is the number of bytes allocated since the
	// last GC after which a conservative GC is forced on the allocating
	// thread, provided it also exceeds four times the marked bytes.
	ConservativeGCThreshold int64

	// CoalesceThreshold is the number of promptly freed bytes in a thread
	// heap after which allocation coalesces free runs before mapping a new
	// page.
	CoalesceThreshold uintptr

	// Verify checks every page of a thread after it finishes sweeping.
	Verify bool

	// GCTrace logs one line per collection at info level.
	GCTrace bool

	// ProfileHeap records a HeapSnapshot after every global GC.
	ProfileHeap bool

	// ProfileMarking records the object graph traced by every global GC.
	ProfileMarking bool

	// PauseHistory is the number of recent GC pauses kept for PauseSummary.
	PauseHistory int
}

// DefaultConfig returns the configuration used when nothing is tuned.
func DefaultConfig() Config {
	return Config{
		AutomaticGC:             true,
		PreciseGCThreshold:      defaultPreciseGCThreshold,
		ConservativeGCThreshold: defaultConservativeGCThreshold,
		CoalesceThreshold:       defaultCoalesceThreshold,
		PauseHistory:            256,
	}
}

// dbgVar binds a debug setting name to the config field it controls.
type dbgVar struct {
	name string
	set  func(c *Config, v string) error
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func sizeVar(field func(*Config) *int64) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 0, 64)
		if err != nil {
			return err
		}
		if n < 0 {
			return errors.Newf("negative size %d", n)
		}
		*field(c) = n
		return nil
	}
}

var dbgvars = []dbgVar{
	{"verify", boolVar(func(c *Config) *bool { return &c.Verify })},
	{"gctrace", boolVar(func(c *Config) *bool { return &c.GCTrace })},
	{"profileheap", boolVar(func(c *Config) *bool { return &c.ProfileHeap })},
	{"profilemarking", boolVar(func(c *Config) *bool { return &c.ProfileMarking })},
	{"autogc", boolVar(func(c *Config) *bool { return &c.AutomaticGC })},
	{"precisegc", sizeVar(func(c *Config) *int64 { return &c.PreciseGCThreshold })},
	{"conservativegc", sizeVar(func(c *Config) *int64 { return &c.ConservativeGCThreshold })},
	{"coalescethreshold", func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return err
		}
		c.CoalesceThreshold = uintptr(n)
		return nil
	}},
	{"pausehistory", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.PauseHistory = n
		return nil
	}},
}

// ParseDebug applies a THREADHEAPDEBUG style setting string such as
// "gctrace=1,verify=1" to c. Empty entries are ignored.
func (c *Config) ParseDebug(s string) error {
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		name, value, ok := strings.Cut(field, "=")
		if !ok {
			return errors.Wrapf(ErrBadDebugSetting, "%q: missing value", field)
		}
		found := false
		for _, v := range dbgvars {
			if v.name != name {
				continue
			}
			found = true
			if err := v.set(c, value); err != nil {
				return errors.Wrapf(errors.Mark(err, ErrBadDebugSetting), "%s=%s", name, value)
			}
		}
		if !found {
			return errors.Wrapf(ErrBadDebugSetting, "unknown setting %q", name)
		}
	}
	return nil
}

// ParseEnv applies the settings in the THREADHEAPDEBUG environment variable.
func (c *Config) ParseEnv() error {
	return c.ParseDebug(os.Getenv(DebugEnvVar))
}

func (c *Config) validate() error {
	if c.PreciseGCThreshold < 0 || c.ConservativeGCThreshold < 0 {
		return errors.New("heap: negative GC threshold")
	}
	if c.PauseHistory <= 0 {
		c.PauseHistory = 1
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}
