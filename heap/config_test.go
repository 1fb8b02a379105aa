package heap

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func TestParseDebug(t *testing.T) {
	tests := []struct {
		in      string
		check   func(Config) bool
		wantErr bool
	}{
		{"", func(c Config) bool { return c.AutomaticGC && !c.Verify }, false},
		{"verify=1,gctrace=1", func(c Config) bool { return c.Verify && c.GCTrace }, false},
		{" autogc=0 , profileheap=true", func(c Config) bool { return !c.AutomaticGC && c.ProfileHeap }, false},
		{"precisegc=0x1000", func(c Config) bool { return c.PreciseGCThreshold == 0x1000 }, false},
		{"coalescethreshold=4096", func(c Config) bool { return c.CoalesceThreshold == 4096 }, false},
		{"pausehistory=8", func(c Config) bool { return c.PauseHistory == 8 }, false},
		{"verify", nil, true},
		{"verify=maybe", nil, true},
		{"conservativegc=-1", nil, true},
		{"nosuchthing=1", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c := DefaultConfig()
			err := c.ParseDebug(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrBadDebugSetting) {
					t.Fatalf("got error %v, want ErrBadDebugSetting", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDebug(%q): %v", tt.in, err)
			}
			if !tt.check(c) {
				t.Fatalf("ParseDebug(%q) produced %+v", tt.in, c)
			}
		})
	}
}

func TestParseEnv(t *testing.T) {
	t.Setenv(DebugEnvVar, "profilemarking=1")
	c := DefaultConfig()
	if err := c.ParseEnv(); err != nil {
		t.Fatal(err)
	}
	if !c.ProfileMarking {
		t.Fatalf("ProfileMarking not set from %s", DebugEnvVar)
	}
}
