package worker

import (
	"strings"
	"testing"

	"github.com/n0remac/sfu-control-plane/internal/config"
)

func TestSettingsFromConfigAndArgs(t *testing.T) {
	s := SettingsFromConfig(config.WorkerSettingsConfig{
		LogLevel:   "debug",
		LogTags:    []string{"rtp", "rtcp"},
		RTCMinPort: 20000,
		RTCMaxPort: 20100,
	})
	args := s.Args()
	joined := strings.Join(args, " ")
	for _, want := range []string{"--logLevel=debug", "--rtcMinPort=20000", "--rtcMaxPort=20100", "--logTag=rtp", "--logTag=rtcp"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
}

func TestSettingsArgsDefaultsLogLevel(t *testing.T) {
	s := Settings{RTCMinPort: 1, RTCMaxPort: 2}
	args := s.Args()
	if args[0] != "--logLevel=error" {
		t.Fatalf("expected default log level error, got %s", args[0])
	}
}

func TestErrorMessage(t *testing.T) {
	e := &Error{Kind: ErrBadSettings, Detail: "bad rtcMinPort"}
	if e.Error() != "worker: BadSettings: bad rtcMinPort" {
		t.Fatalf("unexpected message: %s", e.Error())
	}
}
