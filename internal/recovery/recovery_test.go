package recovery

import (
	"strings"
	"testing"
)

func TestEmergencyKeyPathIsAbsoluteAndRootOwnedLocation(t *testing.T) {
	if EmergencyKeyPath == "" || EmergencyKeyPath[0] != '/' {
		t.Fatalf("EmergencyKeyPath must be an absolute path, got %q", EmergencyKeyPath)
	}
	if !strings.HasPrefix(EmergencyKeyPath, "/root/") {
		t.Fatalf("EmergencyKeyPath must live under /root/, got %q", EmergencyKeyPath)
	}
}

func TestRecoverySignalMarkerIsStable(t *testing.T) {
	// The recovery script writes this exact string to syslog and to the
	// recovery log stream; anyone searching those logs for it depends on it
	// staying the same.
	if RecoverySignalMarker != "deploysub-recovery-channel-signal" {
		t.Fatalf("RecoverySignalMarker changed unexpectedly: %q", RecoverySignalMarker)
	}
}
