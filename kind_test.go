package wasiparallel

import "testing"

func TestBufferAccess(t *testing.T) {
	tests := []struct {
		access   BufferAccess
		valid    bool
		writable bool
		name     string
	}{
		{AccessRead, true, false, "read"},
		{AccessWrite, true, true, "write"},
		{AccessReadWrite, true, true, "read-write"},
		{BufferAccess(3), false, false, "access(3)"},
	}
	for _, tt := range tests {
		if got := tt.access.Valid(); got != tt.valid {
			t.Errorf("%s.Valid() = %v", tt.name, got)
		}
		if got := tt.access.Writable(); got != tt.writable {
			t.Errorf("%s.Writable() = %v", tt.name, got)
		}
		if got := tt.access.String(); got != tt.name {
			t.Errorf("String() = %q, want %q", got, tt.name)
		}
	}
}

func TestDeviceKind(t *testing.T) {
	if !DeviceDiscreteGPU.IsGPU() || !DeviceIntegratedGPU.IsGPU() || DeviceCPU.IsGPU() {
		t.Fatal("IsGPU mismatch")
	}
	if DeviceKind(3).Valid() {
		t.Fatal("kind 3 reported valid")
	}
}
