package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseHost,
				Kind:   KindOutOfBounds,
				Path:   []string{"write_buffer", "data_offset"},
				Detail: "region too large",
			},
			contains: []string{"[host]", "out_of_bounds", "write_buffer.data_offset", "region too large"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseBuffer,
				Kind:  KindInvalidSize,
			},
			contains: []string{"[buffer]", "invalid_size"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseDevice,
				Kind:   KindAllocationFailed,
				Detail: "mirror",
				Cause:  errors.New("device lost"),
			},
			contains: []string{"[device]", "allocation_failed", "mirror", "caused by", "device lost"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseKernel,
		Kind:  KindCompileFailed,
		Cause: cause,
	}

	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not reach cause")
	}
}

func TestError_Is(t *testing.T) {
	err := InvalidHandle(PhaseBuffer, "buffer", 7)

	if !errors.Is(err, &Error{Phase: PhaseBuffer, Kind: KindInvalidHandle}) {
		t.Error("expected match on phase and kind")
	}
	if errors.Is(err, &Error{Phase: PhaseDevice, Kind: KindInvalidHandle}) {
		t.Error("phase mismatch should not match")
	}
	if errors.Is(err, &Error{Phase: PhaseBuffer, Kind: KindInvalidSize}) {
		t.Error("kind mismatch should not match")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("boom")
	err := New(PhaseDispatch, KindDeviceMismatch).
		Path("parallel_for", "out_buffers").
		Value(uint32(3)).
		Detail("buffer %d on device %d", 3, 2).
		Cause(cause).
		Build()

	if err.Phase != PhaseDispatch || err.Kind != KindDeviceMismatch {
		t.Fatalf("unexpected phase/kind: %s/%s", err.Phase, err.Kind)
	}
	if err.Detail != "buffer 3 on device 2" {
		t.Errorf("detail = %q", err.Detail)
	}
	if err.Value != uint32(3) {
		t.Errorf("value = %v", err.Value)
	}
	if len(err.Path) != 2 || err.Path[1] != "out_buffers" {
		t.Errorf("path = %v", err.Path)
	}
	if err.Cause != cause {
		t.Error("cause not set")
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"nil", nil, StatusSuccess},
		{"no device", NoSuchDevice("discrete-gpu"), StatusNoSuchDevice},
		{"alloc", AllocationFailed(PhaseBuffer, 16, nil), StatusAllocationFailed},
		{"handle", InvalidHandle(PhaseBuffer, "buffer", 1), StatusInvalidHandle},
		{"size", InvalidSize(PhaseBuffer, "zero"), StatusInvalidSize},
		{"bounds", OutOfBounds(PhaseHost, nil, 10, 10, 4), StatusOutOfBounds},
		{"kernel index", New(PhaseKernel, KindInvalidKernelIndex).Build(), StatusInvalidKernelIndex},
		{"module", New(PhaseKernel, KindModuleNotFound).Build(), StatusModuleNotFound},
		{"compile", New(PhaseKernel, KindCompileFailed).Build(), StatusCompileFailed},
		{"mismatch", New(PhaseDispatch, KindDeviceMismatch).Build(), StatusDeviceMismatch},
		{"trap", New(PhaseDispatch, KindKernelTrapped).Build(), StatusKernelTrapped},
		{"gpu", New(PhaseDispatch, KindGpuDispatchFailed).Build(), StatusGpuDispatchFailed},
		{"not bound", New(PhaseBuffer, KindNotBound).Build(), StatusNotBound},
		{"argument", InvalidArgument(PhaseHost, nil, "bad"), StatusInvalidArgument},
		{"plain", errors.New("plain"), StatusInternal},
		{"generic kind", NotFound(PhaseRuntime, "export", "x"), StatusInternal},
		{
			name: "wrapped by fmt",
			err:  fmt.Errorf("call: %w", InvalidSize(PhaseBuffer, "zero")),
			want: StatusInvalidSize,
		},
		{
			name: "generic wrapping taxonomy",
			err:  Wrap(PhaseRuntime, KindInstantiation, New(PhaseKernel, KindCompileFailed).Build(), "start"),
			want: StatusCompileFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err); got != tt.want {
				t.Errorf("StatusOf() = %s (%d), want %s (%d)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestStatus_String(t *testing.T) {
	for s := StatusSuccess; s <= StatusInternal; s++ {
		if s.String() == "" {
			t.Errorf("status %d has empty name", s)
		}
	}
	if StatusKernelTrapped.String() != "kernel_trapped" {
		t.Errorf("got %q", StatusKernelTrapped.String())
	}
}
