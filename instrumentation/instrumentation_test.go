package instrumentation

import (
	"context"
	"testing"
)

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
	if inst.Metrics() == nil {
		t.Error("Metrics() should not be nil")
	}
	if inst.Tracer("server") == nil {
		t.Error("Tracer() should not be nil")
	}
	if inst.Meter("server") == nil {
		t.Error("Meter() should not be nil")
	}
}

func TestNew_Disabled(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Recording against no-op providers must not panic.
	ctx := context.Background()
	m := inst.Metrics()
	m.RecordHTTPRequest(ctx, "POST", "/token", 200, 1.5)
	m.RecordTokenIssued(ctx, "client_credentials", "client-1")
	m.RecordGrantFailure(ctx, "client_credentials", "invalid_scope")
	m.RecordCORSLookup(ctx, true)
	m.RecordCORSLoadFailure(ctx)
	m.RecordCleanupRun(ctx, "tokens", 3, nil)
	m.RecordStorageOperation(ctx, "save_token", "success", 0.2)
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}
