package fitbroker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"

	transportpkg "github.com/wuayee/fitbroker/internal/runtime/transport"
)

func TestServiceExportsValidateInputs(t *testing.T) {
	if _, err := NewService(context.Background(), nil, NewNopServiceLogger(), ServiceDependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}
	if _, err := NewService(context.Background(), &Config{}, nil, ServiceDependencies{}); !errors.Is(err, ErrLoggerRequired) {
		t.Fatalf("expected logger required error, got %v", err)
	}
}

func TestFacadeRoundTripsLocalCall(t *testing.T) {
	ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer ps.Close()

	logger := NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc, err := NewService(context.Background(), &Config{WorkerID: "solo"}, logger, ServiceDependencies{
		TransportFactory: transportpkg.SharedFactory(ps, ps),
		Registerer:       prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("unexpected error creating service: %v", err)
	}
	defer svc.Close(context.Background())

	add := FitableMeta{Fitable: Fitable{GenericableID: "math.add", FitableID: "ints"}}
	err = svc.RegisterFitable(context.Background(), FitableRegistration{
		Meta:   add,
		Module: "math",
		Invoke: Func2(func(_ context.Context, a, b int) (string, error) { return strconv.Itoa(a + b), nil }),
	})
	if err != nil {
		t.Fatalf("unexpected error registering fitable: %v", err)
	}
	if err := svc.Publish(context.Background()); err != nil {
		t.Fatalf("unexpected error publishing: %v", err)
	}

	got, err := NewRouter(svc, Genericable{ID: "math.add"}, WithLoadBalancer(FirstBalancer())).Invoke(context.Background(), 2, 3)
	if err != nil {
		t.Fatalf("unexpected call error: %v", err)
	}
	if got != "5" {
		t.Fatalf("expected 5, got %v", got)
	}

	_, err = NewRouter(svc, Genericable{ID: "math.sub"}).Invoke(context.Background(), 2, 3)
	if KindOf(err) != KindImplementationNotFound {
		t.Fatalf("expected implementation not found, got %v", err)
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestPatternExport(t *testing.T) {
	if !MatchPattern("greeter.**", "greeter.hello.world") {
		t.Fatal("expected recursive wildcard to match")
	}
	if MatchPattern("greeter.*", "greeter.hello.world") {
		t.Fatal("expected single segment wildcard not to span segments")
	}
}

func TestErrorCategoryConstants(t *testing.T) {
	if ErrorCategoryNone != "none" {
		t.Fatalf("expected ErrorCategoryNone to be 'none', got %q", ErrorCategoryNone)
	}
	if ErrorCategoryRouting != "routing" {
		t.Fatalf("expected ErrorCategoryRouting to be 'routing', got %q", ErrorCategoryRouting)
	}
}

func TestCapabilitiesExport(t *testing.T) {
	if caps := GetCapabilities("channel"); caps.Name != "channel" {
		t.Fatalf("expected channel capabilities, got %+v", caps)
	}
}
