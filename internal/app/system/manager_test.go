package system

import (
	"context"
	"fmt"
	"testing"
)

type recordedService struct {
	name     string
	events   *[]string
	stopErr  error
	startErr error
}

func (s *recordedService) Name() string { return s.name }

func (s *recordedService) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	*s.events = append(*s.events, "start:"+s.name)
	return nil
}

func (s *recordedService) Stop(context.Context) error {
	*s.events = append(*s.events, "stop:"+s.name)
	return s.stopErr
}

func TestManagerStartStopOrder(t *testing.T) {
	var events []string
	m := NewManager()
	for _, name := range []string{"a", "b", "c"} {
		if err := m.Register(&recordedService{name: name, events: &events}); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events[%d] = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestManagerStartFailureRollsBack(t *testing.T) {
	var events []string
	m := NewManager()
	_ = m.Register(&recordedService{name: "a", events: &events})
	_ = m.Register(&recordedService{name: "b", events: &events, startErr: fmt.Errorf("boom")})
	_ = m.Register(&recordedService{name: "c", events: &events})

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected a start error")
	}

	want := []string{"start:a", "stop:a"}
	if len(events) != len(want) || events[0] != want[0] || events[1] != want[1] {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

func TestManagerRejectsDuplicateNames(t *testing.T) {
	var events []string
	m := NewManager()
	if err := m.Register(&recordedService{name: "a", events: &events}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(&recordedService{name: "a", events: &events}); err == nil {
		t.Fatal("expected a duplicate-name error")
	}
}

func TestManagerRejectsRegistrationAfterStart(t *testing.T) {
	var events []string
	m := NewManager()
	_ = m.Register(&recordedService{name: "a", events: &events})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(context.Background())

	if err := m.Register(&recordedService{name: "b", events: &events}); err == nil {
		t.Fatal("expected registration after start to fail")
	}
}
