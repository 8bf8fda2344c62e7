package resourcemonitor

import "testing"

func TestNew_ClampsBaseMax(t *testing.T) {
	m := New(0)
	if m.baseMax != 1 {
		t.Errorf("baseMax = %d, want 1", m.baseMax)
	}
}

func TestUpdate_NeverExceedsBaseMax(t *testing.T) {
	m := New(3)
	for i := 0; i < 5; i++ {
		got := m.Update()
		if got < 1 || got > 3 {
			t.Fatalf("Update() = %d, want in [1,3]", got)
		}
	}
}

func TestStats_ReflectsLastUpdate(t *testing.T) {
	m := New(5)
	got := m.Update()
	stats := m.Stats()
	if stats.CurrentMax != got {
		t.Errorf("Stats().CurrentMax = %d, want %d", stats.CurrentMax, got)
	}
	if stats.BaseMax != 5 {
		t.Errorf("Stats().BaseMax = %d, want 5", stats.BaseMax)
	}
}

func TestStats_BeforeUpdate_ReturnsBaseMax(t *testing.T) {
	m := New(4)
	stats := m.Stats()
	if stats.CurrentMax != 4 {
		t.Errorf("Stats().CurrentMax before Update() = %d, want baseMax 4", stats.CurrentMax)
	}
}
