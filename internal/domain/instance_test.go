package domain

import "testing"

func TestStatusStartable(t *testing.T) {
	cases := []struct {
		status Status
		want   bool
	}{
		{StatusStopped, true},
		{StatusError, true},
		{StatusStarting, false},
		{StatusRunning, false},
		{StatusStopping, false},
	}
	for _, c := range cases {
		if got := c.status.Startable(); got != c.want {
			t.Errorf("Startable(%s) = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestStatusHasWorker(t *testing.T) {
	cases := []struct {
		status Status
		want   bool
	}{
		{StatusStarting, true},
		{StatusRunning, true},
		{StatusStopping, true},
		{StatusStopped, false},
		{StatusError, false},
	}
	for _, c := range cases {
		if got := c.status.HasWorker(); got != c.want {
			t.Errorf("HasWorker(%s) = %v, want %v", c.status, got, c.want)
		}
	}
}
