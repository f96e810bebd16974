package domain

import (
	"errors"
	"testing"
	"time"
)

func TestNextSlotNumber(t *testing.T) {
	tests := []struct {
		name string
		used []int
		want int
	}{
		{"empty", nil, 1},
		{"contiguous", []int{1, 2, 3}, 4},
		{"gap", []int{1, 3, 4}, 2},
		{"unordered", []int{4, 2, 1}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextSlotNumber(tt.used)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}

	full := make([]int, MaxSlotNumber)
	for i := range full {
		full[i] = i + 1
	}
	if _, err := NextSlotNumber(full); !errors.Is(err, ErrSlotSpaceExhausted) {
		t.Errorf("expected ErrSlotSpaceExhausted, got %v", err)
	}
}

func TestVolumetricUserSlot_Matches(t *testing.T) {
	slot := &VolumetricUserSlot{UserID: "u1", MachineID: "m1"}

	byUser := DefaultSessionPolicy()
	if !slot.Matches(byUser, SlotRequest{UserID: "u1", MachineID: "other"}) {
		t.Error("expected match by user ID")
	}
	if slot.Matches(byUser, SlotRequest{MachineID: "m1"}) {
		t.Error("expected no match without user ID")
	}

	byMachine := DefaultSessionPolicy()
	byMachine.MatchBy = SlotIdentityMachine
	if !slot.Matches(byMachine, SlotRequest{UserID: "other", MachineID: "m1"}) {
		t.Error("expected match by machine ID")
	}
	if slot.Matches(byMachine, SlotRequest{UserID: "u1"}) {
		t.Error("expected no match without machine ID")
	}
}

func TestVolumetricUserSlot_TimedOut(t *testing.T) {
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	policy := DefaultSessionPolicy()
	policy.MaxSessionHours = 8

	slot := &VolumetricUserSlot{IsCurrentlyActive: true, CurrentSessionStart: &start}
	if ok, _ := slot.TimedOut(policy, start.Add(15*time.Minute)); ok {
		t.Error("expected no timeout within the grace period")
	}
	ok, reason := slot.TimedOut(policy, start.Add(16*time.Minute))
	if !ok || reason != "heartbeat" {
		t.Errorf("expected heartbeat timeout, got %t %q", ok, reason)
	}

	// ハートビートが続いていてもセッション上限で切れる
	beat := start.Add(8*time.Hour + 30*time.Minute)
	slot.LastHeartbeat = &beat
	ok, reason = slot.TimedOut(policy, start.Add(8*time.Hour+31*time.Minute))
	if !ok || reason != "session" {
		t.Errorf("expected session timeout, got %t %q", ok, reason)
	}

	slot.IsCurrentlyActive = false
	if ok, _ := slot.TimedOut(policy, start.AddDate(0, 0, 1)); ok {
		t.Error("expected released slot never to time out")
	}
}

func TestVolumetricUserSlot_TimedOutUnlimitedSession(t *testing.T) {
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	policy := DefaultSessionPolicy()
	if policy.MaxSessionHours != 0 {
		t.Fatalf("expected unlimited sessions by default, got %d hours", policy.MaxSessionHours)
	}

	slot := &VolumetricUserSlot{IsCurrentlyActive: true, CurrentSessionStart: &start}
	// 1週間ハートビートを送り続けても切れない
	for elapsed := time.Duration(0); elapsed <= 7*24*time.Hour; elapsed += 10 * time.Minute {
		beat := start.Add(elapsed)
		slot.LastHeartbeat = &beat
		if ok, reason := slot.TimedOut(policy, beat.Add(time.Minute)); ok {
			t.Fatalf("expected no timeout after %v, got %q", elapsed, reason)
		}
	}

	// ハートビートが途絶えれば猶予後に切れる
	last := *slot.LastHeartbeat
	ok, reason := slot.TimedOut(policy, last.Add(16*time.Minute))
	if !ok || reason != "heartbeat" {
		t.Errorf("expected heartbeat timeout, got %t %q", ok, reason)
	}
}

func TestVolumetricLicense_Validate(t *testing.T) {
	valid := VolumetricLicense{MaxConcurrentUsers: 0, MaxTotalUsers: 0, Policy: DefaultSessionPolicy()}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected zero ceilings to be valid, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(v *VolumetricLicense)
	}{
		{"negative concurrent", func(v *VolumetricLicense) { v.MaxConcurrentUsers = -1 }},
		{"total above slot space", func(v *VolumetricLicense) { v.MaxTotalUsers = MaxSlotNumber + 1 }},
		{"negative grace", func(v *VolumetricLicense) { v.Policy.InactiveGracePeriodMinutes = -5 }},
		{"unknown identity", func(v *VolumetricLicense) { v.Policy.MatchBy = "email" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := valid
			tt.mutate(&v)
			if err := v.Validate(); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}
