package domain

import (
	"fmt"
	"time"
)

// MaxSlotNumber はボリュームライセンスのスロット番号の上限。
const MaxSlotNumber = 9999

// SlotIdentity はスロットを同一利用者とみなす基準。
type SlotIdentity string

const (
	SlotIdentityUser    SlotIdentity = "user"
	SlotIdentityMachine SlotIdentity = "machine"
)

// SessionPolicy はボリュームライセンスのセッション方針。
type SessionPolicy struct {
	MaxSessionHours            int // 0 は無制限
	HeartbeatIntervalMinutes   int
	InactiveGracePeriodMinutes int
	AutoCleanupIntervalMinutes int
	MatchBy                    SlotIdentity
}

// DefaultSessionPolicy は既定のセッション方針を返す。
func DefaultSessionPolicy() SessionPolicy {
	return SessionPolicy{
		MaxSessionHours:            0,
		HeartbeatIntervalMinutes:   5,
		InactiveGracePeriodMinutes: 15,
		AutoCleanupIntervalMinutes: 10,
		MatchBy:                    SlotIdentityUser,
	}
}

// VolumetricLicense は複数席を持つエンタイトルメント。
type VolumetricLicense struct {
	ID                  string
	TenantID            string
	LicenseID           string
	BaseKey             string
	MaxConcurrentUsers  int
	MaxTotalUsers       int
	CurrentActiveUsers  int
	TotalAllocatedUsers int
	Policy              SessionPolicy
	Audit               AuditInfo
}

// SlotRequest はスロット割り当て要求。
type SlotRequest struct {
	UserID      string
	UserName    string
	MachineID   string
	MachineName string
	IPAddress   string
	Actor       string
}

// VolumetricUserSlot はボリュームライセンスの1席。
type VolumetricUserSlot struct {
	ID                  string
	TenantID            string
	VolumetricLicenseID string
	SlotNumber          int
	UserKey             string
	UserID              string
	UserName            string
	MachineID           string
	MachineName         string
	IPAddress           string
	FirstActivation     *time.Time
	LastActivity        *time.Time
	IsCurrentlyActive   bool
	CurrentSessionStart *time.Time
	LastHeartbeat       *time.Time
	ReleasedAt          *time.Time
	ReleaseReason       string
	Audit               AuditInfo
}

// Matches はスロットが要求と同一の利用者を指すかを返す。
func (s *VolumetricUserSlot) Matches(policy SessionPolicy, req SlotRequest) bool {
	if policy.MatchBy == SlotIdentityMachine {
		return req.MachineID != "" && s.MachineID == req.MachineID
	}
	return req.UserID != "" && s.UserID == req.UserID
}

// TimedOut はスロットがハートビート猶予またはセッション上限を超えたかを返す。
func (s *VolumetricUserSlot) TimedOut(policy SessionPolicy, now time.Time) (bool, string) {
	if !s.IsCurrentlyActive {
		return false, ""
	}
	if policy.InactiveGracePeriodMinutes > 0 {
		last := s.LastHeartbeat
		if last == nil {
			last = s.CurrentSessionStart
		}
		grace := time.Duration(policy.InactiveGracePeriodMinutes) * time.Minute
		if last != nil && now.Sub(*last) > grace {
			return true, "heartbeat"
		}
	}
	if policy.MaxSessionHours > 0 && s.CurrentSessionStart != nil {
		limit := time.Duration(policy.MaxSessionHours) * time.Hour
		if now.Sub(*s.CurrentSessionStart) > limit {
			return true, "session"
		}
	}
	return false, ""
}

// NextSlotNumber は使用済み番号を除いた最小のスロット番号を返す。
func NextSlotNumber(used []int) (int, error) {
	taken := make(map[int]struct{}, len(used))
	for _, n := range used {
		taken[n] = struct{}{}
	}
	for n := 1; n <= MaxSlotNumber; n++ {
		if _, ok := taken[n]; !ok {
			return n, nil
		}
	}
	return 0, ErrSlotSpaceExhausted
}

// Validate はボリュームライセンスの上限値を検査する。
func (v *VolumetricLicense) Validate() error {
	if v.MaxConcurrentUsers < 0 || v.MaxTotalUsers < 0 {
		return fmt.Errorf("%w: seat limits must not be negative", ErrInvalidArgument)
	}
	if v.MaxTotalUsers > MaxSlotNumber {
		return fmt.Errorf("%w: max total users exceeds %d", ErrInvalidArgument, MaxSlotNumber)
	}
	if v.Policy.MaxSessionHours < 0 || v.Policy.InactiveGracePeriodMinutes < 0 {
		return fmt.Errorf("%w: session policy must not be negative", ErrInvalidArgument)
	}
	switch v.Policy.MatchBy {
	case SlotIdentityUser, SlotIdentityMachine:
	default:
		return fmt.Errorf("%w: unknown slot identity %q", ErrInvalidArgument, v.Policy.MatchBy)
	}
	return nil
}
