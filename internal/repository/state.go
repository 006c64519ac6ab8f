package repository

import "time"

// FileState 是文件记录生命周期状态：Live → Expired → Purged，只能前进。
type FileState string

const (
	StateLive    FileState = "live"
	StateExpired FileState = "expired"
	StatePurged  FileState = "purged"
)

func (s FileState) rank() int {
	switch s {
	case StateLive:
		return 0
	case StateExpired:
		return 1
	case StatePurged:
		return 2
	default:
		return -1
	}
}

// CanTransition 判断状态迁移是否合法。相同状态视为幂等迁移，允许。
func CanTransition(from, to FileState) bool {
	if from.rank() < 0 || to.rank() < 0 {
		return false
	}
	return to.rank() >= from.rank()
}

// State 从持久化标志位推导当前状态。
func (r *FileRecord) State() FileState {
	switch {
	case r.Purged:
		return StatePurged
	case r.IsExpired:
		return StateExpired
	default:
		return StateLive
	}
}

// PastExpiry 报告 expires_at 是否已到期（不关心 is_expired 标志）。
func (r *FileRecord) PastExpiry(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// ApplyTransition 在内存中把记录推进到目标状态，供各存储实现复用。
func (r *FileRecord) ApplyTransition(to FileState, at time.Time) error {
	if !CanTransition(r.State(), to) {
		return ErrInvalidTransition
	}
	switch to {
	case StateExpired:
		r.IsExpired = true
	case StatePurged:
		r.IsExpired = true
		r.Purged = true
		purgedAt := at
		r.PurgedAt = &purgedAt
	}
	r.UpdatedAt = at
	return nil
}
