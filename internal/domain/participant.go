package domain

import "time"

// Role 参与者在房间内的角色。
type Role string

const (
	RoleHost        Role = "HOST"
	RoleCoHost      Role = "CO_HOST"
	RoleParticipant Role = "PARTICIPANT"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleCoHost || r == RoleParticipant
}

// IsModerator reports whether r may run host-level room controls.
func (r Role) IsModerator() bool {
	return r == RoleHost || r == RoleCoHost
}

// Participant 只存在于临时存储中，用户断开后即删除。
type Participant struct {
	UserID       uint     `json:"userId"`
	SocketID     string   `json:"socketId"`
	Role         Role     `json:"role"`
	JoinedAtUnix int64    `json:"joinedAt"` // unix millis
	ProducerIDs  []string `json:"producerIds"`
	IsMuted      bool     `json:"isMuted"`
	IsVideoOff   bool     `json:"isVideoOff"`
	HandRaised   bool     `json:"handRaised"`
}

// JoinedAt returns the join timestamp.
func (p *Participant) JoinedAt() time.Time {
	return time.UnixMilli(p.JoinedAtUnix)
}

// WaitingEntry 等候室中尚未被准入的用户。
type WaitingEntry struct {
	UserID          uint   `json:"userId"`
	SocketID        string `json:"socketId"`
	RequestedAtUnix int64  `json:"requestedAt"`
}
