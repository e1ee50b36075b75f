package session

import "time"

// sessionRow mirrors the sessions table exactly, including its
// admin-plane indexes, declared via GORM tags so AutoMigrate produces the
// documented schema.
type sessionRow struct {
	SessionID       string     `gorm:"column:session_id;primaryKey"`
	User            string     `gorm:"column:user;not null;index:idx_sessions_user;index:idx_sessions_user_start,priority:1"`
	StartTime       string     `gorm:"column:start_time;index:idx_sessions_start,sort:desc;index:idx_sessions_user_start,priority:2,sort:desc;index:idx_sessions_status_start,priority:2,sort:desc"`
	EndTime         *string    `gorm:"column:end_time"`
	DurationSecs    *int64     `gorm:"column:duration_secs"`
	SourceIP        string     `gorm:"column:source_ip"`
	SourcePort      int        `gorm:"column:source_port"`
	DestIP          string     `gorm:"column:dest_ip;index:idx_sessions_dest_ip"`
	DestPort        int        `gorm:"column:dest_port"`
	Protocol        string     `gorm:"column:protocol"`
	BytesSent       int64      `gorm:"column:bytes_sent"`
	BytesReceived   int64      `gorm:"column:bytes_received"`
	PacketsSent     int64      `gorm:"column:packets_sent"`
	PacketsReceived int64      `gorm:"column:packets_received"`
	Status          string     `gorm:"column:status;index:idx_sessions_status;index:idx_sessions_status_start,priority:1"`
	CloseReason     *string    `gorm:"column:close_reason"`
	AclDecision     string     `gorm:"column:acl_decision"`
	AclRuleMatched  *string    `gorm:"column:acl_rule_matched"`
}

func (sessionRow) TableName() string { return "sessions" }

// metricsRow mirrors metrics_snapshots exactly.
type metricsRow struct {
	ID             uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	Timestamp      string `gorm:"column:timestamp;index:idx_metrics_timestamp"`
	ActiveSessions int    `gorm:"column:active_sessions"`
	TotalSessions  int    `gorm:"column:total_sessions"`
	Bandwidth      int64  `gorm:"column:bandwidth"`
}

func (metricsRow) TableName() string { return "metrics_snapshots" }

const isoLayout = time.RFC3339
